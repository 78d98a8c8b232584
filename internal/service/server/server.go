package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"verimsg/internal/config"
	"verimsg/internal/model"
	"verimsg/internal/service/delivery"
	"verimsg/internal/service/messages"
	"verimsg/internal/service/messaging"
	"verimsg/internal/service/sessions"
	"verimsg/internal/service/tasks"
	"verimsg/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxInboundBody  = 16 << 20
	backlogDeadline = 30 * time.Second
)

type (
	// BlobGetter serves extracted media back to counterparties.
	BlobGetter interface {
		GetBlob(ctx context.Context, key string) ([]byte, string, error)
	}

	// Server exposes the node over HTTP: a websocket endpoint for live
	// sessions, an inbox for counterparties to post into, an outbox for
	// local senders, and read endpoints for messages and media.
	Server struct {
		cfg       *config.Config
		messaging *messaging.Service
		messages  *messages.Service
		sessions  *sessions.Service
		delivery  *delivery.Service
		realtime  *delivery.Realtime
		blobs     BlobGetter
		tasks     *tasks.Manager
		upgrader  websocket.Upgrader
	}
)

func New(cfg *config.Config, msging *messaging.Service, msgs *messages.Service,
	sess *sessions.Service, dlv *delivery.Service, realtime *delivery.Realtime,
	blobs BlobGetter, tasks *tasks.Manager) *Server {
	return &Server{
		cfg:       cfg,
		messaging: msging,
		messages:  msgs,
		sessions:  sess,
		delivery:  dlv,
		realtime:  realtime,
		blobs:     blobs,
		tasks:     tasks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/init", s.handleInit).Methods(http.MethodGet)
	r.HandleFunc("/inbox", s.handleInbox).Methods(http.MethodPost)
	r.HandleFunc("/outbox", s.handleOutbox).Methods(http.MethodPost)
	r.HandleFunc("/messages/{permalink}", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/blobs/{key}", s.handleBlob).Methods(http.MethodGet)
	return r
}

func (s *Server) Run() error {
	log.Info("listening", zap.String("addr", s.cfg.Listen))
	return http.ListenAndServe(s.cfg.Listen, s.Router())
}

// handleInit upgrades to a websocket, registers a live session for the
// counterparty, and kicks off delivery of their backlog.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	permalink := r.URL.Query().Get("permalink")
	if permalink == "" {
		http.Error(w, "permalink is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	s.realtime.Register(clientID, conn)
	if err := s.sessions.Register(r.Context(), permalink, clientID); err != nil {
		log.Error("failed to register session", zap.Error(err))
		s.realtime.Unregister(clientID)
		conn.Close()
		return
	}

	s.tasks.Add("deliver-backlog", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, backlogDeadline)
		defer cancel()
		_, err := s.delivery.DeliverMessages(ctx, &delivery.Request{
			Recipient: permalink,
			ClientID:  clientID,
			BatchSize: s.cfg.Queue.BatchSize,
		})
		return err
	})

	go s.readLoop(permalink, clientID, conn)
}

func (s *Server) readLoop(permalink, clientID string, conn *websocket.Conn) {
	defer func() {
		s.realtime.Unregister(clientID)
		if err := s.sessions.Unregister(context.Background(), clientID); err != nil {
			log.Debug("session teardown failed", zap.Error(err))
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("session closed",
				zap.String("permalink", permalink), zap.Error(err))
			return
		}

		m, err := messaging.ParseInbound(data)
		if err != nil {
			s.writeSocketError(conn, err)
			continue
		}
		if _, err := s.messaging.ReceiveMessage(context.Background(), m); err != nil {
			if errors.Is(err, model.ErrDuplicate) {
				log.Debug("dropping replayed message", zap.String("permalink", permalink))
				continue
			}
			log.Warn("rejected inbound message",
				zap.String("permalink", permalink), zap.Error(err))
			s.writeSocketError(conn, err)
		}
	}
}

func (s *Server) writeSocketError(conn *websocket.Conn, err error) {
	payload := map[string]any{"type": "error", "error": err.Error()}
	if werr := conn.WriteJSON(payload); werr != nil {
		log.Debug("failed to write socket error", zap.Error(werr))
	}
}

// handleInbox accepts a posted envelope from a counterparty's node.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	// Either one envelope or a batch under "messages".
	envelopes, err := parseInboxBody(data)
	if err != nil {
		writeError(w, err)
		return
	}

	accepted := make([]string, 0, len(envelopes))
	for _, m := range envelopes {
		stored, err := s.messaging.ReceiveMessage(r.Context(), m)
		if err != nil {
			if errors.Is(err, model.ErrDuplicate) {
				continue
			}
			writeError(w, err)
			return
		}
		accepted = append(accepted, stored.Link)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
}

func parseInboxBody(data []byte) ([]*model.Envelope, error) {
	var batch struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &batch); err == nil && batch.Messages != nil {
		out := make([]*model.Envelope, 0, len(batch.Messages))
		for _, raw := range batch.Messages {
			m, err := messaging.ParseInbound(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, nil
	}
	m, err := messaging.ParseInbound(data)
	if err != nil {
		return nil, err
	}
	return []*model.Envelope{m}, nil
}

// handleOutbox queues a message from this node to a recipient and attempts
// live delivery in the background.
func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Recipient string         `json:"recipient"`
		Object    map[string]any `json:"object,omitempty"`
		Link      string         `json:"link,omitempty"`
		Time      int64          `json:"time,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxInboundBody)).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if req.Recipient == "" {
		http.Error(w, "recipient is required", http.StatusBadRequest)
		return
	}

	opts := &messaging.SendOpts{
		Recipient: req.Recipient,
		Link:      req.Link,
		Time:      req.Time,
	}
	if req.Object != nil {
		opts.Object = model.SignedObject(req.Object)
	}

	m, err := s.messaging.QueueMessage(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}

	s.tasks.Add("live-delivery", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, backlogDeadline)
		defer cancel()
		return s.messaging.AttemptLiveDelivery(ctx, &messaging.LiveDeliveryOpts{
			Recipient: m.Recipient,
			Messages:  []*model.Envelope{m},
		})
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"link": m.Link,
		"seq":  m.Seq,
	})
}

// handleMessages pages a counterparty's outbound queue, resuming by
// timestamp (gt) or after a specific envelope (afterTime and afterSeq).
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	permalink := mux.Vars(r)["permalink"]
	q := r.URL.Query()

	gt := queryInt(q.Get("gt"), 0)
	limit := queryInt(q.Get("limit"), s.cfg.Queue.BatchSize)
	var after *model.Cursor
	if q.Get("afterTime") != "" {
		after = &model.Cursor{
			Time: queryInt(q.Get("afterTime"), 0),
			Seq:  queryInt(q.Get("afterSeq"), 0),
		}
	}

	list, err := s.messages.MessagesTo(r.Context(), permalink, gt, after, limit, true)
	if err != nil {
		writeError(w, err)
		return
	}

	wire := make([]model.SignedObject, len(list))
	for i, m := range list {
		wire[i] = s.messages.FormatForDelivery(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": wire})
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	data, mime, err := s.blobs.GetBlob(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if mime != "" {
		w.Header().Set("Content-Type", mime)
	}
	w.Write(data)
}

func queryInt(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug("failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var svcErr *model.ServiceError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidMessageFormat),
		errors.Is(err, model.ErrInvalidSignature),
		errors.Is(err, model.ErrInvalidAuthor),
		errors.Is(err, model.ErrInvalidVersion),
		errors.Is(err, model.ErrIdentityCollision),
		errors.Is(err, model.ErrTimeTravel):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrDuplicate):
		status = http.StatusConflict
	case errors.As(err, &svcErr) && svcErr.Retryable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
