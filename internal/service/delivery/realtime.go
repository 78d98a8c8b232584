package delivery

import (
	"context"
	"fmt"
	"sync"

	"verimsg/internal/model"
	"verimsg/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	// Realtime pushes batches over live websocket connections, keyed by the
	// client id minted when the session was opened.
	Realtime struct {
		mu    sync.Mutex
		conns map[string]*websocket.Conn
	}

	wireBatch struct {
		Type     string               `json:"type"`
		Messages []model.SignedObject `json:"messages,omitempty"`
	}
)

func NewRealtime() *Realtime {
	return &Realtime{
		conns: make(map[string]*websocket.Conn),
	}
}

// Register attaches a live connection under a client id, replacing any
// stale one.
func (r *Realtime) Register(clientID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[clientID]; ok && old != conn {
		old.Close()
	}
	r.conns[clientID] = conn
	log.Debug("registered realtime client", zap.String("clientID", clientID))
}

// Unregister drops the connection for a client id. The caller closes the
// underlying connection.
func (r *Realtime) Unregister(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, clientID)
	log.Debug("unregistered realtime client", zap.String("clientID", clientID))
}

// Supports reports true for every method: a live socket can carry batches
// and control frames alike.
func (r *Realtime) Supports(method string) bool {
	return true
}

func (r *Realtime) DeliverBatch(ctx context.Context, job *Job) error {
	return r.write(job.ClientID, &wireBatch{Type: MethodDeliverBatch, Messages: job.Messages})
}

func (r *Realtime) Ack(ctx context.Context, job *Job) error {
	return r.write(job.ClientID, &wireBatch{Type: MethodAck, Messages: job.Messages})
}

func (r *Realtime) Reject(ctx context.Context, job *Job) error {
	return r.write(job.ClientID, &wireBatch{Type: MethodReject, Messages: job.Messages})
}

// write serializes writes across all connections; gorilla permits only one
// concurrent writer per connection.
func (r *Realtime) write(clientID string, payload *wireBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[clientID]
	if !ok {
		return fmt.Errorf("no live connection for client %s: %w", clientID, model.ErrClientUnreachable)
	}
	if err := conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("writing to client %s: %v: %w", clientID, err, model.ErrClientUnreachable)
	}
	return nil
}
