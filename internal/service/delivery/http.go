package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"verimsg/internal/model"
	"verimsg/internal/utils/log"

	"go.uber.org/zap"
)

const undeliveredKeyPrefix = "delivery:undelivered:"

type (
	// RangeStore persists undelivered-range markers between delivery
	// attempts. Backed by redis in production.
	RangeStore interface {
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
		Del(ctx context.Context, key string) error
	}

	// HTTP posts batches to a counterparty's published inbox endpoint. It is
	// the pull channel's push half: used when the recipient runs their own
	// node rather than holding a live session here.
	HTTP struct {
		client *http.Client
		ranges RangeStore
	}
)

func NewHTTP(ranges RangeStore) *HTTP {
	return &HTTP{
		client: &http.Client{Timeout: 10 * time.Second},
		ranges: ranges,
	}
}

// Supports reports true only for batch delivery. Acks and rejects have no
// meaning on a fire-and-forget inbox post.
func (h *HTTP) Supports(method string) bool {
	return method == MethodDeliverBatch
}

func (h *HTTP) DeliverBatch(ctx context.Context, job *Job) error {
	if job.Friend == nil {
		return fmt.Errorf("no known endpoint for %s: %w", job.Recipient, model.ErrClientUnreachable)
	}

	body, err := json.Marshal(map[string]any{"messages": job.Messages})
	if err != nil {
		return err
	}

	url := job.Friend.URL + "/inbox"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %v: %w", url, err, model.ErrClientUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("inbox at %s rejected batch: status %d: %s", url, resp.StatusCode, msg)
	}
	log.Debug("delivered batch over http",
		zap.String("recipient", job.Recipient),
		zap.Int("count", len(job.Messages)))
	return nil
}

func (h *HTTP) Ack(ctx context.Context, job *Job) error {
	return fmt.Errorf("ack is not supported over http")
}

func (h *HTTP) Reject(ctx context.Context, job *Job) error {
	return fmt.Errorf("reject is not supported over http")
}

// PutUndelivered records where delivery stopped so a later attempt can
// resume the backlog first. Best effort.
func (h *HTTP) PutUndelivered(ctx context.Context, recipient string, r *Range) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := h.ranges.Set(ctx, undeliveredKeyPrefix+recipient, data, 0); err != nil {
		log.Error("failed to record undelivered range",
			zap.String("recipient", recipient), zap.Error(err))
	}
}

// GetUndelivered returns the recorded backlog marker, or ErrNotFound.
func (h *HTTP) GetUndelivered(ctx context.Context, recipient string) (*Range, error) {
	raw, err := h.ranges.Get(ctx, undeliveredKeyPrefix+recipient)
	if err != nil {
		return nil, fmt.Errorf("undelivered range for %s: %w", recipient, model.ErrNotFound)
	}
	var r Range
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (h *HTTP) ClearUndelivered(ctx context.Context, recipient string) {
	if err := h.ranges.Del(ctx, undeliveredKeyPrefix+recipient); err != nil {
		log.Debug("failed to clear undelivered range",
			zap.String("recipient", recipient), zap.Error(err))
	}
}
