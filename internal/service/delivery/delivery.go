package delivery

import (
	"context"
	"fmt"
	"time"

	"verimsg/internal/model"
	"verimsg/internal/utils/log"

	"go.uber.org/zap"
)

// MaxBatchSize bounds how many envelopes go to a transport per page.
// minBatchDeliveryTime is the safety threshold: when less execution budget
// than this remains, the loop stops and reports partial progress.
const (
	MaxBatchSize         = 5
	minBatchDeliveryTime = 2 * time.Second
)

// Transport methods, used for capability checks during selection.
const (
	MethodDeliverBatch = "deliverBatch"
	MethodAck          = "ack"
	MethodReject       = "reject"
)

type (
	// Range describes where delivery should resume: after a timestamp, or
	// strictly after a specific envelope.
	Range struct {
		After        int64         `json:"after,omitempty"`
		AfterMessage *model.Cursor `json:"afterMessage,omitempty"`
	}

	// Request asks for everything newer than Range to be delivered to one
	// recipient.
	Request struct {
		Recipient string
		ClientID  string
		Friend    *model.Friend
		Range     Range
		BatchSize int64
	}

	// Result reports how far delivery got. When Finished is false the
	// returned range lets the caller resume later.
	Result struct {
		Finished bool
		Range    Range
	}

	// Job is one batch of already-signed envelopes bound for one recipient.
	Job struct {
		Recipient string
		ClientID  string
		Friend    *model.Friend
		Messages  []model.SignedObject
	}

	// Transport drives one delivery channel.
	Transport interface {
		DeliverBatch(ctx context.Context, job *Job) error
		Ack(ctx context.Context, job *Job) error
		Reject(ctx context.Context, job *Job) error
		Supports(method string) bool
	}

	// MessageSource pages outbound envelopes for a recipient.
	MessageSource interface {
		MessagesTo(ctx context.Context, recipient string, gt int64, after *model.Cursor, limit int64, body bool) ([]*model.Envelope, error)
		FormatForDelivery(m *model.Envelope) model.SignedObject
	}

	// Presigner rewrites embedded media references into fetchable URLs.
	Presigner interface {
		PresignEmbeddedMediaLinks(o model.SignedObject) model.SignedObject
	}

	// FriendResolver finds a direct endpoint for a recipient.
	FriendResolver interface {
		ByPermalink(ctx context.Context, permalink string) (*model.Friend, error)
	}

	// Service picks a transport per recipient and drives paged batch
	// delivery with a resumable watermark.
	Service struct {
		messages MessageSource
		objects  Presigner
		friends  FriendResolver
		realtime Transport
		http     *HTTP
	}
)

func New(messages MessageSource, objects Presigner, friends FriendResolver, realtime Transport, http *HTTP) *Service {
	return &Service{
		messages: messages,
		objects:  objects,
		friends:  friends,
		realtime: realtime,
		http:     http,
	}
}

// DeliverBatch presigns each envelope's media and hands the batch to the
// chosen transport.
func (d *Service) DeliverBatch(ctx context.Context, job *Job) error {
	for _, o := range job.Messages {
		d.objects.PresignEmbeddedMediaLinks(o)
	}
	transport, err := d.transportFor(ctx, MethodDeliverBatch, job)
	if err != nil {
		return err
	}
	return transport.DeliverBatch(ctx, job)
}

func (d *Service) Ack(ctx context.Context, job *Job) error {
	transport, err := d.transportFor(ctx, MethodAck, job)
	if err != nil {
		return err
	}
	return transport.Ack(ctx, job)
}

func (d *Service) Reject(ctx context.Context, job *Job) error {
	transport, err := d.transportFor(ctx, MethodReject, job)
	if err != nil {
		return err
	}
	return transport.Reject(ctx, job)
}

// DeliverMessages pages through the recipient's outbound backlog and
// delivers it batch by batch. The watermark advances to "after the last
// delivered envelope" rather than by timestamp, so same-millisecond
// neighbors and partial progress resume correctly.
func (d *Service) DeliverMessages(ctx context.Context, req *Request) (*Result, error) {
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = MaxBatchSize
	}

	after := req.Range.AfterMessage
	gt := req.Range.After
	result := &Result{Range: req.Range}

	log.Debug("delivering messages",
		zap.String("recipient", req.Recipient),
		zap.Int64("after", gt))

	for {
		batch, err := d.messages.MessagesTo(ctx, req.Recipient, gt, after, batchSize, true)
		if err != nil {
			return nil, err
		}
		log.Debug("found messages for delivery",
			zap.String("recipient", req.Recipient),
			zap.Int("count", len(batch)))
		if len(batch) == 0 {
			result.Finished = true
			d.http.ClearUndelivered(ctx, req.Recipient)
			break
		}

		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < minBatchDeliveryTime {
			log.Info("delivery ran out of time", zap.String("recipient", req.Recipient))
			break
		}

		job := &Job{
			Recipient: req.Recipient,
			ClientID:  req.ClientID,
			Friend:    req.Friend,
			Messages:  formatAll(d.messages, batch),
		}
		if err := d.DeliverBatch(ctx, job); err != nil {
			remaining := Range{After: gt, AfterMessage: after}
			d.http.PutUndelivered(ctx, req.Recipient, &remaining)
			return result, err
		}

		last := batch[len(batch)-1]
		after = last.CursorAfter()
		result.Range.AfterMessage = after
		result.Range.After = 0
	}

	return result, nil
}

// UndeliveredRange reports the backlog marker a failed pull-channel
// delivery left behind for this recipient, if any.
func (d *Service) UndeliveredRange(ctx context.Context, recipient string) (*Range, error) {
	return d.http.GetUndelivered(ctx, recipient)
}

// transportFor chooses the channel for a job: the realtime channel when a
// live session is at hand, the pull channel when a direct endpoint is known
// or the method needs one, and otherwise whatever a friend lookup turns up.
func (d *Service) transportFor(ctx context.Context, method string, job *Job) (Transport, error) {
	if job.ClientID != "" || !d.http.Supports(method) {
		return d.realtime, nil
	}
	if job.Friend != nil || !d.realtime.Supports(method) {
		return d.http, nil
	}

	friend, err := d.friends.ByPermalink(ctx, job.Recipient)
	if err != nil {
		log.Debug("cannot determine transport for recipient",
			zap.String("recipient", job.Recipient))
		return nil, fmt.Errorf("%s is unreachable for live delivery: %w",
			job.Recipient, model.ErrClientUnreachable)
	}
	job.Friend = friend
	return d.http, nil
}

func formatAll(src MessageSource, batch []*model.Envelope) []model.SignedObject {
	out := make([]model.SignedObject, len(batch))
	for i, m := range batch {
		out[i] = src.FormatForDelivery(m)
	}
	return out
}
