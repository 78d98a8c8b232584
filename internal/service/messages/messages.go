package messages

import (
	"context"
	"fmt"

	"verimsg/internal/cryptographic/contenthash"
	"verimsg/internal/model"
	"verimsg/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// MessageRepo is the durable envelope storage: an inbox ordered per
	// sender and an outbox ordered per recipient, with the uniqueness
	// guarantees described in the repository package.
	MessageRepo interface {
		PutInbound(ctx context.Context, m *model.Envelope) error
		PutOutbound(ctx context.Context, m *model.Envelope) error
		From(ctx context.Context, author string, gt int64, limit int64) ([]*model.Envelope, error)
		To(ctx context.Context, recipient string, gt int64, after *model.Cursor, limit int64) ([]*model.Envelope, error)
		LastFrom(ctx context.Context, author string) (*model.Envelope, error)
		LastTo(ctx context.Context, recipient string) (*model.Envelope, error)
		InboundByLink(ctx context.Context, link string) (*model.Envelope, error)
	}

	// ObjectStore is the slice of the object store needed to re-attach
	// payload bodies.
	ObjectStore interface {
		Get(ctx context.Context, link string) (model.SignedObject, error)
		Prefetch(link string)
	}

	// Service is the ordered message-envelope store.
	Service struct {
		repo    MessageRepo
		objects ObjectStore
	}
)

func New(repo MessageRepo, objects ObjectStore) *Service {
	return &Service{
		repo:    repo,
		objects: objects,
	}
}

// PutMessage persists an envelope in the index for its direction, deriving
// the payload metadata fields first.
func (s *Service) PutMessage(ctx context.Context, m *model.Envelope) error {
	if m.Object != nil {
		m.PayloadLink = m.Object.Link()
		m.PayloadType = m.Object.Type()
		m.PayloadAuthor = m.Object.Author()
	}
	if m.Link == "" {
		link, err := contenthash.Link(m.ToObject())
		if err != nil {
			return err
		}
		m.Link = link
	}

	if m.Inbound {
		return s.repo.PutInbound(ctx, m.StripData())
	}
	return s.repo.PutOutbound(ctx, m.StripData())
}

// MessagesFrom returns inbound envelopes from author with time > gt.
func (s *Service) MessagesFrom(ctx context.Context, author string, gt int64, limit int64, body bool) ([]*model.Envelope, error) {
	log.Debug("looking up inbound messages", zap.String("author", author), zap.Int64("gt", gt))
	list, err := s.repo.From(ctx, author, gt, limit)
	if err != nil {
		return nil, err
	}
	return s.maybeLoadAll(ctx, list, body)
}

// MessagesTo returns outbound envelopes for recipient, optionally resuming
// after a specific envelope rather than purely by timestamp.
func (s *Service) MessagesTo(ctx context.Context, recipient string, gt int64, after *model.Cursor, limit int64, body bool) ([]*model.Envelope, error) {
	log.Debug("looking up outbound messages", zap.String("recipient", recipient), zap.Int64("gt", gt))
	list, err := s.repo.To(ctx, recipient, gt, after, limit)
	if err != nil {
		return nil, err
	}
	return s.maybeLoadAll(ctx, list, body)
}

func (s *Service) LastMessageFrom(ctx context.Context, author string, body bool) (*model.Envelope, error) {
	m, err := s.repo.LastFrom(ctx, author)
	if err != nil {
		return nil, err
	}
	return s.maybeLoad(ctx, m, body)
}

func (s *Service) LastMessageTo(ctx context.Context, recipient string, body bool) (*model.Envelope, error) {
	m, err := s.repo.LastTo(ctx, recipient)
	if err != nil {
		return nil, err
	}
	return s.maybeLoad(ctx, m, body)
}

// LastSeqAndLink returns the allocation state for the next outbound
// envelope to recipient, or nil when nothing was ever sent to them.
func (s *Service) LastSeqAndLink(ctx context.Context, recipient string) (*model.SeqAndLink, error) {
	log.Debug("looking up last message", zap.String("recipient", recipient))
	last, err := s.repo.LastTo(ctx, recipient)
	if err != nil {
		if model.IgnoreNotFound(err) == nil {
			return nil, nil
		}
		return nil, err
	}
	return &model.SeqAndLink{Seq: last.Seq, Link: last.Link}, nil
}

// NextProps derives the seq and prevToRecipient fields for a new outbound
// envelope from the previous allocation state.
func NextProps(last *model.SeqAndLink) (seq int64, prevToRecipient string) {
	if last == nil {
		return 0, ""
	}
	return last.Seq + 1, last.Link
}

// AssertTimestampIncreased rejects an inbound envelope that was already
// accepted (ErrDuplicate) or whose timestamp does not strictly increase
// relative to the sender's last accepted envelope (ErrTimeTravel). A sender
// with no prior envelope passes.
func (s *Service) AssertTimestampIncreased(ctx context.Context, m *model.Envelope) error {
	link := m.Link
	if link == "" {
		var err error
		if link, err = contenthash.Link(m.ToObject()); err != nil {
			return err
		}
	}

	prev, err := s.repo.LastFrom(ctx, m.Author)
	if err != nil {
		return model.IgnoreNotFound(err)
	}

	if prev.Link == link {
		return fmt.Errorf("message %s: %w", link, model.ErrDuplicate)
	}
	if prev.Time >= m.Time {
		log.Debug("timestamp did not increase",
			zap.String("link", link),
			zap.String("prev", prev.Link))
		return fmt.Errorf("message %s is not newer than %s: %w", link, prev.Link, model.ErrTimeTravel)
	}
	return nil
}

// InboundByLink looks an accepted inbound envelope up by link.
func (s *Service) InboundByLink(ctx context.Context, link string) (*model.Envelope, error) {
	return s.repo.InboundByLink(ctx, link)
}

// LoadMessage re-attaches the payload body from the object store onto the
// stored envelope, preserving the payload's virtual metadata.
func (s *Service) LoadMessage(ctx context.Context, m *model.Envelope) (*model.Envelope, error) {
	body, err := s.objects.Get(ctx, m.PayloadLink)
	if err != nil {
		return nil, err
	}
	merged := body.Clone()
	if m.Object != nil {
		merged.SetVirtual(m.Object.PickVirtual())
	}
	m.Object = merged
	return m, nil
}

// FormatForDelivery renders the envelope in the form a counterparty
// accepts: canonical properties only.
func (s *Service) FormatForDelivery(m *model.Envelope) model.SignedObject {
	return m.ToObject()
}

func (s *Service) maybeLoad(ctx context.Context, m *model.Envelope, body bool) (*model.Envelope, error) {
	if !body {
		return m, nil
	}
	return s.LoadMessage(ctx, m)
}

func (s *Service) maybeLoadAll(ctx context.Context, list []*model.Envelope, body bool) ([]*model.Envelope, error) {
	if !body {
		return list, nil
	}
	for _, m := range list {
		if _, err := s.LoadMessage(ctx, m); err != nil {
			return nil, err
		}
	}
	return list, nil
}
