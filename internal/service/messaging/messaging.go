package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"verimsg/internal/config"
	"verimsg/internal/cryptographic/contenthash"
	"verimsg/internal/model"
	"verimsg/internal/service/delivery"
	"verimsg/internal/service/identities"
	"verimsg/internal/service/messages"
	"verimsg/internal/service/objects"
	"verimsg/internal/service/sessions"
	"verimsg/internal/service/tasks"
	"verimsg/internal/utils/locker"
	"verimsg/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// Deliverer hands accepted batches to whichever transport can reach the
	// recipient.
	Deliverer interface {
		DeliverBatch(ctx context.Context, job *delivery.Job) error
		DeliverMessages(ctx context.Context, req *delivery.Request) (*delivery.Result, error)
		UndeliveredRange(ctx context.Context, recipient string) (*delivery.Range, error)
	}

	// SessionStore reports live realtime sessions.
	SessionStore interface {
		LiveSession(ctx context.Context, permalink string) (*sessions.Session, error)
	}

	// FriendStore resolves direct endpoints for counterparties.
	FriendStore interface {
		ByPermalink(ctx context.Context, permalink string) (*model.Friend, error)
	}

	// SealWatcher registers external anchoring references for later
	// confirmation.
	SealWatcher interface {
		PutWatch(ctx context.Context, seal *model.SealRef, objectLink string) error
	}

	// PushClient nudges unreachable recipients through a push server.
	PushClient interface {
		Push(ctx context.Context, subscriber string) error
		EnsureRegistered(ctx context.Context) error
	}

	// Deps collects the orchestrator's collaborators. Push is optional.
	Deps struct {
		Objects    *objects.Service
		Identities *identities.Service
		Messages   *messages.Service
		Local      *identities.Local
		Friends    FriendStore
		Sessions   SessionStore
		Delivery   Deliverer
		Seals      SealWatcher
		Push       PushClient
		Tasks      *tasks.Manager
		Network    config.Network
		Queue      config.Queue
	}

	// Service orchestrates the two halves of the exchange: accepting inbound
	// envelopes and queueing outbound ones.
	Service struct {
		objects    *objects.Service
		identities *identities.Service
		messages   *messages.Service
		local      *identities.Local
		friends    FriendStore
		sessions   SessionStore
		delivery   Deliverer
		seals      SealWatcher
		push       PushClient
		tasks      *tasks.Manager
		locks      *locker.Locker
		network    config.Network

		noTimeTravel bool
		retries      int
		backoff      time.Duration
	}

	// SendOpts describes one outbound message: either a payload to sign and
	// store, or the link of an already stored one.
	SendOpts struct {
		Recipient string
		Object    model.SignedObject
		Link      string
		Time      int64
	}

	// LiveDeliveryOpts carries freshly queued envelopes toward an immediate
	// delivery attempt. Session and Friend are resolved when nil.
	LiveDeliveryOpts struct {
		Recipient string
		Messages  []*model.Envelope
		Session   *sessions.Session
		Friend    *model.Friend
	}

	// payloadForms tracks the payload in both shapes it takes during a send:
	// as signed (media inlined, what the counterparty verifies) and as stored
	// (media extracted to blob references).
	payloadForms struct {
		asSigned model.SignedObject
		asStored model.SignedObject
	}
)

func New(deps Deps) *Service {
	return &Service{
		objects:      deps.Objects,
		identities:   deps.Identities,
		messages:     deps.Messages,
		local:        deps.Local,
		friends:      deps.Friends,
		sessions:     deps.Sessions,
		delivery:     deps.Delivery,
		seals:        deps.Seals,
		push:         deps.Push,
		tasks:        deps.Tasks,
		locks:        locker.New(),
		network:      deps.Network,
		noTimeTravel: deps.Queue.NoTimeTravel,
		retries:      deps.Queue.Retries,
		backoff:      deps.Queue.Backoff,
	}
}

// ParseInbound decodes a wire envelope. Malformed input surfaces as
// ErrInvalidMessageFormat.
func ParseInbound(data []byte) (*model.Envelope, error) {
	m := &model.Envelope{}
	if err := json.Unmarshal(data, m); err != nil {
		if errors.Is(err, model.ErrInvalidMessageFormat) {
			return nil, err
		}
		return nil, fmt.Errorf("%v: %w", err, model.ErrInvalidMessageFormat)
	}
	return m, nil
}

// ReceiveMessage validates and persists one inbound envelope: signature
// checks on envelope and payload, contact admission for introduced
// identities, version-chain and replay checks, then a concurrent write of
// payload and envelope. The returned envelope carries all derived metadata.
func (s *Service) ReceiveMessage(ctx context.Context, m *model.Envelope) (*model.Envelope, error) {
	if m == nil || m.Object == nil || m.RecipientPubKey == nil {
		return nil, fmt.Errorf("message missing object or recipient key: %w", model.ErrInvalidMessageFormat)
	}
	if m.Object.HasVirtual() {
		return nil, fmt.Errorf("inbound payload must not carry derived metadata: %w", model.ErrInvalidMessageFormat)
	}

	if identity := model.IntroducedIdentity(m.Object); identity != nil {
		if err := s.identities.ValidateAndAdd(ctx, identity); err != nil {
			return nil, err
		}
	}

	if err := s.normalizeAndValidate(ctx, m); err != nil {
		return nil, err
	}

	if err := s.persistInbound(ctx, m); err != nil {
		return nil, err
	}

	if m.Seal != nil {
		seal := m.Seal
		payloadLink := m.PayloadLink
		s.tasks.Add("watch-seal", func(ctx context.Context) error {
			return s.WatchSealedPayload(ctx, seal, payloadLink)
		})
	}

	// Warm the author's identity for the follow-up reads this message
	// usually triggers.
	author := m.Author
	s.tasks.Add("warm-author", func(ctx context.Context) error {
		_, err := s.identities.ByPermalink(ctx, author)
		return model.IgnoreNotFound(err)
	})

	log.Debug("received message",
		zap.String("author", m.Author),
		zap.String("link", m.Link),
		zap.Int64("seq", m.Seq))
	return m, nil
}

func (s *Service) normalizeAndValidate(ctx context.Context, m *model.Envelope) error {
	if err := s.objects.ResolveEmbeds(ctx, m.Object); err != nil {
		return err
	}

	envelopeKey, err := contenthash.ExtractSignerPubKey(m.ToObject())
	if err != nil {
		return err
	}
	m.SigPubKey = envelopeKey.Pub
	if m.Link, err = contenthash.Link(m.ToObject()); err != nil {
		return err
	}

	if err := s.objects.AddMetadata(m.Object); err != nil {
		return err
	}

	if err := s.identities.AddEnvelopeAuthorInfo(ctx, m); err != nil {
		return err
	}

	// Most payloads are signed by the envelope's author; resolving them
	// again would repeat the same directory lookup.
	if m.Object.SigPubKey() == m.SigPubKey {
		m.Object.SetVirtual(map[string]any{model.AuthorVirtual: m.Author})
	} else if err := s.identities.AddAuthorInfo(ctx, m.Object); err != nil {
		return err
	}

	if prevlink := m.Object.Prevlink(); prevlink != "" {
		s.objects.Prefetch(prevlink)
		if err := s.objects.ValidateNewVersion(ctx, m.Object); err != nil {
			if model.IgnoreNotFound(err) != nil {
				return err
			}
			// The previous version never reached this node. Let the payload
			// in rather than hold the conversation hostage to ordering.
			log.Warn("cannot validate version chain, previous version unknown",
				zap.String("prevlink", prevlink))
		}
	}

	if s.noTimeTravel {
		if err := s.messages.AssertTimestampIncreased(ctx, m); err != nil {
			return err
		}
	}

	m.Inbound = true
	return nil
}

func (s *Service) persistInbound(ctx context.Context, m *model.Envelope) error {
	g, gctx := errgroup.WithContext(ctx)
	var stored model.SignedObject
	g.Go(func() error {
		var err error
		stored, err = s.objects.Put(gctx, m.Object)
		return err
	})
	g.Go(func() error {
		return s.messages.PutMessage(gctx, m)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	m.Object = stored
	return nil
}

// QueueMessage signs and persists one outbound envelope, allocating the
// next position in the recipient's outbound order.
func (s *Service) QueueMessage(ctx context.Context, opts *SendOpts) (*model.Envelope, error) {
	release, err := s.locks.Lock(ctx, opts.Recipient)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.doQueueMessage(ctx, opts)
}

// QueueMessageBatch queues several messages, grouped by recipient.
// Different recipients proceed concurrently; sends to the same recipient
// stay in the order given. Results are returned in input order.
func (s *Service) QueueMessageBatch(ctx context.Context, batch []*SendOpts) ([]*model.Envelope, error) {
	byRecipient := make(map[string][]int)
	for i, opts := range batch {
		byRecipient[opts.Recipient] = append(byRecipient[opts.Recipient], i)
	}

	results := make([]*model.Envelope, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for recipient, indices := range byRecipient {
		recipient, indices := recipient, indices
		g.Go(func() error {
			release, err := s.locks.Lock(gctx, recipient)
			if err != nil {
				return err
			}
			defer release()
			for _, i := range indices {
				m, err := s.doQueueMessage(gctx, batch[i])
				if err != nil {
					return err
				}
				results[i] = m
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// doQueueMessage runs the allocation loop: derive seq and prevToRecipient
// from the last stored envelope, sign, and insert conditionally. A position
// conflict means a competing writer won; re-read and retry. The caller must
// hold the recipient's lock.
func (s *Service) doQueueMessage(ctx context.Context, opts *SendOpts) (*model.Envelope, error) {
	if opts.Time == 0 {
		opts.Time = time.Now().UnixMilli()
	}

	payload, err := s.getOrCreatePayload(ctx, opts)
	if err != nil {
		return nil, err
	}

	recipientIdentity, err := s.identities.ByPermalink(ctx, opts.Recipient)
	if err != nil {
		return nil, err
	}
	recipientKey, err := model.SigningKey(recipientIdentity)
	if err != nil {
		return nil, err
	}

	prev, err := s.messages.LastSeqAndLink(ctx, opts.Recipient)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		seq, prevToRecipient := messages.NextProps(prev)
		m := &model.Envelope{
			Time:            opts.Time,
			Seq:             seq,
			PrevToRecipient: prevToRecipient,
			RecipientPubKey: recipientKey,
			Object:          payload.asSigned,
		}
		if err := s.local.SignEnvelope(m); err != nil {
			return nil, err
		}
		m.Author = s.local.Permalink()
		m.Recipient = opts.Recipient

		err := s.messages.PutMessage(ctx, m)
		if err == nil {
			m.Object = payload.asStored
			log.Debug("queued message",
				zap.String("recipient", opts.Recipient),
				zap.Int64("seq", seq))
			return m, nil
		}
		if !errors.Is(err, model.ErrDuplicate) {
			return nil, err
		}

		log.Info("outbound position taken, retrying",
			zap.String("recipient", opts.Recipient),
			zap.Int64("seq", seq))
		if err := sleep(ctx, s.backoff); err != nil {
			return nil, err
		}
		if prev, err = s.messages.LastSeqAndLink(ctx, opts.Recipient); err != nil {
			return nil, err
		}
	}

	return nil, &model.ServiceError{
		Service:   "messages",
		Message:   fmt.Sprintf("failed to queue message to %s after %d attempts", opts.Recipient, s.retries),
		Retryable: true,
	}
}

// getOrCreatePayload resolves the payload into both of its forms, signing
// and storing it first when it is new.
func (s *Service) getOrCreatePayload(ctx context.Context, opts *SendOpts) (*payloadForms, error) {
	forms := &payloadForms{}

	switch {
	case opts.Object != nil:
		obj := opts.Object
		if obj.Sig() == "" {
			signed, err := s.local.Sign(obj)
			if err != nil {
				return nil, err
			}
			forms.asSigned = signed
			obj = signed
		}
		stored, err := s.objects.Put(ctx, obj)
		if err != nil {
			return nil, err
		}
		forms.asStored = stored
	case opts.Link != "":
		stored, err := s.objects.Get(ctx, opts.Link)
		if err != nil {
			return nil, err
		}
		forms.asStored = stored
	default:
		return nil, fmt.Errorf("send options carry neither object nor link: %w", model.ErrInvalidMessageFormat)
	}

	if forms.asSigned == nil {
		resolved := forms.asStored.Clone()
		if err := s.objects.ResolveEmbeds(ctx, resolved); err != nil {
			return nil, err
		}
		forms.asSigned = resolved
	}
	forms.asSigned.CopyVirtual(forms.asStored)
	return forms, nil
}

// AttemptLiveDelivery tries to hand freshly queued envelopes to the
// recipient right away. Unreachable recipients are not an error: the
// backlog waits, and a push notification goes out when configured.
func (s *Service) AttemptLiveDelivery(ctx context.Context, opts *LiveDeliveryOpts) error {
	if len(opts.Messages) == 0 {
		return nil
	}

	if opts.Session == nil {
		session, err := s.sessions.LiveSession(ctx, opts.Recipient)
		if err != nil && model.IgnoreNotFound(err) != nil {
			return err
		}
		opts.Session = session
	}
	if opts.Session == nil && opts.Friend == nil {
		friend, err := s.friends.ByPermalink(ctx, opts.Recipient)
		if err != nil && model.IgnoreNotFound(err) != nil {
			return err
		}
		opts.Friend = friend
	}

	err := s.deliverLive(ctx, opts)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrNotFound):
		log.Debug("live delivery canceled", zap.String("recipient", opts.Recipient))
		return nil
	case errors.Is(err, model.ErrClientUnreachable):
		log.Debug("client unreachable, falling back to push",
			zap.String("recipient", opts.Recipient))
		if s.push != nil {
			if perr := s.SendPushNotification(ctx, opts.Recipient); perr != nil {
				log.Error("push notification failed",
					zap.String("recipient", opts.Recipient), zap.Error(perr))
			}
		}
		return nil
	default:
		log.Error("live delivery failed",
			zap.String("recipient", opts.Recipient), zap.Error(err))
		return err
	}
}

func (s *Service) deliverLive(ctx context.Context, opts *LiveDeliveryOpts) error {
	if opts.Friend != nil {
		delivered, err := s.deliverPreviouslyUndelivered(ctx, opts.Recipient, opts.Friend)
		if err != nil {
			return err
		}
		if delivered {
			// The fresh envelopes went out as part of the backlog sweep.
			return nil
		}
	}

	wire := make([]model.SignedObject, len(opts.Messages))
	for i, m := range opts.Messages {
		wire[i] = s.messages.FormatForDelivery(m)
	}

	job := &delivery.Job{
		Recipient: opts.Recipient,
		Friend:    opts.Friend,
		Messages:  wire,
	}
	if opts.Session != nil {
		job.ClientID = opts.Session.ClientID
	}
	return s.delivery.DeliverBatch(ctx, job)
}

// deliverPreviouslyUndelivered resumes a backlog left by an earlier failed
// delivery. Returns true when a sweep ran, meaning everything up to now,
// fresh envelopes included, has been delivered.
func (s *Service) deliverPreviouslyUndelivered(ctx context.Context, recipient string, friend *model.Friend) (bool, error) {
	r, err := s.delivery.UndeliveredRange(ctx, recipient)
	if err != nil {
		return false, model.IgnoreNotFound(err)
	}

	log.Debug("delivering previously undelivered messages",
		zap.String("recipient", recipient))
	_, err = s.delivery.DeliverMessages(ctx, &delivery.Request{
		Recipient: recipient,
		Friend:    friend,
		Range:     *r,
	})
	return err == nil, err
}

// WatchSealedPayload registers a seal for confirmation watching when it
// names this node's network. Seals for other networks are logged and
// dropped; re-registrations are fine.
func (s *Service) WatchSealedPayload(ctx context.Context, seal *model.SealRef, objectLink string) error {
	if seal.Blockchain != s.network.Flavor || seal.Network != s.network.Name {
		log.Warn("seal is on a different network, not watching",
			zap.String("blockchain", seal.Blockchain),
			zap.String("network", seal.Network))
		return nil
	}
	return model.IgnoreDuplicate(s.seals.PutWatch(ctx, seal, objectLink))
}

// SendPushNotification nudges a recipient's devices through the push
// server.
func (s *Service) SendPushNotification(ctx context.Context, recipient string) error {
	if s.push == nil {
		return fmt.Errorf("no push server configured")
	}
	return s.push.Push(ctx, recipient)
}

// RegisterWithPushServer announces this node to the push server.
func (s *Service) RegisterWithPushServer(ctx context.Context) error {
	if s.push == nil {
		return fmt.Errorf("no push server configured")
	}
	return s.push.EnsureRegistered(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
