package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"verimsg/internal/config"
	"verimsg/internal/cryptographic/contenthash"
	"verimsg/internal/model"
	"verimsg/internal/service/delivery"
	"verimsg/internal/service/identities"
	messagessvc "verimsg/internal/service/messages"
	"verimsg/internal/service/objects"
	"verimsg/internal/service/sessions"
	"verimsg/internal/service/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	memObjects struct {
		mu      sync.Mutex
		objects map[string]model.SignedObject
	}

	memBlobs struct {
		mu    sync.Mutex
		blobs map[string][]byte
		mimes map[string]string
	}

	memMappings struct {
		mu    sync.Mutex
		byPub map[string]*model.PubKeyMapping
	}

	// memMessages enforces the same uniqueness as the real repository:
	// inbox unique by link, outbox unique by (recipient, seq).
	memMessages struct {
		mu     sync.Mutex
		inbox  []*model.Envelope
		outbox []*model.Envelope
		byLink map[string]bool
		bySlot map[string]bool
	}

	stubSessions struct {
		session *sessions.Session
	}

	stubFriends struct {
		friend *model.Friend
	}

	stubDeliverer struct {
		mu   sync.Mutex
		jobs []*delivery.Job
		err  error
	}

	stubSeals struct {
		mu      sync.Mutex
		watches map[string]string
	}

	stubPush struct {
		mu     sync.Mutex
		pushed []string
	}

	harness struct {
		svc        *Service
		objects    *objects.Service
		identities *identities.Service
		messages   *messagessvc.Service
		msgRepo    *memMessages
		deliverer  *stubDeliverer
		sessions   *stubSessions
		seals      *stubSeals
		push       *stubPush
		alice      *identities.Local
		bob        *identities.Local
	}
)

func (m *memObjects) Get(ctx context.Context, link string) (model.SignedObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[link]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", link, model.ErrNotFound)
	}
	return o.Clone(), nil
}

func (m *memObjects) Put(ctx context.Context, link string, o model.SignedObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[link] = o.Clone()
	return nil
}

func (m *memObjects) Del(ctx context.Context, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, link)
	return nil
}

func (m *memBlobs) PutBlob(ctx context.Context, key string, data []byte, mime string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	m.mimes[key] = mime
	return nil
}

func (m *memBlobs) GetBlob(ctx context.Context, key string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, "", fmt.Errorf("blob %s: %w", key, model.ErrNotFound)
	}
	return data, m.mimes[key], nil
}

func (m *memMappings) Get(ctx context.Context, pub string) (*model.PubKeyMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.byPub[pub]
	if !ok {
		return nil, fmt.Errorf("pubkey %s: %w", pub, model.ErrNotFound)
	}
	copied := *mapping
	return &copied, nil
}

func (m *memMappings) Put(ctx context.Context, mapping *model.PubKeyMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *mapping
	m.byPub[mapping.Pub] = &copied
	return nil
}

func (m *memMappings) FindByPermalink(ctx context.Context, permalink string) (*model.PubKeyMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mapping := range m.byPub {
		if mapping.Permalink == permalink {
			copied := *mapping
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("permalink %s: %w", permalink, model.ErrNotFound)
}

func (r *memMessages) PutInbound(ctx context.Context, m *model.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byLink[m.Link] {
		return fmt.Errorf("inbound message %s: %w", m.Link, model.ErrDuplicate)
	}
	r.byLink[m.Link] = true
	r.inbox = append(r.inbox, m)
	return nil
}

func (r *memMessages) PutOutbound(ctx context.Context, m *model.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := fmt.Sprintf("%s/%d", m.Recipient, m.Seq)
	if r.bySlot[slot] {
		return fmt.Errorf("outbound message seq %d to %s: %w", m.Seq, m.Recipient, model.ErrDuplicate)
	}
	r.bySlot[slot] = true
	r.outbox = append(r.outbox, m)
	return nil
}

func (r *memMessages) From(ctx context.Context, author string, gt int64, limit int64) ([]*model.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Envelope
	for _, m := range r.inbox {
		if m.Author == author && m.Time > gt {
			out = append(out, m)
		}
	}
	sortByTimeSeq(out)
	return clip(out, limit), nil
}

func (r *memMessages) To(ctx context.Context, recipient string, gt int64, after *model.Cursor, limit int64) ([]*model.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Envelope
	for _, m := range r.outbox {
		if m.Recipient != recipient {
			continue
		}
		if after != nil {
			if m.Time > after.Time || (m.Time == after.Time && m.Seq > after.Seq) {
				out = append(out, m)
			}
			continue
		}
		if m.Time > gt {
			out = append(out, m)
		}
	}
	sortByTimeSeq(out)
	return clip(out, limit), nil
}

func (r *memMessages) LastFrom(ctx context.Context, author string) (*model.Envelope, error) {
	list, _ := r.From(ctx, author, -1, 0)
	if len(list) == 0 {
		return nil, fmt.Errorf("message: %w", model.ErrNotFound)
	}
	return list[len(list)-1], nil
}

func (r *memMessages) LastTo(ctx context.Context, recipient string) (*model.Envelope, error) {
	list, _ := r.To(ctx, recipient, -1, nil, 0)
	if len(list) == 0 {
		return nil, fmt.Errorf("message: %w", model.ErrNotFound)
	}
	return list[len(list)-1], nil
}

func (r *memMessages) InboundByLink(ctx context.Context, link string) (*model.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.inbox {
		if m.Link == link {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message: %w", model.ErrNotFound)
}

func sortByTimeSeq(list []*model.Envelope) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Time != list[j].Time {
			return list[i].Time < list[j].Time
		}
		return list[i].Seq < list[j].Seq
	})
}

func clip(list []*model.Envelope, limit int64) []*model.Envelope {
	if limit > 0 && int64(len(list)) > limit {
		return list[:limit]
	}
	return list
}

func (s *stubSessions) LiveSession(ctx context.Context, permalink string) (*sessions.Session, error) {
	if s.session == nil {
		return nil, fmt.Errorf("no live session for %s: %w", permalink, model.ErrNotFound)
	}
	return s.session, nil
}

func (s *stubFriends) ByPermalink(ctx context.Context, permalink string) (*model.Friend, error) {
	if s.friend == nil {
		return nil, fmt.Errorf("friend %s: %w", permalink, model.ErrNotFound)
	}
	return s.friend, nil
}

func (d *stubDeliverer) DeliverBatch(ctx context.Context, job *delivery.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *stubDeliverer) DeliverMessages(ctx context.Context, req *delivery.Request) (*delivery.Result, error) {
	return &delivery.Result{Finished: true}, nil
}

func (d *stubDeliverer) UndeliveredRange(ctx context.Context, recipient string) (*delivery.Range, error) {
	return nil, fmt.Errorf("undelivered range for %s: %w", recipient, model.ErrNotFound)
}

func (s *stubSeals) PutWatch(ctx context.Context, seal *model.SealRef, objectLink string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watches[seal.Link]; ok {
		return fmt.Errorf("seal watch %s: %w", seal.Link, model.ErrDuplicate)
	}
	s.watches[seal.Link] = objectLink
	return nil
}

func (p *stubPush) Push(ctx context.Context, subscriber string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, subscriber)
	return nil
}

func (p *stubPush) EnsureRegistered(ctx context.Context) error { return nil }

func newHarness(t *testing.T) *harness {
	t.Helper()

	objRepo := &memObjects{objects: make(map[string]model.SignedObject)}
	blobRepo := &memBlobs{blobs: make(map[string][]byte), mimes: make(map[string]string)}
	mappings := &memMappings{byPub: make(map[string]*model.PubKeyMapping)}
	msgRepo := &memMessages{byLink: make(map[string]bool), bySlot: make(map[string]bool)}

	background := tasks.New()
	objectsSvc := objects.New(objRepo, blobRepo, nil, background, "http://localhost:9090")
	identitiesSvc := identities.New(mappings, objectsSvc)
	objectsSvc.BindAuthorResolver(identitiesSvc)
	messagesSvc := messagessvc.New(msgRepo, objectsSvc)

	alice, err := identities.NewLocal()
	require.NoError(t, err)
	bob, err := identities.NewLocal()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, identitiesSvc.ValidateAndAdd(ctx, alice.Identity()))
	require.NoError(t, identitiesSvc.ValidateAndAdd(ctx, bob.Identity()))

	h := &harness{
		objects:    objectsSvc,
		identities: identitiesSvc,
		messages:   messagesSvc,
		msgRepo:    msgRepo,
		deliverer:  &stubDeliverer{},
		sessions:   &stubSessions{},
		seals:      &stubSeals{watches: make(map[string]string)},
		push:       &stubPush{},
		alice:      alice,
		bob:        bob,
	}
	h.svc = New(Deps{
		Objects:    objectsSvc,
		Identities: identitiesSvc,
		Messages:   messagesSvc,
		Local:      alice,
		Friends:    &stubFriends{},
		Sessions:   h.sessions,
		Delivery:   h.deliverer,
		Seals:      h.seals,
		Push:       h.push,
		Tasks:      background,
		Network:    config.Network{Flavor: "bitcoin", Name: "testnet"},
		Queue: config.Queue{
			NoTimeTravel: true,
			Retries:      3,
			Backoff:      time.Millisecond,
		},
	})
	return h
}

func simplePayload(text string) model.SignedObject {
	return model.SignedObject{
		model.TypeProp: "verimsg.Simple",
		"message":      text,
	}
}

// inboundFrom builds an envelope the way a counterparty's node would: a
// signed payload stripped of local metadata, wrapped and signed again.
func inboundFrom(t *testing.T, sender, recipient *identities.Local, text string, ts int64, seq int64) *model.Envelope {
	t.Helper()
	body := simplePayload(text)
	body[model.TimeProp] = ts
	payload, err := sender.Sign(body)
	require.NoError(t, err)

	m := &model.Envelope{
		Time:            ts,
		Seq:             seq,
		RecipientPubKey: recipient.SigPubKey(),
		Object:          payload.Strip(),
	}
	require.NoError(t, sender.SignEnvelope(m))
	return m
}

func TestQueueMessageSequencing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var sent []*model.Envelope
	for i := 0; i < 3; i++ {
		m, err := h.svc.QueueMessage(ctx, &SendOpts{
			Recipient: h.bob.Permalink(),
			Object:    simplePayload(fmt.Sprintf("msg %d", i)),
			Time:      int64(1700000000000 + i),
		})
		require.NoError(t, err)
		sent = append(sent, m)
	}

	assert.Equal(t, int64(0), sent[0].Seq)
	assert.Equal(t, int64(1), sent[1].Seq)
	assert.Equal(t, int64(2), sent[2].Seq)

	// Each envelope names its predecessor.
	assert.Equal(t, "", sent[0].PrevToRecipient)
	assert.Equal(t, sent[0].Link, sent[1].PrevToRecipient)
	assert.Equal(t, sent[1].Link, sent[2].PrevToRecipient)

	for _, m := range sent {
		assert.Equal(t, h.alice.Permalink(), m.Author)
		assert.Equal(t, h.bob.Permalink(), m.Recipient)

		key, err := contenthash.ExtractSignerPubKey(m.ToObject())
		require.NoError(t, err)
		assert.Equal(t, h.alice.SigPubKey().Pub, key.Pub)
	}
}

func TestQueueMessageConcurrentSendsStayGapless(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.QueueMessage(ctx, &SendOpts{
				Recipient: h.bob.Permalink(),
				Object:    simplePayload(fmt.Sprintf("concurrent %d", i)),
				Time:      int64(1700000000000 + i),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "send %d", i)
	}

	seqs := make(map[int64]bool)
	for _, m := range h.msgRepo.outbox {
		seqs[m.Seq] = true
	}
	require.Len(t, seqs, n)
	for i := int64(0); i < n; i++ {
		assert.True(t, seqs[i], "seq %d missing", i)
	}
}

func TestQueueMessageBatchGroupsByRecipient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	carol, err := identities.NewLocal()
	require.NoError(t, err)
	require.NoError(t, h.identities.ValidateAndAdd(ctx, carol.Identity()))

	batch := []*SendOpts{
		{Recipient: h.bob.Permalink(), Object: simplePayload("to bob 0"), Time: 1700000000000},
		{Recipient: carol.Permalink(), Object: simplePayload("to carol 0"), Time: 1700000000001},
		{Recipient: h.bob.Permalink(), Object: simplePayload("to bob 1"), Time: 1700000000002},
	}

	results, err := h.svc.QueueMessageBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, int64(0), results[0].Seq)
	assert.Equal(t, int64(0), results[1].Seq)
	assert.Equal(t, int64(1), results[2].Seq)
	assert.Equal(t, results[0].Link, results[2].PrevToRecipient)
}

func TestQueueMessageUnknownRecipient(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.QueueMessage(context.Background(), &SendOpts{
		Recipient: "bafyunknown",
		Object:    simplePayload("hello?"),
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestReceiveMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := inboundFrom(t, h.bob, h.alice, "hey alice", 1700000000000, 0)
	accepted, err := h.svc.ReceiveMessage(ctx, m)
	require.NoError(t, err)

	assert.True(t, accepted.Inbound)
	assert.Equal(t, h.bob.Permalink(), accepted.Author)
	assert.Equal(t, h.alice.Permalink(), accepted.Recipient)
	assert.NotEmpty(t, accepted.Link)
	assert.NotEmpty(t, accepted.PayloadLink)
	assert.Equal(t, "verimsg.Simple", accepted.PayloadType)

	// The payload is durably stored and loadable through the message store.
	list, err := h.messages.MessagesFrom(ctx, h.bob.Permalink(), 0, 0, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hey alice", list[0].Object["message"])
}

func TestReceiveMessageConcurrentSenders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 8
	msgs := make([]*model.Envelope, n)
	for i := range msgs {
		sender := mustLocal(t)
		require.NoError(t, h.identities.ValidateAndAdd(ctx, sender.Identity()))
		msgs[i] = inboundFrom(t, sender, h.alice, fmt.Sprintf("hello %d", i), 1700000000000, 0)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.ReceiveMessage(ctx, msgs[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "receive %d", i)
	}

	h.msgRepo.mu.Lock()
	defer h.msgRepo.mu.Unlock()
	assert.Len(t, h.msgRepo.inbox, n)
}

func TestReceiveMessageRejectsReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := inboundFrom(t, h.bob, h.alice, "once", 1700000000000, 0)
	_, err := h.svc.ReceiveMessage(ctx, m)
	require.NoError(t, err)

	replay := inboundFrom(t, h.bob, h.alice, "once", 1700000000000, 0)
	_, err = h.svc.ReceiveMessage(ctx, replay)
	assert.ErrorIs(t, err, model.ErrDuplicate)
}

func TestReceiveMessageRejectsTimestampRegression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ReceiveMessage(ctx, inboundFrom(t, h.bob, h.alice, "first", 1700000000000, 0))
	require.NoError(t, err)

	_, err = h.svc.ReceiveMessage(ctx, inboundFrom(t, h.bob, h.alice, "stale", 1700000000000, 1))
	assert.ErrorIs(t, err, model.ErrTimeTravel)

	_, err = h.svc.ReceiveMessage(ctx, inboundFrom(t, h.bob, h.alice, "fresh", 1700000000001, 1))
	assert.NoError(t, err)
}

func TestReceiveMessageRejectsDecoratedPayload(t *testing.T) {
	h := newHarness(t)

	m := inboundFrom(t, h.bob, h.alice, "hey", 1700000000000, 0)
	m.Object.SetVirtual(map[string]any{model.AuthorVirtual: "bafyforged"})

	_, err := h.svc.ReceiveMessage(context.Background(), m)
	assert.ErrorIs(t, err, model.ErrInvalidMessageFormat)
}

func TestReceiveMessageRejectsTamperedEnvelope(t *testing.T) {
	h := newHarness(t)

	m := inboundFrom(t, h.bob, h.alice, "hey", 1700000000000, 0)
	m.Seq = 42

	_, err := h.svc.ReceiveMessage(context.Background(), m)
	assert.ErrorIs(t, err, model.ErrInvalidSignature)
}

func TestReceiveMessageFromStranger(t *testing.T) {
	h := newHarness(t)

	stranger, err := identities.NewLocal()
	require.NoError(t, err)

	m := inboundFrom(t, stranger, h.alice, "who dis", 1700000000000, 0)
	_, err = h.svc.ReceiveMessage(context.Background(), m)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestReceiveMessageAdmitsIntroducedIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stranger, err := identities.NewLocal()
	require.NoError(t, err)

	intro, err := stranger.Sign(model.SignedObject{
		model.TypeProp: model.SelfIntroductionType,
		"identity":     map[string]any(stranger.Identity().Strip()),
		"message":      "hello, i am new here",
	})
	require.NoError(t, err)

	m := &model.Envelope{
		Time:            1700000000000,
		RecipientPubKey: h.alice.SigPubKey(),
		Object:          intro.Strip(),
	}
	require.NoError(t, stranger.SignEnvelope(m))

	accepted, err := h.svc.ReceiveMessage(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, stranger.Permalink(), accepted.Author)

	// The stranger is now a known contact.
	resolved, err := h.identities.ByPermalink(ctx, stranger.Permalink())
	require.NoError(t, err)
	assert.Equal(t, model.IdentityType, resolved.Type())
}

func TestReceiveMessageWatchesSeal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := inboundFrom(t, h.bob, h.alice, "sealed", 1700000000000, 0)
	m.Sig = ""
	m.Seal = &model.SealRef{
		Blockchain: "bitcoin",
		Network:    "testnet",
		Link:       "bafyseal",
		BasePubKey: "0011",
	}
	require.NoError(t, h.bob.SignEnvelope(m))

	_, err := h.svc.ReceiveMessage(ctx, m)
	require.NoError(t, err)
	h.svc.tasks.Wait()

	h.seals.mu.Lock()
	defer h.seals.mu.Unlock()
	assert.Contains(t, h.seals.watches, "bafyseal")
}

func TestWatchSealedPayloadForeignNetwork(t *testing.T) {
	h := newHarness(t)

	err := h.svc.WatchSealedPayload(context.Background(), &model.SealRef{
		Blockchain: "ethereum",
		Network:    "mainnet",
		Link:       "bafyforeign",
	}, "bafyobject")
	require.NoError(t, err)

	h.seals.mu.Lock()
	defer h.seals.mu.Unlock()
	assert.Empty(t, h.seals.watches)
}

func TestAttemptLiveDeliveryWithSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.svc.QueueMessage(ctx, &SendOpts{
		Recipient: h.bob.Permalink(),
		Object:    simplePayload("live"),
	})
	require.NoError(t, err)

	h.sessions.session = &sessions.Session{ClientID: "client-1", Permalink: h.bob.Permalink()}
	require.NoError(t, h.svc.AttemptLiveDelivery(ctx, &LiveDeliveryOpts{
		Recipient: h.bob.Permalink(),
		Messages:  []*model.Envelope{m},
	}))

	h.deliverer.mu.Lock()
	defer h.deliverer.mu.Unlock()
	require.Len(t, h.deliverer.jobs, 1)
	assert.Equal(t, "client-1", h.deliverer.jobs[0].ClientID)
	require.Len(t, h.deliverer.jobs[0].Messages, 1)
}

func TestAttemptLiveDeliveryFallsBackToPush(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.svc.QueueMessage(ctx, &SendOpts{
		Recipient: h.bob.Permalink(),
		Object:    simplePayload("offline"),
	})
	require.NoError(t, err)

	h.deliverer.err = fmt.Errorf("gone: %w", model.ErrClientUnreachable)
	require.NoError(t, h.svc.AttemptLiveDelivery(ctx, &LiveDeliveryOpts{
		Recipient: h.bob.Permalink(),
		Messages:  []*model.Envelope{m},
	}))

	h.push.mu.Lock()
	defer h.push.mu.Unlock()
	assert.Equal(t, []string{h.bob.Permalink()}, h.push.pushed)
}

func TestParseInbound(t *testing.T) {
	m := inboundFrom(t, mustLocal(t), mustLocal(t), "hey", 1700000000000, 0)
	data, err := m.MarshalJSON()
	require.NoError(t, err)

	parsed, err := ParseInbound(data)
	require.NoError(t, err)
	assert.Equal(t, m.Sig, parsed.Sig)
	assert.Equal(t, m.Seq, parsed.Seq)

	_, err = ParseInbound([]byte("not json"))
	assert.ErrorIs(t, err, model.ErrInvalidMessageFormat)

	_, err = ParseInbound([]byte(`{"_t":"verimsg.Simple"}`))
	assert.ErrorIs(t, err, model.ErrInvalidMessageFormat)
}

func mustLocal(t *testing.T) *identities.Local {
	t.Helper()
	l, err := identities.NewLocal()
	require.NoError(t, err)
	return l
}
