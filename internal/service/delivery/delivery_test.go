package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"verimsg/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	fakeSource struct {
		mu       sync.Mutex
		messages []*model.Envelope
	}

	fakePresigner struct{}

	fakeFriends struct {
		friends map[string]*model.Friend
	}

	fakeTransport struct {
		mu      sync.Mutex
		name    string
		methods map[string]bool
		batches [][]model.SignedObject
		fail    error
	}

	memoryRanges struct {
		mu   sync.Mutex
		data map[string]string
	}
)

func (s *fakeSource) MessagesTo(ctx context.Context, recipient string, gt int64, after *model.Cursor, limit int64, body bool) ([]*model.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Envelope
	for _, m := range s.messages {
		if m.Recipient != recipient {
			continue
		}
		if after != nil {
			if m.Time < after.Time || (m.Time == after.Time && m.Seq <= after.Seq) {
				continue
			}
		} else if m.Time <= gt {
			continue
		}
		out = append(out, m)
		if limit > 0 && int64(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeSource) FormatForDelivery(m *model.Envelope) model.SignedObject {
	return m.ToObject()
}

func (p *fakePresigner) PresignEmbeddedMediaLinks(o model.SignedObject) model.SignedObject {
	return o
}

func (f *fakeFriends) ByPermalink(ctx context.Context, permalink string) (*model.Friend, error) {
	friend, ok := f.friends[permalink]
	if !ok {
		return nil, fmt.Errorf("friend %s: %w", permalink, model.ErrNotFound)
	}
	return friend, nil
}

func newFakeTransport(name string, methods ...string) *fakeTransport {
	supported := make(map[string]bool)
	for _, m := range methods {
		supported[m] = true
	}
	return &fakeTransport{name: name, methods: supported}
}

func (t *fakeTransport) DeliverBatch(ctx context.Context, job *Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.batches = append(t.batches, job.Messages)
	return nil
}

func (t *fakeTransport) Ack(ctx context.Context, job *Job) error    { return nil }
func (t *fakeTransport) Reject(ctx context.Context, job *Job) error { return nil }

func (t *fakeTransport) Supports(method string) bool {
	return t.methods[method]
}

func (t *fakeTransport) delivered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.batches {
		n += len(b)
	}
	return n
}

func newMemoryRanges() *memoryRanges {
	return &memoryRanges{data: make(map[string]string)}
}

func (r *memoryRanges) Get(ctx context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[key]
	if !ok {
		return "", fmt.Errorf("key %s not found", key)
	}
	return v, nil
}

func (r *memoryRanges) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		r.data[key] = string(v)
	case string:
		r.data[key] = v
	default:
		return fmt.Errorf("unsupported value type %T", value)
	}
	return nil
}

func (r *memoryRanges) Del(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, key)
	return nil
}

func outboundEnvelope(recipient string, seq, ts int64) *model.Envelope {
	return &model.Envelope{
		Sig:       fmt.Sprintf("ed25519:aa:sig%d", seq),
		Time:      ts,
		Seq:       seq,
		Recipient: recipient,
		Object: model.SignedObject{
			model.TypeProp: "verimsg.Simple",
			"message":      fmt.Sprintf("msg %d", seq),
		},
	}
}

func newTestDelivery(source *fakeSource, friends *fakeFriends) (*Service, *fakeTransport) {
	realtime := newFakeTransport("realtime", MethodDeliverBatch, MethodAck, MethodReject)
	// The realtime stand-in drives transport selection; the HTTP transport is
	// real but its actual posting is never reached in these tests.
	httpTransport := NewHTTP(newMemoryRanges())
	svc := New(source, &fakePresigner{}, friends, realtime, httpTransport)
	return svc, realtime
}

func TestTransportSelectionPrefersLiveSession(t *testing.T) {
	svc, realtime := newTestDelivery(&fakeSource{}, &fakeFriends{friends: map[string]*model.Friend{}})

	job := &Job{
		Recipient: "bob",
		ClientID:  "client-1",
		Messages:  []model.SignedObject{outboundEnvelope("bob", 0, 100).ToObject()},
	}
	require.NoError(t, svc.DeliverBatch(context.Background(), job))
	assert.Equal(t, 1, realtime.delivered())
}

func TestTransportSelectionUnreachableWithoutSessionOrFriend(t *testing.T) {
	svc, _ := newTestDelivery(&fakeSource{}, &fakeFriends{friends: map[string]*model.Friend{}})

	job := &Job{
		Recipient: "bob",
		Messages:  []model.SignedObject{outboundEnvelope("bob", 0, 100).ToObject()},
	}
	err := svc.DeliverBatch(context.Background(), job)
	assert.ErrorIs(t, err, model.ErrClientUnreachable)
}

func TestTransportSelectionResolvesFriend(t *testing.T) {
	friends := &fakeFriends{friends: map[string]*model.Friend{
		"bob": {Permalink: "bob", URL: "http://bob.example"},
	}}
	svc, _ := newTestDelivery(&fakeSource{}, friends)

	job := &Job{Recipient: "bob"}
	transport, err := svc.transportFor(context.Background(), MethodDeliverBatch, job)
	require.NoError(t, err)
	assert.Equal(t, svc.http, transport)
	require.NotNil(t, job.Friend)
	assert.Equal(t, "http://bob.example", job.Friend.URL)
}

func TestAckRoutesToRealtime(t *testing.T) {
	svc, _ := newTestDelivery(&fakeSource{}, &fakeFriends{friends: map[string]*model.Friend{}})

	// Acks are unsupported over HTTP, so even without a client id the
	// realtime transport is chosen.
	job := &Job{Recipient: "bob"}
	transport, err := svc.transportFor(context.Background(), MethodAck, job)
	require.NoError(t, err)
	assert.Equal(t, svc.realtime, transport)
}

func TestDeliverMessagesPagesAndAdvancesWatermark(t *testing.T) {
	source := &fakeSource{}
	for i := int64(0); i < 12; i++ {
		source.messages = append(source.messages, outboundEnvelope("bob", i, 100+i))
	}
	svc, realtime := newTestDelivery(source, &fakeFriends{friends: map[string]*model.Friend{}})

	result, err := svc.DeliverMessages(context.Background(), &Request{
		Recipient: "bob",
		ClientID:  "client-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Finished)
	assert.Equal(t, 12, realtime.delivered())
	assert.Len(t, realtime.batches, 3, "12 messages in pages of MaxBatchSize")

	require.NotNil(t, result.Range.AfterMessage)
	assert.Equal(t, int64(11), result.Range.AfterMessage.Seq)
}

func TestDeliverMessagesSameMillisecond(t *testing.T) {
	source := &fakeSource{}
	// Seven envelopes sharing one timestamp: watermark resume must not skip
	// or repeat any of them across page boundaries.
	for i := int64(0); i < 7; i++ {
		source.messages = append(source.messages, outboundEnvelope("bob", i, 100))
	}
	svc, realtime := newTestDelivery(source, &fakeFriends{friends: map[string]*model.Friend{}})

	result, err := svc.DeliverMessages(context.Background(), &Request{
		Recipient: "bob",
		ClientID:  "client-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Finished)
	assert.Equal(t, 7, realtime.delivered())

	seen := make(map[int64]bool)
	for _, batch := range realtime.batches {
		for _, o := range batch {
			seq := model.AsInt64(o[model.SeqProp])
			assert.False(t, seen[seq], "seq %d delivered twice", seq)
			seen[seq] = true
		}
	}
	assert.Len(t, seen, 7)
}

func TestDeliverMessagesStopsWhenBudgetLow(t *testing.T) {
	source := &fakeSource{}
	for i := int64(0); i < 10; i++ {
		source.messages = append(source.messages, outboundEnvelope("bob", i, 100+i))
	}
	svc, realtime := newTestDelivery(source, &fakeFriends{friends: map[string]*model.Friend{}})

	// A deadline already inside the safety threshold: no batch should go out.
	ctx, cancel := context.WithTimeout(context.Background(), minBatchDeliveryTime/2)
	defer cancel()

	result, err := svc.DeliverMessages(ctx, &Request{
		Recipient: "bob",
		ClientID:  "client-1",
	})
	require.NoError(t, err)
	assert.False(t, result.Finished)
	assert.Equal(t, 0, realtime.delivered())
}

func TestDeliverMessagesRecordsUndeliveredOnFailure(t *testing.T) {
	source := &fakeSource{}
	for i := int64(0); i < 3; i++ {
		source.messages = append(source.messages, outboundEnvelope("bob", i, 100+i))
	}
	svc, realtime := newTestDelivery(source, &fakeFriends{friends: map[string]*model.Friend{}})
	realtime.fail = fmt.Errorf("socket gone: %w", model.ErrClientUnreachable)

	_, err := svc.DeliverMessages(context.Background(), &Request{
		Recipient: "bob",
		ClientID:  "client-1",
	})
	require.Error(t, err)

	r, err := svc.UndeliveredRange(context.Background(), "bob")
	require.NoError(t, err)
	assert.Nil(t, r.AfterMessage)
	assert.Equal(t, int64(0), r.After)

	// Once everything drains, the marker is cleared.
	realtime.fail = nil
	result, err := svc.DeliverMessages(context.Background(), &Request{
		Recipient: "bob",
		ClientID:  "client-1",
		Range:     *r,
	})
	require.NoError(t, err)
	assert.True(t, result.Finished)

	_, err = svc.UndeliveredRange(context.Background(), "bob")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
