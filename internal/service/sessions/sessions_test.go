package sessions

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

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (s *memStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = fmt.Sprint(value)
	return nil
}

func (s *memStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", fmt.Errorf("key %s not found", key)
	}
	return v, nil
}

func (s *memStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func TestRegisterAndLookup(t *testing.T) {
	svc := New(newMemStore())
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "bafyalice", "client-1"))

	session, err := svc.LiveSession(ctx, "bafyalice")
	require.NoError(t, err)
	assert.Equal(t, "client-1", session.ClientID)
	assert.Equal(t, "bafyalice", session.Permalink)

	_, err = svc.LiveSession(ctx, "bafybob")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUnregister(t *testing.T) {
	svc := New(newMemStore())
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "bafyalice", "client-1"))
	require.NoError(t, svc.Unregister(ctx, "client-1"))

	_, err := svc.LiveSession(ctx, "bafyalice")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Unregistering a gone client is fine.
	assert.NoError(t, svc.Unregister(ctx, "client-1"))
}

func TestUnregisterKeepsNewerSession(t *testing.T) {
	svc := New(newMemStore())
	ctx := context.Background()

	require.NoError(t, svc.Register(ctx, "bafyalice", "client-old"))
	require.NoError(t, svc.Register(ctx, "bafyalice", "client-new"))

	// Tearing down the stale client must not kill the live session.
	require.NoError(t, svc.Unregister(ctx, "client-old"))

	session, err := svc.LiveSession(ctx, "bafyalice")
	require.NoError(t, err)
	assert.Equal(t, "client-new", session.ClientID)
}
