package sessions

import (
	"context"
	"fmt"
	"time"

	"verimsg/internal/model"
	"verimsg/internal/utils/log"

	"go.uber.org/zap"
)

const (
	sessionKeyPrefix = "session:permalink:"
	clientKeyPrefix  = "session:client:"
	sessionTTL       = 24 * time.Hour
)

type (
	// Store is the volatile key-value backend holding live session state.
	Store interface {
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
		Get(ctx context.Context, key string) (string, error)
		Del(ctx context.Context, key string) error
	}

	// Session is a live realtime connection: which counterparty holds it and
	// the client id the transport layer routes by.
	Session struct {
		ClientID  string
		Permalink string
	}

	// Service tracks which counterparties currently hold a live connection.
	Service struct {
		store Store
	}
)

func New(store Store) *Service {
	return &Service{store: store}
}

// Register records a live session in both directions: permalink to client
// id for delivery, client id to permalink for teardown.
func (s *Service) Register(ctx context.Context, permalink, clientID string) error {
	if err := s.store.Set(ctx, sessionKeyPrefix+permalink, clientID, sessionTTL); err != nil {
		return err
	}
	if err := s.store.Set(ctx, clientKeyPrefix+clientID, permalink, sessionTTL); err != nil {
		return err
	}
	log.Debug("registered session",
		zap.String("permalink", permalink),
		zap.String("clientID", clientID))
	return nil
}

// Unregister removes the session for a client id. Registering a newer
// session for the same permalink first is fine: the stale reverse entry
// no longer matches and is left alone.
func (s *Service) Unregister(ctx context.Context, clientID string) error {
	permalink, err := s.store.Get(ctx, clientKeyPrefix+clientID)
	if err != nil {
		// Already gone, nothing to tear down.
		return nil
	}

	current, err := s.store.Get(ctx, sessionKeyPrefix+permalink)
	if err == nil && current == clientID {
		if err := s.store.Del(ctx, sessionKeyPrefix+permalink); err != nil {
			return err
		}
	}
	return s.store.Del(ctx, clientKeyPrefix+clientID)
}

// LiveSession returns the live session for a counterparty, or ErrNotFound.
func (s *Service) LiveSession(ctx context.Context, permalink string) (*Session, error) {
	clientID, err := s.store.Get(ctx, sessionKeyPrefix+permalink)
	if err != nil {
		return nil, fmt.Errorf("no live session for %s: %w", permalink, model.ErrNotFound)
	}
	return &Session{ClientID: clientID, Permalink: permalink}, nil
}
