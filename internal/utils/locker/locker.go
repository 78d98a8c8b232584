package locker

import (
	"context"
	"sync"
)

type (
	// Locker serializes work per key. All sends to a given recipient from
	// this process go through its lock, so sequence-allocation retries only
	// race against other instances, never against our own callers.
	Locker struct {
		mu    sync.Mutex
		locks map[string]*entry
	}

	// entry counts holders and waiters so the registry can drop keys nobody
	// references anymore.
	entry struct {
		ch   chan struct{}
		refs int
	}
)

func New() *Locker {
	return &Locker{
		locks: make(map[string]*entry),
	}
}

// Lock acquires the lock for key, waiting until it is free or ctx expires.
// The returned release function is safe to call exactly once and must be
// called on every exit path.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			l.unref(key, e)
		}, nil
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}
}

func (l *Locker) unref(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
