package tasks

import (
	"context"
	"sync"

	"verimsg/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Manager runs best-effort background work: cache warms, seal watches,
	// push registration. Failures are logged and swallowed; nothing in the
	// request path blocks on these.
	Manager struct {
		wg sync.WaitGroup
	}
)

func New() *Manager {
	return &Manager{}
}

// Add schedules fn on its own goroutine. Errors are logged at debug level
// and never propagate.
func (m *Manager) Add(name string, fn func(ctx context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := fn(context.Background()); err != nil {
			log.Debug("background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

// Wait blocks until all scheduled tasks have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}
