// Package refresh re-validates access state when the dashboard becomes active
// again, at most once per minimum interval.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMinInterval is the shortest gap between two triggered refreshes.
const DefaultMinInterval = 30 * time.Second

// Func performs one refresh. Its error is logged and dropped.
type Func func(ctx context.Context) error

// Scheduler rate-limits refreshes triggered by activity signals.
type Scheduler struct {
	refresh     Func
	minInterval time.Duration
	logger      *slog.Logger
	clock       func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewScheduler builds a scheduler. The interval starts counting now, on the
// assumption that the caller has just loaded fresh state.
func NewScheduler(refresh Func, minInterval time.Duration, logger *slog.Logger) *Scheduler {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		refresh:     refresh,
		minInterval: minInterval,
		logger:      logger.With(slog.String("component", "refresh")),
		clock:       time.Now,
	}
	s.last = s.clock()
	return s
}

// Signal reports activity. When at least the minimum interval has passed since
// the last triggered refresh it runs one and returns true.
func (s *Scheduler) Signal(ctx context.Context) bool {
	if s == nil || s.refresh == nil {
		return false
	}
	s.mu.Lock()
	now := s.clock()
	if now.Sub(s.last) < s.minInterval {
		s.mu.Unlock()
		return false
	}
	s.last = now
	s.mu.Unlock()

	if err := s.refresh(ctx); err != nil {
		s.logger.Debug("background refresh failed", slog.Any("error", err))
	}
	return true
}

// Run turns every value received on signals into a Signal call until ctx ends
// or signals is closed.
func (s *Scheduler) Run(ctx context.Context, signals <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			s.Signal(ctx)
		}
	}
}
