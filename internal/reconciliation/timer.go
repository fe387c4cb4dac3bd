package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/taskpay/internal/logging"
)

// DefaultInterval is how often the timer audits when no interval is given.
const DefaultInterval = 15 * time.Minute

// Timer runs the conservation audit once at start and then on every tick.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	running  atomic.Bool
	last     atomic.Pointer[Report]
}

// NewTimer creates an audit timer. A non-positive interval uses
// DefaultInterval.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger.With("component", "conservation_audit"),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastReport returns the most recent successful report, or nil.
func (t *Timer) LastReport() *Report {
	return t.last.Load()
}

// Start blocks until ctx is cancelled or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ctx = logging.WithLogger(ctx, t.logger)
	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in audit timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.service.Run(ctx)
	if err != nil {
		t.logger.Warn("conservation audit failed", "error", err)
		return
	}
	t.last.Store(report)
}
