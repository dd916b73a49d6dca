package app

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/adaptive-testing/internal/adapter/observability"
)

// InactiveCleaner prunes idle session projections from the hot store.
type InactiveCleaner interface {
	CleanupInactive(ctx context.Context, olderThan time.Duration) (int, error)
}

// SessionSweeper periodically removes hot-store session states whose last
// activity is older than the threshold. Canonical warm rows are never touched.
type SessionSweeper struct {
	sessions  InactiveCleaner
	interval  time.Duration
	threshold time.Duration

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSessionSweeper constructs a sweeper; non-positive durations fall back to
// the defaults.
func NewSessionSweeper(sessions InactiveCleaner, interval, threshold time.Duration) *SessionSweeper {
	if sessions == nil {
		return nil
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	return &SessionSweeper{
		sessions:  sessions,
		interval:  interval,
		threshold: threshold,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop. Calling Start again while running is a no-op.
func (s *SessionSweeper) Start(ctx context.Context) {
	if s == nil || !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

// Stop signals the loop and waits up to five seconds for it to exit.
// Stop is idempotent; the sweeper cannot be restarted afterwards.
func (s *SessionSweeper) Stop() {
	if s == nil || !s.running.Load() {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		slog.Warn("session sweeper stop timed out")
	}
}

func (s *SessionSweeper) run(ctx context.Context) {
	defer close(s.done)

	// One-second ticks keep Stop responsive across long intervals.
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	elapsed := time.Duration(0)
	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("session sweeper stopping", slog.Any("reason", ctx.Err()))
			return
		case <-s.stop:
			slog.Info("session sweeper stopping")
			return
		case <-tick.C:
			elapsed += time.Second
			if elapsed < s.interval {
				continue
			}
			elapsed = 0
			s.sweepOnce(ctx)
		}
	}
}

func (s *SessionSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("sessions.sweeper")
	ctx, span := tracer.Start(ctx, "SessionSweeper.sweepOnce")
	defer span.End()

	start := time.Now()
	cleaned, err := s.sessions.CleanupInactive(ctx, s.threshold)
	observability.CleanupSweepDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("sessions.cleaned", cleaned),
		attribute.Float64("sessions.threshold_seconds", s.threshold.Seconds()),
	)
	if err != nil {
		span.RecordError(err)
		slog.Error("session sweep failed", slog.Any("error", err))
		return
	}
	if cleaned > 0 {
		slog.Info("session sweep done", slog.Int("cleaned", cleaned))
	}
}
