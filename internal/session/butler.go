package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/audiolibrelab/takecapture/internal/capture"
)

// Butler drains the engine's rings to storage off the realtime path
type Butler struct {
	engine   *capture.Engine
	stops    <-chan StopNotice
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewButler creates a flush worker for the session's engine
func NewButler(s *Session, interval time.Duration, logger *slog.Logger) *Butler {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Butler{
		engine:   s.engine,
		stops:    s.stops,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run flushes on request, on every tick and on transport stops until ctx is
// done. A final forced flush runs before it returns.
func (b *Butler) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Debug("Butler started", "interval", b.interval)
	for {
		select {
		case <-ctx.Done():
			_, err := b.engine.Flush(true)
			if err != nil {
				b.logger.Error("Final flush failed", "error", err)
			}
			b.logger.Debug("Butler stopped")
			return err
		case <-b.engine.FlushRequests():
			b.flush()
		case <-ticker.C:
			b.flush()
		case n := <-b.stops:
			if err := b.engine.TransportStoppedWallclock(b.now(), n.Abort); err != nil {
				b.logger.Error("Failed to complete transport stop", "error", err, "abort", n.Abort)
			}
		}
	}
}

func (b *Butler) flush() {
	for {
		more, err := b.engine.Flush(false)
		if err != nil {
			b.logger.Error("Flush failed", "error", err)
			return
		}
		if !more {
			return
		}
	}
}
