package store

import (
	"context"
	"log/slog"
	"time"
)

// Replayer periodically drives replay passes against a manager.
//
// One background owner per manager: the replayer is the single goroutine
// that calls Replay, while arbitrarily many foreground producers register
// and update messages concurrently.
//
// Example:
//
//	replayer := store.NewReplayer(mgr, sender.Send).
//	    WithInterval(30 * time.Second)
//
//	ctx, cancel := context.WithCancel(context.Background())
//	go func() {
//	    if err := replayer.Start(ctx); err != context.Canceled {
//	        log.Error("replayer stopped", "error", err)
//	    }
//	}()
//
//	// Later, to stop:
//	cancel()
type Replayer struct {
	mgr      *Manager
	deliver  Deliver
	interval time.Duration
	logger   *slog.Logger
}

// NewReplayer creates a replayer that re-delivers failed messages through
// the given delivery callback. The default interval is one minute.
func NewReplayer(mgr *Manager, deliver Deliver) *Replayer {
	return &Replayer{
		mgr:      mgr,
		deliver:  deliver,
		interval: time.Minute,
		logger:   slog.Default().With("component", "store.replayer"),
	}
}

// WithInterval sets the time between replay passes.
//
// Returns the replayer for method chaining.
func (r *Replayer) WithInterval(d time.Duration) *Replayer {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithLogger sets a custom logger.
//
// Returns the replayer for method chaining.
func (r *Replayer) WithLogger(l *slog.Logger) *Replayer {
	r.logger = l
	return r
}

// Start blocks, running a replay pass every interval until the context is
// cancelled. Returns ctx.Err().
func (r *Replayer) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.mgr.Replay(ctx, r.deliver); n > 0 {
				r.logger.Debug("replay pass finished", "delivered", n)
			}
		}
	}
}
