package runtime

import (
	"context"
	"log/slog"
	"time"
)

const pruneInterval = time.Hour

// janitor evicts idle guild sessions and prunes the event timeline until ctx
// is done.
func (r *Runtime) janitor(ctx context.Context) {
	interval := time.Duration(r.cfg.Sessions.SweepIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-sweep.C:
			if n := r.coord.Sweep(now); n > 0 {
				r.logger.Info("evicted idle guild sessions", slog.Int("count", n))
			}
		case <-prune.C:
			if err := r.events.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}
