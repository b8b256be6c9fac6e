package lock

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultReapInterval is how often the fleet sweeps for stale entries.
	DefaultReapInterval = time.Minute

	reaperGuardKey = "BORG_LOCKSERVICE:reaper"

	defaultReapConcurrency = 8
)

// Reaper periodically clears store entries whose holder process is gone.
type Reaper struct {
	c           *Coordinator
	guard       Guard
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewReaper returns a Reaper sweeping c's store every interval. The guard
// is taken for a full interval and not released after a successful sweep,
// so the whole fleet sweeps about once per interval.
func NewReaper(c *Coordinator, guard Guard, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if guard == nil {
		guard = NewInMemoryGuard()
	}
	return &Reaper{
		c:           c,
		guard:       guard,
		interval:    interval,
		concurrency: defaultReapConcurrency,
		logger:      c.logger,
	}
}

// Sweep checks every recorded holder once and returns how many stale
// entries it cleared. It does nothing when another worker holds the guard.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	ok, err := r.guard.TryLock(ctx, reaperGuardKey, r.interval)
	if err != nil || !ok {
		return 0, err
	}

	keys, err := r.c.store.Keys(ctx)
	if err != nil {
		_ = r.guard.Release(context.Background(), reaperGuardKey)
		return 0, err
	}

	var cleared atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, name := range keys {
		name := name
		g.Go(func() error {
			pid, ok, err := r.c.store.Get(gctx, name)
			if err != nil || !ok || r.c.holder.IsAlive(pid) {
				return err
			}
			deleted, err := r.c.clearStale(gctx, name, pid)
			if deleted {
				cleared.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		_ = r.guard.Release(context.Background(), reaperGuardKey)
		return int(cleared.Load()), err
	}
	return int(cleared.Load()), nil
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Warn("reaper sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("reaper cleared stale locks", "count", n)
			}
		}
	}
}
