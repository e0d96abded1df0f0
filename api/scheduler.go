/*
scheduler.go - Arrival sweep scheduler

PURPOSE:
  Periodically closes accepted fulfillments whose arrival date has passed
  (allocation.Service.SweepArrivals). Reads never trigger a sweep; this
  loop and the admin endpoint are the only callers.

DESIGN:
  - One tick per CheckInterval, plus one immediately on start
  - With several replicas, a lease (see package lease) makes sure only one
    sweeps per tick; the others skip quietly
  - A failing tick is logged and the loop continues

USAGE:
  scheduler := NewSweepScheduler(svc, lease.NewRedis(rdb), logger)
  scheduler.CheckInterval = time.Minute
  go scheduler.Run(ctx) // returns when ctx is cancelled

SEE ALSO:
  - allocation/sweeper.go: the sweep itself
  - handlers.go: TriggerSweep (manual sweep)
*/
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/bloodbank/allocation"
	"github.com/warp/bloodbank/lease"
)

const sweepLease = "arrival-sweep"

var sweeperActor = allocation.SystemActor("sweeper")

// SweepScheduler runs the arrival sweep on an interval.
type SweepScheduler struct {
	Service       *allocation.Service
	Locker        lease.Locker
	CheckInterval time.Duration
	Now           func() time.Time

	logger *slog.Logger
}

// NewSweepScheduler creates a scheduler with a one-minute interval. A nil
// locker sweeps on every tick.
func NewSweepScheduler(svc *allocation.Service, locker lease.Locker, logger *slog.Logger) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepScheduler{
		Service:       svc,
		Locker:        locker,
		CheckInterval: time.Minute,
		Now:           time.Now,
		logger:        logger,
	}
}

// Run blocks until ctx is cancelled.
func (ss *SweepScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(ss.CheckInterval)
	defer ticker.Stop()

	ss.logger.InfoContext(ctx, "sweep scheduler started", "interval", ss.CheckInterval)

	ss.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			ss.RunNow(ctx)
		case <-ctx.Done():
			ss.logger.Info("sweep scheduler stopped")
			return nil
		}
	}
}

// RunNow performs one tick and reports how many requests were closed.
// ran is false when another replica holds the lease.
func (ss *SweepScheduler) RunNow(ctx context.Context) (closed int, ran bool) {
	if ss.Locker != nil {
		// The lease outlives a slow sweep by at most one interval.
		release, ok, err := ss.Locker.TryAcquire(ctx, sweepLease, ss.CheckInterval)
		if err != nil {
			ss.logger.ErrorContext(ctx, "sweep lease unavailable", "error", err)
			return 0, false
		}
		if !ok {
			ss.logger.DebugContext(ctx, "sweep skipped, lease held elsewhere")
			return 0, false
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				ss.logger.WarnContext(ctx, "sweep lease release failed", "error", err)
			}
		}()
	}

	closed, err := ss.Service.SweepArrivals(ctx, sweeperActor, ss.Now())
	if err != nil {
		ss.logger.ErrorContext(ctx, "sweep finished with errors", "closed", closed, "error", err)
	} else if closed > 0 {
		ss.logger.InfoContext(ctx, "sweep closed arrivals", "closed", closed)
	}
	return closed, true
}
