package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/kestrel/pkg/model"
)

// Loop drives the time-based parts of scheduling: it expires stale leases and
// re-runs matching on an interval, and rematches jobs as soon as their tasks
// are reset.
type Loop struct {
	sched    *Scheduler
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewLoop creates a loop over sched using its configured sweep interval.
func NewLoop(sched *Scheduler, logger *slog.Logger) *Loop {
	interval := sched.Config().SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	return &Loop{
		sched:    sched,
		interval: interval,
		now:      time.Now,
		logger:   logger.With("component", "loop"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	defer close(l.doneCh)
	resets := l.sched.Events().Subscribe(DefaultQueueSize, OfKind(model.NotifyWorkerDispatchReset))
	defer resets.Close()

	l.logger.Info("loop started", "sweep_interval", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("loop stopping (context cancelled)")
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("loop stopping (stop called)")
			return nil
		case n, ok := <-resets.C:
			if !ok {
				return nil
			}
			if _, err := l.sched.Rematch(ctx, n.JobID); err != nil {
				l.logger.Error("rematch after reset", "job_id", n.JobID, "error", err)
			}
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop shuts the loop down and waits for the current iteration to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs one sweep: lease expiry, then matching over every job.
func (l *Loop) Tick(ctx context.Context) error {
	expired, err := l.sched.ExpireLeases(ctx, l.now())
	if err != nil {
		return fmt.Errorf("expire leases: %w", err)
	}
	if len(expired) > 0 {
		l.logger.Info("leases expired", "count", len(expired))
	}

	assigned, err := l.sched.Rematch(ctx)
	if err != nil {
		return fmt.Errorf("rematch: %w", err)
	}
	if len(assigned) > 0 {
		l.logger.Debug("sweep assigned tasks", "count", len(assigned))
	}
	return nil
}
