// Package scheduler matches the tasks of capability-constrained jobs to
// capability-tagged workers and tracks every task through its lifecycle.
//
// All state lives in a store.Store. Every operation, queries included, runs
// as one turn on the Mutator goroutine, so the Engine never sees concurrent
// calls. Notifications produced by a turn are published to the Emitter before
// the caller gets its result.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/me/kestrel/internal/store"
	"github.com/me/kestrel/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	QueueSize     int
	LeaseDuration time.Duration
	SweepInterval time.Duration
	OpTimeout     time.Duration
	Policy        Policy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:     DefaultQueueSize,
		LeaseDuration: 15 * time.Second,
		SweepInterval: 5 * time.Second,
		OpTimeout:     10 * time.Second,
		Policy:        RandomPolicy{},
	}
}

// Scheduler is the entry point for transports and the CLI-facing API.
type Scheduler struct {
	engine  *Engine
	mutator *Mutator
	emitter *Emitter
	store   store.Store
	config  Config
	logger  *slog.Logger
}

// New creates a Scheduler over st. Call Run before issuing operations.
func New(st store.Store, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Policy == nil {
		cfg.Policy = RandomPolicy{}
	}
	return &Scheduler{
		engine:  NewEngine(st, cfg.Policy, cfg.LeaseDuration, logger),
		mutator: NewMutator(cfg.QueueSize, cfg.OpTimeout, logger),
		emitter: NewEmitter(logger),
		store:   st,
		config:  cfg,
		logger:  logger.With("component", "scheduler"),
	}
}

// Run serves operations until ctx is cancelled. It reconciles the worker
// pools first.
func (s *Scheduler) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.mutator.Run(ctx) }()

	if _, err := s.Clean(ctx); err != nil {
		s.logger.Warn("startup pool reconciliation failed", "error", err)
	}
	return <-errc
}

// Events returns the emitter that carries outbound notifications.
func (s *Scheduler) Events() *Emitter { return s.emitter }

// Config returns the configuration the scheduler was built with.
func (s *Scheduler) Config() Config { return s.config }

// QueueDepth returns the number of operations waiting for their turn.
func (s *Scheduler) QueueDepth() int { return s.mutator.Pending() }

// StoreName names the backing store.
func (s *Scheduler) StoreName() string { return s.store.Name() }

// Ping checks that the backing store is reachable.
func (s *Scheduler) Ping(ctx context.Context) error {
	_, err := call(ctx, s.mutator, "ping", func(ctx context.Context) (struct{}, error) {
		if err := s.store.Ping(ctx); err != nil {
			return struct{}{}, storeErr("ping", err)
		}
		return struct{}{}, nil
	})
	return err
}

// turn runs fn on the mutator as one store transaction and publishes what it
// emitted. A failed turn writes nothing and publishes nothing.
func turn[T any](ctx context.Context, s *Scheduler, name string, fn func(ctx context.Context, e *Engine, ob *Outbox) (T, error)) (T, error) {
	return call(ctx, s.mutator, name, func(ctx context.Context) (T, error) {
		ob := &Outbox{}
		v, err := txn(ctx, s.engine, ob, func(e *Engine, ob *Outbox) (T, error) {
			return fn(ctx, e, ob)
		})
		if err != nil {
			return v, err
		}
		s.emitter.Publish(ob.Notifications()...)
		return v, nil
	})
}

// RegisterWorker records a worker and its capabilities. The worker starts offline.
func (s *Scheduler) RegisterWorker(ctx context.Context, id string, capabilities []string, maxTasks int) (*model.Worker, error) {
	return turn(ctx, s, "register_worker", func(ctx context.Context, e *Engine, ob *Outbox) (*model.Worker, error) {
		return e.Register(ctx, ob, id, capabilities, maxTasks)
	})
}

// SetAvailable marks a worker available and may assign it a task.
func (s *Scheduler) SetAvailable(ctx context.Context, id string) (model.Availability, error) {
	return turn(ctx, s, "worker_available", func(ctx context.Context, e *Engine, ob *Outbox) (model.Availability, error) {
		return e.SetAvailable(ctx, ob, id)
	})
}

// SetBusy marks a worker busy.
func (s *Scheduler) SetBusy(ctx context.Context, id string) (bool, error) {
	return turn(ctx, s, "worker_busy", func(ctx context.Context, e *Engine, _ *Outbox) (bool, error) {
		return e.SetBusy(ctx, id)
	})
}

// SetOffline takes a worker offline and releases its tasks.
func (s *Scheduler) SetOffline(ctx context.Context, id string) (model.OfflineResult, error) {
	return turn(ctx, s, "worker_offline", func(ctx context.Context, e *Engine, ob *Outbox) (model.OfflineResult, error) {
		return e.SetOffline(ctx, ob, id)
	})
}

// SetPresence applies a presence change by state.
func (s *Scheduler) SetPresence(ctx context.Context, id string, state model.WorkerState) (any, error) {
	switch state {
	case model.WorkerStateAvailable:
		return s.SetAvailable(ctx, id)
	case model.WorkerStateBusy:
		changed, err := s.SetBusy(ctx, id)
		return model.Availability{WorkerID: id, Changed: changed}, err
	default:
		return s.SetOffline(ctx, id)
	}
}

// DeregisterWorker takes a worker offline and forgets it.
func (s *Scheduler) DeregisterWorker(ctx context.Context, id string) (model.OfflineResult, error) {
	return turn(ctx, s, "deregister_worker", func(ctx context.Context, e *Engine, ob *Outbox) (model.OfflineResult, error) {
		return e.Deregister(ctx, ob, id)
	})
}

// RequestShutdown tells a worker's agent to shut down.
func (s *Scheduler) RequestShutdown(ctx context.Context, id string) error {
	_, err := turn(ctx, s, "worker_shutdown", func(ctx context.Context, e *Engine, ob *Outbox) (struct{}, error) {
		return struct{}{}, e.RequestShutdown(ctx, ob, id)
	})
	return err
}

// Clean drops stale members of the available and busy pools.
func (s *Scheduler) Clean(ctx context.Context) (int, error) {
	return turn(ctx, s, "clean_pools", func(ctx context.Context, e *Engine, _ *Outbox) (int, error) {
		return e.Clean(ctx)
	})
}

// SubmitJob creates a job and eagerly dispatches its tasks.
func (s *Scheduler) SubmitJob(ctx context.Context, spec model.JobSpec) (model.Submitted, error) {
	return turn(ctx, s, "submit_job", func(ctx context.Context, e *Engine, ob *Outbox) (model.Submitted, error) {
		return e.SubmitJob(ctx, ob, spec)
	})
}

// CancelJob cancels a job on behalf of requester.
func (s *Scheduler) CancelJob(ctx context.Context, jobID int64, requester string) (model.Cancelled, error) {
	return turn(ctx, s, "cancel_job", func(ctx context.Context, e *Engine, ob *Outbox) (model.Cancelled, error) {
		return e.CancelJob(ctx, ob, jobID, requester)
	})
}

// StartTask records that a worker began a pending task.
func (s *Scheduler) StartTask(ctx context.Context, workerID string, jobID int64, taskID int) error {
	_, err := turn(ctx, s, "start_task", func(ctx context.Context, e *Engine, ob *Outbox) (struct{}, error) {
		return struct{}{}, e.StartTask(ctx, ob, workerID, jobID, taskID)
	})
	return err
}

// FinishTask records that a worker finished a task.
func (s *Scheduler) FinishTask(ctx context.Context, workerID string, jobID int64, taskID int) (FinishResult, error) {
	return turn(ctx, s, "finish_task", func(ctx context.Context, e *Engine, ob *Outbox) (FinishResult, error) {
		return e.FinishTask(ctx, ob, workerID, jobID, taskID)
	})
}

// ResetTask returns a task to the queue after its dispatch failed.
func (s *Scheduler) ResetTask(ctx context.Context, workerID string, jobID int64, taskID int) (ResetResult, error) {
	return turn(ctx, s, "reset_task", func(ctx context.Context, e *Engine, ob *Outbox) (ResetResult, error) {
		return e.ResetTask(ctx, ob, workerID, jobID, taskID)
	})
}

// Rematch dispatches queued tasks of the given jobs, or of every matchable
// job when none are given.
func (s *Scheduler) Rematch(ctx context.Context, jobIDs ...int64) ([]model.TaskRef, error) {
	return turn(ctx, s, "rematch", func(ctx context.Context, e *Engine, ob *Outbox) ([]model.TaskRef, error) {
		return e.Rematch(ctx, ob, jobIDs)
	})
}

// ExpireLeases resets pending tasks whose lease has run out.
func (s *Scheduler) ExpireLeases(ctx context.Context, now time.Time) ([]model.TaskRef, error) {
	return turn(ctx, s, "expire_leases", func(ctx context.Context, e *Engine, ob *Outbox) ([]model.TaskRef, error) {
		return e.ExpireLeases(ctx, ob, now)
	})
}

// JobStatus reports one job.
func (s *Scheduler) JobStatus(ctx context.Context, jobID int64) (model.JobReport, error) {
	return call(ctx, s.mutator, "job_status", func(ctx context.Context) (model.JobReport, error) {
		return s.engine.JobStatus(ctx, jobID)
	})
}

// JobDetail reports one job with every task.
func (s *Scheduler) JobDetail(ctx context.Context, jobID int64) (model.JobDetail, error) {
	return call(ctx, s.mutator, "job_detail", func(ctx context.Context) (model.JobDetail, error) {
		return s.engine.JobDetail(ctx, jobID)
	})
}

// ActiveJobs reports every job that is not yet archived.
func (s *Scheduler) ActiveJobs(ctx context.Context) ([]model.JobReport, error) {
	return call(ctx, s.mutator, "active_jobs", func(ctx context.Context) ([]model.JobReport, error) {
		return s.engine.ActiveJobs(ctx)
	})
}

// OwnerJobs reports every job submitted by owner.
func (s *Scheduler) OwnerJobs(ctx context.Context, owner string) ([]model.JobReport, error) {
	return call(ctx, s.mutator, "owner_jobs", func(ctx context.Context) ([]model.JobReport, error) {
		return s.engine.OwnerJobs(ctx, owner)
	})
}

// PoolStatus reports the size of each worker pool.
func (s *Scheduler) PoolStatus(ctx context.Context) (model.PoolStatus, error) {
	return call(ctx, s.mutator, "pool_status", func(ctx context.Context) (model.PoolStatus, error) {
		return s.engine.PoolStatus(ctx)
	})
}

// Worker reports one worker and the tasks it holds.
func (s *Scheduler) Worker(ctx context.Context, id string) (model.WorkerDetail, error) {
	return call(ctx, s.mutator, "worker_detail", func(ctx context.Context) (model.WorkerDetail, error) {
		return s.engine.WorkerDetail(ctx, id)
	})
}

// Workers lists every registered worker.
func (s *Scheduler) Workers(ctx context.Context) ([]model.Worker, error) {
	return call(ctx, s.mutator, "list_workers", func(ctx context.Context) ([]model.Worker, error) {
		return s.engine.Workers(ctx)
	})
}
