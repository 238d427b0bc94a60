package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/me/kestrel/internal/store"
	"github.com/me/kestrel/pkg/model"
)

// Register creates or overwrites the worker record in the offline state and
// recomputes which active jobs the worker is eligible for. A worker that was
// online is first taken offline so that none of its tasks stay assigned.
func (e *Engine) Register(ctx context.Context, ob *Outbox, id string, capabilities []string, maxTasks int) (*model.Worker, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrValidation)
	}
	if maxTasks < 1 {
		maxTasks = model.DefaultMaxTasks
	}

	if prev, err := e.getWorker(ctx, id); err == nil {
		if _, err := e.goOffline(ctx, ob, prev); err != nil {
			return nil, err
		}
	} else if !isNotFound(err) {
		return nil, err
	}

	w := &model.Worker{
		ID:           id,
		Capabilities: model.NormalizeCapabilities(capabilities),
		State:        model.WorkerStateOffline,
		MaxTasks:     maxTasks,
		RegisteredAt: e.now().UTC(),
	}

	b := store.NewBatch()
	if err := e.unlinkWorker(ctx, b, id); err != nil {
		return nil, err
	}
	if err := putWorker(b, w); err != nil {
		return nil, err
	}
	b.SAdd(keyWorkersRegistered, id)

	matchable, err := e.members(ctx, keyJobsMatchable)
	if err != nil {
		return nil, err
	}
	eligible := 0
	for _, jobID := range parseIDs(matchable) {
		job, err := e.getJob(ctx, jobID)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		if model.Matches(job.Requirements, w.Capabilities) {
			b.SAdd(workerJobsKey(id), formatJobID(jobID)).SAdd(jobWorkersKey(jobID), id)
			eligible++
		}
	}
	if err := e.apply(ctx, b); err != nil {
		return nil, err
	}

	e.logger.Info("worker registered",
		"worker_id", id,
		"capabilities", w.Capabilities,
		"max_tasks", w.MaxTasks,
		"eligible_jobs", eligible,
	)
	return w, nil
}

// SetAvailable marks the worker available and tries to hand it one task.
func (e *Engine) SetAvailable(ctx context.Context, ob *Outbox, id string) (model.Availability, error) {
	res := model.Availability{WorkerID: id}
	w, err := e.getWorker(ctx, id)
	if err != nil {
		return res, err
	}
	if w.State == model.WorkerStateAvailable {
		return res, nil
	}

	w.State = model.WorkerStateAvailable
	b := store.NewBatch()
	if err := putWorker(b, w); err != nil {
		return res, err
	}
	b.SAdd(keyWorkersOnline, id).SRem(keyWorkersBusy, id).SAdd(keyWorkersAvailable, id)
	if err := e.apply(ctx, b); err != nil {
		return res, err
	}
	res.Changed = true
	e.logger.Debug("worker available", "worker_id", id)

	ref, err := e.matchWorker(ctx, ob, w)
	if err != nil {
		return res, err
	}
	res.Assigned = ref
	return res, nil
}

// SetBusy marks the worker busy. A busy worker keeps its tasks but receives
// no new assignments. It reports whether the state changed.
func (e *Engine) SetBusy(ctx context.Context, id string) (bool, error) {
	w, err := e.getWorker(ctx, id)
	if err != nil {
		return false, err
	}
	if w.State == model.WorkerStateBusy {
		return false, nil
	}
	w.State = model.WorkerStateBusy
	b := store.NewBatch()
	if err := putWorker(b, w); err != nil {
		return false, err
	}
	b.SAdd(keyWorkersOnline, id).SRem(keyWorkersAvailable, id).SAdd(keyWorkersBusy, id)
	if err := e.apply(ctx, b); err != nil {
		return false, err
	}
	e.logger.Debug("worker busy", "worker_id", id)
	return true, nil
}

// SetOffline takes the worker out of every pool and releases its tasks.
func (e *Engine) SetOffline(ctx context.Context, ob *Outbox, id string) (model.OfflineResult, error) {
	w, err := e.getWorker(ctx, id)
	if err != nil {
		return model.OfflineResult{WorkerID: id}, err
	}
	return e.goOffline(ctx, ob, w)
}

// goOffline re-queues the worker's pending and running tasks and completes
// its cancelling ones, then updates the affected jobs.
func (e *Engine) goOffline(ctx context.Context, ob *Outbox, w *model.Worker) (model.OfflineResult, error) {
	res := model.OfflineResult{WorkerID: w.ID, AffectedJobs: []int64{}}

	held, err := e.heldTasks(ctx, w.ID)
	if err != nil {
		return res, err
	}
	if w.State == model.WorkerStateOffline && len(held) == 0 {
		return res, nil
	}

	w.State = model.WorkerStateOffline
	b := store.NewBatch()
	if err := putWorker(b, w); err != nil {
		return res, err
	}
	b.SRem(keyWorkersOnline, w.ID).SRem(keyWorkersAvailable, w.ID).SRem(keyWorkersBusy, w.ID)

	requeued := map[int64][]int{}
	jobs := map[int64]*model.Job{}
	for _, ref := range held {
		job, err := e.getJob(ctx, ref.JobID)
		if isNotFound(err) {
			b.SRem(workerTasksKey(w.ID), ref.String())
			continue
		}
		if err != nil {
			return res, err
		}
		status, err := e.taskStatus(ctx, job, ref.TaskID)
		if err != nil && !isNotFound(err) {
			return res, err
		}
		switch status {
		case model.TaskStatusPending, model.TaskStatusRunning:
			if err := releaseTask(b, ref, status, model.TaskStatusQueued); err != nil {
				return res, err
			}
			requeued[ref.JobID] = append(requeued[ref.JobID], ref.TaskID)
		case model.TaskStatusCancelling:
			if err := releaseTask(b, ref, status, model.TaskStatusCompleted); err != nil {
				return res, err
			}
		default:
			b.SRem(workerTasksKey(w.ID), ref.String())
			continue
		}
		jobs[job.ID] = job
	}
	if err := e.apply(ctx, b); err != nil {
		return res, err
	}

	for id := range jobs {
		res.AffectedJobs = append(res.AffectedJobs, id)
	}
	sort.Slice(res.AffectedJobs, func(i, j int) bool { return res.AffectedJobs[i] < res.AffectedJobs[j] })

	for _, id := range res.AffectedJobs {
		if tasks := requeued[id]; len(tasks) > 0 {
			sort.Ints(tasks)
			ob.add(model.Notification{
				Kind:     model.NotifyWorkerDispatchReset,
				JobID:    id,
				TaskIDs:  tasks,
				WorkerID: w.ID,
				At:       e.now(),
			})
		}
		if err := e.aggregate(ctx, ob, jobs[id]); err != nil {
			return res, err
		}
	}

	e.logger.Info("worker offline", "worker_id", w.ID, "released_tasks", len(held), "affected_jobs", res.AffectedJobs)
	return res, nil
}

// Deregister takes the worker offline and deletes its record.
func (e *Engine) Deregister(ctx context.Context, ob *Outbox, id string) (model.OfflineResult, error) {
	w, err := e.getWorker(ctx, id)
	if err != nil {
		return model.OfflineResult{WorkerID: id}, err
	}
	res, err := e.goOffline(ctx, ob, w)
	if err != nil {
		return res, err
	}
	b := store.NewBatch()
	if err := e.unlinkWorker(ctx, b, id); err != nil {
		return res, err
	}
	b.Del(workerKey(id)).Del(workerTasksKey(id)).SRem(keyWorkersRegistered, id)
	if err := e.apply(ctx, b); err != nil {
		return res, err
	}
	e.logger.Info("worker deregistered", "worker_id", id)
	return res, nil
}

// Clean drops pool members that are not online and returns how many it removed.
func (e *Engine) Clean(ctx context.Context) (int, error) {
	online, err := e.members(ctx, keyWorkersOnline)
	if err != nil {
		return 0, err
	}
	isOnline := make(map[string]bool, len(online))
	for _, id := range online {
		isOnline[id] = true
	}

	b := store.NewBatch()
	removed := 0
	for _, pool := range []string{keyWorkersAvailable, keyWorkersBusy} {
		members, err := e.members(ctx, pool)
		if err != nil {
			return 0, err
		}
		for _, id := range members {
			if !isOnline[id] {
				b.SRem(pool, id)
				removed++
			}
		}
	}
	if err := e.apply(ctx, b); err != nil {
		return 0, err
	}
	if removed > 0 {
		e.logger.Info("worker pools cleaned", "removed", removed)
	}
	return removed, nil
}

// matchWorker hands an available worker with spare capacity one queued task
// from the jobs it is eligible for. It returns nil when nothing matches.
func (e *Engine) matchWorker(ctx context.Context, ob *Outbox, w *model.Worker) (*model.TaskRef, error) {
	if w.State != model.WorkerStateAvailable {
		return nil, nil
	}
	spare, err := e.spareCapacity(ctx, w)
	if err != nil || !spare {
		return nil, err
	}

	linked, err := e.members(ctx, workerJobsKey(w.ID))
	if err != nil {
		return nil, err
	}
	for _, jobID := range e.policy.OrderJobs(parseIDs(linked)) {
		ok, err := e.isMember(ctx, keyJobsMatchable, formatJobID(jobID))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		taskID, found, err := e.pickQueued(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		job, err := e.getJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		ref, err := e.assign(ctx, ob, job, taskID, w)
		if err != nil {
			return nil, err
		}
		return &ref, nil
	}
	return nil, nil
}

// unlinkWorker drops every eligibility link of the worker.
func (e *Engine) unlinkWorker(ctx context.Context, b *store.Batch, id string) error {
	jobs, err := e.members(ctx, workerJobsKey(id))
	if err != nil {
		return err
	}
	for _, jobID := range parseIDs(jobs) {
		b.SRem(jobWorkersKey(jobID), id)
	}
	b.Del(workerJobsKey(id))
	return nil
}

// RequestShutdown asks a registered worker's agent to stop. The worker's
// state is left alone; the agent leaves the pool itself as it exits.
func (e *Engine) RequestShutdown(ctx context.Context, ob *Outbox, id string) error {
	if _, err := e.getWorker(ctx, id); err != nil {
		return err
	}
	ob.add(model.Notification{
		Kind:     model.NotifyWorkerShutdown,
		WorkerID: id,
		At:       e.now(),
	})
	return nil
}
