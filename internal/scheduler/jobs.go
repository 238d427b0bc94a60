package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/me/kestrel/internal/store"
	"github.com/me/kestrel/pkg/model"
)

// SubmitJob creates a job with spec.Size queued tasks and eagerly dispatches
// them to matching available workers.
func (e *Engine) SubmitJob(ctx context.Context, ob *Outbox, spec model.JobSpec) (model.Submitted, error) {
	res := model.Submitted{Dispatched: map[int]string{}}
	if err := spec.Validate(); err != nil {
		return res, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	id, err := e.store.Incr(ctx, keyNextJobID)
	if err != nil {
		return res, storeErr("incr job id", err)
	}
	job := &model.Job{
		ID:           id,
		Owner:        strings.TrimSpace(spec.Owner),
		Command:      spec.Command,
		Cleanup:      spec.Cleanup,
		Size:         spec.Size,
		Requirements: model.NormalizeCapabilities(spec.Requirements),
		Status:       model.JobStatusQueued,
		CreatedAt:    e.now().UTC(),
	}
	res.JobID = id

	b := store.NewBatch()
	if err := putJob(b, job); err != nil {
		return res, err
	}
	queued := jobTasksKey(id, model.TaskStatusQueued)
	for i := 0; i < job.Size; i++ {
		b.SAdd(queued, strconv.Itoa(i))
	}
	sid := formatJobID(id)
	b.SAdd(keyJobsActive, sid).SAdd(keyJobsMatchable, sid).SAdd(ownerJobsKey(job.Owner), sid)

	registered, err := e.members(ctx, keyWorkersRegistered)
	if err != nil {
		return res, err
	}
	eligible := 0
	for _, wid := range registered {
		w, err := e.getWorker(ctx, wid)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return res, err
		}
		if model.Matches(job.Requirements, w.Capabilities) {
			b.SAdd(jobWorkersKey(id), wid).SAdd(workerJobsKey(wid), sid)
			eligible++
		}
	}
	if err := e.apply(ctx, b); err != nil {
		return res, err
	}
	e.logger.Info("job submitted",
		"job_id", id,
		"owner", job.Owner,
		"size", job.Size,
		"requirements", job.Requirements,
		"eligible_workers", eligible,
	)

	refs, err := e.dispatchJob(ctx, ob, job)
	for _, ref := range refs {
		res.Dispatched[ref.TaskID] = ref.WorkerID
	}
	return res, err
}

// dispatchJob gives each available, eligible worker with spare capacity at
// most one queued task of the job.
func (e *Engine) dispatchJob(ctx context.Context, ob *Outbox, job *model.Job) ([]model.TaskRef, error) {
	ids, err := e.members(ctx, jobWorkersKey(job.ID))
	if err != nil {
		return nil, err
	}
	var candidates []*model.Worker
	for _, wid := range ids {
		available, err := e.isMember(ctx, keyWorkersAvailable, wid)
		if err != nil {
			return nil, err
		}
		if !available {
			continue
		}
		w, err := e.getWorker(ctx, wid)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, w)
	}

	var refs []model.TaskRef
	for _, w := range e.policy.OrderWorkers(candidates) {
		spare, err := e.spareCapacity(ctx, w)
		if err != nil {
			return refs, err
		}
		if !spare {
			continue
		}
		taskID, found, err := e.pickQueued(ctx, job.ID)
		if err != nil {
			return refs, err
		}
		if !found {
			break
		}
		ref, err := e.assign(ctx, ob, job, taskID, w)
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Rematch runs the eager dispatch step for existing jobs. With no ids it
// covers every matchable job.
func (e *Engine) Rematch(ctx context.Context, ob *Outbox, jobIDs []int64) ([]model.TaskRef, error) {
	if len(jobIDs) == 0 {
		all, err := e.members(ctx, keyJobsMatchable)
		if err != nil {
			return nil, err
		}
		jobIDs = parseIDs(all)
	}

	var refs []model.TaskRef
	for _, id := range e.policy.OrderJobs(jobIDs) {
		ok, err := e.isMember(ctx, keyJobsMatchable, formatJobID(id))
		if err != nil {
			return refs, err
		}
		if !ok {
			continue
		}
		job, err := e.getJob(ctx, id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return refs, err
		}
		assigned, err := e.dispatchJob(ctx, ob, job)
		refs = append(refs, assigned...)
		if err != nil {
			return refs, err
		}
	}
	if len(refs) > 0 {
		e.logger.Debug("rematch assigned tasks", "count", len(refs))
	}
	return refs, nil
}

// CancelJob completes the job's queued tasks and asks the workers holding the
// rest to stop. Only the owner may cancel.
func (e *Engine) CancelJob(ctx context.Context, ob *Outbox, jobID int64, requester string) (model.Cancelled, error) {
	res := model.Cancelled{JobID: jobID, Requests: []model.TaskRef{}}
	job, err := e.getJob(ctx, jobID)
	if err != nil {
		return res, err
	}
	if requester = strings.TrimSpace(requester); requester != job.Owner {
		return res, fmt.Errorf("%w: %q may not cancel job %d owned by %q", ErrUnauthorized, requester, jobID, job.Owner)
	}
	if !job.Status.CanTransitionTo(model.JobStatusCancelled) {
		return res, notFound("active job", jobID)
	}

	b := store.NewBatch()
	queued, err := e.members(ctx, jobTasksKey(jobID, model.TaskStatusQueued))
	if err != nil {
		return res, err
	}
	for _, t := range queued {
		taskID, err := strconv.Atoi(t)
		if err != nil {
			continue
		}
		if err := checkTask(model.TaskRef{JobID: jobID, TaskID: taskID}, model.TaskStatusQueued, model.TaskStatusCompleted); err != nil {
			return res, err
		}
		b.SMove(jobTasksKey(jobID, model.TaskStatusQueued), jobTasksKey(jobID, model.TaskStatusCompleted), t)
	}
	for _, status := range []model.TaskStatus{model.TaskStatusPending, model.TaskStatusRunning} {
		tasks, err := e.members(ctx, jobTasksKey(jobID, status))
		if err != nil {
			return res, err
		}
		for _, t := range tasks {
			taskID, err := strconv.Atoi(t)
			if err != nil {
				continue
			}
			wid, err := e.taskWorker(ctx, jobID, taskID)
			if err != nil {
				return res, err
			}
			if err := checkTask(model.TaskRef{JobID: jobID, TaskID: taskID}, status, model.TaskStatusCancelling); err != nil {
				return res, err
			}
			b.SMove(jobTasksKey(jobID, status), jobTasksKey(jobID, model.TaskStatusCancelling), t).
				Del(taskPendingKey(jobID, taskID))
			res.Requests = append(res.Requests, model.TaskRef{JobID: jobID, TaskID: taskID, WorkerID: wid})
		}
	}

	job.Status = model.JobStatusCancelled
	if err := putJob(b, job); err != nil {
		return res, err
	}
	b.SRem(keyJobsMatchable, formatJobID(jobID))
	if err := e.unlinkJob(ctx, b, jobID); err != nil {
		return res, err
	}
	if err := e.apply(ctx, b); err != nil {
		return res, err
	}

	now := e.now()
	for _, ref := range res.Requests {
		ob.add(model.Notification{
			Kind:     model.NotifyTaskCancelRequested,
			JobID:    jobID,
			TaskID:   ref.TaskID,
			WorkerID: ref.WorkerID,
			At:       now,
		})
	}
	e.logger.Info("job cancelled", "job_id", jobID, "owner", job.Owner, "cancel_requests", len(res.Requests), "dropped_queued", len(queued))

	return res, e.aggregate(ctx, ob, job)
}
