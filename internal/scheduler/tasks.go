package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/me/kestrel/internal/store"
	"github.com/me/kestrel/pkg/model"
)

// FinishResult reports a completed task and any follow-up assignment made to
// the freed worker.
type FinishResult struct {
	Changed  bool           `json:"changed"`
	Assigned *model.TaskRef `json:"assigned,omitempty"`
}

// ResetResult reports where a reset task ended up.
type ResetResult struct {
	Changed bool             `json:"changed"`
	Status  model.TaskStatus `json:"status"`
}

// heldBy loads the job and the task's status and checks that workerID holds it.
func (e *Engine) heldBy(ctx context.Context, workerID string, jobID int64, taskID int) (*model.Job, model.TaskStatus, error) {
	job, err := e.getJob(ctx, jobID)
	if err != nil {
		return nil, "", err
	}
	status, err := e.taskStatus(ctx, job, taskID)
	if err != nil {
		return nil, "", err
	}
	if !status.IsAssigned() {
		return job, status, nil
	}
	holder, err := e.taskWorker(ctx, jobID, taskID)
	if err != nil {
		return nil, "", err
	}
	if holder != workerID {
		return nil, "", fmt.Errorf("%w: task %d,%d is held by %q, not %q",
			ErrInvalidTransition, jobID, taskID, holder, workerID)
	}
	return job, status, nil
}

// StartTask records that the worker began executing a pending task.
func (e *Engine) StartTask(ctx context.Context, ob *Outbox, workerID string, jobID int64, taskID int) error {
	job, status, err := e.heldBy(ctx, workerID, jobID, taskID)
	if err != nil {
		return err
	}
	ref := model.TaskRef{JobID: jobID, TaskID: taskID}
	if !status.IsAssigned() {
		return fmt.Errorf("%w: task %s is not assigned to %q", ErrInvalidTransition, ref, workerID)
	}
	if err := checkTask(ref, status, model.TaskStatusRunning); err != nil {
		return err
	}

	b := store.NewBatch().
		SMove(jobTasksKey(jobID, status), jobTasksKey(jobID, model.TaskStatusRunning), strconv.Itoa(taskID)).
		Del(taskPendingKey(jobID, taskID))
	if err := e.apply(ctx, b); err != nil {
		return err
	}
	e.logger.Debug("task started", "job_id", jobID, "task_id", taskID, "worker_id", workerID)
	return e.aggregate(ctx, ob, job)
}

// FinishTask completes a running or cancelling task, updates the job and, if
// the freed worker is available, tries to hand it another task.
func (e *Engine) FinishTask(ctx context.Context, ob *Outbox, workerID string, jobID int64, taskID int) (FinishResult, error) {
	var res FinishResult
	job, status, err := e.heldBy(ctx, workerID, jobID, taskID)
	if err != nil {
		return res, err
	}
	ref := model.TaskRef{JobID: jobID, TaskID: taskID, WorkerID: workerID}
	if status == model.TaskStatusCompleted {
		e.logger.Debug("finish on completed task ignored", "job_id", jobID, "task_id", taskID, "worker_id", workerID)
		return res, nil
	}
	// A queued task holds no worker, so nobody can finish it.
	if !status.IsAssigned() {
		return res, invalidTransition("task", ref.String(), status, model.TaskStatusCompleted)
	}

	b := store.NewBatch()
	if err := releaseTask(b, ref, status, model.TaskStatusCompleted); err != nil {
		return res, err
	}
	if err := e.apply(ctx, b); err != nil {
		return res, err
	}
	res.Changed = true
	e.logger.Debug("task finished", "job_id", jobID, "task_id", taskID, "worker_id", workerID, "was", status)

	if err := e.aggregate(ctx, ob, job); err != nil {
		return res, err
	}

	w, err := e.getWorker(ctx, workerID)
	if isNotFound(err) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Assigned, err = e.matchWorker(ctx, ob, w)
	return res, err
}

// ResetTask returns an assigned task to the queue after a failed dispatch.
// A cancelling task is completed instead. Resetting a queued or completed
// task does nothing.
func (e *Engine) ResetTask(ctx context.Context, ob *Outbox, workerID string, jobID int64, taskID int) (ResetResult, error) {
	job, status, err := e.heldBy(ctx, workerID, jobID, taskID)
	if err != nil {
		return ResetResult{}, err
	}
	if !status.IsAssigned() {
		e.logger.Debug("reset on unassigned task ignored", "job_id", jobID, "task_id", taskID, "status", status)
		return ResetResult{Status: status}, nil
	}
	ref := model.TaskRef{JobID: jobID, TaskID: taskID, WorkerID: workerID}
	return e.reset(ctx, ob, job, ref, status)
}

func (e *Engine) reset(ctx context.Context, ob *Outbox, job *model.Job, ref model.TaskRef, status model.TaskStatus) (ResetResult, error) {
	to := model.TaskStatusQueued
	if status == model.TaskStatusCancelling {
		to = model.TaskStatusCompleted
	}
	b := store.NewBatch()
	if err := releaseTask(b, ref, status, to); err != nil {
		return ResetResult{}, err
	}
	if err := e.apply(ctx, b); err != nil {
		return ResetResult{}, err
	}
	e.logger.Info("task reset", "job_id", ref.JobID, "task_id", ref.TaskID, "worker_id", ref.WorkerID, "from", status, "to", to)
	if to == model.TaskStatusQueued {
		ob.add(model.Notification{
			Kind:     model.NotifyWorkerDispatchReset,
			JobID:    ref.JobID,
			TaskIDs:  []int{ref.TaskID},
			WorkerID: ref.WorkerID,
			At:       e.now(),
		})
	}
	if err := e.aggregate(ctx, ob, job); err != nil {
		return ResetResult{}, err
	}
	return ResetResult{Changed: true, Status: to}, nil
}

// ExpireLeases re-queues every pending task whose lease started before
// now minus the lease duration. It returns the expired tasks.
func (e *Engine) ExpireLeases(ctx context.Context, ob *Outbox, now time.Time) ([]model.TaskRef, error) {
	if e.lease <= 0 {
		return nil, nil
	}
	active, err := e.members(ctx, keyJobsActive)
	if err != nil {
		return nil, err
	}
	ids := parseIDs(active)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var expired []model.TaskRef
	for _, jobID := range ids {
		pending, err := e.members(ctx, jobTasksKey(jobID, model.TaskStatusPending))
		if err != nil {
			return expired, err
		}
		if len(pending) == 0 {
			continue
		}
		job, err := e.getJob(ctx, jobID)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return expired, err
		}
		for _, t := range pending {
			taskID, err := strconv.Atoi(t)
			if err != nil {
				continue
			}
			raw, ok, err := e.store.Get(ctx, taskPendingKey(jobID, taskID))
			if err != nil {
				return expired, storeErr("get lease", err)
			}
			if !ok {
				continue
			}
			since, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil || now.Sub(since) <= e.lease {
				continue
			}
			wid, err := e.taskWorker(ctx, jobID, taskID)
			if err != nil {
				return expired, err
			}
			ref := model.TaskRef{JobID: jobID, TaskID: taskID, WorkerID: wid}
			if _, err := e.reset(ctx, ob, job, ref, model.TaskStatusPending); err != nil {
				return expired, err
			}
			e.logger.Warn("task lease expired", "job_id", jobID, "task_id", taskID, "worker_id", wid, "pending_since", since)
			expired = append(expired, ref)
		}
	}
	return expired, nil
}
