package scheduler

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/me/kestrel/pkg/model"
)

func (e *Engine) report(ctx context.Context, job *model.Job) (model.JobReport, error) {
	counts, err := e.counts(ctx, job.ID)
	if err != nil {
		return model.JobReport{}, err
	}
	return model.JobReport{
		ID:        job.ID,
		Owner:     job.Owner,
		Requested: job.Size,
		Status:    job.Status,
		Tasks:     counts,
	}, nil
}

// JobStatus reports the job's per-status task counts.
func (e *Engine) JobStatus(ctx context.Context, jobID int64) (model.JobReport, error) {
	job, err := e.getJob(ctx, jobID)
	if err != nil {
		return model.JobReport{}, err
	}
	return e.report(ctx, job)
}

// JobDetail reports the job record and each task's status and holder.
func (e *Engine) JobDetail(ctx context.Context, jobID int64) (model.JobDetail, error) {
	job, err := e.getJob(ctx, jobID)
	if err != nil {
		return model.JobDetail{}, err
	}
	detail := model.JobDetail{Job: *job, Tasks: make([]model.Task, job.Size)}
	for i := range detail.Tasks {
		detail.Tasks[i] = model.Task{JobID: jobID, TaskID: i}
	}
	for _, status := range model.TaskStatuses {
		members, err := e.members(ctx, jobTasksKey(jobID, status))
		if err != nil {
			return model.JobDetail{}, err
		}
		detail.Counts.Set(status, len(members))
		for _, m := range members {
			i, err := strconv.Atoi(m)
			if err != nil || i < 0 || i >= job.Size {
				continue
			}
			task := &detail.Tasks[i]
			task.Status = status
			if !status.IsAssigned() {
				continue
			}
			if task.WorkerID, err = e.taskWorker(ctx, jobID, i); err != nil {
				return model.JobDetail{}, err
			}
			if status == model.TaskStatusPending {
				raw, ok, err := e.store.Get(ctx, taskPendingKey(jobID, i))
				if err != nil {
					return model.JobDetail{}, storeErr("get lease", err)
				}
				if ok {
					if since, err := time.Parse(time.RFC3339Nano, raw); err == nil {
						task.PendingSince = &since
					}
				}
			}
		}
	}
	return detail, nil
}

func (e *Engine) reports(ctx context.Context, key string) ([]model.JobReport, error) {
	members, err := e.members(ctx, key)
	if err != nil {
		return nil, err
	}
	ids := parseIDs(members)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]model.JobReport, 0, len(ids))
	for _, id := range ids {
		job, err := e.getJob(ctx, id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r, err := e.report(ctx, job)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ActiveJobs reports every job not yet archived, ordered by id.
func (e *Engine) ActiveJobs(ctx context.Context) ([]model.JobReport, error) {
	return e.reports(ctx, keyJobsActive)
}

// OwnerJobs reports every job of the owner, archived ones included.
func (e *Engine) OwnerJobs(ctx context.Context, owner string) ([]model.JobReport, error) {
	return e.reports(ctx, ownerJobsKey(owner))
}

// PoolStatus counts the online, available and busy pools.
func (e *Engine) PoolStatus(ctx context.Context) (model.PoolStatus, error) {
	var ps model.PoolStatus
	for key, dst := range map[string]*int{
		keyWorkersOnline:    &ps.Online,
		keyWorkersAvailable: &ps.Available,
		keyWorkersBusy:      &ps.Busy,
	} {
		n, err := e.store.SCard(ctx, key)
		if err != nil {
			return ps, storeErr("scard", err)
		}
		*dst = n
	}
	return ps, nil
}

// WorkerDetail reports the worker record and the tasks it holds.
func (e *Engine) WorkerDetail(ctx context.Context, id string) (model.WorkerDetail, error) {
	w, err := e.getWorker(ctx, id)
	if err != nil {
		return model.WorkerDetail{}, err
	}
	held, err := e.heldTasks(ctx, id)
	if err != nil {
		return model.WorkerDetail{}, err
	}
	return model.WorkerDetail{Worker: *w, Tasks: held}, nil
}

// Workers lists every registered worker ordered by id.
func (e *Engine) Workers(ctx context.Context) ([]model.Worker, error) {
	ids, err := e.members(ctx, keyWorkersRegistered)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]model.Worker, 0, len(ids))
	for _, id := range ids {
		w, err := e.getWorker(ctx, id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, nil
}
