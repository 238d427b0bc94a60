package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/me/kestrel/internal/store"
	"github.com/me/kestrel/pkg/model"
)

// Engine holds the scheduling rules over a Store. It keeps no state of its
// own and takes no locks: callers must serialize every call, which the
// Mutator does.
type Engine struct {
	base   store.Store
	store  store.ReadWriter
	policy Policy
	lease  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewEngine creates an Engine. A nil policy selects RandomPolicy.
func NewEngine(st store.Store, policy Policy, lease time.Duration, logger *slog.Logger) *Engine {
	if policy == nil {
		policy = RandomPolicy{}
	}
	return &Engine{
		base:   st,
		store:  st,
		policy: policy,
		lease:  lease,
		now:    time.Now,
		logger: logger.With("component", "engine"),
	}
}

// Outbox collects the notifications produced during one operation. They are
// only appended after the corresponding store batch has been applied.
type Outbox struct {
	notes []model.Notification
}

// Notifications returns the collected notifications in emission order.
func (o *Outbox) Notifications() []model.Notification {
	if o == nil {
		return nil
	}
	return o.notes
}

func (o *Outbox) add(n model.Notification) {
	if o != nil {
		o.notes = append(o.notes, n)
	}
}

// txn runs fn with every write staged in one store.Tx and commits them as a
// single Apply. When fn or the commit fails nothing is written and none of
// fn's notifications reach ob.
func txn[T any](ctx context.Context, e *Engine, ob *Outbox, fn func(e *Engine, ob *Outbox) (T, error)) (T, error) {
	var zero T
	tx := store.NewTx(e.base)
	staged := *e
	staged.store = tx
	local := &Outbox{}

	v, err := fn(&staged, local)
	if err != nil {
		return zero, err
	}
	ops := tx.Pending()
	if err := tx.Commit(ctx); err != nil {
		e.logger.Error("commit failed", "ops", ops, "error", err)
		return zero, storeErr("commit", err)
	}
	if ops > 0 {
		e.logger.Debug("turn committed", "ops", ops)
	}
	for _, n := range local.notes {
		ob.add(n)
	}
	return v, nil
}

func (e *Engine) apply(ctx context.Context, b *store.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	if err := e.store.Apply(ctx, b); err != nil {
		e.logger.Error("apply batch failed", "ops", b.Len(), "error", err)
		return storeErr("apply", err)
	}
	return nil
}

func (e *Engine) getJob(ctx context.Context, id int64) (*model.Job, error) {
	raw, ok, err := e.store.Get(ctx, jobKey(id))
	if err != nil {
		return nil, storeErr("get job", err)
	}
	if !ok {
		return nil, notFound("job", id)
	}
	var job model.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %d: %w", id, err)
	}
	return &job, nil
}

func putJob(b *store.Batch, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %d: %w", job.ID, err)
	}
	b.Set(jobKey(job.ID), string(data))
	return nil
}

func (e *Engine) getWorker(ctx context.Context, id string) (*model.Worker, error) {
	raw, ok, err := e.store.Get(ctx, workerKey(id))
	if err != nil {
		return nil, storeErr("get worker", err)
	}
	if !ok {
		return nil, notFound("worker", id)
	}
	var w model.Worker
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode worker %s: %w", id, err)
	}
	return &w, nil
}

func putWorker(b *store.Batch, w *model.Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode worker %s: %w", w.ID, err)
	}
	b.Set(workerKey(w.ID), string(data))
	return nil
}

func (e *Engine) members(ctx context.Context, key string) ([]string, error) {
	m, err := e.store.SMembers(ctx, key)
	if err != nil {
		return nil, storeErr("smembers", err)
	}
	return m, nil
}

func (e *Engine) isMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := e.store.SIsMember(ctx, key, member)
	if err != nil {
		return false, storeErr("sismember", err)
	}
	return ok, nil
}

// taskStatus finds the status set holding the task.
func (e *Engine) taskStatus(ctx context.Context, job *model.Job, taskID int) (model.TaskStatus, error) {
	if taskID < 0 || taskID >= job.Size {
		return "", notFound("task", model.TaskRef{JobID: job.ID, TaskID: taskID}.String())
	}
	member := strconv.Itoa(taskID)
	for _, status := range model.TaskStatuses {
		ok, err := e.isMember(ctx, jobTasksKey(job.ID, status), member)
		if err != nil {
			return "", err
		}
		if ok {
			return status, nil
		}
	}
	return "", notFound("task", model.TaskRef{JobID: job.ID, TaskID: taskID}.String())
}

func (e *Engine) taskWorker(ctx context.Context, jobID int64, taskID int) (string, error) {
	w, _, err := e.store.Get(ctx, taskWorkerKey(jobID, taskID))
	if err != nil {
		return "", storeErr("get task worker", err)
	}
	return w, nil
}

func (e *Engine) counts(ctx context.Context, jobID int64) (model.TaskCounts, error) {
	var c model.TaskCounts
	for _, status := range model.TaskStatuses {
		n, err := e.store.SCard(ctx, jobTasksKey(jobID, status))
		if err != nil {
			return c, storeErr("scard", err)
		}
		c.Set(status, n)
	}
	return c, nil
}

// heldTasks returns the tasks assigned to the worker, ordered by job and task.
func (e *Engine) heldTasks(ctx context.Context, workerID string) ([]model.TaskRef, error) {
	raw, err := e.members(ctx, workerTasksKey(workerID))
	if err != nil {
		return nil, err
	}
	refs := make([]model.TaskRef, 0, len(raw))
	for _, m := range raw {
		ref, err := model.ParseTaskRef(m)
		if err != nil {
			e.logger.Warn("skipping malformed task ref", "worker_id", workerID, "ref", m)
			continue
		}
		ref.WorkerID = workerID
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].JobID != refs[j].JobID {
			return refs[i].JobID < refs[j].JobID
		}
		return refs[i].TaskID < refs[j].TaskID
	})
	return refs, nil
}

// releaseTask moves an assigned task out of from and clears its assignment.
func releaseTask(b *store.Batch, ref model.TaskRef, from, to model.TaskStatus) error {
	if err := checkTask(ref, from, to); err != nil {
		return err
	}
	task := strconv.Itoa(ref.TaskID)
	b.SMove(jobTasksKey(ref.JobID, from), jobTasksKey(ref.JobID, to), task).
		Del(taskWorkerKey(ref.JobID, ref.TaskID)).
		Del(taskPendingKey(ref.JobID, ref.TaskID))
	if ref.WorkerID != "" {
		b.SRem(workerTasksKey(ref.WorkerID), ref.String())
	}
	return nil
}

// unlinkJob drops every eligibility link of the job.
func (e *Engine) unlinkJob(ctx context.Context, b *store.Batch, jobID int64) error {
	workers, err := e.members(ctx, jobWorkersKey(jobID))
	if err != nil {
		return err
	}
	for _, w := range workers {
		b.SRem(workerJobsKey(w), formatJobID(jobID))
	}
	b.Del(jobWorkersKey(jobID))
	return nil
}

// aggregate recomputes the job status from its task counts and archives the
// job once every task is completed. Calling it again without a state change
// does nothing.
func (e *Engine) aggregate(ctx context.Context, ob *Outbox, job *model.Job) error {
	counts, err := e.counts(ctx, job.ID)
	if err != nil {
		return err
	}
	next := model.AggregateJobStatus(job.Status, job.Size, counts)
	done := counts.Completed == job.Size

	active, err := e.isMember(ctx, keyJobsActive, formatJobID(job.ID))
	if err != nil {
		return err
	}
	archive := done && active
	if next == job.Status && !archive {
		return nil
	}
	if next != job.Status {
		if err := checkJob(job.ID, job.Status, next); err != nil {
			return err
		}
	}

	b := store.NewBatch()
	job.Status = next
	if err := putJob(b, job); err != nil {
		return err
	}
	if archive {
		id := formatJobID(job.ID)
		b.SRem(keyJobsActive, id).SRem(keyJobsMatchable, id).SAdd(keyJobsArchived, id)
		if err := e.unlinkJob(ctx, b, job.ID); err != nil {
			return err
		}
	}
	if err := e.apply(ctx, b); err != nil {
		return err
	}

	if archive {
		e.logger.Info("job completed", "job_id", job.ID, "owner", job.Owner, "status", job.Status)
		ob.add(model.Notification{
			Kind:  model.NotifyJobCompleted,
			JobID: job.ID,
			Owner: job.Owner,
			At:    e.now(),
		})
	} else {
		e.logger.Debug("job status changed", "job_id", job.ID, "status", job.Status)
	}
	return nil
}

// assign moves a queued task to pending on the worker and starts its lease.
func (e *Engine) assign(ctx context.Context, ob *Outbox, job *model.Job, taskID int, w *model.Worker) (model.TaskRef, error) {
	ref := model.TaskRef{JobID: job.ID, TaskID: taskID, WorkerID: w.ID}
	if err := checkTask(ref, model.TaskStatusQueued, model.TaskStatusPending); err != nil {
		return model.TaskRef{}, err
	}
	now := e.now()
	b := store.NewBatch().
		SMove(jobTasksKey(job.ID, model.TaskStatusQueued), jobTasksKey(job.ID, model.TaskStatusPending), strconv.Itoa(taskID)).
		Set(taskWorkerKey(job.ID, taskID), w.ID).
		Set(taskPendingKey(job.ID, taskID), now.UTC().Format(time.RFC3339Nano)).
		SAdd(workerTasksKey(w.ID), ref.String())
	if err := e.apply(ctx, b); err != nil {
		return model.TaskRef{}, err
	}
	e.logger.Debug("task assigned", "job_id", job.ID, "task_id", taskID, "worker_id", w.ID)
	ob.add(model.Notification{
		Kind:     model.NotifyTaskAssigned,
		JobID:    job.ID,
		TaskID:   taskID,
		WorkerID: w.ID,
		Owner:    job.Owner,
		Command:  job.Command,
		Cleanup:  job.Cleanup,
		At:       now,
	})
	return ref, nil
}

// spareCapacity reports whether the worker may take another task.
func (e *Engine) spareCapacity(ctx context.Context, w *model.Worker) (bool, error) {
	held, err := e.store.SCard(ctx, workerTasksKey(w.ID))
	if err != nil {
		return false, storeErr("scard", err)
	}
	return held < w.Capacity(), nil
}

// pickQueued asks the policy for one queued task of the job.
func (e *Engine) pickQueued(ctx context.Context, jobID int64) (int, bool, error) {
	member, ok, err := e.policy.PickTask(ctx, e.store, jobTasksKey(jobID, model.TaskStatusQueued))
	if err != nil {
		return 0, false, storeErr("pick task", err)
	}
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(member)
	if err != nil {
		return 0, false, fmt.Errorf("malformed task id %q in job %d", member, jobID)
	}
	return n, true, nil
}
