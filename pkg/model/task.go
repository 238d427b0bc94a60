package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job is a unit of work submitted by an owner, fanned out into Size tasks.
type Job struct {
	ID           int64     `json:"id"`
	Owner        string    `json:"owner"`
	Command      string    `json:"command"`
	Cleanup      string    `json:"cleanup,omitempty"`
	Size         int       `json:"size"`
	Requirements []string  `json:"requirements"`
	Status       JobStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// JobSpec holds the caller-supplied fields of a job submission.
type JobSpec struct {
	Owner        string   `json:"owner"`
	Command      string   `json:"command"`
	Cleanup      string   `json:"cleanup,omitempty"`
	Size         int      `json:"size"`
	Requirements []string `json:"requirements,omitempty"`
}

// Validate checks the fields a submission must carry.
func (s JobSpec) Validate() error {
	var details []FieldError
	if strings.TrimSpace(s.Owner) == "" {
		details = append(details, FieldError{Field: "owner", Message: "owner is required"})
	}
	if strings.TrimSpace(s.Command) == "" {
		details = append(details, FieldError{Field: "command", Message: "command is required"})
	}
	if s.Size < 1 {
		details = append(details, FieldError{Field: "size", Message: "size must be at least 1"})
	}
	if len(details) > 0 {
		return NewValidationError("invalid job submission", details...)
	}
	return nil
}

// Task is one ordinal unit of execution within a Job.
type Task struct {
	JobID        int64      `json:"job_id"`
	TaskID       int        `json:"task_id"`
	WorkerID     string     `json:"worker_id,omitempty"`
	Status       TaskStatus `json:"status"`
	PendingSince *time.Time `json:"pending_since,omitempty"`
}

// TaskRef addresses a task held by a worker.
type TaskRef struct {
	JobID    int64  `json:"job_id"`
	TaskID   int    `json:"task_id"`
	WorkerID string `json:"worker_id,omitempty"`
}

// String encodes the reference as "job,task", the member format of a
// worker's held-task set.
func (r TaskRef) String() string {
	return strconv.FormatInt(r.JobID, 10) + "," + strconv.Itoa(r.TaskID)
}

// ParseTaskRef decodes a "job,task" member.
func ParseTaskRef(s string) (TaskRef, error) {
	jobPart, taskPart, ok := strings.Cut(s, ",")
	if !ok {
		return TaskRef{}, fmt.Errorf("malformed task ref %q", s)
	}
	jobID, err := strconv.ParseInt(jobPart, 10, 64)
	if err != nil {
		return TaskRef{}, fmt.Errorf("malformed job id in %q: %w", s, err)
	}
	taskID, err := strconv.Atoi(taskPart)
	if err != nil {
		return TaskRef{}, fmt.Errorf("malformed task id in %q: %w", s, err)
	}
	return TaskRef{JobID: jobID, TaskID: taskID}, nil
}

// TaskCounts is the per-status breakdown of a job's tasks.
type TaskCounts struct {
	Queued     int `json:"queued"`
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Cancelling int `json:"cancelling"`
	Completed  int `json:"completed"`
}

// Total returns the number of tasks counted.
func (c TaskCounts) Total() int {
	return c.Queued + c.Pending + c.Running + c.Cancelling + c.Completed
}

// Set stores n as the count for status.
func (c *TaskCounts) Set(status TaskStatus, n int) {
	switch status {
	case TaskStatusQueued:
		c.Queued = n
	case TaskStatusPending:
		c.Pending = n
	case TaskStatusRunning:
		c.Running = n
	case TaskStatusCancelling:
		c.Cancelling = n
	case TaskStatusCompleted:
		c.Completed = n
	}
}

// AggregateJobStatus derives a job's status from its task counts.
// A cancelled job stays cancelled regardless of counts.
func AggregateJobStatus(current JobStatus, size int, c TaskCounts) JobStatus {
	if current == JobStatusCancelled {
		return JobStatusCancelled
	}
	switch {
	case c.Completed == size:
		return JobStatusCompleted
	case c.Running > 0:
		return JobStatusRunning
	default:
		return JobStatusQueued
	}
}
