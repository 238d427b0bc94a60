package model

import (
	"strconv"
	"time"
)

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Page size bounds for list endpoints.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListOptions selects one page of a list endpoint.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns the first page at the default size.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: DefaultListLimit}
}

// ParseListOptions reads query-string limit and offset values. Missing or
// malformed values fall back to the defaults, and the result is clamped.
func ParseListOptions(limit, offset string) ListOptions {
	opts := DefaultListOptions()
	if v, err := strconv.Atoi(limit); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(offset); err == nil {
		opts.Offset = v
	}
	return opts.Clamp()
}

// Clamp returns o with the limit in [1, MaxListLimit] and a non-negative
// offset. A non-positive limit becomes DefaultListLimit.
func (o ListOptions) Clamp() ListOptions {
	switch {
	case o.Limit <= 0:
		o.Limit = DefaultListLimit
	case o.Limit > MaxListLimit:
		o.Limit = MaxListLimit
	}
	o.Offset = max(o.Offset, 0)
	return o
}

// JobReport is the status view of one job.
type JobReport struct {
	ID        int64      `json:"id"`
	Owner     string     `json:"owner"`
	Requested int        `json:"requested"`
	Status    JobStatus  `json:"status"`
	Tasks     TaskCounts `json:"tasks"`
}

// PoolStatus summarizes the worker pool.
type PoolStatus struct {
	Online    int `json:"online"`
	Available int `json:"available"`
	Busy      int `json:"busy"`
}

// Submitted is the result of a job submission.
type Submitted struct {
	JobID      int64          `json:"job_id"`
	Dispatched map[int]string `json:"dispatched"`
}

// Cancelled is the result of a job cancellation: the tasks whose workers must
// be told to stop.
type Cancelled struct {
	JobID    int64     `json:"job_id"`
	Requests []TaskRef `json:"cancel_requests"`
}

// Availability is the result of a worker becoming available.
type Availability struct {
	WorkerID string   `json:"worker_id"`
	Changed  bool     `json:"changed"`
	Assigned *TaskRef `json:"assigned,omitempty"`
}

// OfflineResult lists the jobs whose tasks were re-queued or completed when a
// worker went offline.
type OfflineResult struct {
	WorkerID     string  `json:"worker_id"`
	AffectedJobs []int64 `json:"affected_jobs"`
}

// JobDetail is a job record with the state of each of its tasks.
type JobDetail struct {
	Job
	Counts TaskCounts `json:"counts"`
	Tasks  []Task     `json:"tasks"`
}
