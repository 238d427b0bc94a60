package model

import "time"

// NotificationKind identifies an outbound notification for the transport.
type NotificationKind string

const (
	NotifyTaskAssigned        NotificationKind = "task_assigned"
	NotifyTaskCancelRequested NotificationKind = "task_cancel_requested"
	NotifyJobCompleted        NotificationKind = "job_completed"
	NotifyWorkerDispatchReset NotificationKind = "worker_dispatch_reset"
	NotifyWorkerShutdown      NotificationKind = "worker_shutdown_requested"
)

// Notification is a follow-up action produced by a scheduling operation.
// Fields not relevant to Kind are left empty.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	JobID    int64            `json:"job_id"`
	TaskID   int              `json:"task_id"`
	TaskIDs  []int            `json:"task_ids,omitempty"`
	WorkerID string           `json:"worker_id,omitempty"`
	Owner    string           `json:"owner,omitempty"`
	Command  string           `json:"command,omitempty"`
	Cleanup  string           `json:"cleanup,omitempty"`
	At       time.Time        `json:"at"`
}
