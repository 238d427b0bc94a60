package model

// TaskStatus represents the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCancelling TaskStatus = "cancelling"
	TaskStatusCompleted  TaskStatus = "completed"
)

// TaskStatuses lists every task status in lifecycle order.
var TaskStatuses = []TaskStatus{
	TaskStatusQueued,
	TaskStatusPending,
	TaskStatusRunning,
	TaskStatusCancelling,
	TaskStatusCompleted,
}

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the task is in a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted
}

// IsAssigned reports whether a task in this status holds a worker.
func (s TaskStatus) IsAssigned() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCancelling:
		return true
	}
	return false
}

// IsValid reports whether s is a known task status.
func (s TaskStatus) IsValid() bool {
	for _, known := range TaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
// queued→completed is a cancel before start; pending|running→queued is a reset.
var ValidTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:     {TaskStatusPending, TaskStatusCompleted},
	TaskStatusPending:    {TaskStatusRunning, TaskStatusQueued, TaskStatusCancelling},
	TaskStatusRunning:    {TaskStatusCompleted, TaskStatusQueued, TaskStatusCancelling},
	TaskStatusCancelling: {TaskStatusCompleted},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the job accepts no further dispatches.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusRunning, JobStatusCompleted, JobStatusCancelled},
	JobStatusRunning: {JobStatusQueued, JobStatusCompleted, JobStatusCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WorkerState represents the presence state of a Worker.
type WorkerState string

const (
	WorkerStateOffline   WorkerState = "offline"
	WorkerStateAvailable WorkerState = "available"
	WorkerStateBusy      WorkerState = "busy"
)

// String returns the string representation of the worker state.
func (s WorkerState) String() string {
	return string(s)
}

// IsOnline reports whether a worker in this state may hold tasks.
func (s WorkerState) IsOnline() bool {
	return s == WorkerStateAvailable || s == WorkerStateBusy
}

// ParseWorkerState converts a presence string into a WorkerState.
// The XMPP-style show values (chat, dnd, away, xa, unavailable) are accepted
// as aliases.
func ParseWorkerState(s string) (WorkerState, bool) {
	switch s {
	case "available", "chat":
		return WorkerStateAvailable, true
	case "busy", "dnd", "away", "xa":
		return WorkerStateBusy, true
	case "offline", "unavailable":
		return WorkerStateOffline, true
	}
	return "", false
}
