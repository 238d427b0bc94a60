package model

import "time"

// DefaultMaxTasks is the concurrency limit of a worker that declares none.
const DefaultMaxTasks = 1

// Worker represents a capability-tagged executor addressed by its transport id.
type Worker struct {
	ID           string      `json:"id"`
	Capabilities []string    `json:"capabilities"`
	State        WorkerState `json:"state"`
	MaxTasks     int         `json:"max_tasks"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// Capacity returns the worker's concurrency limit, defaulting to DefaultMaxTasks.
func (w *Worker) Capacity() int {
	if w.MaxTasks < 1 {
		return DefaultMaxTasks
	}
	return w.MaxTasks
}

// WorkerDetail is a worker record together with the tasks it holds.
type WorkerDetail struct {
	Worker
	Tasks []TaskRef `json:"tasks"`
}
