package scheduler

import (
	"fmt"
	"strconv"

	"github.com/me/kestrel/pkg/model"
)

// Store layout. Records are JSON values; every index is a set.
const (
	keyNextJobID         = "jobs:next_id"
	keyJobsActive        = "jobs:active"    // not yet archived
	keyJobsMatchable     = "jobs:matchable" // queued or running, not cancelled
	keyJobsArchived      = "jobs:archived"
	keyWorkersRegistered = "workers:registered"
	keyWorkersOnline     = "workers:online"
	keyWorkersAvailable  = "workers:available"
	keyWorkersBusy       = "workers:busy"
)

func jobKey(id int64) string { return fmt.Sprintf("job:%d", id) }

func jobTasksKey(id int64, status model.TaskStatus) string {
	return fmt.Sprintf("job:%d:tasks:%s", id, status)
}

func taskWorkerKey(jobID int64, taskID int) string {
	return fmt.Sprintf("job:%d:task:%d:worker", jobID, taskID)
}

func taskPendingKey(jobID int64, taskID int) string {
	return fmt.Sprintf("job:%d:task:%d:pending_since", jobID, taskID)
}

// jobWorkersKey holds the registered workers whose capabilities satisfy the job.
func jobWorkersKey(id int64) string { return fmt.Sprintf("job:%d:workers", id) }

func ownerJobsKey(owner string) string { return "owner:" + owner + ":jobs" }

func workerKey(id string) string { return "worker:" + id }

// workerTasksKey holds "job,task" refs of the tasks assigned to the worker.
func workerTasksKey(id string) string { return "worker:" + id + ":tasks" }

// workerJobsKey holds the active jobs the worker is eligible for.
func workerJobsKey(id string) string { return "worker:" + id + ":jobs" }

func formatJobID(id int64) string { return strconv.FormatInt(id, 10) }

func parseIDs(members []string) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
