package model

import "testing"

func TestParseTaskRef(t *testing.T) {
	ref, err := ParseTaskRef("12,3")
	if err != nil {
		t.Fatalf("ParseTaskRef: %v", err)
	}
	if ref.JobID != 12 || ref.TaskID != 3 {
		t.Errorf("ref = %+v, want job 12 task 3", ref)
	}
	if ref.String() != "12,3" {
		t.Errorf("String() = %q, want %q", ref.String(), "12,3")
	}

	for _, bad := range []string{"", "12", "x,1", "1,y"} {
		if _, err := ParseTaskRef(bad); err == nil {
			t.Errorf("ParseTaskRef(%q) should fail", bad)
		}
	}
}

func TestAggregateJobStatus(t *testing.T) {
	tests := []struct {
		name    string
		current JobStatus
		counts  TaskCounts
		want    JobStatus
	}{
		{"all completed", JobStatusRunning, TaskCounts{Completed: 3}, JobStatusCompleted},
		{"one running", JobStatusQueued, TaskCounts{Running: 1, Completed: 2}, JobStatusRunning},
		{"pending only", JobStatusRunning, TaskCounts{Pending: 1, Completed: 2}, JobStatusQueued},
		{"cancelled sticks", JobStatusCancelled, TaskCounts{Completed: 3}, JobStatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateJobStatus(tt.current, 3, tt.counts); got != tt.want {
				t.Errorf("AggregateJobStatus = %q, want %q", got, tt.want)
			}
		})
	}
}
