package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	var workerID string

	cmd := &cobra.Command{
		Use:   "task",
		Short: "Report task progress on behalf of a worker",
	}
	cmd.PersistentFlags().StringVar(&workerID, "worker", "", "Reporting worker id (required)")
	cmd.MarkPersistentFlagRequired("worker")

	for _, action := range []struct{ name, short string }{
		{"start", "Report that the worker began a task"},
		{"finish", "Report that the worker finished a task"},
		{"reset", "Report that dispatch to the worker failed"},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   action.name + " <job_id> <task_id>",
			Short: action.short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
					return fmt.Errorf("invalid job id %q", args[0])
				}
				if _, err := strconv.Atoi(args[1]); err != nil {
					return fmt.Errorf("invalid task id %q", args[1])
				}
				path := "/api/v1/jobs/" + args[0] + "/tasks/" + args[1] + "/" + action.name
				resp, err := client.Put(cmd.Context(), path, map[string]string{"worker_id": workerID})
				if err != nil {
					return fmt.Errorf("%s task: %w", action.name, err)
				}

				var res struct {
					Changed  *bool  `json:"changed"`
					Status   string `json:"status"`
					Assigned *struct {
						JobID  int64 `json:"job_id"`
						TaskID int   `json:"task_id"`
					} `json:"assigned"`
				}
				if err := json.Unmarshal(resp.Data, &res); err != nil {
					return fmt.Errorf("parse response: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Task %s,%s: %s\n", args[0], args[1], action.name)
				if res.Changed != nil && !*res.Changed {
					fmt.Fprintln(out, "  (no change)")
				}
				if res.Status != "" {
					fmt.Fprintf(out, "  Status: %s\n", res.Status)
				}
				if res.Assigned != nil {
					fmt.Fprintf(out, "  Next: job %d task %d\n", res.Assigned.JobID, res.Assigned.TaskID)
				}
				return nil
			},
		})
	}
	return cmd
}
