package cli

import (
	"fmt"
	"strings"

	"github.com/me/kestrel/pkg/model"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Register workers and report their presence",
	}
	cmd.AddCommand(
		newWorkerRegisterCmd(),
		newWorkerPresenceCmd(),
		newWorkerShowCmd(),
		newWorkerListCmd(),
		newWorkerDeregisterCmd(),
		newWorkerShutdownCmd(),
	)
	return cmd
}

func newWorkerRegisterCmd() *cobra.Command {
	var (
		caps     []string
		maxTasks int
	)
	cmd := &cobra.Command{
		Use:   "register <worker_id>",
		Short: "Register a worker with its capabilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post(cmd.Context(), "/api/v1/workers", map[string]any{
				"id":           args[0],
				"capabilities": caps,
				"max_tasks":    maxTasks,
			})
			if err != nil {
				return fmt.Errorf("register worker: %w", err)
			}
			var w model.Worker
			if err := resp.decode(&w); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Worker registered: %s [%s] max_tasks=%d\n",
				w.ID, strings.Join(w.Capabilities, ","), w.Capacity())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&caps, "cap", nil, "Capability token (repeatable or comma-separated)")
	cmd.Flags().IntVar(&maxTasks, "max-tasks", model.DefaultMaxTasks, "Tasks the worker may hold at once")
	return cmd
}

func newWorkerPresenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presence <worker_id> <available|busy|offline>",
		Short: "Report a worker's presence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, state := args[0], args[1]
			if _, ok := model.ParseWorkerState(state); !ok {
				return fmt.Errorf("unknown presence state %q", state)
			}
			resp, err := client.Put(cmd.Context(), "/api/v1/workers/"+id+"/presence", map[string]string{"state": state})
			if err != nil {
				return fmt.Errorf("set presence: %w", err)
			}

			// The result shape depends on the state: an availability report or
			// the jobs touched by going offline.
			var res struct {
				Changed      *bool          `json:"changed"`
				Assigned     *model.TaskRef `json:"assigned"`
				AffectedJobs []int64        `json:"affected_jobs"`
			}
			if err := resp.decode(&res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Worker %s: %s\n", id, state)
			if res.Changed != nil && !*res.Changed {
				fmt.Fprintln(out, "  (no change)")
			}
			if res.Assigned != nil {
				fmt.Fprintf(out, "  Assigned job %d task %d\n", res.Assigned.JobID, res.Assigned.TaskID)
			}
			if len(res.AffectedJobs) > 0 {
				fmt.Fprintf(out, "  Affected jobs: %v\n", res.AffectedJobs)
			}
			return nil
		},
	}
}

func newWorkerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <worker_id>",
		Short: "Show a worker and the tasks it holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/workers/"+args[0])
			if err != nil {
				return fmt.Errorf("get worker: %w", err)
			}
			var w model.WorkerDetail
			if err := resp.decode(&w); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Worker: %s\n", w.ID)
			fmt.Fprintf(out, "  State:        %s\n", w.State)
			fmt.Fprintf(out, "  Capabilities: %s\n", strings.Join(w.Capabilities, ", "))
			fmt.Fprintf(out, "  Tasks:        %d/%d\n", len(w.Tasks), w.Capacity())
			for _, t := range w.Tasks {
				fmt.Fprintf(out, "    - job %d task %d\n", t.JobID, t.TaskID)
			}
			return nil
		},
	}
}

func newWorkerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/workers?limit=100")
			if err != nil {
				return fmt.Errorf("list workers: %w", err)
			}
			var workers []model.Worker
			if err := resp.decode(&workers); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(workers) == 0 {
				fmt.Fprintln(out, "No workers registered.")
				return nil
			}
			fmt.Fprintf(out, "%-24s  %-10s  %-5s  %s\n", "ID", "STATE", "MAX", "CAPABILITIES")
			for _, w := range workers {
				fmt.Fprintf(out, "%-24s  %-10s  %-5d  %s\n", w.ID, w.State, w.Capacity(), strings.Join(w.Capabilities, ","))
			}
			return nil
		},
	}
}

func newWorkerDeregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deregister <worker_id>",
		Short: "Take a worker offline and forget it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Delete(cmd.Context(), "/api/v1/workers/"+args[0])
			if err != nil {
				return fmt.Errorf("deregister worker: %w", err)
			}
			var res model.OfflineResult
			if err := resp.decode(&res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Worker %s deregistered (%d job(s) affected)\n", args[0], len(res.AffectedJobs))
			return nil
		},
	}
}

func newWorkerShutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown <worker_id>",
		Short: "Ask a worker's agent to reset its tasks and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.Post(cmd.Context(), "/api/v1/workers/"+args[0]+"/shutdown", nil); err != nil {
				return fmt.Errorf("shutdown worker: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Shutdown requested for worker %s\n", args[0])
			return nil
		},
	}
}
