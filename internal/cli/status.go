package cli

import (
	"fmt"
	"io"

	"github.com/me/kestrel/pkg/model"
	"github.com/spf13/cobra"
)

func printCounts(out io.Writer, c model.TaskCounts) {
	fmt.Fprintf(out, "  Tasks:    %d queued, %d pending, %d running, %d cancelling, %d completed\n",
		c.Queued, c.Pending, c.Running, c.Cancelling, c.Completed)
}

func newStatusCmd() *cobra.Command {
	var showTasks bool

	cmd := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Check the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			out := cmd.OutOrStdout()

			if !showTasks {
				resp, err := client.Get(cmd.Context(), "/api/v1/jobs/"+id)
				if err != nil {
					return fmt.Errorf("get job: %w", err)
				}
				var report model.JobReport
				if err := resp.decode(&report); err != nil {
					return err
				}
				fmt.Fprintf(out, "Job: %d\n", report.ID)
				fmt.Fprintf(out, "  Owner:    %s\n", report.Owner)
				fmt.Fprintf(out, "  Status:   %s\n", report.Status)
				printCounts(out, report.Tasks)
				return nil
			}

			resp, err := client.Get(cmd.Context(), "/api/v1/jobs/"+id+"/tasks")
			if err != nil {
				return fmt.Errorf("get job tasks: %w", err)
			}
			var detail model.JobDetail
			if err := resp.decode(&detail); err != nil {
				return err
			}
			fmt.Fprintf(out, "Job: %d\n", detail.ID)
			fmt.Fprintf(out, "  Owner:    %s\n", detail.Owner)
			fmt.Fprintf(out, "  Command:  %s\n", detail.Command)
			fmt.Fprintf(out, "  Status:   %s\n", detail.Status)
			printCounts(out, detail.Counts)
			fmt.Fprintln(out, "  Task list:")
			for _, t := range detail.Tasks {
				line := fmt.Sprintf("    - %d: %s", t.TaskID, t.Status)
				if t.WorkerID != "" {
					line += " on " + t.WorkerID
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showTasks, "tasks", false, "List every task with its worker")
	return cmd
}

func newJobsCmd() *cobra.Command {
	var (
		owner string
		opts  = model.DefaultListOptions()
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List active jobs, or every job of --owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/jobs?limit=%d&offset=%d", opts.Limit, opts.Offset)
			if owner != "" {
				path += "&owner=" + owner
			}
			resp, err := client.Get(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			var jobs []model.JobReport
			if err := resp.decode(&jobs); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}

			fmt.Fprintf(out, "%-8s  %-16s  %-10s  %s\n", "ID", "OWNER", "STATUS", "DONE")
			fmt.Fprintf(out, "%-8s  %-16s  %-10s  %s\n", "--", "-----", "------", "----")
			for _, j := range jobs {
				fmt.Fprintf(out, "%-8d  %-16s  %-10s  %d/%d\n", j.ID, j.Owner, j.Status, j.Tasks.Completed, j.Requested)
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(jobs), resp.Pagination.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Show every job of this owner, archived ones included")
	cmd.Flags().IntVar(&opts.Limit, "limit", opts.Limit, "Page size")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Page offset")
	return cmd
}
