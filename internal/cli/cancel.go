package cli

import (
	"fmt"
	"os"

	"github.com/me/kestrel/pkg/model"
	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	var requester string

	cmd := &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Put(cmd.Context(), "/api/v1/jobs/"+id+"/cancel", map[string]string{"requester": requester})
			if err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}
			var res model.Cancelled
			if err := resp.decode(&res); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %d: cancelled\n", res.JobID)
			fmt.Fprintf(out, "  Cancel requests sent: %d\n", len(res.Requests))
			for _, ref := range res.Requests {
				fmt.Fprintf(out, "    - task %d on %s\n", ref.TaskID, ref.WorkerID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&requester, "requester", os.Getenv("USER"), "Identity requesting the cancellation (must own the job)")
	return cmd
}
