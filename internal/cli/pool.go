package cli

import (
	"fmt"
	"strconv"

	"github.com/me/kestrel/pkg/model"
	"github.com/spf13/cobra"
)

func newPoolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Show worker pool counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/pool")
			if err != nil {
				return fmt.Errorf("get pool: %w", err)
			}
			var pool model.PoolStatus
			if err := resp.decode(&pool); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Online: %d  Available: %d  Busy: %d\n", pool.Online, pool.Available, pool.Busy)
			return nil
		},
	}
}

func newRematchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rematch [job_id...]",
		Short: "Dispatch queued tasks to available workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid job id %q", a)
				}
				ids = append(ids, id)
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/rematch", map[string]any{"job_ids": ids})
			if err != nil {
				return fmt.Errorf("rematch: %w", err)
			}
			var res struct {
				Assigned []model.TaskRef `json:"assigned"`
			}
			if err := resp.decode(&res); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Assigned %d task(s)\n", len(res.Assigned))
			for _, ref := range res.Assigned {
				fmt.Fprintf(out, "  job %d task %d -> %s\n", ref.JobID, ref.TaskID, ref.WorkerID)
			}
			return nil
		},
	}
}
