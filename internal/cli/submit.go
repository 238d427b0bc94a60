package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/me/kestrel/pkg/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// loadJobSpec reads a YAML job description, e.g.
//
//	owner: alice
//	command: render --frame $TASK
//	size: 24
//	requirements: [linux, gpu]
func loadJobSpec(path string) (model.JobSpec, error) {
	var spec model.JobSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read job file: %w", err)
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("parse job file: %w", err)
	}
	return spec, nil
}

func newSubmitCmd() *cobra.Command {
	var (
		file string
		spec model.JobSpec
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job",
		Long:  "Submit a job of --size tasks. Flags override fields read from --file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.JobSpec{}
			if file != "" {
				var err error
				if req, err = loadJobSpec(file); err != nil {
					return err
				}
				logger.Debug("loaded job file", "path", file, "size", req.Size)
			}
			flags := cmd.Flags()
			if flags.Changed("owner") || req.Owner == "" {
				req.Owner = spec.Owner
			}
			if flags.Changed("command") {
				req.Command = spec.Command
			}
			if flags.Changed("cleanup") {
				req.Cleanup = spec.Cleanup
			}
			if flags.Changed("size") || req.Size == 0 {
				req.Size = spec.Size
			}
			if flags.Changed("require") {
				req.Requirements = spec.Requirements
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/jobs", req)
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}
			var res model.Submitted
			if err := resp.decode(&res); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job submitted: %d\n", res.JobID)
			tasks := make([]int, 0, len(res.Dispatched))
			for t := range res.Dispatched {
				tasks = append(tasks, t)
			}
			sort.Ints(tasks)
			for _, t := range tasks {
				fmt.Fprintf(out, "  task %d -> %s\n", t, res.Dispatched[t])
			}
			if undispatched := req.Size - len(tasks); undispatched > 0 {
				fmt.Fprintf(out, "  %d task(s) queued\n", undispatched)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML job description")
	cmd.Flags().StringVar(&spec.Owner, "owner", os.Getenv("USER"), "Job owner")
	cmd.Flags().StringVar(&spec.Command, "command", "", "Command each task runs")
	cmd.Flags().StringVar(&spec.Cleanup, "cleanup", "", "Command run after a task is cancelled")
	cmd.Flags().IntVar(&spec.Size, "size", 1, "Number of tasks")
	cmd.Flags().StringSliceVar(&spec.Requirements, "require", nil, "Required capability (repeatable or comma-separated)")
	return cmd
}
