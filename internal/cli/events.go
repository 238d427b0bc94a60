package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/me/kestrel/pkg/model"
	"github.com/spf13/cobra"
)

// errStreamDone stops a stream once --count notifications were printed.
var errStreamDone = errors.New("stream done")

// formatNotification renders one notification as a single line.
func formatNotification(n model.Notification) string {
	if n.Kind == model.NotifyWorkerShutdown {
		return fmt.Sprintf("%s worker=%s", n.Kind, n.WorkerID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s job=%d", n.Kind, n.JobID)
	switch n.Kind {
	case model.NotifyTaskAssigned, model.NotifyTaskCancelRequested:
		fmt.Fprintf(&b, " task=%d worker=%s", n.TaskID, n.WorkerID)
		if n.Command != "" {
			fmt.Fprintf(&b, " command=%q", n.Command)
		}
	case model.NotifyWorkerDispatchReset:
		fmt.Fprintf(&b, " worker=%s tasks=%v", n.WorkerID, n.TaskIDs)
	case model.NotifyJobCompleted:
		fmt.Fprintf(&b, " owner=%s", n.Owner)
	}
	return b.String()
}

func newEventsCmd() *cobra.Command {
	var (
		worker string
		owner  string
		kinds  []string
		count  int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream scheduler notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if worker != "" {
				q.Set("worker", worker)
			}
			if owner != "" {
				q.Set("owner", owner)
			}
			if len(kinds) > 0 {
				q.Set("kind", strings.Join(kinds, ","))
			}
			path := "/api/v1/events"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			out := cmd.OutOrStdout()
			seen := 0
			err := client.Stream(cmd.Context(), path, func(event string, data []byte) error {
				if event == "ready" {
					logger.Debug("event stream ready")
					return nil
				}
				var n model.Notification
				if err := json.Unmarshal(data, &n); err != nil {
					return fmt.Errorf("parse notification: %w", err)
				}
				fmt.Fprintln(out, formatNotification(n))
				seen++
				if count > 0 && seen >= count {
					return errStreamDone
				}
				return nil
			})
			if errors.Is(err, errStreamDone) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "Only notifications addressed to this worker")
	cmd.Flags().StringVar(&owner, "owner", "", "Only notifications about this owner's jobs")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Only these notification kinds")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many notifications (0 streams forever)")
	return cmd
}
