package cli

import (
	"log/slog"
	"os"

	"github.com/me/kestrel/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagWorkerKey string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking KESTREL_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("KESTREL_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the kestrelctl CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kestrelctl",
		Short: "kestrelctl drives a Kestrel scheduler",
		Long:  "kestrelctl submits and cancels jobs, reports worker presence and task progress, and watches scheduler notifications.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.New(logging.Options{Level: flagLogLevel, Format: flagLogFormat})
			client = NewClient(flagServer, logger)
			client.WorkerKey = flagWorkerKey
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Kestrel server URL (or KESTREL_SERVER env)")
	root.PersistentFlags().StringVar(&flagWorkerKey, "worker-key", os.Getenv("KESTREL_WORKER_KEY"), "Worker key sent as X-Worker-Key (or KESTREL_WORKER_KEY env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newJobsCmd(),
		newCancelCmd(),
		newPoolCmd(),
		newRematchCmd(),
		newWorkerCmd(),
		newTaskCmd(),
		newEventsCmd(),
	)

	return root
}
