package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/me/kestrel/internal/logging"
	"github.com/me/kestrel/internal/worker"
)

func main() {
	var cfg worker.Config

	// Server connection flags.
	flag.StringVar(&cfg.ServerURL, "server", "http://localhost:8080", "Kestrel server URL")
	flag.StringVar(&cfg.ID, "id", "", "Worker id (default: hostname)")
	flag.StringVar(&cfg.WorkerKey, "worker-key", os.Getenv("KESTREL_WORKER_KEY"), "Worker key (env: KESTREL_WORKER_KEY)")
	caps := flag.String("cap", "", "Comma-separated capabilities to advertise")
	flag.IntVar(&cfg.MaxTasks, "max-tasks", 1, "Maximum concurrent tasks (0 for unlimited)")
	flag.BoolVar(&cfg.Deregister, "deregister", false, "Deregister on shutdown instead of going offline")
	flag.DurationVar(&cfg.Reconnect, "reconnect", 5*time.Second, "Delay before reconnecting a lost event stream")

	// Execution flags.
	flag.StringVar(&cfg.Runtime, "runtime", "none", "Container runtime (docker, apptainer, none)")
	flag.StringVar(&cfg.Image, "image", "", "Container image for docker and apptainer runtimes")
	flag.StringVar(&cfg.WorkDir, "workdir", "", "Local working directory (default: $TMPDIR/kestrel-worker)")

	// TLS flags.
	caCert := flag.String("ca-cert", "", "Path to CA certificate PEM file for internal PKI")
	insecure := flag.Bool("insecure", false, "Skip TLS verification (testing only)")

	// Logging flags.
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}
	logger := logging.New(logging.Options{Level: *logLevel, Format: *logFormat, Service: "kestrel-worker"})

	if *caps != "" {
		cfg.Capabilities = strings.Split(*caps, ",")
	}

	var err error
	if cfg.TLS, err = worker.LoadTLSConfig(*caCert, *insecure); err != nil {
		fmt.Fprintf(os.Stderr, "tls: %v\n", err)
		os.Exit(1)
	}

	w, err := worker.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init worker: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting worker",
		"server", cfg.ServerURL,
		"runtime", cfg.Runtime,
		"max_tasks", cfg.MaxTasks,
	)

	if err := w.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("worker stopped")
}
