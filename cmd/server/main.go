package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/kestrel/internal/config"
	"github.com/me/kestrel/internal/logging"
	"github.com/me/kestrel/internal/observability"
	"github.com/me/kestrel/internal/scheduler"
	"github.com/me/kestrel/internal/server"
	"github.com/me/kestrel/internal/store"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML server config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	backend := flag.String("store", "", "Store backend: memory, sqlite, postgres, badger, redis")
	storePath := flag.String("store-path", "", "SQLite file or Badger directory")
	storeDSN := flag.String("store-dsn", "", "Postgres connection string")
	redisAddr := flag.String("redis-addr", "", "Redis address")
	policy := flag.String("policy", "", "Selection policy: random, fifo")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg := config.DefaultServerConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	overrides := []struct {
		dst *string
		val string
	}{
		{&cfg.Addr, *addr},
		{&cfg.LogLevel, *logLevel},
		{&cfg.LogFormat, *logFormat},
		{&cfg.Store.Backend, *backend},
		{&cfg.Store.Path, *storePath},
		{&cfg.Store.DSN, *storeDSN},
		{&cfg.Store.Redis.Addr, *redisAddr},
		{&cfg.Scheduler.Policy, *policy},
	}
	for _, o := range overrides {
		if o.val != "" {
			*o.dst = o.val
		}
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "kestrel"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, "kestrel", cfg.Tracing)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init tracing: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Error("tracing shutdown", "error", err)
		}
	}()

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("store ready", "backend", st.Name())

	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "scheduler config: %v\n", err)
		os.Exit(1)
	}
	sched := scheduler.New(st, schedCfg, logger)

	// The scheduler outlives the signal context so that in-flight requests
	// can finish during shutdown.
	schedCtx, cancelSched := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(schedCtx); err != nil && err != context.Canceled {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	loop := scheduler.NewLoop(sched, logger)
	go loop.Start(schedCtx)

	srv := server.New(cfg, sched, logger)
	if n := len(cfg.WorkerKeys); n > 0 {
		logger.Info("worker key authentication enabled", "keys", n)
	}

	// Cancelled before Shutdown so that event streams end.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "policy", schedCfg.Policy.Name())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop the sweep loop before the HTTP server, and the scheduler last.
	loop.Stop()
	cancelBase()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	cancelSched()
	<-schedDone
	logger.Info("server stopped")
}
