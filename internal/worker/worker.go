package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/me/kestrel/pkg/model"
)

// Worker is an agent that registers with the server, listens for task
// assignments on the event stream, runs each task's command with the
// configured runtime and reports the task lifecycle back.
type Worker struct {
	client  *Client
	runtime Runtime
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	running map[model.TaskRef]*runningTask
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

type runningTask struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Config holds worker configuration.
type Config struct {
	ServerURL    string
	ID           string
	Capabilities []string
	MaxTasks     int // 0 means unlimited
	Runtime      string
	Image        string
	WorkDir      string
	WorkerKey    string
	TLS          *tls.Config
	Reconnect    time.Duration
	// Deregister removes the worker on shutdown instead of going offline.
	Deregister bool
}

// New creates a Worker from configuration.
func New(cfg Config, logger *slog.Logger) (*Worker, error) {
	rt, err := NewRuntime(cfg.Runtime)
	if err != nil {
		return nil, err
	}
	return newWithRuntime(cfg, rt, logger)
}

func newWithRuntime(cfg Config, rt Runtime, logger *slog.Logger) (*Worker, error) {
	if cfg.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("worker id: %w", err)
		}
		cfg.ID = host
	}
	if cfg.MaxTasks < 0 {
		return nil, fmt.Errorf("max tasks must be >= 0, got %d", cfg.MaxTasks)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "kestrel-worker")
	}
	if cfg.Reconnect == 0 {
		cfg.Reconnect = 5 * time.Second
	}
	cfg.Capabilities = model.NormalizeCapabilities(cfg.Capabilities)

	client := NewClient(cfg.ServerURL, cfg.ID, cfg.TLS)
	if cfg.WorkerKey != "" {
		client.SetWorkerKey(cfg.WorkerKey)
	}

	return &Worker{
		client:  client,
		runtime: rt,
		cfg:     cfg,
		logger:  logger.With("component", "worker", "worker_id", cfg.ID),
		running: make(map[model.TaskRef]*runningTask),
	}, nil
}

// Run registers the worker and processes notifications until ctx is
// cancelled or the server requests a shutdown. Running tasks are stopped and
// reset on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	w.mu.Lock()
	w.stop = stop
	w.mu.Unlock()

	if err := os.MkdirAll(w.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", w.cfg.WorkDir, err)
	}

	worker, err := w.client.Register(ctx, w.cfg.Capabilities, w.cfg.MaxTasks)
	if err != nil {
		return err
	}
	w.logger.Info("registered with server",
		"capabilities", worker.Capabilities,
		"max_tasks", worker.MaxTasks,
		"runtime", w.runtime.Name(),
	)

	for {
		err := w.client.Events(ctx, func() { w.announce(ctx) }, func(n model.Notification) { w.handle(ctx, n) })
		if ctx.Err() != nil {
			break
		}
		w.logger.Warn("event stream lost, reconnecting", "error", err, "in", w.cfg.Reconnect)
		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.Reconnect):
		}
		if ctx.Err() != nil {
			break
		}
	}

	w.logger.Info("shutting down", "running", w.Running())
	w.wg.Wait()

	// Use a fresh context; ctx is already done.
	offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if w.cfg.Deregister {
		err = w.client.Deregister(offCtx)
	} else {
		err = w.client.SetPresence(offCtx, model.WorkerStateOffline)
	}
	if err != nil {
		w.logger.Error("leaving pool failed", "error", err)
	}
	return nil
}

// Running returns the number of tasks currently executing.
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// announce marks the worker available once the stream is subscribed, so no
// assignment made in response can be missed.
func (w *Worker) announce(ctx context.Context) {
	if err := w.client.SetPresence(ctx, model.WorkerStateAvailable); err != nil {
		w.logger.Error("set presence failed", "error", err)
		return
	}
	w.logger.Info("available for tasks")
}

func (w *Worker) handle(ctx context.Context, n model.Notification) {
	ref := model.TaskRef{JobID: n.JobID, TaskID: n.TaskID}
	switch n.Kind {
	case model.NotifyTaskAssigned:
		w.assign(ctx, ref, n)
	case model.NotifyTaskCancelRequested:
		w.cancel(ctx, ref)
	case model.NotifyWorkerShutdown:
		w.logger.Info("shutdown requested by server")
		w.mu.Lock()
		if w.stop != nil {
			w.stop()
		}
		w.mu.Unlock()
	default:
		w.logger.Debug("notification ignored", "kind", n.Kind)
	}
}

func (w *Worker) assign(ctx context.Context, ref model.TaskRef, n model.Notification) {
	w.mu.Lock()
	if _, dup := w.running[ref]; dup {
		w.mu.Unlock()
		w.logger.Debug("duplicate assignment ignored", "task", ref.String())
		return
	}
	if w.cfg.MaxTasks > 0 && len(w.running) >= w.cfg.MaxTasks {
		w.mu.Unlock()
		w.logger.Warn("at capacity, handing task back", "task", ref.String())
		if err := w.client.Report(ctx, "reset", ref.JobID, ref.TaskID); err != nil {
			w.logger.Error("reset failed", "task", ref.String(), "error", err)
		}
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	rt := &runningTask{cancel: cancel}
	w.running[ref] = rt
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer cancel()
		log := w.logger.With("job_id", ref.JobID, "task_id", ref.TaskID)
		action := w.execute(ctx, taskCtx, ref, n, log)

		// Free the slot before reporting: the report may assign a new task.
		w.mu.Lock()
		delete(w.running, ref)
		w.mu.Unlock()

		reportCtx := ctx
		if ctx.Err() != nil {
			var done context.CancelFunc
			reportCtx, done = context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
		}
		if err := w.client.Report(reportCtx, action, ref.JobID, ref.TaskID); err != nil {
			log.Error("report failed", "action", action, "error", err)
		}
	}()
}

func (w *Worker) cancel(ctx context.Context, ref model.TaskRef) {
	w.mu.Lock()
	rt, ok := w.running[ref]
	if ok {
		rt.cancelled = true
		rt.cancel()
	}
	w.mu.Unlock()
	if ok {
		w.logger.Info("cancel requested", "task", ref.String())
		return
	}
	// Not executing here; acknowledge so the task can complete.
	if err := w.client.Report(ctx, "finish", ref.JobID, ref.TaskID); err != nil {
		w.logger.Error("finish cancelled task failed", "task", ref.String(), "error", err)
	}
}

func (w *Worker) wasCancelled(ref model.TaskRef) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	rt, ok := w.running[ref]
	return ok && rt.cancelled
}

// execute runs one assigned task and returns the final report to send:
// "finish" once the command and cleanup ran, "reset" to hand it back.
func (w *Worker) execute(ctx, taskCtx context.Context, ref model.TaskRef, n model.Notification, log *slog.Logger) string {
	if err := w.client.Report(ctx, "start", ref.JobID, ref.TaskID); err != nil {
		if w.wasCancelled(ref) {
			w.cleanup(ctx, ref, n, log)
			return "finish"
		}
		log.Error("start failed", "error", err)
		return "reset"
	}

	taskDir, err := w.taskDir(ref)
	if err != nil {
		log.Error("create task dir", "error", err)
		return "reset"
	}

	log.Info("task started", "command", n.Command)
	res, err := w.runtime.Run(taskCtx, w.runSpec(n.Command, taskDir, ref))
	switch {
	case err != nil && w.wasCancelled(ref):
		log.Info("task cancelled")
	case err != nil && ctx.Err() != nil:
		log.Warn("task interrupted by shutdown, resetting")
		w.cleanup(context.Background(), ref, n, log)
		return "reset"
	case err != nil:
		log.Error("task failed to run", "error", err)
	case res.ExitCode != 0:
		log.Warn("task exited non-zero", "exit_code", res.ExitCode, "stderr", tail(res.Stderr), "duration", res.Duration)
	default:
		log.Info("task completed", "duration", res.Duration)
		log.Debug("task output", "stdout", tail(res.Stdout))
	}

	w.cleanup(ctx, ref, n, log)
	return "finish"
}

func (w *Worker) taskDir(ref model.TaskRef) (string, error) {
	dir := filepath.Join(w.cfg.WorkDir, fmt.Sprintf("%d-%d", ref.JobID, ref.TaskID))
	return dir, os.MkdirAll(dir, 0o755)
}

func (w *Worker) cleanup(ctx context.Context, ref model.TaskRef, n model.Notification, log *slog.Logger) {
	if n.Cleanup == "" {
		return
	}
	dir, err := w.taskDir(ref)
	if err != nil {
		log.Error("create task dir", "error", err)
		return
	}
	res, err := w.runtime.Run(ctx, w.runSpec(n.Cleanup, dir, ref))
	if err != nil {
		log.Error("cleanup failed", "error", err)
		return
	}
	if res.ExitCode != 0 {
		log.Warn("cleanup exited non-zero", "exit_code", res.ExitCode, "stderr", tail(res.Stderr))
	}
}

func (w *Worker) runSpec(command, dir string, ref model.TaskRef) RunSpec {
	return RunSpec{
		Image:   w.cfg.Image,
		Command: command,
		WorkDir: dir,
		GPU:     slices.Contains(w.cfg.Capabilities, "GPU"),
		Env: map[string]string{
			"KESTREL_JOB_ID":    strconv.FormatInt(ref.JobID, 10),
			"KESTREL_TASK_ID":   strconv.Itoa(ref.TaskID),
			"KESTREL_WORKER_ID": w.cfg.ID,
		},
	}
}

// tail keeps the last part of command output for logging.
func tail(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
