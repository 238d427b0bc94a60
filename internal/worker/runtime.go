package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"
)

// Runtime executes a task's shell command, optionally inside a container.
type Runtime interface {
	Name() string
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// RunSpec describes what to execute.
type RunSpec struct {
	Image   string            // Container image (ignored by the bare runtime)
	Command string            // Shell command line
	WorkDir string            // Working directory on the host
	Env     map[string]string // Extra environment variables
	GPU     bool              // Pass GPUs through to the container
}

// RunResult captures the output of an execution.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// killGrace is how long a cancelled command may take to exit after its
// context is done before its pipes are closed.
const killGrace = 5 * time.Second

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (r *osCommandRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.WaitDelay = killGrace
	killProcessGroup(cmd)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	if ctx.Err() != nil {
		return stdout, stderr, -1, ctx.Err()
	}
	switch e := runErr.(type) {
	case nil:
		return stdout, stderr, 0, nil
	case *exec.ExitError:
		return stdout, stderr, e.ExitCode(), nil
	default:
		return stdout, stderr, -1, runErr
	}
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// BareRuntime executes commands directly on the host through sh -c.
type BareRuntime struct {
	runner CommandRunner
}

// NewBareRuntime creates a BareRuntime.
func NewBareRuntime() *BareRuntime {
	return &BareRuntime{runner: &osCommandRunner{}}
}

func newBareRuntimeWithRunner(runner CommandRunner) *BareRuntime {
	return &BareRuntime{runner: runner}
}

func (r *BareRuntime) Name() string { return "none" }

func (r *BareRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if spec.Command == "" {
		return RunResult{}, fmt.Errorf("bare runtime: empty command")
	}
	start := time.Now()
	env := append(os.Environ(), sortedEnv(spec.Env)...)
	stdout, stderr, code, err := r.runner.Run(ctx, spec.WorkDir, env, "sh", "-c", spec.Command)
	res := RunResult{ExitCode: code, Stdout: stdout, Stderr: stderr, Duration: time.Since(start)}
	if err != nil {
		return res, fmt.Errorf("bare runtime: %w", err)
	}
	return res, nil
}

// DockerRuntime executes commands inside Docker containers.
type DockerRuntime struct {
	runner CommandRunner
}

// NewDockerRuntime creates a DockerRuntime.
func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{runner: &osCommandRunner{}}
}

func newDockerRuntimeWithRunner(runner CommandRunner) *DockerRuntime {
	return &DockerRuntime{runner: runner}
}

func (r *DockerRuntime) Name() string { return "docker" }

func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if spec.Image == "" {
		return RunResult{}, fmt.Errorf("docker runtime: image is required")
	}
	if spec.Command == "" {
		return RunResult{}, fmt.Errorf("docker runtime: empty command")
	}

	args := []string{"run", "--rm"}
	if spec.GPU {
		args = append(args, "--gpus", "all")
	}
	for _, kv := range sortedEnv(spec.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, "-v", spec.WorkDir+":/work", "-w", "/work")
	args = append(args, spec.Image, "sh", "-c", spec.Command)

	start := time.Now()
	stdout, stderr, code, err := r.runner.Run(ctx, "", os.Environ(), "docker", args...)
	res := RunResult{ExitCode: code, Stdout: stdout, Stderr: stderr, Duration: time.Since(start)}
	if err != nil {
		return res, fmt.Errorf("docker runtime: %w", err)
	}
	return res, nil
}

// ApptainerRuntime executes commands inside Apptainer containers built from
// Docker images.
type ApptainerRuntime struct {
	runner CommandRunner
}

// NewApptainerRuntime creates an ApptainerRuntime.
func NewApptainerRuntime() *ApptainerRuntime {
	return &ApptainerRuntime{runner: &osCommandRunner{}}
}

func newApptainerRuntimeWithRunner(runner CommandRunner) *ApptainerRuntime {
	return &ApptainerRuntime{runner: runner}
}

func (r *ApptainerRuntime) Name() string { return "apptainer" }

func (r *ApptainerRuntime) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if spec.Image == "" {
		return RunResult{}, fmt.Errorf("apptainer runtime: image is required")
	}
	if spec.Command == "" {
		return RunResult{}, fmt.Errorf("apptainer runtime: empty command")
	}

	args := []string{"exec", "--cleanenv"}
	if spec.GPU {
		args = append(args, "--nv")
	}
	for _, kv := range sortedEnv(spec.Env) {
		args = append(args, "--env", kv)
	}
	args = append(args, "--bind", spec.WorkDir+":/work", "--pwd", "/work")
	args = append(args, "docker://"+spec.Image, "sh", "-c", spec.Command)

	start := time.Now()
	stdout, stderr, code, err := r.runner.Run(ctx, "", os.Environ(), "apptainer", args...)
	res := RunResult{ExitCode: code, Stdout: stdout, Stderr: stderr, Duration: time.Since(start)}
	if err != nil {
		return res, fmt.Errorf("apptainer runtime: %w", err)
	}
	return res, nil
}

// NewRuntime creates a Runtime based on the runtime name.
func NewRuntime(name string) (Runtime, error) {
	switch name {
	case "docker":
		return NewDockerRuntime(), nil
	case "apptainer":
		return NewApptainerRuntime(), nil
	case "none", "":
		return NewBareRuntime(), nil
	default:
		return nil, fmt.Errorf("unknown runtime: %s", name)
	}
}
