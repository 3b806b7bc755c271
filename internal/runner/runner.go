package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/exteriorp/designex/internal/log"
)

const (
	// defaultTimeout bounds a worker execution when the invocation does
	// not carry its own limit.
	defaultTimeout = 5 * time.Minute

	// terminationGracePeriod is the time we wait after SIGTERM before
	// sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// maxCapturedLines caps the combined output retained in the Result.
	// All lines are still logged as they arrive.
	maxCapturedLines = 1000

	// logDrainTimeout bounds how long Run waits for the output pipe to
	// reach EOF after the worker exits. A descendant that inherited the
	// pipe write end can hold it open past the worker's death.
	logDrainTimeout = 2 * time.Second
)

// Outcome classifies how a worker execution terminated.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeInterrupted Outcome = "interrupted"
)

// Invocation describes one bounded execution of the external worker.
type Invocation struct {
	// Command is the worker executable plus any leading arguments.
	Command []string

	InputPath   string
	StyledPath  string
	BlendedPath string
	Style       string
	ModelPath   string
	CatalogPath string
	// BlendAlpha is omitted from the argument list when nil; the worker
	// then applies its own default.
	BlendAlpha *float64

	Timeout time.Duration
}

// Args renders the worker's command-line contract:
//
//	--input <in> --output_styled <s> --output_blended <b>
//	--style <name> --model <model> --style_library <catalog>
//	[--blend_alpha <f>]
func (inv Invocation) Args() []string {
	args := []string{
		"--input", inv.InputPath,
		"--output_styled", inv.StyledPath,
		"--output_blended", inv.BlendedPath,
		"--style", inv.Style,
		"--model", inv.ModelPath,
		"--style_library", inv.CatalogPath,
	}
	if inv.BlendAlpha != nil {
		args = append(args, "--blend_alpha", strconv.FormatFloat(*inv.BlendAlpha, 'g', -1, 64))
	}
	return args
}

func (inv Invocation) validate() error {
	if len(inv.Command) == 0 {
		return fmt.Errorf("invocation command is empty")
	}
	if inv.InputPath == "" || inv.StyledPath == "" || inv.BlendedPath == "" {
		return fmt.Errorf("invocation artifact paths are incomplete")
	}
	if inv.Style == "" {
		return fmt.Errorf("invocation style is empty")
	}
	return nil
}

// Result is the typed termination of one worker execution plus its
// combined output, in the order produced.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Log      []string
}

// ProcessRunner executes worker invocations as child processes. Exactly
// one process is spawned per Run call and it is never left running past
// Run's return, whatever the outcome.
type ProcessRunner struct {
	logger *slog.Logger
}

// NewProcessRunner creates a ProcessRunner.
func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{logger: log.WithComponent("runner")}
}

// Run executes the invocation and classifies its termination. An error is
// returned only when the process could not be started at all; non-zero
// exits, timeouts and cancellation are reported through Result.Outcome.
func (r *ProcessRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	if err := inv.validate(); err != nil {
		return Result{}, err
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	runLogger := r.logger.With("style", inv.Style, "input", inv.InputPath)

	// Prepare command (don't use CommandContext - we manage termination
	// ourselves so the child is reaped on every path).
	cmd := exec.Command(inv.Command[0], append(append([]string{}, inv.Command[1:]...), inv.Args()...)...)

	// Run the worker in its own process group so termination reaches any
	// helpers it forks, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// One pipe carries stdout and stderr so the log preserves the order
	// the worker produced.
	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	runLogger.Debug("spawning worker", "command", inv.Command[0], "timeout", timeout)

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return Result{}, fmt.Errorf("start worker process: %w", err)
	}

	// The child holds its own copy of the write end; close ours so the
	// reader sees EOF when the child exits.
	_ = pw.Close()

	// Read the combined stream on a dedicated goroutine while the worker
	// runs, logging each line as it arrives. The worker is never blocked
	// on a full pipe waiting for us.
	lines := make(chan []string, 1)
	go func() {
		defer pr.Close()
		var captured []string
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			runLogger.Info("worker output", "line", line)
			if len(captured) < maxCapturedLines {
				captured = append(captured, line)
			}
		}
		if err := scanner.Err(); err != nil {
			// Keep draining so the worker never blocks on a full pipe;
			// whatever follows the oversized line is lost from the log.
			runLogger.Error("worker output read failed, log truncated", "error", err)
			_, _ = io.Copy(io.Discard, pr)
		}
		lines <- captured
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	select {
	case <-timeoutTimer.C:
		runLogger.Warn("worker timed out, terminating", "timeout", timeout)
		r.terminate(cmd, waitErr, runLogger)
		return Result{Outcome: OutcomeTimedOut, Log: drainLines(lines, runLogger)}, nil

	case <-ctx.Done():
		runLogger.Warn("context cancelled while waiting for worker, terminating")
		r.terminate(cmd, waitErr, runLogger)
		return Result{Outcome: OutcomeInterrupted, Log: drainLines(lines, runLogger)}, nil

	case err := <-waitErr:
		captured := drainLines(lines, runLogger)
		if err == nil {
			runLogger.Info("worker completed")
			return Result{Outcome: OutcomeCompleted, ExitCode: 0, Log: captured}, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			runLogger.Warn("worker exited with non-zero status", "exit_code", code)
			return Result{Outcome: OutcomeFailed, ExitCode: code, Log: captured}, nil
		}
		return Result{}, fmt.Errorf("wait for worker process: %w", err)
	}
}

// terminate sends SIGTERM to the worker's process group, waits a grace
// period, escalates to SIGKILL, and blocks until the child is reaped.
// Signalling the group catches helpers the worker forked.
func (r *ProcessRunner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if err := r.signalGroup(cmd, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("worker exited after SIGTERM")
	case <-grace.C:
		logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		if err := r.signalGroup(cmd, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr // Wait for process to die
	}
}

// signalGroup delivers sig to the worker's process group, falling back to
// the direct child when the group is already gone.
func (r *ProcessRunner) signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		return cmd.Process.Signal(sig)
	}
	return nil
}

// drainLines collects the captured output, giving up after logDrainTimeout
// if the pipe is still held open (a descendant that escaped the process
// group, e.g. one that called setsid).
func drainLines(lines <-chan []string, logger *slog.Logger) []string {
	select {
	case captured := <-lines:
		return captured
	case <-time.After(logDrainTimeout):
		logger.Warn("worker output pipe still open after exit, abandoning log capture")
		return nil
	}
}
