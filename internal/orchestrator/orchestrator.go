package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// LineCallback receives one trimmed line of combined pipeline output.
type LineCallback func(line string)

// Config describes how the external generation pipeline is launched.
type Config struct {
	// Command is the argv of the pipeline process; Command[0] is the
	// executable. No shell is involved.
	Command []string
	// Dir is the working directory for the pipeline. Empty means the
	// server's own working directory.
	Dir string
	// Env holds extra KEY=VALUE entries appended to the server environment.
	Env []string
	// StopGrace is how long a stopping pipeline gets between the interrupt
	// signal and a hard kill.
	StopGrace time.Duration
}

// Runner launches the generation pipeline as a child process and streams
// its output line by line.
type Runner struct {
	logger *slog.Logger
	cfg    Config
}

func NewRunner(logger *slog.Logger, cfg Config) (*Runner, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("pipeline command is required")
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 3 * time.Second
	}
	return &Runner{logger: logger, cfg: cfg}, nil
}

// Start launches the pipeline. Output lines from stdout and stderr are
// delivered to cb from separate goroutines until both streams close.
// Canceling ctx interrupts the pipeline's process group; after StopGrace
// the process is killed.
func (r *Runner) Start(ctx context.Context, cb LineCallback) (*Run, error) {
	cmd := exec.CommandContext(ctx, r.cfg.Command[0], r.cfg.Command[1:]...)
	if r.cfg.Dir != "" {
		cmd.Dir = r.cfg.Dir
	}
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return interruptProcess(cmd) }
	cmd.WaitDelay = r.cfg.StopGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}

	run := &Run{logger: r.logger, cmd: cmd, pid: cmd.Process.Pid}
	run.wg.Add(2)
	go run.scan(stdout, cb)
	go run.scan(stderr, cb)
	return run, nil
}

// Run is a single live pipeline process.
type Run struct {
	logger *slog.Logger
	cmd    *exec.Cmd
	pid    int
	wg     sync.WaitGroup
}

// PID returns the operating system process id of the pipeline.
func (run *Run) PID() int { return run.pid }

// Wait blocks until the pipeline exits and both output streams have been
// fully consumed, then reports how the process ended.
func (run *Run) Wait() error {
	run.wg.Wait()
	err := run.cmd.Wait()
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return fmt.Errorf("pipeline exited with code %d", code)
		}
		return fmt.Errorf("pipeline terminated: %v", ee)
	}
	return fmt.Errorf("pipeline failed: %w", err)
}

func (run *Run) scan(stream io.Reader, cb LineCallback) {
	defer run.wg.Done()
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if cb != nil {
			cb(line)
		}
	}
	if err := scanner.Err(); err != nil && run.logger != nil {
		// Closed pipes after a kill surface here; nothing to do but note it.
		run.logger.Debug("pipeline output scanner stopped", "error", err)
	}
}

// SplitCommand parses a whitespace-separated command line into argv.
// Values with embedded spaces are not supported; there is no shell quoting.
func SplitCommand(s string) []string {
	return strings.Fields(s)
}
