// Package command runs external toolchain steps and streams their combined
// output line by line.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrEmptyCommand is returned when a command line has no tokens.
var ErrEmptyCommand = errors.New("command: empty command line")

// Sink receives each output line as soon as it is complete.
type Sink func(line string)

// Command is one external step.
type Command struct {
	// Step names the pipeline stage, e.g. "build" or "stop".
	Step string
	// Line is a shell-style command line; quoting follows POSIX shells but no
	// shell is involved.
	Line string
	Dir  string
	Env  []string
	// TolerateNotFound turns a "no such container" failure into success.
	TolerateNotFound bool
}

// Result describes a finished command.
type Result struct {
	Output    string
	ExitCode  int
	Duration  time.Duration
	Tolerated bool
}

// CommandError reports a non-zero exit or a spawn failure. Spawn failures and
// killed processes carry ExitCode -1.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

var notFoundMarkers = []string{
	"no such container",
	"no such object",
}

// IsNotFound reports whether err is a CommandError caused by the target
// container not existing.
func IsNotFound(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	out := strings.ToLower(cmdErr.Output)
	for _, marker := range notFoundMarkers {
		if strings.Contains(out, marker) {
			return true
		}
	}
	return false
}

// Runner executes commands with a per-command timeout.
type Runner struct {
	logger  *slog.Logger
	timeout time.Duration
	env     []string
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout bounds each command; zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithEnv appends environment entries to every command.
func WithEnv(env ...string) Option {
	return func(r *Runner) { r.env = append(r.env, env...) }
}

// NewRunner constructs a Runner.
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{logger: logger.With("component", "command")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes cmd to completion, calling sink for every output line as it is
// produced. It blocks until the process exits; callers that must not block run
// it from their own goroutine.
func (r *Runner) Run(ctx context.Context, cmd Command, sink Sink) (Result, error) {
	started := time.Now()
	args, err := parseCommand(cmd.Line)
	if err != nil {
		return Result{ExitCode: -1}, &CommandError{Command: cmd.Line, ExitCode: -1, Err: err}
	}
	if len(args) == 0 {
		return Result{ExitCode: -1}, &CommandError{Command: cmd.Line, ExitCode: -1, Err: ErrEmptyCommand}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out := newLineWriter(sink)
	proc := exec.CommandContext(ctx, args[0], args[1:]...)
	proc.Dir = cmd.Dir
	proc.Env = append(append(os.Environ(), r.env...), cmd.Env...)
	// Same writer for both streams: exec shares one pipe so ordering holds.
	proc.Stdout = out
	proc.Stderr = out
	proc.WaitDelay = 5 * time.Second

	log := r.logger.With("step", cmd.Step, "command", cmd.Line)
	log.Debug("command starting", "dir", cmd.Dir)

	runErr := proc.Run()
	out.Flush()

	res := Result{
		Output:   out.String(),
		ExitCode: proc.ProcessState.ExitCode(),
		Duration: time.Since(started),
	}
	if runErr == nil {
		log.Debug("command finished", "duration", res.Duration)
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		runErr = fmt.Errorf("%w: %w", ctxErr, runErr)
	}
	cmdErr := &CommandError{Command: cmd.Line, ExitCode: res.ExitCode, Output: res.Output, Err: runErr}
	if cmd.TolerateNotFound && IsNotFound(cmdErr) {
		res.Tolerated = true
		log.Debug("command target not found, tolerated", "exit_code", res.ExitCode)
		return res, nil
	}
	log.Warn("command failed", "exit_code", res.ExitCode, "error", runErr)
	return res, cmdErr
}

// lineWriter splits writes into lines, forwarding complete lines to sink and
// keeping the full text.
type lineWriter struct {
	mu      sync.Mutex
	sink    Sink
	full    bytes.Buffer
	partial []byte
}

func newLineWriter(sink Sink) *lineWriter {
	return &lineWriter{sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.full.Write(p)
	w.partial = append(w.partial, p...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.partial[:idx])
		w.partial = w.partial[idx+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	if w.sink == nil {
		return
	}
	w.sink(strings.TrimRight(string(line), "\r"))
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.full.String()
}
