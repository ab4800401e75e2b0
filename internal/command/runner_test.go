package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestRunner(opts ...Option) *Runner {
	return NewRunner(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})), opts...)
}

type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) sink(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestRunStreamsCombinedOutput(t *testing.T) {
	r := newTestRunner()
	var c collector
	res, err := r.Run(context.Background(), Command{
		Step: "build",
		Line: `sh -c "echo one; echo two 1>&2; printf three"`,
		Dir:  t.TempDir(),
	}, c.sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"one", "two", "three"}
	if got := c.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected lines %v got %v", want, got)
	}
	if res.Output != "one\ntwo\nthree" {
		t.Fatalf("unexpected captured output %q", res.Output)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0 got %d", res.ExitCode)
	}
}

func TestRunDeliversLinesBeforeExit(t *testing.T) {
	r := newTestRunner()
	first := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), Command{Line: `sh -c "echo early; sleep 1; echo late"`}, func(line string) {
			if line == "early" {
				once.Do(func() { close(first) })
			}
		})
		done <- err
	}()

	select {
	case <-first:
	case err := <-done:
		t.Fatalf("command finished before first line was streamed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for first line")
	}
	select {
	case err := <-done:
		t.Fatalf("command should still be running, finished with %v", err)
	default:
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r := newTestRunner()
	var c collector
	_, err := r.Run(context.Background(), Command{Line: `sh -c "echo boom; exit 3"`}, c.sink)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError got %v", err)
	}
	if cmdErr.ExitCode != 3 {
		t.Fatalf("expected exit code 3 got %d", cmdErr.ExitCode)
	}
	if strings.TrimSpace(cmdErr.Output) != "boom" {
		t.Fatalf("expected captured output, got %q", cmdErr.Output)
	}
	if cmdErr.Command != `sh -c "echo boom; exit 3"` {
		t.Fatalf("unexpected command %q", cmdErr.Command)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	r := newTestRunner()
	_, err := r.Run(context.Background(), Command{Line: "definitely-not-a-binary-xyz --flag"}, nil)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError got %v", err)
	}
	if cmdErr.ExitCode != -1 {
		t.Fatalf("expected exit code -1 got %d", cmdErr.ExitCode)
	}

	_, err = r.Run(context.Background(), Command{Line: "   "}, nil)
	if !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("expected ErrEmptyCommand got %v", err)
	}
}

func TestRunToleratesNotFound(t *testing.T) {
	r := newTestRunner()
	line := `sh -c "echo 'Error response from daemon: No such container: shipyard-abc' 1>&2; exit 1"`

	res, err := r.Run(context.Background(), Command{Step: "stop", Line: line, TolerateNotFound: true}, nil)
	if err != nil {
		t.Fatalf("expected tolerated failure, got %v", err)
	}
	if !res.Tolerated || res.ExitCode != 1 {
		t.Fatalf("expected tolerated result with exit 1, got %+v", res)
	}

	_, err = r.Run(context.Background(), Command{Step: "stop", Line: line}, nil)
	if !IsNotFound(err) {
		t.Fatalf("expected not-found classification, got %v", err)
	}

	other := `sh -c "echo 'permission denied' 1>&2; exit 1"`
	_, err = r.Run(context.Background(), Command{Step: "stop", Line: other, TolerateNotFound: true}, nil)
	if err == nil || IsNotFound(err) {
		t.Fatalf("expected a non-tolerated failure, got %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(WithTimeout(100 * time.Millisecond))
	_, err := r.Run(context.Background(), Command{Line: "sleep 5"}, nil)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", err)
	}
}

func TestRunEnv(t *testing.T) {
	r := newTestRunner(WithEnv("SHIPYARD_A=1"))
	res, err := r.Run(context.Background(), Command{Line: `sh -c "echo $SHIPYARD_A$SHIPYARD_B"`, Env: []string{"SHIPYARD_B=2"}}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(res.Output) != "12" {
		t.Fatalf("expected env expansion 12 got %q", res.Output)
	}
}

func TestParseCommand(t *testing.T) {
	cases := map[string][]string{
		"docker compose -p app build": {"docker", "compose", "-p", "app", "build"},
		`sh -c "echo 'hi there'"`:     {"sh", "-c", "echo 'hi there'"},
		`echo 'a "b"' c\ d`:           {"echo", `a "b"`, "c d"},
		`printf ''`:                   {"printf", ""},
		"  spaced\targs  ":            {"spaced", "args"},
	}
	for in, want := range cases {
		got, err := parseCommand(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("parse %q: expected %q got %q", in, want, got)
		}
	}
	if _, err := parseCommand(`echo "open`); err == nil {
		t.Fatalf("expected unterminated quote error")
	}
}

func TestQuoteRoundTrip(t *testing.T) {
	for _, arg := range []string{"plain", "with space", `it's`, ""} {
		args, err := parseCommand("cmd " + Quote(arg))
		if err != nil {
			t.Fatalf("parse quoted %q: %v", arg, err)
		}
		if len(args) != 2 || args[1] != arg {
			t.Fatalf("quote %q round-tripped to %q", arg, args)
		}
	}
}
