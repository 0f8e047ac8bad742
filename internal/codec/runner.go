package codec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// stopGrace is how long an interrupted tool gets to exit before it is killed.
const stopGrace = 5 * time.Second

// CommandResult captures one external command invocation.
type CommandResult struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
}

// CommandRunner abstracts process execution for testability. OnLine receives
// stdout line by line while the command runs.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, onLine func(line string)) (CommandResult, error)
}

// ExecRunner executes commands via os/exec. Cancelling ctx interrupts the
// process and waits stopGrace before killing it.
type ExecRunner struct{}

// Run implements CommandRunner.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, onLine func(line string)) (CommandResult, error) {
	result := CommandResult{Command: name, Args: args}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGrace

	stderr := &tailBuffer{max: 16 << 10}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return result, err
	}
	if err := cmd.Start(); err != nil {
		result.ExitCode = -1
		return result, err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		if onLine != nil {
			onLine(strings.TrimSpace(scanner.Text()))
		}
	}
	// The scanner gives up on over-long lines; keep the pipe flowing so the
	// child can still exit.
	scanErr := scanner.Err()
	_, _ = io.Copy(io.Discard, stdout)

	err = cmd.Wait()
	result.Stderr = stderr.String()
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, err
	}
	if scanErr != nil {
		return result, fmt.Errorf("read %s output: %w", filepath.Base(name), scanErr)
	}
	return result, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// workspace is a scratch directory holding one job's input and output files.
type workspace struct {
	dir string
}

func newWorkspace(base, pattern string) (*workspace, error) {
	dir, err := os.MkdirTemp(base, pattern)
	if err != nil {
		return nil, err
	}
	return &workspace{dir: dir}, nil
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

func (w *workspace) cleanup() {
	_ = os.RemoveAll(w.dir)
}
