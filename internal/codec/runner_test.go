package codec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRunner scripts external tool invocations by command name.
type fakeRunner struct {
	mu    sync.Mutex
	calls []CommandResult
	steps map[string]fakeStep
}

type fakeStep struct {
	lines  []string
	output []byte   // written to the command's output path
	pages  [][]byte // written to a printf-style output pattern, numbered from 1
	stderr string
	err    error
	block  bool // wait for ctx cancellation after emitting lines
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{steps: map[string]fakeStep{}}
}

func (f *fakeRunner) on(name string, step fakeStep) *fakeRunner {
	f.steps[name] = step
	return f
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (CommandResult, error) {
	f.mu.Lock()
	step, ok := f.steps[name]
	res := CommandResult{Command: name, Args: append([]string(nil), args...)}
	f.calls = append(f.calls, res)
	f.mu.Unlock()

	if !ok {
		return res, errors.New("unexpected command " + name)
	}
	for _, l := range step.lines {
		if onLine != nil {
			onLine(l)
		}
	}
	if step.block {
		<-ctx.Done()
		res.ExitCode = 255
		return res, ctx.Err()
	}
	if step.output != nil {
		if err := os.WriteFile(outputPath(args), step.output, 0o600); err != nil {
			return res, err
		}
	}
	for i, page := range step.pages {
		if err := os.WriteFile(fmt.Sprintf(outputPath(args), i+1), page, 0o600); err != nil {
			return res, err
		}
	}
	res.Stderr = step.stderr
	if step.err != nil {
		res.ExitCode = 1
	}
	return res, step.err
}

func (f *fakeRunner) argsOf(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.Command == name {
			return c.Args
		}
	}
	return nil
}

// outputPath finds the output file in Ghostscript or ffmpeg arguments.
func outputPath(args []string) string {
	for _, a := range args {
		if p, ok := strings.CutPrefix(a, "-sOutputFile="); ok {
			return p
		}
	}
	return args[len(args)-1]
}

func TestExecRunnerDrainsOverlongLines(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	// A 2 MiB line overflows the scanner; the lines after it only get
	// written if stdout keeps being read.
	script := `head -c 2097152 /dev/zero | tr '\0' x; echo; i=0; while [ $i -lt 5000 ]; do echo "line $i"; i=$((i+1)); done`

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res, err := (&ExecRunner{}).Run(ctx, sh, []string{"-c", script}, nil)
	if ctx.Err() != nil {
		t.Fatalf("command did not finish before the deadline: %v", err)
	}
	if !errors.Is(err, bufio.ErrTooLong) {
		t.Fatalf("err = %v, want bufio.ErrTooLong", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestExecRunnerStreamsLines(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	var lines []string
	_, err = (&ExecRunner{}).Run(context.Background(), sh, []string{"-c", "echo 'Page 1'; echo '  Page 2  '"}, func(l string) {
		lines = append(lines, l)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(lines, ",") != "Page 1,Page 2" {
		t.Errorf("lines = %q", lines)
	}
}
