package rockyard

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner executes prepared commands. The build pipeline only talks to a
// Runner, so tests can substitute one that records invocations.
type Runner interface {
	Run(cmd *exec.Cmd) error
}

// Executor runs subprocesses in their own process group, killing the whole
// group when its context is cancelled.
type Executor struct {
	Context           context.Context // The context to use for cancellation
	ApplyIdlePriority bool            // Apply nice -n 19 to compiler invocations
	Log               io.Writer       // When set, command lines and output are copied here
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// Run executes the given command. Stdout and stderr default to the build log
// when one is attached, and are also echoed to the terminal in verbose mode.
func (e *Executor) Run(cmd *exec.Cmd) error {
	if cmd.Err != nil {
		return fmt.Errorf("failed to locate %s: %w", cmd.Args[0], cmd.Err)
	}

	if e.Log != nil {
		fmt.Fprintf(e.Log, "$ %s\n", strings.Join(cmd.Args, " "))
	}
	debugf("Running %s (in %s)\n", strings.Join(cmd.Args, " "), cmd.Dir)

	if cmd.Stdout == nil {
		cmd.Stdout = e.outputWriter()
	}
	if cmd.Stderr == nil {
		cmd.Stderr = e.outputWriter()
	}

	basePath := cmd.Path
	baseArgs := cmd.Args[1:]
	if e.ApplyIdlePriority && niceAvailable() {
		baseArgs = append([]string{"-n", "19", basePath}, baseArgs...)
		basePath = "nice"
	}

	finalCmd := exec.CommandContext(e.Context, basePath, baseArgs...)
	finalCmd.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr
	setProcessGroup(finalCmd)

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-e.Context.Done():
			killProcessGroup(finalCmd)
		case <-done:
		}
	}()

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return waitErr
	}
	return nil
}

func (e *Executor) outputWriter() io.Writer {
	switch {
	case e.Log != nil && Verbose:
		return io.MultiWriter(e.Log, os.Stdout)
	case e.Log != nil:
		return e.Log
	default:
		return os.Stdout
	}
}

// WithLog returns a copy of e that records into w.
func (e *Executor) WithLog(w io.Writer) *Executor {
	c := *e
	c.Log = w
	return &c
}

// output runs cmd through r and returns its trimmed stdout.
func output(r Runner, cmd *exec.Cmd) (string, error) {
	var out strings.Builder
	cmd.Stdout = &out
	if err := r.Run(cmd); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

func niceAvailable() bool {
	_, err := exec.LookPath("nice")
	return err == nil
}
