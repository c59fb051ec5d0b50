// Package proc runs external tools and forwards their output.
//
// The flash and discovery paths shell out to vendor tooling (Katapult's
// flashtool, dfu-util, ip, systemctl, make). Everything goes through the
// Runner interface so tests can substitute a fake.
package proc

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Command describes one external tool invocation.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Timeout time.Duration // zero means unbounded
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Runner executes commands.
type Runner interface {
	// Output runs the command and returns its captured stdout together
	// with the process exit code.
	Output(ctx context.Context, cmd Command) (string, int, error)
	// Stream runs the command with stdout and stderr merged, forwarding
	// output to sink in small chunks. Carriage-return progress updates
	// from dfu-util and flashtool must pass through verbatim, so chunks
	// are not line buffered.
	Stream(ctx context.Context, cmd Command, sink func(string)) (int, error)
}

// chunkSize keeps progress bars responsive without flooding the sink.
const chunkSize = 128

// ExecRunner is the os/exec backed Runner.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner { return &ExecRunner{} }

func (r *ExecRunner) build(ctx context.Context, cmd Command) (*exec.Cmd, context.CancelFunc) {
	cancel := func() {}
	if cmd.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	}
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	return c, cancel
}

func (r *ExecRunner) Output(ctx context.Context, cmd Command) (string, int, error) {
	c, cancel := r.build(ctx, cmd)
	defer cancel()
	out, err := c.Output()
	return string(out), exitCode(c, err), ignoreExit(err)
}

func (r *ExecRunner) Stream(ctx context.Context, cmd Command, sink func(string)) (int, error) {
	c, cancel := r.build(ctx, cmd)
	defer cancel()
	stdout, err := c.StdoutPipe()
	if err != nil {
		return -1, err
	}
	c.Stderr = c.Stdout
	if err := c.Start(); err != nil {
		return -1, err
	}
	buf := make([]byte, chunkSize)
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 && sink != nil {
			sink(string(buf[:n]))
		}
		if rerr != nil {
			break
		}
	}
	err = c.Wait()
	return exitCode(c, err), ignoreExit(err)
}

// exitCode extracts the process exit code, -1 when the process never ran.
func exitCode(c *exec.Cmd, err error) int {
	if c.ProcessState != nil {
		return c.ProcessState.ExitCode()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// ignoreExit strips exec.ExitError: callers act on the exit code, a
// non-zero exit is not a transport failure.
func ignoreExit(err error) error {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return nil
	}
	return err
}
