// Package command runs external tools with a bounded timeout and reports
// the outcome as an (exit code, stdout, stderr) tuple instead of an error,
// so callers can branch on the exit code uniformly.
package command

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeoutExitCode is returned as the exit code when a command is killed
// because its deadline expired. Stderr carries "Timeout" in that case.
const TimeoutExitCode = -1

// Runner is the subset of Executor the higher layers depend on. Fakes
// implementing Runner are used in driver and routing tests.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (int, string, string)
	RunShell(ctx context.Context, timeout time.Duration, script string) (int, string, string)
	RunInput(ctx context.Context, timeout time.Duration, dir, input string, name string, args ...string) (int, string, string)
}

// Executor runs commands on the host. The zero value is usable.
type Executor struct {
	// Shell is the interpreter used by RunShell. Defaults to /bin/sh.
	Shell string
}

func NewExecutor() *Executor {
	return &Executor{Shell: "/bin/sh"}
}

// Run executes name with args (argv form, no shell involved).
func (e *Executor) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (int, string, string) {
	return e.run(ctx, timeout, "", "", name, args...)
}

// RunInput is Run with a working directory and data written to the
// child's stdin. Used for tools that prompt on stdin and write artifacts
// to their cwd (e.g. usque registration).
func (e *Executor) RunInput(ctx context.Context, timeout time.Duration, dir, input string, name string, args ...string) (int, string, string) {
	return e.run(ctx, timeout, dir, input, name, args...)
}

// RunShell executes script through the shell. Only for command lines that
// need shell features (pipes, redirection); prefer Run.
func (e *Executor) RunShell(ctx context.Context, timeout time.Duration, script string) (int, string, string) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return e.run(ctx, timeout, "", "", shell, "-c", script)
}

func (e *Executor) run(ctx context.Context, timeout time.Duration, dir, input string, name string, args ...string) (int, string, string) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		logrus.WithField("command", name).Error("command timed out")
		return TimeoutExitCode, "", "Timeout"
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String())
		}
		// Start failure (binary missing etc). Same sentinel as timeout so
		// callers only ever branch on "rc != 0".
		logrus.WithField("command", name).Errorf("failed to run: %v", err)
		return TimeoutExitCode, "", err.Error()
	}
	return 0, strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String())
}
