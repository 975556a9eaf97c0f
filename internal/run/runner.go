// Package run executes external commands on behalf of the provisioner and
// launcher. The Runner interface exists so pipeline logic can be tested
// without touching the package manager, the VCS, or the build system.
package run

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/rtcforge/internal/log"
)

const (
	// maxCapturedBytes caps the amount of stdout/stderr captured per command.
	maxCapturedBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Cmd describes one external command invocation.
type Cmd struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the parent environment when non-nil
}

// Result is the captured outcome of a completed command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner starts external processes. A non-zero exit is reported through
// Result.ExitCode, not through the error return; errors mean the command
// could not be run at all.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (Result, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

var _ Runner = (*ExecRunner)(nil)

func NewExecRunner() *ExecRunner {
	return &ExecRunner{logger: log.WithComponent("run")}
}

// LookPath resolves name against PATH.
func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run starts the command and waits for it. On context cancellation the child
// gets SIGTERM, then SIGKILL after a grace period.
func (r *ExecRunner) Run(ctx context.Context, c Cmd) (Result, error) {
	if c.Name == "" {
		return Result{}, fmt.Errorf("command name is empty")
	}

	// Don't use CommandContext - we manage termination ourselves so the
	// child gets a chance to exit cleanly.
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &capWriter{buf: &stdout}
	cmd.Stderr = &capWriter{buf: &stderr}

	r.logger.Debug("running command", "name", c.Name, "args", c.Args, "dir", c.Dir)

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", c.Name, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		r.logger.Warn("context cancelled, sending SIGTERM", "name", c.Name)
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
		case <-grace.C:
			r.logger.Warn("command did not exit after SIGTERM, sending SIGKILL", "name", c.Name)
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-waitErr
		}
		return Result{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()

	case err := <-waitErr:
		res := Result{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				return res, fmt.Errorf("wait for %s: %w", c.Name, err)
			}
			res.ExitCode = exitErr.ExitCode()
		}
		return res, nil
	}
}

// capWriter discards bytes beyond maxCapturedBytes.
type capWriter struct {
	buf *bytes.Buffer
}

func (w *capWriter) Write(p []byte) (int, error) {
	remaining := maxCapturedBytes - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		_, err := w.buf.Write(p[:remaining])
		return len(p), err
	}
	return w.buf.Write(p)
}
