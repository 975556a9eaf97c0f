// Package launch resolves provisioned artifacts and starts the example
// binary with its plugin modules as one foreground child process.
package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattjoyce/rtcforge/internal/config"
	"github.com/mattjoyce/rtcforge/internal/log"
)

// Reason distinguishes why a launch could not happen.
type Reason string

const (
	// ReasonMissingArtifact means the executable or a module file does not
	// exist; the provisioner has not produced it yet.
	ReasonMissingArtifact Reason = "missing-artifact"
	// ReasonNotExecutable means the file exists but lacks an execute bit.
	ReasonNotExecutable Reason = "not-executable"
	// ReasonSpawnFailed means preflight passed but starting the process
	// still failed.
	ReasonSpawnFailed Reason = "spawn-failed"
)

// LaunchError reports a launch that could not start, with the failing path.
type LaunchError struct {
	Reason Reason
	Path   string
	Err    error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch failed (%s): %s", e.Reason, e.Path)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ResolveHome computes the tool root from the location of the running
// executable, never from the caller's working directory.
func ResolveHome() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("resolve executable symlinks: %w", err)
	}
	return filepath.Dir(resolved), nil
}

// BuildModuleArgument serializes module specs as "<path>(<initSymbol>)"
// joined by commas, the form the example binary's module flag consumes.
// No escaping is performed; config validation rejects specs containing the
// separator characters.
func BuildModuleArgument(modules []config.ModuleSpec) string {
	parts := make([]string, 0, len(modules))
	for _, m := range modules {
		parts = append(parts, fmt.Sprintf("%s(%s)", m.Path, m.InitSymbol))
	}
	return strings.Join(parts, ",")
}

// Launcher starts the configured example binary from the provisioned
// workspace.
type Launcher struct {
	cfg      *config.Config
	toolRoot string
	logger   *slog.Logger
}

func New(cfg *config.Config, toolRoot string) *Launcher {
	return &Launcher{
		cfg:      cfg,
		toolRoot: toolRoot,
		logger:   log.WithComponent("launch"),
	}
}

// ExecutablePath is the resolved example binary location.
func (l *Launcher) ExecutablePath() string {
	root := l.cfg.WorkspaceRoot(l.toolRoot)
	return config.AbsFrom(root, l.cfg.Launch.Executable)
}

// resolvedModules returns the module specs with paths resolved against the
// workspace root.
func (l *Launcher) resolvedModules() []config.ModuleSpec {
	root := l.cfg.WorkspaceRoot(l.toolRoot)
	out := make([]config.ModuleSpec, 0, len(l.cfg.Launch.Modules))
	for _, m := range l.cfg.Launch.Modules {
		out = append(out, config.ModuleSpec{
			Path:       config.AbsFrom(root, m.Path),
			InitSymbol: m.InitSymbol,
		})
	}
	return out
}

// CommandLine returns the argv the launcher would run, for dry runs.
func (l *Launcher) CommandLine() []string {
	argv := []string{l.ExecutablePath()}
	if len(l.cfg.Launch.Modules) > 0 {
		argv = append(argv, l.cfg.Launch.ModuleFlag, BuildModuleArgument(l.resolvedModules()))
	}
	return argv
}

// Preflight verifies every artifact before any spawn is attempted, so the
// operator gets a precise diagnostic (missing artifact vs. runtime crash).
func (l *Launcher) Preflight() error {
	if l.cfg.Launch.Executable == "" {
		return &LaunchError{Reason: ReasonMissingArtifact, Path: "(launch.executable not configured)"}
	}

	exe := l.ExecutablePath()
	info, err := os.Stat(exe)
	if err != nil {
		if os.IsNotExist(err) {
			return &LaunchError{Reason: ReasonMissingArtifact, Path: exe,
				Err: fmt.Errorf("run 'rtcforge provision' first")}
		}
		return &LaunchError{Reason: ReasonMissingArtifact, Path: exe, Err: err}
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return &LaunchError{Reason: ReasonNotExecutable, Path: exe}
	}

	for _, m := range l.resolvedModules() {
		if _, err := os.Stat(m.Path); err != nil {
			return &LaunchError{Reason: ReasonMissingArtifact, Path: m.Path, Err: err}
		}
	}
	return nil
}

// Launch preflights and runs the example binary in the foreground with
// inherited stdio, forwarding SIGINT/SIGTERM. It blocks until the child
// exits and returns the child's exit code, so the caller can exit with it.
func (l *Launcher) Launch(ctx context.Context) (int, error) {
	if err := l.Preflight(); err != nil {
		return 0, err
	}

	argv := l.CommandLine()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(argv[0])
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	l.logger.Info("launching component", "executable", argv[0], "args", argv[1:])

	if err := cmd.Start(); err != nil {
		return 0, &LaunchError{Reason: ReasonSpawnFailed, Path: argv[0], Err: err}
	}

	// The child owns the terminal until the operator terminates it; we only
	// relay signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	for {
		select {
		case sig := <-sigCh:
			if cmd.Process != nil {
				_ = cmd.Process.Signal(sig)
			}
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
			err := <-done
			return exitCode(err), ctx.Err()
		case err := <-done:
			code := exitCode(err)
			l.logger.Info("component exited", "exit_code", code)
			if err != nil {
				if _, ok := err.(*exec.ExitError); ok {
					return code, nil
				}
				return code, fmt.Errorf("wait for component: %w", err)
			}
			return code, nil
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}
