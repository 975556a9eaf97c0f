package provision

import "fmt"

// The provision error taxonomy. Every one of these is fatal: failures here
// need network, host, or source remediation that only an operator can supply,
// so nothing in this package retries.

// DependencyInstallError reports a package manager that is unavailable or an
// install invocation that failed.
type DependencyInstallError struct {
	Manager  string
	ExitCode int
	Err      error
}

func (e *DependencyInstallError) Error() string {
	msg := fmt.Sprintf("dependency install via %s failed", e.Manager)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil && e.Err.Error() != "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DependencyInstallError) Unwrap() error { return e.Err }

// SourceControlError reports a failed checkout or update of the workspace.
type SourceControlError struct {
	Op   string // checkout or update
	URL  string
	Root string
	Err  error
}

func (e *SourceControlError) Error() string {
	return fmt.Sprintf("source control %s of %s at %s: %v", e.Op, e.URL, e.Root, e.Err)
}

func (e *SourceControlError) Unwrap() error { return e.Err }

// PatchApplyError reports a patch that could not be applied at all. The
// already-applied case is explicitly not in this category; it reads as
// success.
type PatchApplyError struct {
	File     string
	ExitCode int
	Output   string
}

func (e *PatchApplyError) Error() string {
	return fmt.Sprintf("patch %s failed with exit code %d: %s", e.File, e.ExitCode, e.Output)
}

// BuildError reports a failed external build step, carrying the step name and
// exit code so the operator knows which part of the linear sequence broke.
type BuildError struct {
	Step     string
	ExitCode int
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build step %q failed with exit code %d", e.Step, e.ExitCode)
}
