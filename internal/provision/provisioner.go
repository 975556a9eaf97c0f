// Package provision materializes the external middleware workspace: system
// packages, a pinned checkout, a local patch, and the external build.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/rtcforge/internal/config"
	"github.com/mattjoyce/rtcforge/internal/log"
	"github.com/mattjoyce/rtcforge/internal/run"
	"github.com/mattjoyce/rtcforge/internal/state"
)

// State is the workspace position in the linear provision machine.
type State string

const (
	StateAbsent     State = "absent"
	StateCheckedOut State = "checked-out"
	StatePatched    State = "patched"
	StateConfigured State = "configured"
	StateBuilt      State = "built"
)

// Stage names for the fixed (non-build) pipeline positions.
const (
	StageDependencies = "dependencies"
	StageCheckout     = "checkout"
	StagePatch        = "patch"
)

// Provisioner drives the provision pipeline. All external work goes through
// the injected Runner; all history goes to the state store.
type Provisioner struct {
	cfg      *config.Config
	toolRoot string
	runner   run.Runner
	store    *state.Store
	logger   *slog.Logger
}

func New(cfg *config.Config, toolRoot string, runner run.Runner, store *state.Store) *Provisioner {
	return &Provisioner{
		cfg:      cfg,
		toolRoot: toolRoot,
		runner:   runner,
		store:    store,
		logger:   log.WithComponent("provision"),
	}
}

// WorkspaceRoot is the directory holding the external checkout.
func (p *Provisioner) WorkspaceRoot() string {
	return p.cfg.WorkspaceRoot(p.toolRoot)
}

// outcome carries per-stage detail for the stage log.
type outcome struct {
	skipped  bool
	exitCode *int
	stderr   string
}

// Run executes the full pipeline under one recorded provision run:
// dependencies, checkout, patch, then each configured build step. Completed
// stages are detected and skipped; the terminal compile step re-runs so the
// external build system can rebuild incrementally.
func (p *Provisioner) Run(ctx context.Context) error {
	runID, err := p.store.BeginRun(ctx)
	if err != nil {
		return fmt.Errorf("begin provision run: %w", err)
	}
	logger := log.WithRun(runID)
	logger.Info("provision run started", "workspace", p.WorkspaceRoot())

	type stage struct {
		name string
		fn   func(context.Context) (outcome, error)
	}

	stages := []stage{
		{StageDependencies, p.ensureDependencies},
		{StageCheckout, p.ensureWorkspace},
		{StagePatch, p.applyPatch},
	}
	for _, step := range p.cfg.Build.Steps {
		step := step
		stages = append(stages, stage{step.Name, func(ctx context.Context) (outcome, error) {
			return p.buildStep(ctx, step)
		}})
	}

	for _, st := range stages {
		stageLogger := logger.With("stage", st.name)
		if err := p.store.RecordStage(ctx, state.StageRecord{
			RunID: runID, Stage: st.name, Status: state.StatusRunning,
		}); err != nil {
			return err
		}

		out, stageErr := st.fn(ctx)

		rec := state.StageRecord{
			RunID:    runID,
			Stage:    st.name,
			Status:   state.StatusSucceeded,
			ExitCode: out.exitCode,
		}
		if out.stderr != "" {
			rec.Stderr = &out.stderr
		}
		switch {
		case stageErr != nil:
			rec.Status = state.StatusFailed
			msg := stageErr.Error()
			rec.LastError = &msg
		case out.skipped:
			rec.Status = state.StatusSkipped
		}
		if err := p.store.RecordStage(ctx, rec); err != nil {
			return err
		}

		if stageErr != nil {
			stageLogger.Error("stage failed", "error", stageErr)
			msg := stageErr.Error()
			if err := p.store.CompleteRun(ctx, runID, state.StatusFailed, &msg); err != nil {
				stageLogger.Error("failed to record run failure", "error", err)
			}
			return stageErr
		}
		if out.skipped {
			stageLogger.Info("stage already satisfied, skipped")
		} else {
			stageLogger.Info("stage completed")
		}
	}

	if err := p.store.CompleteRun(ctx, runID, state.StatusSucceeded, nil); err != nil {
		return err
	}
	logger.Info("provision run completed")
	return nil
}

// EnsureDependencies installs the enumerated system package set.
func (p *Provisioner) EnsureDependencies(ctx context.Context) error {
	_, err := p.ensureDependencies(ctx)
	return err
}

func (p *Provisioner) ensureDependencies(ctx context.Context) (outcome, error) {
	manager := p.cfg.Packages.Manager
	if _, err := p.runner.LookPath(manager); err != nil {
		return outcome{}, &DependencyInstallError{
			Manager: manager,
			Err:     fmt.Errorf("not found on PATH: %w", err),
		}
	}
	if len(p.cfg.Packages.Names) == 0 {
		return outcome{skipped: true}, nil
	}

	args := append([]string{"install", "-y"}, p.cfg.Packages.Names...)
	res, err := p.runner.Run(ctx, run.Cmd{Name: manager, Args: args})
	if err != nil {
		return outcome{}, &DependencyInstallError{Manager: manager, Err: err}
	}
	if res.ExitCode != 0 {
		return outcome{exitCode: &res.ExitCode, stderr: res.Stderr}, &DependencyInstallError{
			Manager:  manager,
			ExitCode: res.ExitCode,
			Err:      errors.New(firstLine(res.Stderr)),
		}
	}
	return outcome{exitCode: &res.ExitCode}, nil
}

// EnsureWorkspace converges the workspace to "working copy present and up to
// date": full checkout when the root is absent, update in place when it
// already holds a working copy.
func (p *Provisioner) EnsureWorkspace(ctx context.Context) error {
	_, err := p.ensureWorkspace(ctx)
	return err
}

func (p *Provisioner) ensureWorkspace(ctx context.Context) (outcome, error) {
	root := p.WorkspaceRoot()
	url := p.cfg.Workspace.RepositoryURL

	info, statErr := os.Stat(root)
	switch {
	case os.IsNotExist(statErr):
		return p.checkout(ctx, root, url)
	case statErr != nil:
		return outcome{}, &SourceControlError{Op: "checkout", URL: url, Root: root, Err: statErr}
	case !info.IsDir():
		return outcome{}, &SourceControlError{Op: "checkout", URL: url, Root: root,
			Err: errors.New("workspace path exists but is not a directory")}
	}

	if !p.hasVCSMarker(root) {
		return outcome{}, &SourceControlError{Op: "update", URL: url, Root: root,
			Err: fmt.Errorf("directory exists but is not a %s working copy", p.cfg.Workspace.VCS)}
	}
	return p.update(ctx, root, url)
}

func (p *Provisioner) checkout(ctx context.Context, root, url string) (outcome, error) {
	if err := os.MkdirAll(filepath.Dir(root), 0o755); err != nil {
		return outcome{}, &SourceControlError{Op: "checkout", URL: url, Root: root, Err: err}
	}

	var cmd run.Cmd
	switch p.cfg.Workspace.VCS {
	case "git":
		cmd = run.Cmd{Name: "git", Args: []string{"clone", url, root}}
	default:
		cmd = run.Cmd{Name: "svn", Args: []string{"checkout", url, root}}
	}

	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return outcome{}, &SourceControlError{Op: "checkout", URL: url, Root: root, Err: err}
	}
	if res.ExitCode != 0 {
		return outcome{exitCode: &res.ExitCode, stderr: res.Stderr}, &SourceControlError{
			Op: "checkout", URL: url, Root: root,
			Err: fmt.Errorf("exit code %d: %s", res.ExitCode, firstLine(res.Stderr)),
		}
	}
	return outcome{exitCode: &res.ExitCode}, nil
}

func (p *Provisioner) update(ctx context.Context, root, url string) (outcome, error) {
	var cmd run.Cmd
	switch p.cfg.Workspace.VCS {
	case "git":
		cmd = run.Cmd{Name: "git", Args: []string{"pull", "--ff-only"}, Dir: root}
	default:
		cmd = run.Cmd{Name: "svn", Args: []string{"update"}, Dir: root}
	}

	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return outcome{}, &SourceControlError{Op: "update", URL: url, Root: root, Err: err}
	}
	if res.ExitCode != 0 {
		return outcome{exitCode: &res.ExitCode, stderr: res.Stderr}, &SourceControlError{
			Op: "update", URL: url, Root: root,
			Err: fmt.Errorf("exit code %d: %s", res.ExitCode, firstLine(res.Stderr)),
		}
	}
	return outcome{exitCode: &res.ExitCode}, nil
}

func (p *Provisioner) hasVCSMarker(root string) bool {
	marker := ".svn"
	if p.cfg.Workspace.VCS == "git" {
		marker = ".git"
	}
	info, err := os.Stat(filepath.Join(root, marker))
	return err == nil && info.IsDir()
}

// ApplyPatch applies the configured patch to the workspace. It is idempotent
// two ways: a recorded content hash short-circuits to success without
// invoking the patch tool, and the tool's own "previously applied" report is
// treated as success rather than failure.
func (p *Provisioner) ApplyPatch(ctx context.Context) error {
	_, err := p.applyPatch(ctx)
	return err
}

func (p *Provisioner) applyPatch(ctx context.Context) (outcome, error) {
	patchFile := config.AbsFrom(p.toolRoot, p.cfg.Patch.File)

	hash, err := config.ComputeBlake3Hash(patchFile)
	if err != nil {
		return outcome{}, &PatchApplyError{File: patchFile, ExitCode: -1, Output: err.Error()}
	}

	applied, err := p.store.PatchApplied(ctx, p.cfg.Patch.File, hash)
	if err != nil {
		return outcome{}, err
	}
	if applied {
		return outcome{skipped: true}, nil
	}

	targetDir := filepath.Join(p.WorkspaceRoot(), p.cfg.Patch.TargetDir)
	res, err := p.runner.Run(ctx, run.Cmd{
		Name: "patch",
		Args: []string{
			"--forward",
			fmt.Sprintf("-p%d", p.cfg.Patch.Strip),
			fmt.Sprintf("-F%d", p.cfg.Patch.Fuzz),
			"-i", patchFile,
		},
		Dir: targetDir,
	})
	if err != nil {
		return outcome{}, &PatchApplyError{File: patchFile, ExitCode: -1, Output: err.Error()}
	}

	combined := res.Stdout + res.Stderr
	if res.ExitCode != 0 && !patchAlreadyApplied(combined) {
		return outcome{exitCode: &res.ExitCode, stderr: res.Stderr}, &PatchApplyError{
			File:     patchFile,
			ExitCode: res.ExitCode,
			Output:   firstLine(combined),
		}
	}

	if err := p.store.MarkPatchApplied(ctx, p.cfg.Patch.File, hash); err != nil {
		return outcome{}, err
	}
	return outcome{exitCode: &res.ExitCode}, nil
}

// patchAlreadyApplied matches GNU patch's --forward report for a patch that
// the tree already contains.
func patchAlreadyApplied(output string) bool {
	return strings.Contains(output, "previously applied") ||
		strings.Contains(output, "Skipping patch")
}

// Build runs the configured build steps in order without recording a run.
func (p *Provisioner) Build(ctx context.Context) error {
	for _, step := range p.cfg.Build.Steps {
		if _, err := p.buildStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) buildStep(ctx context.Context, step config.BuildStep) (outcome, error) {
	root := p.WorkspaceRoot()

	// Explicit success detection: a step whose marker file exists has already
	// completed. Steps without a marker always re-run.
	if step.Creates != "" {
		if _, err := os.Stat(filepath.Join(root, step.Creates)); err == nil {
			return outcome{skipped: true}, nil
		}
	}

	res, err := p.runner.Run(ctx, run.Cmd{
		Name: step.Command,
		Args: step.Args,
		Dir:  root,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("build step %q: %w", step.Name, err)
	}
	if res.ExitCode != 0 {
		return outcome{exitCode: &res.ExitCode, stderr: res.Stderr}, &BuildError{
			Step:     step.Name,
			ExitCode: res.ExitCode,
		}
	}
	return outcome{exitCode: &res.ExitCode}, nil
}

// DetectState reports how far along the linear machine the workspace is,
// by filesystem and state-store inspection only.
func (p *Provisioner) DetectState(ctx context.Context) (State, error) {
	root := p.WorkspaceRoot()

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return StateAbsent, nil
	} else if err != nil {
		return StateAbsent, err
	}
	if !p.hasVCSMarker(root) {
		return StateAbsent, nil
	}

	patchFile := config.AbsFrom(p.toolRoot, p.cfg.Patch.File)
	hash, err := config.ComputeBlake3Hash(patchFile)
	if err != nil {
		// Patch file unreadable; the checkout is all we can attest to.
		return StateCheckedOut, nil
	}
	applied, err := p.store.PatchApplied(ctx, p.cfg.Patch.File, hash)
	if err != nil {
		return StateCheckedOut, err
	}
	if !applied {
		return StateCheckedOut, nil
	}

	for _, step := range p.cfg.Build.Steps {
		if step.Creates == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, step.Creates)); err != nil {
			return StatePatched, nil
		}
	}

	if p.cfg.Launch.Executable != "" {
		if _, err := os.Stat(filepath.Join(root, p.cfg.Launch.Executable)); err != nil {
			return StateConfigured, nil
		}
	}
	return StateBuilt, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
