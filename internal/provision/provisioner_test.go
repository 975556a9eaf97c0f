package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rtcforge/internal/config"
	"github.com/mattjoyce/rtcforge/internal/provision/mocks"
	"github.com/mattjoyce/rtcforge/internal/run"
	"github.com/mattjoyce/rtcforge/internal/state"
	"github.com/mattjoyce/rtcforge/internal/storage"
)

// fakeRunner records every command and answers via a handler, creating the
// side effects a real checkout or build would leave on disk.
type fakeRunner struct {
	calls   []run.Cmd
	handler func(c run.Cmd) (run.Result, error)
	missing map[string]bool
}

func (f *fakeRunner) Run(_ context.Context, c run.Cmd) (run.Result, error) {
	f.calls = append(f.calls, c)
	if f.handler != nil {
		return f.handler(c)
	}
	return run.Result{}, nil
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.missing[name] {
		return "", errors.New("executable file not found in $PATH")
	}
	return "/usr/bin/" + name, nil
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return state.NewStore(db)
}

func testConfig(toolRoot string) *config.Config {
	cfg := config.Defaults()
	cfg.Workspace.RepositoryURL = "https://example.org/svn/project"
	cfg.Patch.File = "patches/test.patch"
	cfg.Patch.TargetDir = "src"
	cfg.Launch.Executable = "examples/Comp"
	return cfg
}

func writePatchFile(t *testing.T, toolRoot string) {
	t.Helper()
	dir := filepath.Join(toolRoot, "patches")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.patch"), []byte("--- a\n+++ b\n"), 0o644))
}

// markCheckedOut simulates a completed svn checkout.
func markCheckedOut(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".svn"), 0o755))
}

func TestEnsureWorkspaceIsIdempotent(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)
	root := cfg.WorkspaceRoot(toolRoot)

	runner := &fakeRunner{handler: func(c run.Cmd) (run.Result, error) {
		if c.Name == "svn" && c.Args[0] == "checkout" {
			markCheckedOut(t, root)
		}
		return run.Result{}, nil
	}}
	p := New(cfg, toolRoot, runner, newTestStore(t))

	// Fresh root: full checkout.
	require.NoError(t, p.EnsureWorkspace(context.Background()))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "svn", runner.calls[0].Name)
	assert.Equal(t, []string{"checkout", cfg.Workspace.RepositoryURL, root}, runner.calls[0].Args)

	// Second call: update in place, no error, no duplicate checkout.
	require.NoError(t, p.EnsureWorkspace(context.Background()))
	require.Len(t, runner.calls, 2)
	assert.Equal(t, "svn", runner.calls[1].Name)
	assert.Equal(t, []string{"update"}, runner.calls[1].Args)
	assert.Equal(t, root, runner.calls[1].Dir)
}

func TestEnsureWorkspaceGit(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)
	cfg.Workspace.VCS = "git"
	root := cfg.WorkspaceRoot(toolRoot)

	runner := &fakeRunner{handler: func(c run.Cmd) (run.Result, error) {
		if c.Name == "git" && c.Args[0] == "clone" {
			require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
		}
		return run.Result{}, nil
	}}
	p := New(cfg, toolRoot, runner, newTestStore(t))

	require.NoError(t, p.EnsureWorkspace(context.Background()))
	require.NoError(t, p.EnsureWorkspace(context.Background()))
	require.Len(t, runner.calls, 2)
	assert.Equal(t, []string{"clone", cfg.Workspace.RepositoryURL, root}, runner.calls[0].Args)
	assert.Equal(t, []string{"pull", "--ff-only"}, runner.calls[1].Args)
}

func TestEnsureWorkspaceRejectsNonWorkingCopy(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)
	require.NoError(t, os.MkdirAll(cfg.WorkspaceRoot(toolRoot), 0o755))

	runner := &fakeRunner{}
	p := New(cfg, toolRoot, runner, newTestStore(t))

	err := p.EnsureWorkspace(context.Background())
	var scErr *SourceControlError
	require.ErrorAs(t, err, &scErr)
	assert.Equal(t, "update", scErr.Op)
	assert.Empty(t, runner.calls, "no VCS command should run against a non-working-copy directory")
}

func TestEnsureWorkspaceCheckoutFailure(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)

	runner := &fakeRunner{handler: func(c run.Cmd) (run.Result, error) {
		return run.Result{ExitCode: 1, Stderr: "svn: E170013: Unable to connect"}, nil
	}}
	p := New(cfg, toolRoot, runner, newTestStore(t))

	err := p.EnsureWorkspace(context.Background())
	var scErr *SourceControlError
	require.ErrorAs(t, err, &scErr)
	assert.Equal(t, "checkout", scErr.Op)
	assert.Contains(t, scErr.Error(), "Unable to connect")
}

func TestApplyPatchIsIdempotent(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)
	writePatchFile(t, toolRoot)

	runner := &fakeRunner{}
	p := New(cfg, toolRoot, runner, newTestStore(t))

	require.NoError(t, p.ApplyPatch(context.Background()))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "patch", runner.calls[0].Name)
	assert.Contains(t, runner.calls[0].Args, "--forward")
	assert.Contains(t, runner.calls[0].Args, "-p0")
	assert.Contains(t, runner.calls[0].Args, "-F2")
	assert.Equal(t, filepath.Join(cfg.WorkspaceRoot(toolRoot), "src"), runner.calls[0].Dir)

	// Second call short-circuits on the recorded content hash: success, no
	// patch invocation.
	require.NoError(t, p.ApplyPatch(context.Background()))
	assert.Len(t, runner.calls, 1)
}

func TestApplyPatchToleratesAlreadyApplied(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)
	writePatchFile(t, toolRoot)

	runner := &fakeRunner{handler: func(c run.Cmd) (run.Result, error) {
		return run.Result{
			ExitCode: 1,
			Stdout:   "Reversed (or previously applied) patch detected!  Skipping patch.\n",
		}, nil
	}}
	p := New(cfg, toolRoot, runner, newTestStore(t))

	require.NoError(t, p.ApplyPatch(context.Background()),
		"already-applied report must read as success, not PatchApplyError")

	// And it is now recorded, so the next call does not re-invoke patch.
	require.NoError(t, p.ApplyPatch(context.Background()))
	assert.Len(t, runner.calls, 1)
}

func TestApplyPatchFailure(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)
	writePatchFile(t, toolRoot)

	runner := &fakeRunner{handler: func(c run.Cmd) (run.Result, error) {
		return run.Result{ExitCode: 2, Stderr: "patch: **** malformed patch at line 3"}, nil
	}}
	p := New(cfg, toolRoot, runner, newTestStore(t))

	err := p.ApplyPatch(context.Background())
	var patchErr *PatchApplyError
	require.ErrorAs(t, err, &patchErr)
	assert.Equal(t, 2, patchErr.ExitCode)
	assert.Contains(t, patchErr.Output, "malformed patch")
}

func TestApplyPatchMissingFile(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)

	p := New(cfg, toolRoot, &fakeRunner{}, newTestStore(t))

	err := p.ApplyPatch(context.Background())
	var patchErr *PatchApplyError
	require.ErrorAs(t, err, &patchErr)
}

func TestBuildSkipsCompletedSteps(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)
	root := cfg.WorkspaceRoot(toolRoot)
	require.NoError(t, os.MkdirAll(root, 0o755))

	// generate already ran: its marker exists.
	require.NoError(t, os.WriteFile(filepath.Join(root, "configure"), []byte("#!/bin/sh\n"), 0o755))

	runner := &fakeRunner{}
	p := New(cfg, toolRoot, runner, newTestStore(t))

	require.NoError(t, p.Build(context.Background()))
	require.Len(t, runner.calls, 2, "generate is skipped, configure and compile run")
	assert.Equal(t, "./configure", runner.calls[0].Name)
	assert.Equal(t, "make", runner.calls[1].Name)
	assert.Equal(t, root, runner.calls[0].Dir)
}

func TestBuildErrorCarriesStepAndExitCode(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)
	require.NoError(t, os.MkdirAll(cfg.WorkspaceRoot(toolRoot), 0o755))

	runner := &fakeRunner{handler: func(c run.Cmd) (run.Result, error) {
		if c.Name == "make" {
			return run.Result{ExitCode: 2, Stderr: "make: *** [all] Error 2"}, nil
		}
		return run.Result{}, nil
	}}
	p := New(cfg, toolRoot, runner, newTestStore(t))

	err := p.Build(context.Background())
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "compile", buildErr.Step)
	assert.Equal(t, 2, buildErr.ExitCode)
}

func TestEnsureDependenciesManagerMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runner := mocks.NewMockRunner(ctrl)
	runner.EXPECT().LookPath("apt-get").Return("", errors.New("executable file not found in $PATH"))
	// No Run call expected: unavailability is detected before any spawn.

	toolRoot := t.TempDir()
	p := New(testConfig(toolRoot), toolRoot, runner, newTestStore(t))

	err := p.EnsureDependencies(context.Background())
	var depErr *DependencyInstallError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "apt-get", depErr.Manager)
}

func TestEnsureDependenciesInstallFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	runner := mocks.NewMockRunner(ctrl)
	runner.EXPECT().LookPath("apt-get").Return("/usr/bin/apt-get", nil)
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).Return(run.Result{
		ExitCode: 100,
		Stderr:   "E: Unable to locate package libomniorb4-dev",
	}, nil)

	toolRoot := t.TempDir()
	p := New(testConfig(toolRoot), toolRoot, runner, newTestStore(t))

	err := p.EnsureDependencies(context.Background())
	var depErr *DependencyInstallError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, 100, depErr.ExitCode)
	assert.Contains(t, depErr.Error(), "Unable to locate package")
}

func TestRunRecordsStagesAndSkips(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)
	writePatchFile(t, toolRoot)
	root := cfg.WorkspaceRoot(toolRoot)

	runner := &fakeRunner{handler: func(c run.Cmd) (run.Result, error) {
		switch {
		case c.Name == "svn" && c.Args[0] == "checkout":
			markCheckedOut(t, root)
		case c.Name == "./autogen.sh":
			require.NoError(t, os.WriteFile(filepath.Join(root, "configure"), nil, 0o755))
		case c.Name == "./configure":
			require.NoError(t, os.WriteFile(filepath.Join(root, "Makefile"), nil, 0o644))
		}
		return run.Result{}, nil
	}}
	st := newTestStore(t)
	p := New(cfg, toolRoot, runner, st)

	ctx := context.Background()
	require.NoError(t, p.Run(ctx))

	latest, err := st.LatestRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, state.StatusSucceeded, latest.Status)

	history, err := st.StageHistory(ctx, latest.ID)
	require.NoError(t, err)
	require.Len(t, history, 6)

	statuses := make(map[string]string, len(history))
	for _, rec := range history {
		statuses[rec.Stage] = rec.Status
	}
	assert.Equal(t, state.StatusSucceeded, statuses[StageDependencies])
	assert.Equal(t, state.StatusSucceeded, statuses[StageCheckout])
	assert.Equal(t, state.StatusSucceeded, statuses[StagePatch])
	assert.Equal(t, state.StatusSucceeded, statuses["compile"])

	// Second full run: checkout converges to update, patch and the marker
	// steps are skipped, compile re-runs for the incremental rebuild.
	runner.calls = nil
	require.NoError(t, p.Run(ctx))

	latest2, err := st.LatestRun(ctx)
	require.NoError(t, err)
	require.NotEqual(t, latest.ID, latest2.ID)

	history2, err := st.StageHistory(ctx, latest2.ID)
	require.NoError(t, err)
	statuses2 := make(map[string]string, len(history2))
	for _, rec := range history2 {
		statuses2[rec.Stage] = rec.Status
	}
	assert.Equal(t, state.StatusSkipped, statuses2[StagePatch])
	assert.Equal(t, state.StatusSkipped, statuses2["generate"])
	assert.Equal(t, state.StatusSkipped, statuses2["configure"])
	assert.Equal(t, state.StatusSucceeded, statuses2["compile"])
}

func TestRunRecordsFailure(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)
	writePatchFile(t, toolRoot)

	runner := &fakeRunner{handler: func(c run.Cmd) (run.Result, error) {
		if c.Name == "svn" {
			return run.Result{ExitCode: 1, Stderr: "svn: E175002: connection refused"}, nil
		}
		return run.Result{}, nil
	}}
	st := newTestStore(t)
	p := New(cfg, toolRoot, runner, st)

	ctx := context.Background()
	err := p.Run(ctx)
	var scErr *SourceControlError
	require.ErrorAs(t, err, &scErr)

	latest, lerr := st.LatestRun(ctx)
	require.NoError(t, lerr)
	assert.Equal(t, state.StatusFailed, latest.Status)
	require.NotNil(t, latest.LastError)
	assert.Contains(t, *latest.LastError, "connection refused")
}

func TestDetectState(t *testing.T) {
	toolRoot := t.TempDir()
	cfg := testConfig(toolRoot)
	writePatchFile(t, toolRoot)
	root := cfg.WorkspaceRoot(toolRoot)

	st := newTestStore(t)
	p := New(cfg, toolRoot, &fakeRunner{}, st)
	ctx := context.Background()

	got, err := p.DetectState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, got)

	markCheckedOut(t, root)
	got, _ = p.DetectState(ctx)
	assert.Equal(t, StateCheckedOut, got)

	hash, err := config.ComputeBlake3Hash(filepath.Join(toolRoot, "patches", "test.patch"))
	require.NoError(t, err)
	require.NoError(t, st.MarkPatchApplied(ctx, cfg.Patch.File, hash))
	got, _ = p.DetectState(ctx)
	assert.Equal(t, StatePatched, got)

	require.NoError(t, os.WriteFile(filepath.Join(root, "configure"), nil, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Makefile"), nil, 0o644))
	got, _ = p.DetectState(ctx)
	assert.Equal(t, StateConfigured, got)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "examples"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "examples", "Comp"), nil, 0o755))
	got, _ = p.DetectState(ctx)
	assert.Equal(t, StateBuilt, got)
}
