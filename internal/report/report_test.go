package report

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/rtcforge/internal/config"
	"github.com/mattjoyce/rtcforge/internal/provision"
	"github.com/mattjoyce/rtcforge/internal/run"
	"github.com/mattjoyce/rtcforge/internal/state"
	"github.com/mattjoyce/rtcforge/internal/storage"
)

func testBuilder(t *testing.T) (*Builder, *state.Store, *config.Config, string) {
	t.Helper()
	toolRoot := t.TempDir()
	cfg := config.Defaults()
	cfg.Workspace.Root = filepath.Join(toolRoot, "ws")

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(toolRoot, "state", "rtcforge.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := state.NewStore(db)
	prov := provision.New(cfg, toolRoot, run.NewExecRunner(), store)
	return NewBuilder(cfg, toolRoot, prov, store), store, cfg, toolRoot
}

func TestBuildEmptyHistory(t *testing.T) {
	b, _, _, _ := testBuilder(t)
	ctx := context.Background()

	snap, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if snap.State != string(provision.StateAbsent) {
		t.Errorf("State = %q, want %q", snap.State, provision.StateAbsent)
	}
	if snap.LastRun != nil {
		t.Errorf("LastRun = %+v, want nil before any provision run", snap.LastRun)
	}
}

func TestBuildWithRunHistory(t *testing.T) {
	b, store, cfg, _ := testBuilder(t)
	ctx := context.Background()

	runID, err := store.BeginRun(ctx)
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}
	if err := store.RecordStage(ctx, state.StageRecord{
		RunID: runID, Stage: provision.StageCheckout, Status: state.StatusSucceeded,
	}); err != nil {
		t.Fatalf("RecordStage() error = %v", err)
	}
	code := 1
	msg := "patch failed"
	if err := store.RecordStage(ctx, state.StageRecord{
		RunID: runID, Stage: provision.StagePatch, Status: state.StatusFailed,
		ExitCode: &code, LastError: &msg,
	}); err != nil {
		t.Fatalf("RecordStage() error = %v", err)
	}
	if err := store.CompleteRun(ctx, runID, state.StatusFailed, &msg); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	snap, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if snap.LastRun == nil || snap.LastRun.ID != runID {
		t.Fatalf("LastRun = %+v, want run %s", snap.LastRun, runID)
	}
	if len(snap.Stages) != 2 {
		t.Fatalf("Stages len = %d, want 2", len(snap.Stages))
	}
	// One artifact entry per configured launch file, none present yet.
	wantArtifacts := 1 + len(cfg.Launch.Modules)
	if len(snap.Artifacts) != wantArtifacts {
		t.Errorf("Artifacts len = %d, want %d", len(snap.Artifacts), wantArtifacts)
	}
	for _, a := range snap.Artifacts {
		if a.Present {
			t.Errorf("artifact %s marked present in an empty workspace", a.Path)
		}
	}
}

func TestFormatHuman(t *testing.T) {
	b, store, _, _ := testBuilder(t)
	ctx := context.Background()

	runID, err := store.BeginRun(ctx)
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}
	if err := store.RecordStage(ctx, state.StageRecord{
		RunID: runID, Stage: provision.StageDependencies, Status: state.StatusSkipped,
	}); err != nil {
		t.Fatalf("RecordStage() error = %v", err)
	}
	if err := store.CompleteRun(ctx, runID, state.StatusSucceeded, nil); err != nil {
		t.Fatalf("CompleteRun() error = %v", err)
	}

	snap, err := b.Build(ctx)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	out := FormatHuman(snap)
	for _, want := range []string{"rtcforge status", "absent", runID, provision.StageDependencies} {
		if !strings.Contains(out, want) {
			t.Errorf("FormatHuman() missing %q:\n%s", want, out)
		}
	}
}

func TestFormatHumanNoRuns(t *testing.T) {
	out := FormatHuman(&Snapshot{State: "absent", Workspace: "/tmp/ws"})
	if !strings.Contains(out, "No provision runs recorded.") {
		t.Errorf("FormatHuman() = %q, want no-runs notice", out)
	}
}

func TestFormatJSON(t *testing.T) {
	snap := &Snapshot{
		State:     "built",
		Workspace: "/srv/ws",
		Artifacts: []Artifact{{Path: "/srv/ws/examples/Comp", Present: true}},
	}
	out, err := FormatJSON(snap)
	if err != nil {
		t.Fatalf("FormatJSON() error = %v", err)
	}

	var decoded Snapshot
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.State != "built" || len(decoded.Artifacts) != 1 {
		t.Errorf("round trip = %+v", decoded)
	}
}
