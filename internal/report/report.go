// Package report builds a pipeline status snapshot from the state store and
// the workspace, with human and JSON renderings.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/rtcforge/internal/config"
	"github.com/mattjoyce/rtcforge/internal/provision"
	"github.com/mattjoyce/rtcforge/internal/state"
)

// Artifact is one launchable file and whether provision has produced it.
type Artifact struct {
	Path    string `json:"path"`
	Present bool   `json:"present"`
}

// Snapshot is the full status picture at one point in time.
type Snapshot struct {
	State     string              `json:"state"`
	Workspace string              `json:"workspace"`
	LastRun   *state.Run          `json:"last_run,omitempty"`
	Stages    []state.StageRecord `json:"stages,omitempty"`
	Artifacts []Artifact          `json:"artifacts,omitempty"`
}

// Builder assembles snapshots. It only reads; provisioning state is never
// mutated here.
type Builder struct {
	cfg      *config.Config
	toolRoot string
	prov     *provision.Provisioner
	store    *state.Store
}

func NewBuilder(cfg *config.Config, toolRoot string, prov *provision.Provisioner, store *state.Store) *Builder {
	return &Builder{cfg: cfg, toolRoot: toolRoot, prov: prov, store: store}
}

// Build gathers workspace state, the latest run with its stage log, and
// artifact presence into one snapshot.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	st, err := b.prov.DetectState(ctx)
	if err != nil {
		return nil, fmt.Errorf("detect workspace state: %w", err)
	}

	snap := &Snapshot{
		State:     string(st),
		Workspace: b.cfg.WorkspaceRoot(b.toolRoot),
	}

	last, err := b.store.LatestRun(ctx)
	if err != nil {
		return nil, err
	}
	if last != nil {
		snap.LastRun = last
		stages, err := b.store.StageHistory(ctx, last.ID)
		if err != nil {
			return nil, err
		}
		snap.Stages = stages
	}

	root := snap.Workspace
	if b.cfg.Launch.Executable != "" {
		snap.Artifacts = append(snap.Artifacts, checkArtifact(config.AbsFrom(root, b.cfg.Launch.Executable)))
	}
	for _, m := range b.cfg.Launch.Modules {
		snap.Artifacts = append(snap.Artifacts, checkArtifact(config.AbsFrom(root, m.Path)))
	}
	return snap, nil
}

func checkArtifact(path string) Artifact {
	_, err := os.Stat(path)
	return Artifact{Path: path, Present: err == nil}
}

// theme centralizes terminal styling for the human report.
type theme struct {
	title     lipgloss.Style
	header    lipgloss.Style
	ok        lipgloss.Style
	running   lipgloss.Style
	failed    lipgloss.Style
	skipped   lipgloss.Style
	dim       lipgloss.Style
	highlight lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		ok:        lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		running:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		skipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

func (t theme) status(s string) string {
	switch s {
	case state.StatusSucceeded:
		return t.ok.Render(s)
	case state.StatusRunning:
		return t.running.Render(s)
	case state.StatusFailed:
		return t.failed.Render(s)
	case state.StatusSkipped:
		return t.skipped.Render(s)
	default:
		return s
	}
}

// FormatHuman renders a snapshot for terminal output.
func FormatHuman(s *Snapshot) string {
	th := defaultTheme()
	var b strings.Builder

	b.WriteString(th.title.Render("rtcforge status"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s\n", th.header.Render("State:"), th.highlight.Render(s.State))
	fmt.Fprintf(&b, "%s %s\n", th.header.Render("Workspace:"), s.Workspace)

	if s.LastRun == nil {
		fmt.Fprintf(&b, "%s\n", th.dim.Render("No provision runs recorded."))
	} else {
		fmt.Fprintf(&b, "%s %s (%s, started %s)\n",
			th.header.Render("Last run:"), s.LastRun.ID, th.status(s.LastRun.Status), s.LastRun.StartedAt)
		if s.LastRun.LastError != nil {
			fmt.Fprintf(&b, "  %s %s\n", th.failed.Render("error:"), *s.LastRun.LastError)
		}
		for _, st := range s.Stages {
			line := fmt.Sprintf("  %-14s %s", st.Stage, th.status(st.Status))
			if st.ExitCode != nil && *st.ExitCode != 0 {
				line += th.dim.Render(fmt.Sprintf(" (exit %d)", *st.ExitCode))
			}
			b.WriteString(line)
			b.WriteString("\n")
			if st.LastError != nil {
				fmt.Fprintf(&b, "    %s\n", th.dim.Render(*st.LastError))
			}
		}
	}

	if len(s.Artifacts) > 0 {
		b.WriteString(th.header.Render("Artifacts:"))
		b.WriteString("\n")
		for _, a := range s.Artifacts {
			mark := th.ok.Render("present")
			if !a.Present {
				mark = th.dim.Render("missing")
			}
			fmt.Fprintf(&b, "  %s %s\n", mark, a.Path)
		}
	}

	return b.String()
}

// FormatJSON renders a snapshot as indented JSON.
func FormatJSON(s *Snapshot) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
