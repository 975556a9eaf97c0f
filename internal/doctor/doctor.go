// Package doctor validates rtcforge configuration and the host environment.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/rtcforge/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the host it will run on. It never
// mutates anything; every check is a stat or a PATH lookup.
type Doctor struct {
	cfg      *config.Config
	toolRoot string
	lookPath func(string) (string, error)
}

// New creates a Doctor from a loaded config and the resolved tool root.
func New(cfg *config.Config, toolRoot string) *Doctor {
	return &Doctor{cfg: cfg, toolRoot: toolRoot, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateTools(r)
	d.validatePatch(r)
	d.validateWorkspace(r)
	d.validateLaunch(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Workspace.RepositoryURL == "" {
		d.addError(r, "service", "workspace.repository_url", "workspace.repository_url is required")
	}
}

// validateTools checks the external executables the pipeline shells out to.
func (d *Doctor) validateTools(r *Result) {
	tools := []struct {
		name  string
		field string
	}{
		{d.cfg.Workspace.VCS, "workspace.vcs"},
		{"patch", "patch"},
		{d.cfg.Packages.Manager, "packages.manager"},
	}
	for _, step := range d.cfg.Build.Steps {
		// Workspace-relative commands (./autogen.sh) only exist after
		// checkout; PATH lookup covers the rest.
		if strings.Contains(step.Command, "/") {
			continue
		}
		tools = append(tools, struct {
			name  string
			field string
		}{step.Command, fmt.Sprintf("build.steps.%s", step.Name)})
	}

	seen := make(map[string]bool)
	for _, tool := range tools {
		if tool.name == "" || seen[tool.name] {
			continue
		}
		seen[tool.name] = true
		if _, err := d.lookPath(tool.name); err != nil {
			d.addError(r, "tools", tool.field,
				fmt.Sprintf("required tool %q not found on PATH", tool.name))
		}
	}
}

// validatePatch checks the patch file and target.
func (d *Doctor) validatePatch(r *Result) {
	if d.cfg.Patch.File == "" {
		d.addWarning(r, "patch", "patch.file", "no patch configured; checkout will be used unmodified")
		return
	}
	patchFile := config.AbsFrom(d.toolRoot, d.cfg.Patch.File)
	if _, err := os.Stat(patchFile); err != nil {
		d.addError(r, "patch", "patch.file",
			fmt.Sprintf("patch file not found: %s", patchFile))
	}
	if d.cfg.Patch.TargetDir == "" {
		d.addWarning(r, "patch", "patch.target_dir", "patch applies at the workspace root")
	}
}

// validateWorkspace checks the checkout location is usable.
func (d *Doctor) validateWorkspace(r *Result) {
	root := d.cfg.WorkspaceRoot(d.toolRoot)
	parent := filepath.Dir(root)

	info, err := os.Stat(parent)
	if err != nil {
		d.addError(r, "workspace", "workspace.root",
			fmt.Sprintf("workspace parent directory does not exist: %s", parent))
		return
	}
	if !info.IsDir() {
		d.addError(r, "workspace", "workspace.root",
			fmt.Sprintf("workspace parent is not a directory: %s", parent))
		return
	}
	if f, err := os.CreateTemp(parent, ".rtcforge-doctor-*"); err != nil {
		d.addError(r, "workspace", "workspace.root",
			fmt.Sprintf("workspace parent is not writable: %s", parent))
	} else {
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
	}
}

// validateLaunch checks the launch surface. Missing artifacts are warnings,
// not errors: provision may simply not have run yet.
func (d *Doctor) validateLaunch(r *Result) {
	if d.cfg.Launch.Executable == "" {
		d.addWarning(r, "launch", "launch.executable", "launch.executable is not configured")
		return
	}
	if len(d.cfg.Launch.Modules) == 0 {
		d.addWarning(r, "launch", "launch.modules", "no plugin modules configured")
	}

	root := d.cfg.WorkspaceRoot(d.toolRoot)
	exe := config.AbsFrom(root, d.cfg.Launch.Executable)
	if _, err := os.Stat(exe); err != nil {
		d.addWarning(r, "launch", "launch.executable",
			fmt.Sprintf("example binary not built yet: %s", exe))
	}
	for i, m := range d.cfg.Launch.Modules {
		path := config.AbsFrom(root, m.Path)
		if _, err := os.Stat(path); err != nil {
			d.addWarning(r, "launch", fmt.Sprintf("launch.modules[%d]", i),
				fmt.Sprintf("module not built yet: %s", path))
		}
	}
}

// FormatHuman renders a result for terminal output.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON renders a result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
