package config

import "path/filepath"

// Config represents the complete rtcforge configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Packages  PackagesConfig  `yaml:"packages"`
	Patch     PatchConfig     `yaml:"patch"`
	Build     BuildConfig     `yaml:"build"`
	Launch    LaunchConfig    `yaml:"launch"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig defines the external project checkout.
type WorkspaceConfig struct {
	// Root overrides the computed workspace location. When empty the
	// workspace lives at <toolRoot>/<dir_name>.
	Root          string `yaml:"root,omitempty"`
	DirName       string `yaml:"dir_name"`
	VCS           string `yaml:"vcs"` // svn or git
	RepositoryURL string `yaml:"repository_url"`
}

// PackagesConfig enumerates the system packages the external build needs.
type PackagesConfig struct {
	Manager string   `yaml:"manager"`
	Names   []string `yaml:"names"`
}

// PatchConfig identifies the local patch applied to the checkout.
type PatchConfig struct {
	// File is the patch location, relative to the tool root unless absolute.
	File string `yaml:"file"`
	// TargetDir is the directory inside the workspace the patch applies to.
	TargetDir string `yaml:"target_dir"`
	Strip     int    `yaml:"strip"`
	// Fuzz is the patch tool's offset/fuzz tolerance for upstream drift.
	Fuzz int `yaml:"fuzz"`
}

// BuildConfig defines the external build step sequence.
type BuildConfig struct {
	Steps []BuildStep `yaml:"steps"`
}

// BuildStep is one named invocation of the external build system.
type BuildStep struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	// Creates is a file (relative to the workspace) whose existence marks the
	// step as already done. Empty means the step always re-runs.
	Creates string `yaml:"creates,omitempty"`
}

// LaunchConfig defines the example binary and its plugin modules.
type LaunchConfig struct {
	// Executable is the example binary, relative to the workspace.
	Executable string `yaml:"executable"`
	// ModuleFlag is the flag the binary takes its module argument under.
	ModuleFlag string       `yaml:"module_flag"`
	Modules    []ModuleSpec `yaml:"modules"`
}

// ModuleSpec pairs a plugin shared object with its init entry-point symbol.
type ModuleSpec struct {
	Path       string `yaml:"path"`
	InitSymbol string `yaml:"init_symbol"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "rtcforge",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Workspace: WorkspaceConfig{
			DirName:       "OpenRTM-aist",
			VCS:           "svn",
			RepositoryURL: "http://svn.openrtm.org/OpenRTM-aist/trunk/OpenRTM-aist",
		},
		Packages: PackagesConfig{
			Manager: "apt-get",
			Names: []string{
				"gcc", "g++", "make", "libtool", "autoconf", "automake",
				"uuid-dev", "libomniorb4-dev", "omniidl",
			},
		},
		Patch: PatchConfig{
			File:      "patches/fsm4rtc-examples.patch",
			TargetDir: "src/lib/rtm",
			Strip:     0,
			Fuzz:      2,
		},
		Build: BuildConfig{
			Steps: []BuildStep{
				{Name: "generate", Command: "./autogen.sh", Creates: "configure"},
				{Name: "configure", Command: "./configure", Creates: "Makefile"},
				{Name: "compile", Command: "make"},
			},
		},
		Launch: LaunchConfig{
			ModuleFlag: "-m",
		},
	}
}

// AbsFrom resolves path relative to root unless it is already absolute.
func AbsFrom(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// WorkspaceRoot returns the workspace location for a given tool root.
func (c *Config) WorkspaceRoot(toolRoot string) string {
	if c.Workspace.Root != "" {
		return AbsFrom(toolRoot, c.Workspace.Root)
	}
	return filepath.Join(toolRoot, c.Workspace.DirName)
}
