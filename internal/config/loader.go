package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory containing
// config.yaml.
func Load(configPath string) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)

	// Hash-verify the config file against .checksums when one exists.
	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfigDir finds the config location by checking standard locations.
// Priority order: $RTCFORGE_CONFIG_DIR, ~/.config/rtcforge, /etc/rtcforge,
// ./config.yaml (legacy).
func DiscoverConfigDir() (string, error) {
	// 1. Check environment variable
	if dir := os.Getenv("RTCFORGE_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	// 2. Check user config directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "rtcforge")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	// 3. Check system config directory
	systemConfigDir := "/etc/rtcforge"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	// 4. Fallback to legacy single-file config in current directory
	legacyConfigPath := "./config.yaml"
	if _, err := os.Stat(legacyConfigPath); err == nil {
		return legacyConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $RTCFORGE_CONFIG_DIR, ~/.config/rtcforge, /etc/rtcforge, ./config.yaml)")
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Apply environment variable interpolation
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &cfg, nil
}

func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		// If .checksums is missing, we skip verification for this directory.
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: rtcforge config lock --config-dir %s", basename, dir, dir)
	}

	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: rtcforge config lock --config-dir %s", path, err, dir)
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.Workspace.DirName == "" {
		cfg.Workspace.DirName = defaults.Workspace.DirName
	}
	if cfg.Workspace.VCS == "" {
		cfg.Workspace.VCS = defaults.Workspace.VCS
	}
	if cfg.Workspace.RepositoryURL == "" {
		cfg.Workspace.RepositoryURL = defaults.Workspace.RepositoryURL
	}

	if cfg.Packages.Manager == "" {
		cfg.Packages.Manager = defaults.Packages.Manager
	}
	if len(cfg.Packages.Names) == 0 {
		cfg.Packages.Names = defaults.Packages.Names
	}

	if cfg.Patch.File == "" {
		cfg.Patch = defaults.Patch
	}

	if len(cfg.Build.Steps) == 0 {
		cfg.Build.Steps = defaults.Build.Steps
	}

	if cfg.Launch.ModuleFlag == "" {
		cfg.Launch.ModuleFlag = defaults.Launch.ModuleFlag
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR}
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// separatorChars are the characters the module argument serialization cannot
// escape; paths and symbols containing them are rejected at load time.
const separatorChars = ",()"

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	switch cfg.Workspace.VCS {
	case "svn", "git":
	default:
		return fmt.Errorf("workspace.vcs must be svn or git (got %q)", cfg.Workspace.VCS)
	}
	if cfg.Workspace.RepositoryURL == "" {
		return fmt.Errorf("workspace.repository_url is required")
	}
	if envVarPattern.MatchString(cfg.Workspace.RepositoryURL) {
		matches := envVarPattern.FindStringSubmatch(cfg.Workspace.RepositoryURL)
		return fmt.Errorf("workspace.repository_url: environment variable ${%s} is not set", matches[1])
	}

	if cfg.Packages.Manager == "" {
		return fmt.Errorf("packages.manager is required")
	}

	if cfg.Patch.Strip < 0 {
		return fmt.Errorf("patch.strip must be non-negative")
	}
	if cfg.Patch.Fuzz < 0 {
		return fmt.Errorf("patch.fuzz must be non-negative")
	}

	seen := make(map[string]bool)
	for i, step := range cfg.Build.Steps {
		if step.Name == "" {
			return fmt.Errorf("build.steps[%d].name is required", i)
		}
		if step.Command == "" {
			return fmt.Errorf("build.steps[%d] (%s): command is required", i, step.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("build.steps[%d]: duplicate step name %q", i, step.Name)
		}
		seen[step.Name] = true
	}

	for i, mod := range cfg.Launch.Modules {
		if mod.Path == "" {
			return fmt.Errorf("launch.modules[%d].path is required", i)
		}
		if mod.InitSymbol == "" {
			return fmt.Errorf("launch.modules[%d].init_symbol is required", i)
		}
		if strings.ContainsAny(mod.Path, separatorChars) {
			return fmt.Errorf("launch.modules[%d].path must not contain any of %q (got %q)", i, separatorChars, mod.Path)
		}
		if strings.ContainsAny(mod.InitSymbol, separatorChars) {
			return fmt.Errorf("launch.modules[%d].init_symbol must not contain any of %q (got %q)", i, separatorChars, mod.InitSymbol)
		}
	}

	return nil
}
