package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/rtcforge/internal/api"
	"github.com/mattjoyce/rtcforge/internal/config"
	"github.com/mattjoyce/rtcforge/internal/doctor"
	"github.com/mattjoyce/rtcforge/internal/launch"
	"github.com/mattjoyce/rtcforge/internal/lock"
	"github.com/mattjoyce/rtcforge/internal/log"
	"github.com/mattjoyce/rtcforge/internal/provision"
	"github.com/mattjoyce/rtcforge/internal/report"
	"github.com/mattjoyce/rtcforge/internal/run"
	"github.com/mattjoyce/rtcforge/internal/state"
	"github.com/mattjoyce/rtcforge/internal/storage"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "provision":
		os.Exit(runProvision(args))
	case "launch":
		os.Exit(runLaunch(args))
	case "status":
		os.Exit(runStatus(args))
	case "doctor":
		os.Exit(runDoctor(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "version":
		fmt.Printf("rtcforge version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`rtcforge - provision and launch an RT-middleware example workspace

Usage:
  rtcforge <command> [flags]

Commands:
  provision         Install packages, sync the checkout, patch, and build
  launch            Start the example component in the foreground
  status            Show pipeline state and run history
  doctor            Validate configuration and host environment
  config show       Print the effective configuration
  config get        Print one configuration value by dotted path
  config lock       Authorize current config (update integrity hashes)
  config check      Alias for doctor

General:
  version           Show version information
  help              Show this help message

Common flags:
  --config PATH     Configuration file or directory
  --json            Structured JSON output where supported
`)
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Print(`Usage: rtcforge config <action> [flags]

Actions:
  show [path]       Print the effective configuration (or a subtree)
  get <path>        Print one value by dotted path
  lock              Update integrity hashes for the config directory
  check             Validate configuration and host environment
`)
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "show":
		return runConfigShow(actionArgs)
	case "get":
		return runConfigGet(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	case "check":
		return runDoctor(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func isHelpToken(s string) bool {
	return s == "help" || s == "--help" || s == "-h"
}

// --- ACTION IMPLEMENTATIONS ---

func runProvision(args []string) int {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, toolRoot, err := loadConfigAndHome(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("rtcforge provisioning", "version", version, "tool_root", toolRoot)

	statePath := config.AbsFrom(toolRoot, cfg.State.Path)
	pidLockPath := getPIDLockPath(statePath)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		if pid, perr := lock.HolderPID(pidLockPath); perr == nil {
			logger.Error("another provision run is active", "path", pidLockPath, "pid", pid)
		} else {
			logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		}
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, statePath)
	if err != nil {
		logger.Error("failed to open database", "path", statePath, "error", err)
		return 1
	}
	defer db.Close()

	store := state.NewStore(db)
	prov := provision.New(cfg, toolRoot, run.NewExecRunner(), store)

	if err := prov.Run(ctx); err != nil {
		logger.Error("provision failed", "error", err)
		return 1
	}

	st, err := prov.DetectState(ctx)
	if err != nil {
		logger.Warn("provision succeeded but state detection failed", "error", err)
	} else {
		logger.Info("provision complete", "state", string(st))
	}
	return 0
}

func runLaunch(args []string) int {
	fs := flag.NewFlagSet("launch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Print the command line without starting the component")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, toolRoot, err := loadConfigAndHome(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	launcher := launch.New(cfg, toolRoot)

	if *dryRun {
		if err := launcher.Preflight(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Println(strings.Join(launcher.CommandLine(), " "))
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := launcher.Launch(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		if code != 0 {
			return code
		}
		return 1
	}
	// The component owns the session outcome; exit with its code.
	return code
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	serve := fs.Bool("serve", false, "Serve status over HTTP instead of printing once")
	listen := fs.String("listen", "127.0.0.1:8375", "Listen address for --serve")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, toolRoot, err := loadConfigAndHome(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statePath := config.AbsFrom(toolRoot, cfg.State.Path)
	db, err := storage.OpenSQLite(ctx, statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	store := state.NewStore(db)
	prov := provision.New(cfg, toolRoot, run.NewExecRunner(), store)
	builder := report.NewBuilder(cfg, toolRoot, prov, store)

	if *serve {
		server := api.New(api.Config{Listen: *listen}, builder, store, log.WithComponent("api"))
		if err := server.Start(ctx); err != nil && err != context.Canceled {
			fmt.Fprintf(os.Stderr, "Status server failed: %v\n", err)
			return 1
		}
		return 0
	}

	snap, err := builder.Build(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := report.FormatJSON(snap)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(report.FormatHuman(snap))
	}
	return 0
}

func runDoctor(args []string) int {
	var configPath string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, toolRoot, err := loadConfigAndHome(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	doc := doctor.New(cfg, toolRoot)
	result := doc.Validate()

	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfigAndHome(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = cfg
	if fs.NArg() > 0 {
		res, err := cfg.GetPath(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(result)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: rtcforge config get <path> [--json]\n")
		return 1
	}

	cfg, _, err := loadConfigAndHome(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Compute hashes without writing .checksums")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	configDir := configPath
	if stat, err := os.Stat(configDir); err != nil || !stat.IsDir() {
		configDir = filepath.Dir(configPath)
	}

	rep, err := config.GenerateChecksumsWithReport(configDir, []string{"config.yaml"}, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config in %s: %v\n", configDir, err)
		return 1
	}

	if verbose {
		for _, file := range rep.Files {
			if file.Exists {
				fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
				continue
			}
			fmt.Printf("  SKIP %s: not found (optional)\n", file.Filename)
		}
	}
	if dryRun {
		fmt.Printf("Dry run completed for %s (no files written)\n", configDir)
	} else {
		fmt.Printf("Locked configuration: %s\n", rep.ChecksumPath)
	}
	return 0
}

// loadConfigAndHome loads configuration and resolves the tool root from the
// running binary's location, never the working directory.
func loadConfigAndHome(configPath string) (*config.Config, string, error) {
	toolRoot, err := launch.ResolveHome()
	if err != nil {
		return nil, "", err
	}

	if configPath == "" {
		discovered, derr := config.DiscoverConfigDir()
		if derr != nil {
			// Last resort: a config directory beside the binary.
			beside := filepath.Join(toolRoot, "config")
			if _, serr := os.Stat(filepath.Join(beside, "config.yaml")); serr == nil {
				discovered = beside
			} else {
				return nil, "", derr
			}
		}
		configPath = discovered
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, toolRoot, nil
}

func getPIDLockPath(statePath string) string {
	dir := filepath.Dir(statePath)
	base := filepath.Base(statePath)
	ext := filepath.Ext(base)
	return filepath.Join(dir, base[:len(base)-len(ext)]+".pid")
}
