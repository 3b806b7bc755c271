package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/exteriorp/designex/internal/api"
	"github.com/exteriorp/designex/internal/config"
	"github.com/exteriorp/designex/internal/lock"
	"github.com/exteriorp/designex/internal/log"
	"github.com/exteriorp/designex/internal/pipeline"
	"github.com/exteriorp/designex/internal/runner"
	"github.com/exteriorp/designex/internal/store"
	"github.com/exteriorp/designex/internal/styles"
	"github.com/exteriorp/designex/internal/sweeper"
	"github.com/exteriorp/designex/internal/workspace"
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
	case "serve":
		os.Exit(runServe(args))
	case "check":
		os.Exit(runCheck(args))
	case "sweep":
		os.Exit(runSweep(args))
	case "version":
		fmt.Printf("designex version %s\n", version)
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
	fmt.Print(`designex - Exterior design image generation service

Usage:
  designex <command> [flags]

Commands:
  serve     Start the HTTP service in foreground
  check     Validate configuration and style catalog
  sweep     Run one artifact retention pass and exit
  version   Show version information
  help      Show this help message

Flags:
  --config PATH   Configuration file or directory (discovered if omitted)
`)
}

func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, "", fmt.Errorf("discover config: %w", err)
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolvedPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("designex starting", "version", version, "config", resolvedPath)

	pidLockPath := pidLockPathFor(cfg)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger, err := store.Open(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open artifact ledger", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer ledger.Close()
	logger.Info("artifact ledger opened", "path", cfg.State.Path)

	index := styles.NewIndex(cfg.Styles.CatalogPath)

	alloc, err := workspace.NewAllocator(cfg.Output.Directory)
	if err != nil {
		logger.Error("failed to initialize workspace allocator", "directory", cfg.Output.Directory, "error", err)
		return 1
	}

	coord, err := pipeline.New(pipeline.Config{
		WorkerCommand: cfg.Worker.Command,
		ModelPath:     cfg.Worker.ModelPath,
		CatalogPath:   cfg.Styles.CatalogPath,
		Timeout:       cfg.Worker.Timeout,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
	}, index, alloc, runner.NewProcessRunner(), ledger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		return 1
	}

	sw := sweeper.New(cfg.Output.Directory, cfg.Output.Retention, cfg.Output.SweepInterval, ledger, log.Get())
	sw.Start(ctx)

	apiServer := api.New(api.Config{
		Listen:        cfg.Service.Listen,
		WorkerTimeout: cfg.Worker.Timeout,
	}, coord, index, alloc, log.WithComponent("api"))

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	logger.Info("designex running (press Ctrl+C to stop)", "listen", cfg.Service.Listen)

	for {
		select {
		case <-hupCh:
			logger.Info("received SIGHUP, reloading style catalog")
			if err := index.Reload(); err != nil {
				logger.Error("style catalog reload failed, keeping previous snapshot", "error", err)
			}
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
			if cfg.Output.Retention > 0 {
				sw.Stop()
			}
			logger.Info("designex stopped")
			return 0
		case err := <-errCh:
			logger.Error("component failed", "error", err)
			cancel()
			return 1
		}
	}
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolvedPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config check FAILED: %v\n", err)
		return 1
	}
	fmt.Printf("Config OK: %s\n", resolvedPath)

	if _, err := os.Stat(cfg.Styles.CatalogPath); err != nil {
		fmt.Fprintf(os.Stderr, "Style catalog FAILED: %v\n", err)
		return 1
	}
	index := styles.NewIndex(cfg.Styles.CatalogPath)
	stylesLoaded := index.AllStyles()
	if len(stylesLoaded) == 0 {
		fmt.Fprintf(os.Stderr, "Style catalog FAILED: no styles loaded from %s\n", cfg.Styles.CatalogPath)
		return 1
	}
	fmt.Printf("Style catalog OK: %d styles, %d regions\n", len(stylesLoaded), len(index.AllRegionTypes()))

	if len(cfg.Worker.Command) > 0 {
		if _, err := os.Stat(cfg.Worker.ModelPath); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: model artifact not found at %s\n", cfg.Worker.ModelPath)
		}
	}

	return 0
}

func runSweep(args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.Output.Retention <= 0 {
		fmt.Fprintln(os.Stderr, "Artifact retention is disabled (output.retention is zero)")
		return 1
	}

	log.Setup(cfg.Service.LogLevel)

	ctx := context.Background()
	ledger, err := store.Open(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open artifact ledger: %v\n", err)
		return 1
	}
	defer ledger.Close()

	sw := sweeper.New(cfg.Output.Directory, cfg.Output.Retention, cfg.Output.SweepInterval, ledger, log.Get())
	removed, err := sw.Sweep(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sweep failed: %v\n", err)
		return 1
	}
	fmt.Printf("Removed %d expired artifacts\n", removed)
	return 0
}

// pidLockPathFor derives the lock file location from the ledger path so a
// second instance against the same state directory is refused.
func pidLockPathFor(cfg *config.Config) string {
	dbPath := cfg.State.Path
	dbDir := filepath.Dir(dbPath)
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	name := dbBase[:len(dbBase)-len(ext)]
	return filepath.Join(dbDir, name+".lock")
}
