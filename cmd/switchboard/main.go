package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/hashicorp/go-metrics"

	"github.com/mattjoyce/switchboard/internal/api"
	"github.com/mattjoyce/switchboard/internal/auth"
	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/connection"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/journal"
	"github.com/mattjoyce/switchboard/internal/lock"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/recovery"
	"github.com/mattjoyce/switchboard/internal/storage"
	"github.com/mattjoyce/switchboard/internal/transport"
	"github.com/mattjoyce/switchboard/internal/tui"
)

const version = "0.1.0"

const pruneEvery = time.Hour

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "monitor":
		os.Exit(runMonitor(args))
	case "version":
		fmt.Printf("switchboard version %s\n", version)
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
	fmt.Print(`switchboard - channel dispatch engine

Usage:
  switchboard <command> [flags]

Commands:
  start             Run the dispatch engine in the foreground
  config check      Load and validate configuration
  config lock       Record BLAKE3 checksums for every config file
  monitor           Live view of dispatch operations and events
  version           Show version information
  help              Show this help message

Flags common to start and config:
  --config PATH     Config file or directory (default: discovered)
`)
}

func resolveConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	discovered, err := config.DiscoverConfigDir()
	if err != nil {
		return "", fmt.Errorf("discover config: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
	return discovered, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWith(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("switchboard starting", "version", version, "config", path)

	pidLockPath := filepath.Join(filepath.Dir(cfg.State.Path), cfg.Service.Name+".pid")
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	// SIGUSR1 dumps the in-memory metrics to stderr.
	metrics.DefaultInmemSignal(sink)

	hub := events.NewHub(256).WithMetricSink(sink)

	var (
		jrnl    dispatch.Journal
		history api.History
	)
	if cfg.State.Journaling() {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
			return 1
		}
		defer db.Close()
		j := journal.New(db)
		jrnl, history = j, j
		go pruneJournal(ctx, j, cfg.State.Retention)
		logger.Info("journal opened", "path", cfg.State.Path, "retention", cfg.State.Retention)
	}

	exec := transport.NewExec(cfg.Timeouts.Grace)
	conns := connection.NewSet()

	eng := dispatch.New(exec, conns, dispatch.Options{
		ObserveTimeout:      cfg.Timeouts.Observe,
		ApproveTimeout:      cfg.Timeouts.Approve,
		HandleTimeout:       cfg.Timeouts.Handle,
		ConnectionTimeout:   cfg.Timeouts.Connection,
		RelaxedObserverJoin: cfg.Service.RelaxedObserverJoin,
		Publisher:           hub,
		Journal:             jrnl,
		MetricSink:          sink,
	})
	eng.AddLifecycleHook(exec)
	eng.AddLifecycleHook(recovery.New(sink))

	for _, acct := range cfg.Accounts {
		conn := connection.NewLoopback(acct.Connection, acct.Name)
		conn.OnClose(func(id string) { _ = eng.ChannelClosed(id) })
		conns.Add(conn)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatch: %w", err)
		}
	}()

	for _, desc := range cfg.Clients {
		if _, err := eng.RegisterClient(desc); err != nil {
			logger.Error("failed to register client", "client", desc.Name, "error", err)
			return 1
		}
	}
	logger.Info("clients registered", "count", len(cfg.Clients), "connections", conns.Names())

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiConfig := api.Config{
			Listen:            cfg.API.Listen,
			APIKey:            cfg.API.Auth.APIKey,
			Tokens:            tokens,
			HandleWithTimeout: cfg.Timeouts.Handle,
		}
		apiServer := api.New(apiConfig, eng, conns, history, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("switchboard running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	select {
	case <-eng.Done():
	case <-time.After(cfg.Timeouts.Grace):
		logger.Warn("dispatch engine did not stop within grace period")
	}
	logger.Info("switchboard stopped")
	return 0
}

func pruneJournal(ctx context.Context, j *journal.Journal, retention time.Duration) {
	logger := log.WithComponent("journal")
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := j.Prune(ctx, now.Add(-retention))
			if err != nil {
				logger.Warn("journal prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("journal pruned", "rows", n)
			}
		}
	}
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	apiURL := fs.String("api", "", "Base URL of the switchboard API (default: from config)")
	apiKey := fs.String("api-key", os.Getenv("SWITCHBOARD_API_KEY"), "Bearer token for the API")
	configPath := fs.String("config", "", "Path to configuration, used to find the API address")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	url := *apiURL
	if url == "" {
		path, err := resolveConfigPath(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		url = "http://" + cfg.API.Listen
		if *apiKey == "" {
			*apiKey = cfg.API.Auth.APIKey
		}
	}

	m := tui.NewMonitor(url, *apiKey)
	if _, err := tea.NewProgram(*m).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		return 1
	}
	return 0
}
