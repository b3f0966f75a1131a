package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/duratool/internal/activities"
	"github.com/rendis/duratool/internal/engine"
	"github.com/rendis/duratool/internal/expressions"
	"github.com/rendis/duratool/internal/logging"
	"github.com/rendis/duratool/internal/scheduler"
	"github.com/rendis/duratool/internal/store"
	"github.com/rendis/duratool/internal/streaming"
	"github.com/rendis/duratool/internal/workflows"
	mcpserver "github.com/rendis/duratool/pkg/mcp"
	"github.com/rendis/duratool/pkg/workflow"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", settingsPath(), "settings file")
	transport := fs.String("transport", "", "MCP transport: stdio or http")
	listenAddr := fs.String("listen-addr", "", "HTTP listen address")
	storeKind := fs.String("store", "", "store backend: libsql, postgres or memory")
	dbPath := fs.String("db-path", "", "libSQL database path")
	schedules := fs.Bool("schedules", true, "run configured cron schedules")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	fileCfg, err := loadConfig(*configPath, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg := fileCfg
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transport":
			cfg.Transport = *transport
		case "listen-addr":
			cfg.ListenAddr = *listenAddr
		case "store":
			cfg.Store = *storeKind
		case "db-path":
			cfg.DBPath = *dbPath
		}
	})
	if !*schedules {
		cfg.Schedules = nil
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// stdout carries the stdio transport, so logs go to stderr.
	levelVar := new(slog.LevelVar)
	levelVar.Set(logging.ParseLevel(cfg.LogLevel))
	logger := slog.New(logging.NewConsoleHandler(os.Stderr, levelVar))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher := &settingsWatcher{path: *configPath, getenv: os.Getenv, current: fileCfg, levelVar: levelVar, logger: logger}
	if err := serve(ctx, cfg, watcher, logger); err != nil {
		logger.Error("duratool stopped", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// serve wires the store, engine, scheduler and MCP server and blocks until
// ctx is cancelled or the transport ends.
func serve(ctx context.Context, cfg Config, watcher *settingsWatcher, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s store: %w", cfg.Store, err)
	}

	acts := activities.NewRegistry()
	if err := activities.RegisterBuiltins(acts, activities.BuiltinConfig{
		HTTP: activities.HTTPConfig{UserAgent: "duratool/" + version},
		MCP:  activities.StdioDialer(hackerNewsMCP(cfg.HackerNewsMCP)),
		JQ:   expressions.NewJQ(),
	}); err != nil {
		return err
	}
	wfs := workflow.NewRegistry()
	if err := workflows.Register(wfs); err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()
	engCfg := engine.Config{
		Store:      st,
		Hub:        hub,
		Workflows:  wfs,
		Activities: acts,
		Logger:     logger,
		Worker: engine.WorkerConfig{
			AdvancePoolSize:  cfg.AdvancePoolSize,
			ActivityPoolSize: cfg.ActivityPoolSize,
			SweepInterval:    cfg.SweepInterval,
		},
	}
	if cfg.Archive.Enabled() {
		archiver, err := store.NewMinioArchiver(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		engCfg.Archiver = archiver
	}
	eng, err := engine.New(engCfg)
	if err != nil {
		return err
	}
	if err := eng.Run(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	if len(cfg.Schedules) > 0 {
		sched, err := scheduler.NewScheduler(eng, scheduler.Config{Interval: cfg.ScheduleInterval, Schedules: cfg.Schedules}, logger.With("component", "scheduler"))
		if err != nil {
			return err
		}
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed schedule recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	srv := mcpserver.NewServer(mcpserver.ServerDeps{
		Engine:  eng,
		Hub:     hub,
		Logger:  logger.With("component", "mcp"),
		Version: version,
		Wait:    cfg.ToolWait,
	})

	logger.Info("duratool started",
		slog.String("version", version),
		slog.String("transport", cfg.Transport),
		slog.String("store", cfg.Store),
		slog.Int("schedules", len(cfg.Schedules)),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The transport ending (stdin closed) stops everything else.
		defer cancel()
		if cfg.Transport == transportHTTP {
			return srv.ServeHTTP(gctx, cfg.ListenAddr)
		}
		return srv.ServeStdio(gctx)
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.Store {
	case storeMemory:
		return store.NewMemoryStore()
	case storePostgres:
		return store.NewPostgresStore(ctx, store.PostgresConfig{URL: cfg.PostgresURL})
	default:
		path := strings.TrimPrefix(cfg.DBPath, "file:")
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
		}
		return store.NewLibSQLStore("file:" + path)
	}
}

// hackerNewsMCP defaults the news agent's MCP server to this binary serving
// stdio from a private in-memory store.
func hackerNewsMCP(cfg activities.MCPServerConfig) activities.MCPServerConfig {
	if cfg.Command != "" {
		return cfg
	}
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return activities.MCPServerConfig{
		Command: exe,
		Args:    []string{"serve", "-transport", transportStdio, "-store", storeMemory, "-schedules=false"},
		Env:     cfg.Env,
	}
}
