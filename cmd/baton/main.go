package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rendis/baton/internal/dispatch"
	"github.com/rendis/baton/internal/engine"
	"github.com/rendis/baton/internal/events"
	"github.com/rendis/baton/internal/logging"
	"github.com/rendis/baton/internal/scheduler"
	"github.com/rendis/baton/internal/store"
	"github.com/rendis/baton/internal/validation"
	"github.com/rendis/baton/pkg/mcp"
	"github.com/rendis/baton/pkg/schema"
)

const usage = `baton - agent fleet coordination and workflow execution

Usage:
  baton serve              start the MCP server, sweeps and scheduler
  baton validate <file>... validate workflow definition files
  baton version            print the version
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		args = []string{"serve"}
	}
	switch args[0] {
	case "serve":
		return runServe()
	case "validate":
		if len(args) < 2 {
			return errors.New("validate: at least one file required")
		}
		return runValidate(args[1:])
	case "version":
		printVersion()
		return nil
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Print(usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runServe() error {
	cfg := loadConfig()

	// stdout belongs to the MCP transport; logs go to stderr.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}),
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	bus := events.New(st)

	coord := dispatch.New(logger, st, bus, dispatch.Config{
		SweepInterval:   parseDuration(cfg.SweepInterval, 0),
		StalenessWindow: parseDuration(cfg.StalenessWindow, 0),
		ApprovalTimeout: parseDuration(cfg.ApprovalTimeout, 0),
	})
	snap, err := st.LoadState(ctx)
	if err != nil {
		logger.Warn("fleet snapshot unreadable, starting empty", "error", err)
	}
	coord.Restore(snap)
	go coord.Run(ctx)

	exec := engine.NewExecutor(logger, coord, bus, st, engine.ExecutorConfig{PoolSize: cfg.PoolSize})

	validator, err := validation.NewWorkflowValidator(exec)
	if err != nil {
		return err
	}

	if cfg.DefinitionsDir != "" {
		loadDefinitions(ctx, logger, st, validator, cfg.DefinitionsDir)
	}

	srv := mcp.NewBatonServer(mcp.BatonServerDeps{
		Coordinator: coord,
		Executor:    exec,
		Store:       st,
		Validator:   validator,
		Bus:         bus,
		Logger:      logger,
	})

	sched := scheduler.New(st, srv, bus, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-schedule recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	logger.Info("baton serving", "db", cfg.DBPath, "version", version)
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadDefinitions imports every valid workflow definition from dir into the
// store. Invalid files are logged and skipped; startup continues.
func loadDefinitions(ctx context.Context, logger *slog.Logger, st store.Store, validator *validation.WorkflowValidator, dir string) {
	defs, errs := schema.LoadDefinitionDir(dir)
	for _, err := range errs {
		logger.Warn("definition skipped", "error", err)
	}
	for _, def := range defs {
		if report := validator.Validate(def); !report.Valid() {
			logger.Warn("definition invalid, skipped", "workflow", def.ID, "error", report.Err())
			continue
		}
		if err := st.SaveWorkflow(ctx, def); err != nil {
			logger.Warn("definition not stored", "workflow", def.ID, "error", err)
			continue
		}
		logger.Info("definition loaded", "workflow", def.ID, "name", def.Name)
	}
}

func runValidate(paths []string) error {
	validator, err := validation.NewWorkflowValidator(
		engine.NewExecutor(nil, nil, nil, nil, engine.ExecutorConfig{}),
	)
	if err != nil {
		return err
	}

	failed := false
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Printf("%s: %v\n", path, err)
			failed = true
			continue
		}
		def, report := validator.ValidateDocument(data)
		for _, issue := range report.Errors {
			fmt.Printf("%s: error: %s\n", path, issue)
		}
		for _, issue := range report.Warnings {
			fmt.Printf("%s: warning: %s\n", path, issue)
		}
		if report.Valid() {
			fmt.Printf("%s: ok (%s, %d steps)\n", path, def.Name, len(def.Steps))
		} else {
			failed = true
		}
	}
	if failed {
		return errors.New("validation failed")
	}
	return nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
