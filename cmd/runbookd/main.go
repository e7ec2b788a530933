package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"runbook/internal/api"
	"runbook/internal/config"
	"runbook/internal/core"
	"runbook/internal/logging"
	"runbook/internal/mcp"
	"runbook/internal/notify"
	"runbook/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "runbookd: %v\n", err)
		os.Exit(core.ExitInternal)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Paths.StateDir)
	if err != nil {
		logger.Error("open state store", "state_dir", cfg.Paths.StateDir, "err", err)
		os.Exit(core.ExitInternal)
	}
	defer st.Close()

	registry, err := core.BuildRegistry(cfg.Paths.ScriptsDir, cfg.Paths.Manifest, logger)
	if err != nil {
		logger.Error("build task registry", "scripts_dir", cfg.Paths.ScriptsDir, "err", err)
		os.Exit(core.ExitInternal)
	}
	logger.Info("task registry built", "tasks", registry.Len())

	invoker := &core.ScriptInvoker{
		WorkingDir:  cfg.Paths.WorkingDir,
		LogDir:      filepath.Join(cfg.Paths.StateDir, "logs"),
		GracePeriod: cfg.ShutdownGrace,
		Logger:      logger,
	}

	var notifier core.Notifier = notify.NoOpNotifier{}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		wh, err := notify.NewWebhookNotifier(cfg.Webhook.URL)
		if err != nil {
			logger.Error("configure webhook notifier", "err", err)
			os.Exit(core.ExitInternal)
		}
		notifier = wh
	}

	service := &core.Service{
		Registry:  registry,
		Playbooks: &core.Loader{Dir: cfg.Paths.PlaybookDir},
		Engine:    core.NewEngine(invoker, logger),
		Runs:      st,
		Notifier:  notifier,
		Logger:    logger,
	}

	switch {
	case cfg.MCP:
		if err := mcp.NewMCPServer(service, st, logger).Run(); err != nil {
			logger.Error("mcp server", "err", err)
			os.Exit(core.ExitInternal)
		}
	case cfg.Serve:
		runServe(ctx, cfg, service, st, logger)
	default:
		runOnce(ctx, cfg, service, logger)
	}
}

// runOnce executes a single playbook or ad hoc task list and exits with
// the aggregate exit code. A failure before anything launches exits 2.
func runOnce(ctx context.Context, cfg *config.Config, service *core.Service, logger *slog.Logger) {
	if cfg.Run.Playbook == "" && len(cfg.Run.Tasks) == 0 {
		fmt.Fprintln(os.Stderr, "runbookd: one of -playbook, -tasks, -serve or -mcp is required")
		os.Exit(core.ExitInternal)
	}

	opts := core.Options{
		Strategy:        core.StrategySequential,
		DryRun:          cfg.Run.DryRun,
		Concurrency:     cfg.Run.Concurrency,
		ContinueOnError: cfg.Run.ContinueOnError,
		TaskTimeout:     cfg.Run.TaskTimeout,
	}
	if cfg.Run.Parallel {
		opts.Strategy = core.StrategyParallel
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		run *core.RunResult
		err error
	)
	if cfg.Run.Playbook != "" {
		run, err = service.RunPlaybook(ctx, cfg.Run.Playbook, cfg.Run.Variables, opts)
	} else {
		var numbers []core.TaskNumber
		numbers, err = core.ParseTaskNumbers(cfg.Run.Tasks)
		if err == nil {
			run, err = service.RunTasks(ctx, numbers, opts)
		}
	}
	if err != nil {
		logger.Error("run aborted before launch", "err", err)
		fmt.Fprintf(os.Stderr, "runbookd: %v\n", err)
		os.Exit(core.ExitInternal)
	}

	printRunSummary(run)
	os.Exit(core.ExitCode(run.OverallStatus))
}

// runServe starts the schedule dispatcher and the HTTP API, then blocks
// until a termination signal arrives.
func runServe(ctx context.Context, cfg *config.Config, service *core.Service, st *store.Store, logger *slog.Logger) {
	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}
	scheduler := core.NewScheduler(st, service, logger, location)
	scheduler.Start(ctx)
	if err := scheduler.Sync(ctx); err != nil {
		logger.Error("sync schedules", "err", err)
	}

	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, service, st, scheduler, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	<-scheduler.Stop().Done()
	logger.Info("stopped")
}

func printRunSummary(run *core.RunResult) {
	mode := ""
	if run.DryRun {
		mode = " (dry run)"
	}
	fmt.Printf("run %s%s: %s\n", run.ID, mode, run.OverallStatus)
	for _, o := range run.Outcomes {
		line := fmt.Sprintf("  [%s] %s: %s", o.Stage, o.Number, o.Status)
		if o.ExitCode != nil && *o.ExitCode != 0 {
			line += fmt.Sprintf(" (exit %d)", *o.ExitCode)
		}
		if o.Error != nil {
			line += " " + *o.Error
		}
		fmt.Println(line)
	}
}
