// Command orchestrator runs the Task and Deployment Orchestrator as a
// standalone daemon: it opens the persistence store, runs the startup
// recovery pass, and starts the deployment coordinator's queue-drain and
// scheduler loops until interrupted.
//
// A handful of one-shot administrative subcommands are also exposed, since
// the core has no CLI surface of its own (spec §6): schema init/migration
// and checkpoint cleanup are just invocations of the same operations the
// daemon uses internally.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/nova-orchestrator/internal/audit"
	"github.com/basket/nova-orchestrator/internal/config"
	"github.com/basket/nova-orchestrator/internal/notify"
	otelpkg "github.com/basket/nova-orchestrator/internal/otel"
	"github.com/basket/nova-orchestrator/internal/persistence"
	"github.com/basket/nova-orchestrator/internal/recovery"
	"github.com/basket/nova-orchestrator/internal/service"
	"github.com/basket/nova-orchestrator/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: orchestrator [command]

COMMANDS:
  (none)               Run the daemon: recovery pass, then queue + scheduler loops
  cleanup              Run checkpoint retention cleanup once and exit
  recover              Run the startup recovery pass once and exit, printing the report
  help                 Show this message
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	cmd := ""
	if args := flag.Args(); len(args) > 0 {
		cmd = args[0]
	}
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatal(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatal(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatal(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)
	if overrides := config.EnvOverrides(); len(overrides) > 0 {
		logger.Info("startup phase", "phase", "env_overrides_applied", "overrides", overrides)
	}

	metricsEnabled := cfg.MetricsEnabled
	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        cfg.MetricsEnabled,
		Exporter:       "stdout",
		ServiceName:    "nova-orchestrator",
		SampleRate:     1.0,
		MetricsEnabled: &metricsEnabled,
	})
	if err != nil {
		fatal(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(ctx) }()

	store, err := persistence.Open(ctx, cfg.DatabaseURL, cfg.SQLiteDBPath)
	if err != nil {
		fatal(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "dialect", string(store.Dialect()))

	switch cmd {
	case "cleanup":
		os.Exit(runCleanup(ctx, store, cfg, logger))
	case "recover":
		os.Exit(runRecoverOnce(ctx, store, logger))
	case "":
		// fall through to daemon mode
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}

	notifier := buildNotifier(cfg, store, logger)

	svc := service.New(service.Config{
		Store:               store,
		Logger:              logger,
		Notifier:            notifier,
		DeploymentExecutor:  nil, // wired by whatever embeds this daemon; nil treats every item as failed-missing-executor
		ScheduledExecutor:   nil,
		CoordinatorInterval: cfg.QueuePollInterval(),
		SchedulerInterval:   cfg.SchedulerPollInterval(),
		StaleTaskMaxAge:     cfg.CleanupStaleThreshold(),
		Otel:                otelProvider,
	})

	summary, err := svc.Recover(ctx)
	if err != nil {
		fatal(logger, "E_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "recovery_completed",
		"tasks_paused", summary.TasksPaused,
		"checkpoints_created", summary.CheckpointsCreated,
		"deployments_failed", summary.DeploymentsMarkedFailed)
	if summary.TasksPaused > 0 || summary.DeploymentsMarkedFailed > 0 {
		notifier.Notify(ctx, "system_recovery", fmt.Sprintf(
			"Recovered from restart: %d task(s) paused, %d deployment(s) marked failed",
			summary.TasksPaused, summary.DeploymentsMarkedFailed))
	}

	svc.Start(ctx)
	logger.Info("orchestrator running", "queue_poll_interval", cfg.QueuePollInterval().String(), "scheduler_poll_interval", cfg.SchedulerPollInterval().String())

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher: failed to start, hot-reload disabled", "error", err)
	} else {
		go watchConfig(confWatcher, logger)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	svc.Stop()
	logger.Info("orchestrator stopped")
}

// watchConfig re-reads config.yaml whenever the watcher reports a change,
// logging the values a hot-reload actually affects (log level, Telegram
// notification target). Poll intervals and the database connection are
// established at startup in service.New and persistence.Open and are not
// re-applied here; changing either still requires a restart.
func watchConfig(w *config.Watcher, logger *slog.Logger) {
	for ev := range w.Events() {
		cfg, err := config.Load()
		if err != nil {
			logger.Warn("config hot-reload: failed to reload config.yaml", "path", ev.Path, "error", err)
			continue
		}
		logger.Info("config hot-reload: config.yaml reloaded",
			"path", ev.Path,
			"log_level", cfg.LogLevel,
			"telegram_enabled", cfg.Telegram.Enabled)
	}
}

func buildNotifier(cfg config.Config, store *persistence.Store, logger *slog.Logger) notify.Handler {
	var base notify.Handler = notify.NewLogHandler(logger)
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		base = notify.NewTelegramHandler(cfg.Telegram.Token, cfg.Telegram.ChatID, logger)
	}
	return notify.NewRecordingHandler(base, store, "system", "", logger)
}

func runCleanup(ctx context.Context, store *persistence.Store, cfg config.Config, logger *slog.Logger) int {
	rec := recovery.New(store, logger)
	n, err := rec.CleanupOldCheckpoints(ctx, cfg.CheckpointRetention())
	if err != nil {
		logger.Error("cleanup failed", "error", err)
		return 1
	}
	fmt.Printf("removed %d checkpoint(s) older than %s\n", n, cfg.CheckpointRetention())
	return 0
}

func runRecoverOnce(ctx context.Context, store *persistence.Store, logger *slog.Logger) int {
	rec := recovery.New(store, logger)
	summary, err := rec.RecoverInterruptedWork(ctx)
	if err != nil {
		logger.Error("recovery failed", "error", err)
		return 1
	}
	report, err := rec.GenerateReport(ctx)
	if err != nil {
		logger.Error("report generation failed", "error", err)
		return 1
	}
	fmt.Println(recovery.Announcement(summary, report))
	return 0
}

func fatal(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("fatal startup error", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	}
	os.Exit(1)
}
