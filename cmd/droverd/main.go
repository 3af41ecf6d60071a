package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drover-io/drover/internal/audit"
	"github.com/drover-io/drover/internal/config"
	"github.com/drover-io/drover/internal/credentials"
	"github.com/drover-io/drover/internal/db"
	"github.com/drover-io/drover/internal/executor"
	"github.com/drover-io/drover/internal/jobs"
	"github.com/drover-io/drover/internal/metrics"
	"github.com/drover-io/drover/internal/notification"
	"github.com/drover-io/drover/internal/remote"
	"github.com/drover-io/drover/internal/repositories"
	"github.com/drover-io/drover/internal/scheduler"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// flags carries the command-line overrides. Defaults come from the same
// environment variables config.FromEnv reads, so a flag left untouched keeps
// the environment's value.
type flags struct {
	dbDriver      string
	dbDSN         string
	secretKey     string
	logLevel      string
	webhookURL    string
	webhookSecret string
	pollInterval  time.Duration
	metricsAddr   string
}

func main() {
	_ = godotenv.Load(".env")

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &flags{}

	root := &cobra.Command{
		Use:   "droverd",
		Short: "Drover daemon — fleet command execution engine",
		Long: `Drover executes jobs — ordered lists of shell commands — concurrently
against fleets of remote targets over SSH and WinRM, recording a full
hierarchical result trail (job, execution, branch, action result) with
stable serial identifiers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(opts))

	root.PersistentFlags().StringVar(&opts.dbDriver, "db-driver", envOrDefault("DROVER_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&opts.dbDSN, "db-dsn", envOrDefault("DROVER_DB_DSN", "./drover.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&opts.secretKey, "secret-key", envOrDefault("DROVER_SECRET_KEY", ""), "32-byte key for decrypting target credentials (required)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOrDefault("DROVER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.webhookURL, "webhook-url", envOrDefault("DROVER_WEBHOOK_URL", ""), "Webhook for execution notifications (empty: log only)")
	root.PersistentFlags().StringVar(&opts.webhookSecret, "webhook-secret", envOrDefault("DROVER_WEBHOOK_SECRET", ""), "HMAC secret for signing webhook payloads")
	root.PersistentFlags().DurationVar(&opts.pollInterval, "poll-interval", 15*time.Second, "How often the scheduler checks for due jobs")
	root.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", envOrDefault("DROVER_METRICS_ADDR", ""), "Prometheus /metrics listen address (empty: disabled)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("droverd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newMigrateCmd applies pending migrations and exits. Migrations also run
// automatically on daemon startup; this exists for deployments that migrate
// as a separate step.
func newMigrateCmd(opts *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(opts.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			database, err := db.New(db.Config{Driver: opts.dbDriver, DSN: opts.dbDSN, Logger: logger})
			if err != nil {
				return err
			}
			sqlDB, err := database.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}

func run(ctx context.Context, opts *flags) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	cfg.DBDriver = opts.dbDriver
	cfg.DBDSN = opts.dbDSN
	cfg.SecretKey = opts.secretKey
	cfg.LogLevel = opts.logLevel
	cfg.WebhookURL = opts.webhookURL
	cfg.WebhookSecret = opts.webhookSecret
	cfg.PollInterval = opts.pollInterval
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting droverd",
		zap.String("version", version),
		zap.String("db_driver", cfg.DBDriver),
		zap.Int("max_concurrent_targets", cfg.MaxConcurrentTargets),
		zap.Duration("connection_timeout", cfg.ConnectionTimeout),
		zap.Duration("command_timeout", cfg.CommandTimeout),
		zap.Bool("retry_enabled", cfg.EnableRetry),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{Driver: cfg.DBDriver, DSN: cfg.DBDSN, Logger: logger})
	if err != nil {
		return err
	}
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close() //nolint:errcheck

	jobRepo := repositories.NewJobRepository(database)
	execRepo := repositories.NewExecutionRepository(database)
	targetRepo := repositories.NewTargetRepository(database)
	auditRepo := repositories.NewAuditRepository(database)

	decryptor, err := credentials.NewAESGCM([]byte(cfg.SecretKey))
	if err != nil {
		return err
	}
	resolver := credentials.NewResolver(decryptor, logger)

	connectors := remote.NewRegistry()
	connectors.Register(remote.NewSSHConnector(logger))
	connectors.Register(remote.NewWinRMConnector(logger))

	registry := prometheus.NewRegistry()
	engineMetrics := metrics.New(registry)

	recorder := audit.NewRecorder(auditRepo, logger)

	var notifier notification.Notifier
	if cfg.WebhookURL != "" {
		notifier = notification.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret)
		logger.Info("webhook notifications enabled", zap.String("url", cfg.WebhookURL))
	} else {
		notifier = notification.NewLogNotifier(logger)
	}

	orch := executor.NewOrchestrator(executor.Config{
		Jobs:                 jobRepo,
		Executions:           execRepo,
		Targets:              targetRepo,
		Resolver:             resolver,
		Registry:             connectors,
		Audit:                recorder,
		Notifier:             notifier,
		Metrics:              engineMetrics,
		Logger:               logger,
		RetryPolicy:          cfg.RetryPolicy(),
		MaxConcurrentTargets: cfg.MaxConcurrentTargets,
		ConnectionTimeout:    cfg.ConnectionTimeout,
		CommandTimeout:       cfg.CommandTimeout,
	})

	service := jobs.NewService(jobs.Config{
		Jobs:         jobRepo,
		Executions:   execRepo,
		Orchestrator: orch,
		Access:       jobs.OwnerPolicy{},
		Audit:        recorder,
		Logger:       logger,
	})

	sched, err := scheduler.New(jobRepo, service, cfg.PollInterval, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if opts.metricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:    opts.metricsAddr,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		go func() {
			logger.Info("metrics listener started", zap.String("addr", opts.metricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	logger.Info("droverd ready")
	<-ctx.Done()
	logger.Info("shutting down droverd")

	// Scheduler first so nothing new is dispatched, then drain the in-flight
	// executions. Each cancelled branch finishes its current transport call
	// and records its terminal state before Shutdown returns.
	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop failed", zap.Error(err))
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("executions not drained before deadline", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics listener shutdown failed", zap.Error(err))
		}
	}

	logger.Info("droverd stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
