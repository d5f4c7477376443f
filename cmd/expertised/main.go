package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/autoscope/expertise/internal/analyzer"
	"github.com/autoscope/expertise/internal/httpapi"
	"github.com/autoscope/expertise/internal/ledger"
	"github.com/autoscope/expertise/internal/metrics"
	"github.com/autoscope/expertise/internal/report"
	"github.com/autoscope/expertise/internal/service"
	"github.com/autoscope/expertise/internal/store/gormstore"
	"github.com/autoscope/expertise/internal/worker"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagAnalyzerURL       = "analyzer-url"
	flagAllowedOrigins    = "allowed-origins"
	flagWorkerCount       = "worker-count"
	flagMaxAttempts       = "max-attempts"
	flagVisibilityTimeout = "visibility-timeout"
	flagAnalyzeTimeout    = "analyze-timeout"
	flagPollInterval      = "poll-interval"

	defaultDatabaseURL = "sqlite:///tmp/expertise.db"
	defaultListenAddr  = ":8080"
	defaultAnalyzerURL = "http://localhost:9090"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	AnalyzerURL       string
	AllowedOrigins    []string
	WorkerCount       int
	MaxAttempts       int
	VisibilityTimeout time.Duration
	AnalyzeTimeout    time.Duration
	PollInterval      time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "expertised: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "expertised",
		Short:         "Vehicle-inspection analysis pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	defaults := worker.DefaultConfig()
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAnalyzerURL, defaultAnalyzerURL, "analysis provider gateway base URL")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().Int(flagWorkerCount, defaults.Workers, "concurrent analysis workers")
	cmd.Flags().Int(flagMaxAttempts, defaults.MaxAttempts, "analysis attempts before a report fails")
	cmd.Flags().Duration(flagVisibilityTimeout, defaults.Visibility, "job lease duration before redelivery")
	cmd.Flags().Duration(flagAnalyzeTimeout, defaults.AnalyzeTimeout, "wall-clock timeout per analyzer call")
	cmd.Flags().Duration(flagPollInterval, defaults.PollInterval, "idle queue poll interval")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:       "DATABASE_URL",
		flagListenAddr:        "LISTEN_ADDR",
		flagAnalyzerURL:       "ANALYZER_URL",
		flagAllowedOrigins:    "ALLOWED_ORIGINS",
		flagWorkerCount:       "WORKER_COUNT",
		flagMaxAttempts:       "MAX_ATTEMPTS",
		flagVisibilityTimeout: "VISIBILITY_TIMEOUT",
		flagAnalyzeTimeout:    "ANALYZE_TIMEOUT",
		flagPollInterval:      "POLL_INTERVAL",
	}
	for flag, env := range bindings {
		key := strings.ReplaceAll(flag, "-", "_")
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.AnalyzerURL = viper.GetString("analyzer_url")
	cfg.AllowedOrigins = viper.GetStringSlice("allowed_origins")
	cfg.WorkerCount = viper.GetInt("worker_count")
	cfg.MaxAttempts = viper.GetInt("max_attempts")
	cfg.VisibilityTimeout = viper.GetDuration("visibility_timeout")
	cfg.AnalyzeTimeout = viper.GetDuration("analyze_timeout")
	cfg.PollInterval = viper.GetDuration("poll_interval")

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.AnalyzerURL == "" {
		return fmt.Errorf("analyzer url is required")
	}
	return nil
}

func run(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	clock := func() time.Time { return time.Now().UTC() }
	ledgerService, err := ledger.NewService(gormstore.NewLedgerStore(gormDB), clock)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	reportService, err := report.NewService(gormstore.NewReportStore(gormDB), clock)
	if err != nil {
		return fmt.Errorf("report service init: %w", err)
	}
	jobQueue := gormstore.NewJobQueue(gormDB)
	resultCache := gormstore.NewResultCache(gormDB)
	pipelineMetrics := metrics.New()

	submission, err := service.New(ledgerService, reportService, jobQueue, resultCache, logger, pipelineMetrics)
	if err != nil {
		return fmt.Errorf("submission service init: %w", err)
	}

	provider := analyzer.NewHTTPAnalyzer(cfg.AnalyzerURL, &http.Client{})
	pool, err := worker.NewPool(worker.Config{
		Workers:        cfg.WorkerCount,
		MaxAttempts:    cfg.MaxAttempts,
		Visibility:     cfg.VisibilityTimeout,
		AnalyzeTimeout: cfg.AnalyzeTimeout,
		PollInterval:   cfg.PollInterval,
	}, jobQueue, reportService, ledgerService, provider, resultCache, logger, pipelineMetrics)
	if err != nil {
		return fmt.Errorf("worker pool init: %w", err)
	}

	server := httpapi.New(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, submission, logger, pipelineMetrics)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(groupCtx) })
	group.Go(func() error {
		err := pool.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return group.Wait()
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "expertise.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
