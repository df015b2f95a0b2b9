package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/daverage/tracelens/internal/analysis"
	"github.com/daverage/tracelens/internal/attribution"
	"github.com/daverage/tracelens/internal/config"
	"github.com/daverage/tracelens/internal/homology"
	"github.com/daverage/tracelens/internal/logging"
	"github.com/daverage/tracelens/internal/metrics"
	"github.com/daverage/tracelens/internal/residue"
	"github.com/daverage/tracelens/internal/store"
)

// NewApp initializes and returns a new App instance.
func NewApp() (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logFile := cfg.LogFile
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.DataDir, logFile)
	}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logger, err := logging.NewLogger(cfg.LogLevel, logFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		logger.Error("Failed to open database", zap.Error(err))
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	codebook, err := metrics.LoadCodebook(cfg.CodebookPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load codebook: %w", err)
	}

	metricsCfg := metrics.Config{
		ThetaR:            cfg.ThetaR,
		Epsilon:           cfg.Epsilon,
		WindowSpan:        cfg.WindowSpan,
		TensionBound:      cfg.TensionBound,
		CollapseThreshold: cfg.CollapseThreshold,
		CollapseGradient:  cfg.CollapseGradient,
		ContradictionKey:  cfg.ContradictionKey,
		Codebook:          codebook,
	}

	traces := store.NewStore(db, logger)
	cache := metrics.NewCache(db.Conn(), logger)
	mapper := attribution.NewMapper(cfg.MaxHops, cfg.Epsilon)

	table := residue.NewTable(db, logger)
	if err := table.Load(traces); err != nil {
		return nil, fmt.Errorf("failed to load cluster table: %w", err)
	}
	detector := residue.NewDetector(residue.Config{
		WindowSpan:      cfg.WindowSpan,
		ThetaMatch:      cfg.ThetaMatch,
		ConflictRetries: cfg.ConflictRetries,
	}, table, logger)

	comparator := homology.NewComparator(homology.Config{
		MinCorpusSize: cfg.MinCorpusSize,
		ThetaMatch:    cfg.ThetaMatch,
		ResidueWeight: cfg.ResidueWeight,
		Epsilon:       cfg.Epsilon,
	}, logger)

	runner := analysis.NewRunner(cache, metricsCfg, mapper, detector, cfg.Workers, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		Core: CoreModule{
			Config: cfg,
			Logger: logger,
			DB:     db,
		},
		Engine: EngineModule{
			MetricsConfig: metricsCfg,
			Cache:         cache,
			Mapper:        mapper,
			Table:         table,
			Detector:      detector,
			Comparator:    comparator,
			Runner:        runner,
		},
		Traces: traces,
		Ctx:    ctx,
		Cancel: cancel,
	}, nil
}

// Close gracefully shuts down the application resources.
func (a *App) Close() {
	if a.Cancel != nil {
		a.Cancel()
	}

	if a.Core.DB != nil {
		if err := a.Core.DB.Close(); err != nil {
			a.Core.Logger.Error("Failed to close database connection", zap.Error(err))
		} else {
			a.Core.Logger.Info("Database connection closed.")
		}
	}
	if a.Core.Logger != nil {
		if err := a.Core.Logger.Sync(); err != nil {
			// Zap's Sync can fail on stderr depending on the platform.
			if !strings.Contains(err.Error(), "sync /dev/stderr: invalid argument") &&
				!strings.Contains(err.Error(), "sync <file descriptor>: bad file descriptor") &&
				!strings.Contains(err.Error(), "sync /dev/stderr: inappropriate ioctl for device") {
				fmt.Fprintf(os.Stderr, "Error syncing logger: %v\n", err)
			}
		}
	}
}

// ContextWithLogger returns a new context with the application's logger.
func (a *App) ContextWithLogger(ctx context.Context) context.Context {
	return logging.ContextWithLogger(ctx, a.Core.Logger)
}

// LoggerFromContext retrieves the logger from the given context, or returns the default app logger.
func (a *App) LoggerFromContext(ctx context.Context) *zap.Logger {
	if logger, ok := logging.LoggerFromContext(ctx); ok {
		return logger
	}
	return a.Core.Logger
}
