package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultThetaR            = 0.30
	DefaultThetaMatch        = 0.90
	DefaultThetaMerge        = 0.95
	DefaultEpsilon           = 1e-9
	DefaultWindowSpan        = 3
	DefaultMaxHops           = 3
	DefaultTensionBound      = 0.5
	DefaultCollapseThreshold = 0.3
	DefaultCollapseGradient  = -0.1
	DefaultContradictionKey  = "contradiction"
	DefaultMinCorpusSize     = 2
	DefaultConflictRetries   = 3
	DefaultWorkers           = 4
	DefaultResidueWeight     = 0.5
)

// Config holds the application configuration
type Config struct {
	DataDir  string
	DBPath   string
	LogLevel string
	LogFile  string

	// Metric calculator knobs
	ThetaR            float64
	Epsilon           float64
	WindowSpan        int
	TensionBound      float64
	CollapseThreshold float64
	CollapseGradient  float64
	ContradictionKey  string
	CodebookPath      string

	// Attribution mapper knobs
	MaxHops int

	// Residue detector knobs
	ThetaMatch      float64
	ThetaMerge      float64
	ConflictRetries int

	// Homology comparator knobs
	MinCorpusSize int
	ResidueWeight float64

	// Analysis runner knobs
	Workers int
}

type fileConfig struct {
	Store struct {
		DataDir string `toml:"data_dir"`
		DBPath  string `toml:"db_path"`
	} `toml:"store"`
	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`
	// Numeric knobs are pointers so an explicit zero in the file is
	// distinguishable from an absent key.
	Metrics struct {
		ThetaR            *float64 `toml:"theta_r"`
		Epsilon           *float64 `toml:"epsilon"`
		WindowSpan        *int     `toml:"window_span"`
		TensionBound      *float64 `toml:"tension_bound"`
		CollapseThreshold *float64 `toml:"collapse_threshold"`
		CollapseGradient  *float64 `toml:"collapse_gradient"`
		ContradictionKey  string   `toml:"contradiction_key"`
		CodebookPath      string   `toml:"codebook_path"`
	} `toml:"metrics"`
	Attribution struct {
		MaxHops *int `toml:"max_hops"`
	} `toml:"attribution"`
	Residue struct {
		ThetaMatch      *float64 `toml:"theta_match"`
		ThetaMerge      *float64 `toml:"theta_merge"`
		ConflictRetries *int     `toml:"conflict_retries"`
	} `toml:"residue"`
	Homology struct {
		MinCorpusSize *int     `toml:"min_corpus_size"`
		ResidueWeight *float64 `toml:"residue_weight"`
	} `toml:"homology"`
	Analysis struct {
		Workers *int `toml:"workers"`
	} `toml:"analysis"`
}

// LoadConfig loads configuration from file, environment variables, and defaults
func LoadConfig() (*Config, error) {
	dataDir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(dataDir, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           dataDir,
		DBPath:            filepath.Join(dataDir, "traces.sqlite3"),
		LogLevel:          "info",
		LogFile:           filepath.Join(dataDir, "logs", "tracelens.log"),
		ThetaR:            DefaultThetaR,
		Epsilon:           DefaultEpsilon,
		WindowSpan:        DefaultWindowSpan,
		TensionBound:      DefaultTensionBound,
		CollapseThreshold: DefaultCollapseThreshold,
		CollapseGradient:  DefaultCollapseGradient,
		ContradictionKey:  DefaultContradictionKey,
		MaxHops:           DefaultMaxHops,
		ThetaMatch:        DefaultThetaMatch,
		ThetaMerge:        DefaultThetaMerge,
		ConflictRetries:   DefaultConflictRetries,
		MinCorpusSize:     DefaultMinCorpusSize,
		ResidueWeight:     DefaultResidueWeight,
		Workers:           DefaultWorkers,
	}

	configPath := filepath.Join(dataDir, "config.toml")
	if _, err := os.Stat(configPath); err == nil {
		fileData, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		var parsed fileConfig
		if err := toml.Unmarshal(fileData, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}

		if parsed.Store.DBPath != "" {
			cfg.DBPath = parsed.Store.DBPath
		}
		if parsed.Logging.Level != "" {
			cfg.LogLevel = parsed.Logging.Level
		}
		if parsed.Logging.File != "" {
			cfg.LogFile = parsed.Logging.File
		}
		if parsed.Metrics.ThetaR != nil {
			cfg.ThetaR = *parsed.Metrics.ThetaR
		}
		if parsed.Metrics.Epsilon != nil {
			cfg.Epsilon = *parsed.Metrics.Epsilon
		}
		if parsed.Metrics.WindowSpan != nil {
			cfg.WindowSpan = *parsed.Metrics.WindowSpan
		}
		if parsed.Metrics.TensionBound != nil {
			cfg.TensionBound = *parsed.Metrics.TensionBound
		}
		if parsed.Metrics.CollapseThreshold != nil {
			cfg.CollapseThreshold = *parsed.Metrics.CollapseThreshold
		}
		if parsed.Metrics.CollapseGradient != nil {
			cfg.CollapseGradient = *parsed.Metrics.CollapseGradient
		}
		if parsed.Metrics.ContradictionKey != "" {
			cfg.ContradictionKey = parsed.Metrics.ContradictionKey
		}
		if parsed.Metrics.CodebookPath != "" {
			cfg.CodebookPath = parsed.Metrics.CodebookPath
		}
		if parsed.Attribution.MaxHops != nil {
			cfg.MaxHops = *parsed.Attribution.MaxHops
		}
		if parsed.Residue.ThetaMatch != nil {
			cfg.ThetaMatch = *parsed.Residue.ThetaMatch
		}
		if parsed.Residue.ThetaMerge != nil {
			cfg.ThetaMerge = *parsed.Residue.ThetaMerge
		}
		if parsed.Residue.ConflictRetries != nil {
			cfg.ConflictRetries = *parsed.Residue.ConflictRetries
		}
		if parsed.Homology.MinCorpusSize != nil {
			cfg.MinCorpusSize = *parsed.Homology.MinCorpusSize
		}
		if parsed.Homology.ResidueWeight != nil {
			cfg.ResidueWeight = *parsed.Homology.ResidueWeight
		}
		if parsed.Analysis.Workers != nil {
			cfg.Workers = *parsed.Analysis.Workers
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func resolveDataDir() (string, error) {
	if dir := os.Getenv("TRACELENS_DATA_DIR"); dir != "" {
		return dir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to resolve working directory: %w", err)
	}
	return filepath.Join(cwd, ".tracelens"), nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRACELENS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TRACELENS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TRACELENS_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("TRACELENS_THETA_R"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ThetaR = f
		}
	}
	if v := os.Getenv("TRACELENS_THETA_MATCH"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ThetaMatch = f
		}
	}
	if v := os.Getenv("TRACELENS_THETA_MERGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ThetaMerge = f
		}
	}
	if v := os.Getenv("TRACELENS_WINDOW_SPAN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WindowSpan = n
		}
	}
	if v := os.Getenv("TRACELENS_MAX_HOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxHops = n
		}
	}
	if v := os.Getenv("TRACELENS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("TRACELENS_MIN_CORPUS_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinCorpusSize = n
		}
	}
	if v := os.Getenv("TRACELENS_CONTRADICTION_KEY"); v != "" {
		cfg.ContradictionKey = v
	}
	if v := os.Getenv("TRACELENS_CODEBOOK_PATH"); v != "" {
		cfg.CodebookPath = v
	}
}

// Context key for storing config in context
type configContextKey struct{}

// WithConfig adds the config to the context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey{}, cfg)
}

// FromContext retrieves the config from the context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configContextKey{}).(*Config); ok {
		return cfg
	}
	return nil
}

// Validate verifies the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("database path is empty")
	}
	if c.ThetaR < 0 || c.ThetaR > 2 {
		return fmt.Errorf("theta_r must be a cosine distance in [0, 2], got %g", c.ThetaR)
	}
	if c.ThetaMatch < 0 || c.ThetaMatch > 1 {
		return fmt.Errorf("theta_match must be between 0 and 1, got %g", c.ThetaMatch)
	}
	if c.ThetaMerge < c.ThetaMatch {
		return fmt.Errorf("theta_merge (%g) must not be below theta_match (%g)", c.ThetaMerge, c.ThetaMatch)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive")
	}
	if c.WindowSpan < 1 {
		return fmt.Errorf("window span must be at least 1")
	}
	if c.TensionBound < 0 || c.TensionBound > 2 {
		return fmt.Errorf("tension bound must be a cosine distance in [0, 2], got %g", c.TensionBound)
	}
	if c.CollapseThreshold < 0 || c.CollapseThreshold > 1 {
		return fmt.Errorf("collapse threshold must be between 0 and 1")
	}
	if c.CollapseGradient >= 0 {
		return fmt.Errorf("collapse gradient must be negative, got %g", c.CollapseGradient)
	}
	if c.MaxHops < 1 {
		return fmt.Errorf("max hops must be at least 1")
	}
	if c.ConflictRetries < 1 {
		return fmt.Errorf("conflict retries must be at least 1")
	}
	if c.MinCorpusSize < 2 {
		return fmt.Errorf("minimum corpus size must be at least 2")
	}
	if c.ResidueWeight < 0 || c.ResidueWeight > 1 {
		return fmt.Errorf("residue weight must be between 0 and 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	return nil
}
