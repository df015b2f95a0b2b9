package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/daverage/tracelens/internal/analysis"
	"github.com/daverage/tracelens/internal/attribution"
	"github.com/daverage/tracelens/internal/config"
	"github.com/daverage/tracelens/internal/homology"
	"github.com/daverage/tracelens/internal/metrics"
	"github.com/daverage/tracelens/internal/residue"
	"github.com/daverage/tracelens/internal/store"
)

// CoreModule holds the core application components
type CoreModule struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *store.DB
}

// EngineModule groups the analysis machinery built on top of the trace store.
type EngineModule struct {
	MetricsConfig metrics.Config
	Cache         *metrics.Cache
	Mapper        *attribution.Mapper
	Table         *residue.Table
	Detector      *residue.Detector
	Comparator    *homology.Comparator
	Runner        *analysis.Runner
}

// App holds the core components of the application.
type App struct {
	Core   CoreModule
	Engine EngineModule
	Traces *store.Store
	Ctx    context.Context
	Cancel context.CancelFunc
}
