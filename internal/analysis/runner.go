// Package analysis fans metric and attribution work out across a corpus and
// then runs residue detection over the same traces.
package analysis

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daverage/tracelens/internal/attribution"
	"github.com/daverage/tracelens/internal/metrics"
	"github.com/daverage/tracelens/internal/residue"
	"github.com/daverage/tracelens/internal/trace"
)

// Result holds everything derived from a single trace.
type Result struct {
	TraceID       string             `json:"trace_id"`
	Report        *metrics.Report    `json:"report"`
	Graph         *attribution.Graph `json:"graph,omitempty"`
	Collapsed     bool               `json:"collapsed"`
	CollapseIndex int                `json:"collapse_index"`
}

// CorpusResult is the output of a full corpus run.
type CorpusResult struct {
	Results  []*Result          `json:"results"`
	Clusters []*residue.Cluster `json:"clusters"`
}

// Runner coordinates the per-trace calculators. Metric reports and
// attribution graphs are independent per trace and run concurrently; residue
// detection mutates the shared cluster table and runs after, in corpus order.
type Runner struct {
	cache      *metrics.Cache
	metricsCfg metrics.Config
	mapper     *attribution.Mapper
	detector   *residue.Detector
	workers    int
	logger     *zap.Logger
}

// NewRunner creates a runner. detector may be nil to skip residue detection.
func NewRunner(cache *metrics.Cache, metricsCfg metrics.Config, mapper *attribution.Mapper, detector *residue.Detector, workers int, logger *zap.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		cache:      cache,
		metricsCfg: metricsCfg,
		mapper:     mapper,
		detector:   detector,
		workers:    workers,
		logger:     logger,
	}
}

// Analyze processes one trace: cached metric report, collapse check, and
// attribution graph.
func (r *Runner) Analyze(t *trace.Trace) (*Result, error) {
	report, err := r.cache.GetOrCompute(t.ID, r.metricsCfg.Hash(), func() (*metrics.Report, error) {
		return metrics.Compute(t, r.metricsCfg), nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{TraceID: t.ID, Report: report, CollapseIndex: -1}
	res.Collapsed, res.CollapseIndex = metrics.DetectCollapse(t, r.metricsCfg)

	if r.mapper != nil {
		graph, err := r.mapper.Map(t)
		if err != nil {
			return nil, err
		}
		res.Graph = graph
	}
	return res, nil
}

// Run analyzes a whole corpus. Per-trace results come back ordered by trace
// ID regardless of completion order.
func (r *Runner) Run(ctx context.Context, corpus []*trace.Trace) (*CorpusResult, error) {
	out := &CorpusResult{Results: make([]*Result, 0, len(corpus))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	var mu sync.Mutex
	for _, t := range corpus {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := r.Analyze(t)
			if err != nil {
				return err
			}
			mu.Lock()
			out.Results = append(out.Results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out.Results, func(a, b int) bool {
		return out.Results[a].TraceID < out.Results[b].TraceID
	})

	if r.detector != nil {
		clusters, err := r.detector.Detect(ctx, corpus)
		if err != nil {
			return nil, err
		}
		out.Clusters = clusters
	}

	if r.logger != nil {
		r.logger.Info("Corpus analyzed",
			zap.Int("traces", len(out.Results)),
			zap.Int("clusters", len(out.Clusters)),
		)
	}
	return out, nil
}
