// Package homology compares two trace corpora structurally: per-metric
// distributions, a residue-overlap score, and a weighted Structural
// Correspondence Index summarizing how alike the populations are.
package homology

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/daverage/tracelens/internal/metrics"
	"github.com/daverage/tracelens/internal/residue"
	"github.com/daverage/tracelens/internal/trace"
)

// InsufficientDataError is returned when a corpus is too small for the
// comparison statistics to mean anything.
type InsufficientDataError struct {
	Corpus string
	Size   int
	Min    int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("corpus %s has %d traces, need at least %d", e.Corpus, e.Size, e.Min)
}

// Corpus bundles one population's derived data for comparison.
type Corpus struct {
	Label    string
	Reports  []*metrics.Report
	Clusters []*residue.Cluster
}

// Pair matches a trace in corpus A (by report index) with one in corpus B,
// enabling rank correlation instead of mean-difference similarity.
type Pair struct {
	A int
	B int
}

// Config holds the comparator knobs.
type Config struct {
	MinCorpusSize int
	// ThetaMatch is the centroid similarity needed for a cluster in A to
	// count as present in B.
	ThetaMatch float64
	// ResidueWeight is the share of the Structural Correspondence Index
	// carried by residue overlap; the rest is split evenly across metrics.
	ResidueWeight float64
	Epsilon       float64
	// Pairs optionally matches traces across the corpora.
	Pairs []Pair
}

// DistStats summarizes one metric's distribution over a corpus.
type DistStats struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Valid    int     `json:"valid"`
	Invalid  int     `json:"invalid"`
}

// Report is the structural comparison of two corpora.
type Report struct {
	LabelA string `json:"label_a"`
	LabelB string `json:"label_b"`

	StatsA map[string]DistStats `json:"stats_a"`
	StatsB map[string]DistStats `json:"stats_b"`

	PerMetricSimilarity map[string]float64 `json:"per_metric_similarity"`
	ResidueOverlap      float64            `json:"residue_overlap"`
	EncodingEquivalence float64            `json:"encoding_equivalence"`
	BoundaryCollapse    float64            `json:"boundary_collapse"`
	SCI                 float64            `json:"sci"`
}

// Comparator computes homology reports.
type Comparator struct {
	cfg    Config
	logger *zap.Logger
}

// NewComparator creates a comparator.
func NewComparator(cfg Config, logger *zap.Logger) *Comparator {
	if cfg.MinCorpusSize < 2 {
		cfg.MinCorpusSize = 2
	}
	return &Comparator{cfg: cfg, logger: logger}
}

// Compare computes the homology report for two corpora. Metrics whose values
// are invalid across an entire corpus are excluded from the index rather
// than poisoning it.
func (c *Comparator) Compare(a, b Corpus) (*Report, error) {
	if len(a.Reports) < c.cfg.MinCorpusSize {
		return nil, &InsufficientDataError{Corpus: a.Label, Size: len(a.Reports), Min: c.cfg.MinCorpusSize}
	}
	if len(b.Reports) < c.cfg.MinCorpusSize {
		return nil, &InsufficientDataError{Corpus: b.Label, Size: len(b.Reports), Min: c.cfg.MinCorpusSize}
	}

	report := &Report{
		LabelA:              a.Label,
		LabelB:              b.Label,
		StatsA:              corpusStats(a.Reports),
		StatsB:              corpusStats(b.Reports),
		PerMetricSimilarity: make(map[string]float64),
	}

	var names []string
	for name := range report.StatsA {
		names = append(names, name)
	}
	sort.Strings(names)

	var sims []float64
	for _, name := range names {
		sa, sb := report.StatsA[name], report.StatsB[name]
		if sa.Valid == 0 || sb.Valid == 0 {
			continue
		}
		var sim float64
		if len(c.cfg.Pairs) >= 2 {
			sim = c.pairedSimilarity(name, a.Reports, b.Reports)
		} else {
			sim = clamp01(1 - math.Abs(sa.Mean-sb.Mean))
		}
		report.PerMetricSimilarity[name] = sim
		sims = append(sims, sim)
	}

	report.ResidueOverlap = c.residueOverlap(a.Clusters, b.Clusters)
	report.EncodingEquivalence = encodingEquivalence(report.StatsA, report.StatsB, names)
	report.BoundaryCollapse = boundaryCollapse(report, c.cfg.Epsilon)

	metricShare := 1 - c.cfg.ResidueWeight
	report.SCI = metricShare*trace.Mean(sims) + c.cfg.ResidueWeight*report.ResidueOverlap

	if c.logger != nil {
		c.logger.Info("Corpora compared",
			zap.String("corpus_a", a.Label),
			zap.String("corpus_b", b.Label),
			zap.Float64("sci", report.SCI),
			zap.Float64("residue_overlap", report.ResidueOverlap),
		)
	}

	return report, nil
}

// metricValue extracts one comparable scalar from a report. RDI enters the
// comparison normalized by step count so every metric lives on [0, 1].
func metricValue(r *metrics.Report, name string) metrics.Value {
	if name == metrics.MetricRDI {
		v := r.RDI
		if !v.Invalid {
			v.Value = r.NormalizedRDI()
		}
		return v
	}
	return r.Values()[name]
}

func corpusStats(reports []*metrics.Report) map[string]DistStats {
	stats := make(map[string]DistStats)
	for _, name := range []string{
		metrics.MetricRDI, metrics.MetricSTR, metrics.MetricPEF,
		metrics.MetricCoherence, metrics.MetricBeverlyBand, metrics.MetricConstraintResidue,
	} {
		var values []float64
		invalid := 0
		for _, r := range reports {
			v := metricValue(r, name)
			if v.Invalid {
				invalid++
				continue
			}
			values = append(values, v.Value)
		}
		s := DistStats{Valid: len(values), Invalid: invalid}
		if len(values) > 0 {
			s.Mean = trace.Mean(values)
			s.Variance = trace.Variance(values)
			s.Min, s.Max = values[0], values[0]
			for _, v := range values[1:] {
				s.Min = math.Min(s.Min, v)
				s.Max = math.Max(s.Max, v)
			}
		}
		stats[name] = s
	}
	return stats
}

// pairedSimilarity computes a Spearman rank correlation over matched trace
// pairs, scaled to [0, 1]. Pairs touching invalid values are skipped.
func (c *Comparator) pairedSimilarity(name string, a, b []*metrics.Report) float64 {
	var xs, ys []float64
	for _, p := range c.cfg.Pairs {
		if p.A < 0 || p.A >= len(a) || p.B < 0 || p.B >= len(b) {
			continue
		}
		va := metricValue(a[p.A], name)
		vb := metricValue(b[p.B], name)
		if va.Invalid || vb.Invalid {
			continue
		}
		xs = append(xs, va.Value)
		ys = append(ys, vb.Value)
	}
	if len(xs) < 2 {
		return 0
	}
	rho := pearson(rank(xs), rank(ys))
	return clamp01((rho + 1) / 2)
}

// residueOverlap is the fraction of clusters in A whose signature matches at
// least one cluster in B above the match threshold.
func (c *Comparator) residueOverlap(a, b []*residue.Cluster) float64 {
	if len(a) == 0 {
		return 0
	}
	matched := 0
	for _, ca := range a {
		for _, cb := range b {
			if ca.Span != cb.Span || len(ca.Centroid) != len(cb.Centroid) {
				continue
			}
			if trace.CosineSimilarity(ca.Centroid, cb.Centroid) >= c.cfg.ThetaMatch {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(a))
}

// encodingEquivalence is the Pearson correlation of the two corpora's
// per-metric mean vectors, scaled to [0, 1].
func encodingEquivalence(sa, sb map[string]DistStats, names []string) float64 {
	var xs, ys []float64
	for _, name := range names {
		if sa[name].Valid == 0 || sb[name].Valid == 0 {
			continue
		}
		xs = append(xs, sa[name].Mean)
		ys = append(ys, sb[name].Mean)
	}
	if len(xs) < 2 {
		return 0
	}
	return clamp01((pearson(xs, ys) + 1) / 2)
}

// boundaryCollapse applies the bridge equation: equivalence scaled by
// constraint raised to the recursion depth, both taken from the corpus
// means.
func boundaryCollapse(r *Report, epsilon float64) float64 {
	pef := (r.StatsA[metrics.MetricPEF].Mean + r.StatsB[metrics.MetricPEF].Mean) / 2
	depth := (r.StatsA[metrics.MetricRDI].Mean + r.StatsB[metrics.MetricRDI].Mean) / 2
	constraint := clamp01(1 - pef)
	if constraint < epsilon && depth > 0 {
		return 0
	}
	return clamp01(r.EncodingEquivalence * math.Pow(constraint, depth))
}

func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n != len(ys) || n < 2 {
		return 0
	}
	mx, my := trace.Mean(xs), trace.Mean(ys)
	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	return cov / math.Sqrt(vx*vy)
}

// rank converts values to ranks; ties resolve by original position so the
// correlation is deterministic.
func rank(xs []float64) []float64 {
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })
	ranks := make([]float64, len(xs))
	for r, i := range idx {
		ranks[i] = float64(r)
	}
	return ranks
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
