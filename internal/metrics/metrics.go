// Package metrics implements the per-trace structural metrics: the Recursion
// Depth Index, Symbolic Transformation Ratio, Process Externalization Factor,
// the Recursive Coherence function and its Beverly Band, plus the constraint
// residue scalar. All calculators are pure functions of a trace and a
// configuration; numeric degeneracy is reported as a flagged NaN value, never
// as an error, so batch analysis over many traces is not aborted by one bad
// trace.
package metrics

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"

	"github.com/daverage/tracelens/internal/trace"
)

// Metric names as persisted in reports.
const (
	MetricRDI               = "rdi"
	MetricSTR               = "str"
	MetricPEF               = "pef"
	MetricCoherence         = "coherence"
	MetricBeverlyBand       = "beverly_band"
	MetricConstraintResidue = "constraint_residue"
)

// Stability classes for a coherence score, from the source model.
const (
	StabilityHigh     = "highly_stable"
	StabilityStable   = "stable"
	StabilityModerate = "moderately_stable"
	StabilityMarginal = "marginally_stable"
	StabilityUnstable = "unstable"
)

// Config is the numeric configuration shared by all calculators. Identical
// config plus identical trace always yields identical output.
type Config struct {
	// ThetaR is the cosine-distance threshold above which a step counts as
	// an effective recursive transition.
	ThetaR float64 `json:"theta_r"`
	// Epsilon guards divisions against near-zero denominators.
	Epsilon float64 `json:"epsilon"`
	// WindowSpan is the sliding window length for bounded integrity and
	// collapse detection.
	WindowSpan int `json:"window_span"`
	// TensionBound is the maximum cosine distance a post-contradiction step
	// may move and still count toward tension capacity.
	TensionBound float64 `json:"tension_bound"`
	// CollapseThreshold is the coherence level below which, combined with a
	// falling gradient, collapse is flagged.
	CollapseThreshold float64 `json:"collapse_threshold"`
	// CollapseGradient is the window-to-window coherence change below which
	// a below-threshold window counts as falling. Must be negative; the
	// zero value selects the default.
	CollapseGradient float64 `json:"collapse_gradient"`
	// ContradictionKey names the trace metadata entry listing contradiction
	// step indices.
	ContradictionKey string `json:"contradiction_key"`
	// Codebook holds the quantization centroids for STR. An empty codebook
	// makes STR degenerate.
	Codebook [][]float32 `json:"codebook"`
}

// Hash returns a stable hash of the configuration, used as the metric report
// cache key.
func (c Config) Hash() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Value is one computed metric. Degenerate computations carry NaN, Invalid
// set, and the reason.
type Value struct {
	Value   float64 `json:"value"`
	Invalid bool    `json:"invalid,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// valueJSON mirrors Value for serialization. NaN is not representable in
// JSON, so a degenerate value travels as null.
type valueJSON struct {
	Value   *float64 `json:"value"`
	Invalid bool     `json:"invalid,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Invalid: v.Invalid, Reason: v.Reason}
	if !math.IsNaN(v.Value) && !math.IsInf(v.Value, 0) {
		val := v.Value
		out.Value = &val
	}
	return json.Marshal(out)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	v.Invalid = in.Invalid
	v.Reason = in.Reason
	if in.Value != nil {
		v.Value = *in.Value
	} else {
		v.Value = math.NaN()
	}
	return nil
}

func valid(v float64) Value {
	return Value{Value: v}
}

func degenerate(reason string) Value {
	return Value{Value: math.NaN(), Invalid: true, Reason: reason}
}

// Components are the four sub-scores of the Recursive Coherence function.
type Components struct {
	SignalAlignment        float64 `json:"signal_alignment"`
	FeedbackResponsiveness float64 `json:"feedback_responsiveness"`
	BoundedIntegrity       float64 `json:"bounded_integrity"`
	TensionCapacity        float64 `json:"tension_capacity"`
}

// Product applies the coherence function to the components.
func (c Components) Product() float64 {
	return c.SignalAlignment * c.FeedbackResponsiveness * c.BoundedIntegrity * c.TensionCapacity
}

// Weakest names the lowest sub-score, the critical component of the source
// model's stability analysis.
func (c Components) Weakest() string {
	values := []struct {
		name  string
		value float64
	}{
		{"signal_alignment", c.SignalAlignment},
		{"feedback_responsiveness", c.FeedbackResponsiveness},
		{"bounded_integrity", c.BoundedIntegrity},
		{"tension_capacity", c.TensionCapacity},
	}
	weakest := values[0]
	for _, v := range values[1:] {
		if v.value < weakest.value {
			weakest = v
		}
	}
	return weakest.name
}

// Report holds every metric computed for one trace under one configuration.
// Immutable once computed; keyed by (trace id, config hash) for caching.
type Report struct {
	TraceID    string `json:"trace_id"`
	ConfigHash string `json:"config_hash"`

	RDI               Value `json:"rdi"`
	STR               Value `json:"str"`
	PEF               Value `json:"pef"`
	Coherence         Value `json:"coherence"`
	BeverlyBand       Value `json:"beverly_band"`
	ConstraintResidue Value `json:"constraint_residue"`

	Components        Components `json:"components"`
	Stability         string     `json:"stability"`
	CollapseDetected  bool       `json:"collapse_detected"`
	CollapseIndex     int        `json:"collapse_index"`
	CriticalComponent string     `json:"critical_component"`
	StepCount         int        `json:"step_count"`
}

// Values returns the metric values by name, for persistence and comparison.
func (r *Report) Values() map[string]Value {
	return map[string]Value{
		MetricRDI:               r.RDI,
		MetricSTR:               r.STR,
		MetricPEF:               r.PEF,
		MetricCoherence:         r.Coherence,
		MetricBeverlyBand:       r.BeverlyBand,
		MetricConstraintResidue: r.ConstraintResidue,
	}
}

// NormalizedRDI is RDI divided by step count, the recursion-rate term used
// by the Beverly Band and the homology comparison.
func (r *Report) NormalizedRDI() float64 {
	if r.RDI.Invalid || r.StepCount == 0 {
		return 0
	}
	return r.RDI.Value / float64(r.StepCount)
}

// Compute produces the full metric report for a trace.
func Compute(t *trace.Trace, cfg Config) *Report {
	report := &Report{
		TraceID:    t.ID,
		ConfigHash: cfg.Hash(),
		StepCount:  len(t.Steps),
	}

	report.RDI = valid(float64(RDI(t, cfg)))
	report.STR = STR(t, cfg)
	report.PEF = valid(PEF(t))

	coherence, components := Coherence(t, cfg)
	report.Coherence = coherence
	report.Components = components
	report.Stability = classifyStability(coherence, cfg)
	report.CriticalComponent = components.Weakest()
	report.CollapseDetected, report.CollapseIndex = DetectCollapse(t, cfg)

	report.BeverlyBand = beverlyBand(report, components)
	report.ConstraintResidue = constraintResidue(report)

	return report
}

// RDI counts steps whose representation moved at least ThetaR in cosine
// distance from their immediate predecessor. No-op repetitions do not inflate
// depth; the first step has no predecessor and never counts.
func RDI(t *trace.Trace, cfg Config) int {
	count := 0
	for i := 1; i < len(t.Steps); i++ {
		d := trace.CosineDistance(t.Steps[i].Representation, t.Steps[i-1].Representation)
		if d >= cfg.ThetaR {
			count++
		}
	}
	return count
}

// STR is the ratio of effective dimensionality after nearest-centroid
// quantization to raw dimensionality, averaged over steps. The effective
// dimensionality of a quantized step is the number of active components of
// its assigned centroid. Degenerate when the codebook is empty.
func STR(t *trace.Trace, cfg Config) Value {
	if len(cfg.Codebook) == 0 {
		return degenerate("empty codebook")
	}
	dim := t.Dim()
	if dim == 0 {
		return degenerate("zero dimensionality")
	}

	var ratios []float64
	for _, step := range t.Steps {
		centroid := nearestCentroid(step.Representation, cfg.Codebook)
		active := 0
		for _, c := range centroid {
			if math.Abs(float64(c)) > cfg.Epsilon {
				active++
			}
		}
		ratio := float64(active) / float64(dim)
		if ratio > 1 {
			ratio = 1
		}
		ratios = append(ratios, ratio)
	}
	return valid(trace.Mean(ratios))
}

// nearestCentroid returns the codebook entry with highest cosine similarity
// to v. Ties resolve to the lowest index so quantization is deterministic.
func nearestCentroid(v []float32, codebook [][]float32) []float32 {
	best := 0
	bestSim := math.Inf(-1)
	for i, c := range codebook {
		sim := trace.CosineSimilarity(v, c)
		if sim > bestSim {
			bestSim = sim
			best = i
		}
	}
	return codebook[best]
}

// PEF is the fraction of total attention weight across all steps that
// targets external inputs rather than prior steps. A trace with no influence
// weight at all externalizes nothing. Weights are accumulated in key order:
// float addition is not associative, and identical traces must yield
// identical reports.
func PEF(t *trace.Trace) float64 {
	var external, total float64
	for _, step := range t.Steps {
		for _, idx := range sortedKeys(step.Attended) {
			total += step.Attended[idx]
		}
		for _, idx := range sortedKeys(step.External) {
			external += step.External[idx]
			total += step.External[idx]
		}
	}
	if total == 0 {
		return 0
	}
	return external / total
}

// Coherence computes the Recursive Coherence function, the product of signal
// alignment, feedback responsiveness, bounded integrity, and tension
// capacity. A trace with fewer than 2 steps is degenerate.
func Coherence(t *trace.Trace, cfg Config) (Value, Components) {
	components := Components{
		SignalAlignment:        1,
		FeedbackResponsiveness: 1,
		BoundedIntegrity:       1,
		TensionCapacity:        1,
	}
	if len(t.Steps) < 2 {
		return degenerate("trace has fewer than 2 steps"), components
	}

	contradictions := t.ContradictionSteps(cfg.ContradictionKey)
	components.SignalAlignment = signalAlignment(t)
	components.FeedbackResponsiveness = feedbackResponsiveness(t, contradictions)
	components.BoundedIntegrity = boundedIntegrity(t.Steps, cfg.WindowSpan)
	components.TensionCapacity = tensionCapacity(t, contradictions, cfg.TensionBound)

	return valid(components.Product()), components
}

// signalAlignment averages, over steps with attended inputs, the cosine
// similarity between a step's representation and the weighted sum of the
// prior-step representations it attended to, scaled to [0, 1]. Steps without
// attended inputs carry no alignment signal and are skipped; a trace with no
// such steps is unpenalized.
func signalAlignment(t *trace.Trace) float64 {
	var scores []float64
	dim := t.Dim()
	for i, step := range t.Steps {
		if len(step.Attended) == 0 {
			continue
		}
		indices := sortedKeys(step.Attended)
		vectors := make([][]float32, 0, len(indices))
		weights := make([]float64, 0, len(indices))
		var total float64
		for _, idx := range indices {
			if idx >= i {
				continue
			}
			vectors = append(vectors, t.Steps[idx].Representation)
			weights = append(weights, step.Attended[idx])
			total += step.Attended[idx]
		}
		if total == 0 {
			continue
		}
		expected := trace.WeightedSum(dim, vectors, weights)
		sim := trace.CosineSimilarity(step.Representation, expected)
		scores = append(scores, (sim+1)/2)
	}
	if len(scores) == 0 {
		return 1
	}
	return trace.Mean(scores)
}

// feedbackResponsiveness is the normalized rate of representation change in
// the step immediately following each contradiction marker. Defaults to 1
// when no markers exist.
func feedbackResponsiveness(t *trace.Trace, contradictions []int) float64 {
	var rates []float64
	for _, m := range contradictions {
		if m+1 >= len(t.Steps) {
			continue
		}
		d := trace.CosineDistance(t.Steps[m+1].Representation, t.Steps[m].Representation)
		// Cosine distance lies in [0, 2].
		rates = append(rates, clamp01(d/2))
	}
	if len(rates) == 0 {
		return 1
	}
	return trace.Mean(rates)
}

// boundedIntegrity is 1 minus the variance of pairwise similarities within a
// sliding window of steps, the identity-stability term.
func boundedIntegrity(steps []trace.Step, window int) float64 {
	if window < 2 {
		window = 2
	}
	if len(steps) < window {
		window = len(steps)
	}

	var sims []float64
	for start := 0; start+window <= len(steps); start++ {
		for i := start; i < start+window; i++ {
			for j := i + 1; j < start+window; j++ {
				sims = append(sims, trace.CosineSimilarity(steps[i].Representation, steps[j].Representation))
			}
		}
	}
	if len(sims) == 0 {
		return 1
	}
	return clamp01(1 - trace.Variance(sims))
}

// tensionCapacity is the ratio of post-contradiction steps whose
// representation change stayed within the configured bound, over all steps
// following contradiction markers. Defaults to 1 when no markers exist.
func tensionCapacity(t *trace.Trace, contradictions []int, bound float64) float64 {
	if len(contradictions) == 0 {
		return 1
	}
	first := contradictions[0]
	for _, m := range contradictions[1:] {
		if m < first {
			first = m
		}
	}

	within, total := 0, 0
	for i := first + 1; i < len(t.Steps); i++ {
		total++
		d := trace.CosineDistance(t.Steps[i].Representation, t.Steps[i-1].Representation)
		if d <= bound {
			within++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(within) / float64(total)
}

// beverlyBand computes Bβ = sqrt(τ) · r · B · E, the tolerance radius for
// observed drift. r is the normalized recursion rate and E is an
// externalization term derived from PEF, kept strictly positive so that a
// fully internal trace still has a band.
func beverlyBand(r *Report, c Components) Value {
	if r.Coherence.Invalid {
		return degenerate("coherence unavailable")
	}
	rate := r.NormalizedRDI()
	e := (1 + r.PEF.Value) / 2
	return valid(math.Sqrt(c.TensionCapacity) * rate * c.BoundedIntegrity * e)
}

// constraintResidue applies the constraint equation Σ = c · (s + e)^r with
// constraint c = 1−PEF, suppression s = 1−STR, expression e = PEF, and
// r the normalized recursion rate.
func constraintResidue(r *Report) Value {
	if r.STR.Invalid {
		return degenerate("str unavailable")
	}
	c := 1 - r.PEF.Value
	s := 1 - r.STR.Value
	e := r.PEF.Value
	return valid(c * math.Pow(s+e, r.NormalizedRDI()))
}

// classifyStability buckets a coherence score into the source model's
// stability classes.
func classifyStability(coherence Value, cfg Config) string {
	if coherence.Invalid {
		return ""
	}
	switch {
	case coherence.Value >= 0.8:
		return StabilityHigh
	case coherence.Value >= 0.6:
		return StabilityStable
	case coherence.Value >= 0.4:
		return StabilityModerate
	case coherence.Value >= cfg.CollapseThreshold:
		return StabilityMarginal
	default:
		return StabilityUnstable
	}
}

// DetectCollapse computes coherence over rolling step windows and flags the
// first window where the value falls below the collapse threshold while
// dropping. Returns the step index the collapsing window starts at, or -1.
func DetectCollapse(t *trace.Trace, cfg Config) (bool, int) {
	window := cfg.WindowSpan
	if window < 2 {
		window = 2
	}
	gradientBound := cfg.CollapseGradient
	if gradientBound >= 0 {
		gradientBound = defaultCollapseGradient
	}
	if len(t.Steps) <= window {
		return false, -1
	}

	var series []float64
	for start := 0; start+window <= len(t.Steps); start++ {
		sub := &trace.Trace{ID: t.ID, Steps: t.Steps[start : start+window]}
		value, _ := Coherence(sub, cfg)
		if value.Invalid {
			return false, -1
		}
		series = append(series, value.Value)
	}

	for i := 1; i < len(series); i++ {
		gradient := series[i] - series[i-1]
		if series[i] < cfg.CollapseThreshold && gradient < gradientBound {
			return true, i
		}
	}
	return false, -1
}

const defaultCollapseGradient = -0.1

func sortedKeys(m map[int]float64) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
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
