package residue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/daverage/tracelens/internal/trace"
)

// Config holds the detector's numeric knobs.
type Config struct {
	// WindowSpan is the motif length in steps.
	WindowSpan int
	// ThetaMatch is the cosine-similarity threshold for matching a window
	// to an existing cluster or candidate.
	ThetaMatch float64
	// ConflictRetries bounds how often a lost cluster-update race is
	// retried before the trace's window fails.
	ConflictRetries int
}

// candidate is a singleton motif waiting for a second occurrence from a
// different trace before it becomes a cluster.
type candidate struct {
	span        int
	vectors     [][]float32
	occurrences []Occurrence
	centroid    []float32
}

func (cd *candidate) add(vector []float32, occ Occurrence) {
	cd.vectors = append(cd.vectors, vector)
	cd.occurrences = append(cd.occurrences, occ)
	centroid := make([]float32, len(cd.vectors[0]))
	for _, v := range cd.vectors {
		for i := range v {
			centroid[i] += v[i]
		}
	}
	n := float32(len(cd.vectors))
	for i := range centroid {
		centroid[i] /= n
	}
	cd.centroid = centroid
}

func (cd *candidate) fromDifferentTrace(traceID string) bool {
	for _, occ := range cd.occurrences {
		if occ.TraceID != traceID {
			return true
		}
	}
	return false
}

// clusterTable is the part of the cluster table the detector drives.
type clusterTable interface {
	Snapshot() []ClusterView
	AddOccurrence(id, expectedVersion int64, vector []float32, occ Occurrence) error
	Create(span int, vectors [][]float32, occurrences []Occurrence) int64
	Clusters() []*Cluster
	Checkpoint() error
}

// Detector slides a window over each trace's step representations and
// assigns matching windows to clusters. Given the same corpus order and
// configuration the resulting cluster set is identical across runs:
// similarity ties break toward the lowest existing cluster id, and candidate
// promotion follows corpus order.
type Detector struct {
	cfg    Config
	table  clusterTable
	logger *zap.Logger

	candidates []*candidate
}

// NewDetector creates a detector writing into the given cluster table.
func NewDetector(cfg Config, table *Table, logger *zap.Logger) *Detector {
	if cfg.WindowSpan < 1 {
		cfg.WindowSpan = 1
	}
	if cfg.ConflictRetries < 1 {
		cfg.ConflictRetries = 1
	}
	return &Detector{cfg: cfg, table: table, logger: logger}
}

// Detect processes the corpus in order and returns the resulting clusters.
// Cancellation is cooperative and checkpointed: the context is checked
// between traces, never mid-trace, so the cluster table is always left
// consistent with the last fully-processed trace.
func (d *Detector) Detect(ctx context.Context, corpus []*trace.Trace) ([]*Cluster, error) {
	for _, t := range corpus {
		select {
		case <-ctx.Done():
			return d.table.Clusters(), ctx.Err()
		default:
		}

		if err := d.processTrace(t); err != nil {
			return nil, fmt.Errorf("residue detection failed on trace %s: %w", t.ID, err)
		}

		if err := d.table.Checkpoint(); err != nil {
			return nil, fmt.Errorf("failed to checkpoint after trace %s: %w", t.ID, err)
		}
	}

	return d.table.Clusters(), nil
}

// processTrace slides the window over one trace. Overlapping windows within
// the same trace are matched independently; each occurrence carries its step
// range so downstream consumers can de-overlap if they care to.
func (d *Detector) processTrace(t *trace.Trace) error {
	k := d.cfg.WindowSpan
	if len(t.Steps) < k {
		return nil
	}

	for start := 0; start+k <= len(t.Steps); start++ {
		vectors := make([][]float32, 0, k)
		for i := start; i < start+k; i++ {
			vectors = append(vectors, t.Steps[i].Representation)
		}
		window := trace.Flatten(vectors)
		occ := Occurrence{TraceID: t.ID, Start: start, End: start + k - 1}

		if err := d.assign(window, occ); err != nil {
			return err
		}
	}
	return nil
}

// assign matches one window against clusters first, then candidates, and
// creates a new candidate when nothing matches. A window that matched a
// cluster but lost every retry of the optimistic update fails rather than
// falling through: seeding a candidate there would duplicate the motif.
func (d *Detector) assign(window []float32, occ Occurrence) error {
	var conflict *ClusterConflictError
	for attempt := 0; attempt < d.cfg.ConflictRetries; attempt++ {
		view, found := d.bestCluster(window)
		if !found {
			conflict = nil
			break
		}

		err := d.table.AddOccurrence(view.ID, view.Version, window, occ)
		if err == nil {
			return nil
		}
		if !errors.As(err, &conflict) {
			return err
		}
		// Lost the race; re-read the table and try again.
		if d.logger != nil {
			d.logger.Debug("Cluster update conflict, retrying",
				zap.Int64("cluster_id", view.ID),
				zap.Int("attempt", attempt+1),
			)
		}
	}
	if conflict != nil {
		return fmt.Errorf("cluster update retries exhausted: %w", conflict)
	}

	// No cluster matched; the window seeds candidate state instead.
	if cd := d.bestCandidate(window); cd != nil {
		if cd.fromDifferentTrace(occ.TraceID) {
			cd.add(window, occ)
			id := d.table.Create(cd.span, cd.vectors, cd.occurrences)
			d.removeCandidate(cd)
			if d.logger != nil {
				d.logger.Debug("Candidate promoted to cluster",
					zap.Int64("cluster_id", id),
					zap.String("trace_id", occ.TraceID),
				)
			}
			return nil
		}
		cd.add(window, occ)
		return nil
	}

	cd := &candidate{span: d.cfg.WindowSpan}
	cd.add(window, occ)
	d.candidates = append(d.candidates, cd)
	return nil
}

// bestCluster returns the highest-similarity cluster at or above ThetaMatch.
// Iteration is by ascending id with strict improvement required, so equal
// similarities resolve to the lowest id.
func (d *Detector) bestCluster(window []float32) (ClusterView, bool) {
	var best ClusterView
	bestSim := -1.0
	found := false
	for _, view := range d.table.Snapshot() {
		if len(view.Centroid) != len(window) {
			continue
		}
		sim := trace.CosineSimilarity(window, view.Centroid)
		if sim >= d.cfg.ThetaMatch && sim > bestSim {
			best = view
			bestSim = sim
			found = true
		}
	}
	return best, found
}

// bestCandidate mirrors bestCluster over the candidate list, which is kept
// in creation order.
func (d *Detector) bestCandidate(window []float32) *candidate {
	var best *candidate
	bestSim := -1.0
	for _, cd := range d.candidates {
		if len(cd.centroid) != len(window) {
			continue
		}
		sim := trace.CosineSimilarity(window, cd.centroid)
		if sim >= d.cfg.ThetaMatch && sim > bestSim {
			best = cd
			bestSim = sim
		}
	}
	return best
}

func (d *Detector) removeCandidate(target *candidate) {
	for i, cd := range d.candidates {
		if cd == target {
			d.candidates = append(d.candidates[:i], d.candidates[i+1:]...)
			return
		}
	}
}
