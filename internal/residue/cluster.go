// Package residue detects recurring structural motifs across traces. A motif
// is a fixed-span window of step representations; windows that keep showing
// up across different traces within a similarity threshold condense into
// ResidueClusters with incrementally maintained centroids.
package residue

import (
	"fmt"

	"github.com/daverage/tracelens/internal/trace"
)

// Occurrence records where a cluster's motif was matched.
type Occurrence struct {
	TraceID string `json:"trace_id"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// Cluster is a recurring structural motif. Centroid is the flattened window
// signature (span · dim components); Cohesion is the average similarity of
// occurrences to the signature, in [0, 1]. Version increases on every
// mutation so concurrent-update races are detectable.
type Cluster struct {
	ID          int64        `json:"id"`
	Span        int          `json:"span"`
	Centroid    []float32    `json:"centroid"`
	Cohesion    float64      `json:"cohesion"`
	Version     int64        `json:"version"`
	Occurrences []Occurrence `json:"occurrences"`

	// vectors holds the flattened window of each occurrence so cohesion can
	// be recomputed after centroid updates. Derived state, not persisted.
	vectors [][]float32
}

// ClusterConflictError reports a lost optimistic-concurrency race on a
// cluster update. The table itself stays consistent; the caller re-reads and
// retries.
type ClusterConflictError struct {
	ClusterID int64
	Expected  int64
	Actual    int64
}

func (e *ClusterConflictError) Error() string {
	return fmt.Sprintf("cluster %d version conflict: expected %d, found %d", e.ClusterID, e.Expected, e.Actual)
}

// clone returns a deep copy safe to hand to callers.
func (c *Cluster) clone() *Cluster {
	out := &Cluster{
		ID:          c.ID,
		Span:        c.Span,
		Centroid:    append([]float32(nil), c.Centroid...),
		Cohesion:    c.Cohesion,
		Version:     c.Version,
		Occurrences: append([]Occurrence(nil), c.Occurrences...),
	}
	return out
}

// recompute refreshes centroid (mean of occurrence vectors) and cohesion
// (mean similarity of occurrence vectors to the centroid).
func (c *Cluster) recompute() {
	if len(c.vectors) == 0 {
		return
	}
	dim := len(c.vectors[0])
	centroid := make([]float32, dim)
	for _, v := range c.vectors {
		for i := range v {
			centroid[i] += v[i]
		}
	}
	n := float32(len(c.vectors))
	for i := range centroid {
		centroid[i] /= n
	}
	c.Centroid = centroid

	var sims []float64
	for _, v := range c.vectors {
		sims = append(sims, trace.CosineSimilarity(v, centroid))
	}
	c.Cohesion = trace.Mean(sims)
}
