package residue

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/daverage/tracelens/internal/store"
	"github.com/daverage/tracelens/internal/trace"
)

// Table is the shared, mutable cluster set for a run. All mutation is
// serialized behind one lock; readers get snapshots. Updates are optimistic:
// the caller presents the version it read and loses the race if the cluster
// moved on.
type Table struct {
	mu       sync.Mutex
	db       *store.DB
	logger   *zap.Logger
	clusters map[int64]*Cluster
	dirty    map[int64]bool
	nextID   int64
}

// NewTable creates an empty cluster table. Pass nil for db to keep the table
// in memory only.
func NewTable(db *store.DB, logger *zap.Logger) *Table {
	return &Table{
		db:       db,
		logger:   logger,
		clusters: make(map[int64]*Cluster),
		dirty:    make(map[int64]bool),
		nextID:   1,
	}
}

// ClusterView is a read snapshot of a cluster used for matching.
type ClusterView struct {
	ID       int64
	Span     int
	Version  int64
	Centroid []float32
}

// Snapshot returns cluster views ordered by ascending id. Matching iterates
// this order so similarity ties break toward the lowest id.
func (tb *Table) Snapshot() []ClusterView {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	views := make([]ClusterView, 0, len(tb.clusters))
	for _, c := range tb.clusters {
		views = append(views, ClusterView{
			ID:       c.ID,
			Span:     c.Span,
			Version:  c.Version,
			Centroid: append([]float32(nil), c.Centroid...),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// Clusters returns deep copies of all clusters, ordered by id.
func (tb *Table) Clusters() []*Cluster {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	out := make([]*Cluster, 0, len(tb.clusters))
	for _, c := range tb.clusters {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one cluster.
func (tb *Table) Get(id int64) (*Cluster, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	c, ok := tb.clusters[id]
	if !ok {
		return nil, fmt.Errorf("cluster %d not found", id)
	}
	return c.clone(), nil
}

// Create registers a new cluster from its initial occurrence windows and
// returns its id. Ids are assigned monotonically.
func (tb *Table) Create(span int, vectors [][]float32, occurrences []Occurrence) int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	c := &Cluster{
		ID:          tb.nextID,
		Span:        span,
		Version:     1,
		Occurrences: append([]Occurrence(nil), occurrences...),
		vectors:     vectors,
	}
	c.recompute()
	tb.nextID++
	tb.clusters[c.ID] = c
	tb.dirty[c.ID] = true

	if tb.logger != nil {
		tb.logger.Debug("Cluster created",
			zap.Int64("cluster_id", c.ID),
			zap.Int("span", span),
			zap.Int("occurrences", len(occurrences)),
		)
	}
	return c.ID
}

// AddOccurrence appends an occurrence window to a cluster and recomputes its
// centroid and cohesion. The expected version must match the version the
// caller read or the update is rejected with ClusterConflictError.
func (tb *Table) AddOccurrence(id, expectedVersion int64, vector []float32, occ Occurrence) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	c, ok := tb.clusters[id]
	if !ok {
		return fmt.Errorf("cluster %d not found", id)
	}
	if c.Version != expectedVersion {
		return &ClusterConflictError{ClusterID: id, Expected: expectedVersion, Actual: c.Version}
	}

	// Re-detection over an already-processed trace matches the same windows
	// again; a known occurrence must not skew the centroid twice.
	for _, existing := range c.Occurrences {
		if existing.TraceID == occ.TraceID && existing.Start == occ.Start {
			return nil
		}
	}

	c.Occurrences = append(c.Occurrences, occ)
	c.vectors = append(c.vectors, vector)
	c.recompute()
	c.Version++
	tb.dirty[id] = true
	return nil
}

// Merge folds cluster b into cluster a. Merging is an explicit operation and
// only allowed when the centroids agree at least to thetaMerge.
func (tb *Table) Merge(a, b int64, thetaMerge float64) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	ca, ok := tb.clusters[a]
	if !ok {
		return fmt.Errorf("cluster %d not found", a)
	}
	cb, ok := tb.clusters[b]
	if !ok {
		return fmt.Errorf("cluster %d not found", b)
	}
	if ca.Span != cb.Span {
		return fmt.Errorf("cannot merge clusters with spans %d and %d", ca.Span, cb.Span)
	}
	sim := trace.CosineSimilarity(ca.Centroid, cb.Centroid)
	if sim < thetaMerge {
		return fmt.Errorf("clusters %d and %d are below the merge threshold: %.4f < %.4f", a, b, sim, thetaMerge)
	}

	ca.Occurrences = append(ca.Occurrences, cb.Occurrences...)
	ca.vectors = append(ca.vectors, cb.vectors...)
	ca.recompute()
	ca.Version++
	delete(tb.clusters, b)
	tb.dirty[a] = true

	if tb.db != nil {
		if _, err := tb.db.Conn().Exec(`DELETE FROM clusters WHERE id = ?`, b); err != nil {
			return fmt.Errorf("failed to remove merged cluster %d: %w", b, err)
		}
	}

	if tb.logger != nil {
		tb.logger.Info("Clusters merged",
			zap.Int64("survivor", a),
			zap.Int64("absorbed", b),
			zap.Float64("similarity", sim),
		)
	}
	return nil
}

// Checkpoint persists all clusters mutated since the previous checkpoint in
// one transaction. The detector calls this after each fully-processed trace
// so cancellation never leaves a half-applied centroid update on disk.
func (tb *Table) Checkpoint() error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.db == nil || len(tb.dirty) == 0 {
		return nil
	}

	tx, err := tb.db.Conn().Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for id := range tb.dirty {
		c, ok := tb.clusters[id]
		if !ok {
			continue
		}
		_, err := tx.Exec(`
			INSERT INTO clusters (id, span, centroid, cohesion, version)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				centroid = excluded.centroid,
				cohesion = excluded.cohesion,
				version = excluded.version
		`, c.ID, c.Span, store.EncodeVector(c.Centroid), c.Cohesion, c.Version)
		if err != nil {
			return fmt.Errorf("failed to persist cluster %d: %w", c.ID, err)
		}

		for _, occ := range c.Occurrences {
			_, err := tx.Exec(`
				INSERT OR IGNORE INTO cluster_occurrences (cluster_id, trace_id, start_idx, end_idx)
				VALUES (?, ?, ?, ?)
			`, c.ID, occ.TraceID, occ.Start, occ.End)
			if err != nil {
				return fmt.Errorf("failed to persist occurrence for cluster %d: %w", c.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	tb.dirty = make(map[int64]bool)
	return nil
}

// Load restores the cluster table from the database. Occurrence windows are
// rebuilt from the trace store since every cluster is derived state.
func (tb *Table) Load(traces *store.Store) error {
	if tb.db == nil {
		return nil
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	rows, err := tb.db.Conn().Query(`SELECT id, span, centroid, cohesion, version FROM clusters ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to load clusters: %w", err)
	}
	defer rows.Close()

	tb.clusters = make(map[int64]*Cluster)
	for rows.Next() {
		c := &Cluster{}
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Span, &blob, &c.Cohesion, &c.Version); err != nil {
			return err
		}
		c.Centroid, err = store.DecodeVector(blob)
		if err != nil {
			return fmt.Errorf("failed to decode centroid for cluster %d: %w", c.ID, err)
		}
		tb.clusters[c.ID] = c
		if c.ID >= tb.nextID {
			tb.nextID = c.ID + 1
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	occRows, err := tb.db.Conn().Query(`
		SELECT cluster_id, trace_id, start_idx, end_idx
		FROM cluster_occurrences ORDER BY cluster_id, trace_id, start_idx
	`)
	if err != nil {
		return fmt.Errorf("failed to load occurrences: %w", err)
	}
	defer occRows.Close()

	loaded := make(map[string]*trace.Trace)
	for occRows.Next() {
		var clusterID int64
		occ := Occurrence{}
		if err := occRows.Scan(&clusterID, &occ.TraceID, &occ.Start, &occ.End); err != nil {
			return err
		}
		c, ok := tb.clusters[clusterID]
		if !ok {
			continue
		}
		c.Occurrences = append(c.Occurrences, occ)

		if traces == nil {
			continue
		}
		t, ok := loaded[occ.TraceID]
		if !ok {
			t, err = traces.Get(occ.TraceID)
			if err != nil {
				continue // trace may have been removed; cohesion carries on as persisted
			}
			loaded[occ.TraceID] = t
		}
		if occ.End < len(t.Steps) {
			vectors := make([][]float32, 0, c.Span)
			for i := occ.Start; i <= occ.End; i++ {
				vectors = append(vectors, t.Steps[i].Representation)
			}
			c.vectors = append(c.vectors, trace.Flatten(vectors))
		}
	}
	return occRows.Err()
}
