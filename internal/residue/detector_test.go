package residue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daverage/tracelens/internal/store"
	"github.com/daverage/tracelens/internal/trace"
)

func detectorConfig() Config {
	return Config{WindowSpan: 3, ThetaMatch: 0.9, ConflictRetries: 3}
}

func motifTrace(id string, reps ...[]float32) *trace.Trace {
	t := &trace.Trace{ID: id}
	for _, r := range reps {
		t.Steps = append(t.Steps, trace.Step{Representation: r})
	}
	return t
}

var motif = [][]float32{{1, 0}, {0, 1}, {1, 1}}

func TestDetectPromotesSharedMotif(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	detector := NewDetector(detectorConfig(), table, zap.NewNop())

	corpus := []*trace.Trace{
		motifTrace("a", motif...),
		motifTrace("b", motif...),
	}

	clusters, err := detector.Detect(context.Background(), corpus)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	c := clusters[0]
	assert.Equal(t, 3, c.Span)
	require.Len(t, c.Occurrences, 2)
	assert.Equal(t, Occurrence{TraceID: "a", Start: 0, End: 2}, c.Occurrences[0])
	assert.Equal(t, Occurrence{TraceID: "b", Start: 0, End: 2}, c.Occurrences[1])
	assert.InDelta(t, 1.0, c.Cohesion, 1e-6)
}

func TestDetectKeepsSingleTraceMotifAsCandidate(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	detector := NewDetector(detectorConfig(), table, zap.NewNop())

	// The motif repeats within one trace only; without a second trace it
	// must not become a cluster.
	steps := append(append([][]float32{}, motif...), motif...)
	corpus := []*trace.Trace{motifTrace("solo", steps...)}

	clusters, err := detector.Detect(context.Background(), corpus)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestDetectMatchesThirdOccurrenceToExistingCluster(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	detector := NewDetector(detectorConfig(), table, zap.NewNop())

	corpus := []*trace.Trace{
		motifTrace("a", motif...),
		motifTrace("b", motif...),
		motifTrace("c", motif...),
	}

	clusters, err := detector.Detect(context.Background(), corpus)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Occurrences, 3)
}

func TestDetectDistinguishesDissimilarMotifs(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	detector := NewDetector(detectorConfig(), table, zap.NewNop())

	other := [][]float32{{-1, 0}, {0, -1}, {1, -1}}
	corpus := []*trace.Trace{
		motifTrace("a1", motif...),
		motifTrace("a2", motif...),
		motifTrace("b1", other...),
		motifTrace("b2", other...),
	}

	clusters, err := detector.Detect(context.Background(), corpus)
	require.NoError(t, err)
	assert.Len(t, clusters, 2)
}

func TestDetectIsIdempotentAcrossRuns(t *testing.T) {
	corpus := []*trace.Trace{
		motifTrace("a", motif...),
		motifTrace("b", motif...),
		motifTrace("c", [][]float32{{0, 1}, {1, 0}, {-1, 1}}...),
	}

	run := func() []*Cluster {
		table := NewTable(nil, zap.NewNop())
		detector := NewDetector(detectorConfig(), table, zap.NewNop())
		clusters, err := detector.Detect(context.Background(), corpus)
		require.NoError(t, err)
		return clusters
	}

	first := run()
	second := run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Span, second[i].Span)
		assert.Equal(t, first[i].Occurrences, second[i].Occurrences)
		assert.InDelta(t, first[i].Cohesion, second[i].Cohesion, 1e-9)
	}
}

func TestDetectHonorsCancellationBetweenTraces(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	detector := NewDetector(detectorConfig(), table, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := detector.Detect(ctx, []*trace.Trace{motifTrace("a", motif...)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, table.Clusters())
}

func TestAddOccurrenceRejectsStaleVersion(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	window := trace.Flatten(motif)
	id := table.Create(3, [][]float32{window}, []Occurrence{{TraceID: "a", Start: 0, End: 2}})

	require.NoError(t, table.AddOccurrence(id, 1, window, Occurrence{TraceID: "b", Start: 0, End: 2}))

	// The version moved on; a second writer holding the old version loses.
	err := table.AddOccurrence(id, 1, window, Occurrence{TraceID: "c", Start: 0, End: 2})
	require.Error(t, err)

	var conflict *ClusterConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, id, conflict.ClusterID)
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)
}

func TestMergeRequiresSimilarCentroids(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	a := table.Create(3, [][]float32{trace.Flatten(motif)}, []Occurrence{{TraceID: "a", Start: 0, End: 2}})
	far := trace.Flatten([][]float32{{-1, 0}, {0, -1}, {-1, -1}})
	b := table.Create(3, [][]float32{far}, []Occurrence{{TraceID: "b", Start: 0, End: 2}})

	err := table.Merge(a, b, 0.95)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge threshold")
	assert.Len(t, table.Clusters(), 2)
}

func TestMergeFoldsOccurrences(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	window := trace.Flatten(motif)
	a := table.Create(3, [][]float32{window}, []Occurrence{{TraceID: "a", Start: 0, End: 2}})
	b := table.Create(3, [][]float32{window}, []Occurrence{{TraceID: "b", Start: 1, End: 3}})

	require.NoError(t, table.Merge(a, b, 0.95))

	clusters := table.Clusters()
	require.Len(t, clusters, 1)
	assert.Equal(t, a, clusters[0].ID)
	assert.Len(t, clusters[0].Occurrences, 2)

	_, err := table.Get(b)
	assert.Error(t, err)
}

func TestMergeRejectsMismatchedSpans(t *testing.T) {
	table := NewTable(nil, zap.NewNop())
	a := table.Create(3, [][]float32{trace.Flatten(motif)}, []Occurrence{{TraceID: "a", Start: 0, End: 2}})
	b := table.Create(2, [][]float32{trace.Flatten(motif[:2])}, []Occurrence{{TraceID: "b", Start: 0, End: 1}})

	err := table.Merge(a, b, 0.95)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spans")
}

func TestTablePersistsAndReloads(t *testing.T) {
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "residue_test.sqlite3"))
	require.NoError(t, err)
	defer db.Close()

	traces := store.NewStore(db, zap.NewNop())
	for _, id := range []string{"a", "b"} {
		_, err := traces.Ingest(motifTrace(id, motif...))
		require.NoError(t, err)
	}

	table := NewTable(db, zap.NewNop())
	detector := NewDetector(detectorConfig(), table, zap.NewNop())

	corpus, err := traces.GetAll(store.Filter{})
	require.NoError(t, err)
	clusters, err := detector.Detect(context.Background(), corpus)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	reloaded := NewTable(db, zap.NewNop())
	require.NoError(t, reloaded.Load(traces))

	restored := reloaded.Clusters()
	require.Len(t, restored, 1)
	assert.Equal(t, clusters[0].ID, restored[0].ID)
	assert.Equal(t, clusters[0].Span, restored[0].Span)
	assert.Equal(t, clusters[0].Centroid, restored[0].Centroid)
	assert.Len(t, restored[0].Occurrences, 2)
}

// conflictedTable simulates a cluster whose version moves between every
// snapshot and update attempt.
type conflictedTable struct {
	*Table
}

func (ct *conflictedTable) AddOccurrence(id, expectedVersion int64, vector []float32, occ Occurrence) error {
	return &ClusterConflictError{ClusterID: id, Expected: expectedVersion, Actual: expectedVersion + 1}
}

func TestDetectFailsWhenConflictRetriesExhausted(t *testing.T) {
	cfg := detectorConfig()
	cfg.ConflictRetries = 2

	table := NewTable(nil, zap.NewNop())
	window := trace.Flatten(motif)
	table.Create(3, [][]float32{window}, []Occurrence{
		{TraceID: "a", Start: 0, End: 2},
		{TraceID: "b", Start: 0, End: 2},
	})

	detector := NewDetector(cfg, table, zap.NewNop())
	detector.table = &conflictedTable{table}

	_, err := detector.Detect(context.Background(), []*trace.Trace{motifTrace("c", motif...)})
	var conflict *ClusterConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.ClusterID)

	// The losing window must not seed a duplicate motif.
	assert.Empty(t, detector.candidates)
	assert.Len(t, table.Clusters(), 1)
}
