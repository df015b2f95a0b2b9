package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daverage/tracelens/internal/trace"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "store_test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, zap.NewNop())
}

func sampleTrace(id string) *trace.Trace {
	return &trace.Trace{
		ID: id,
		Steps: []trace.Step{
			{Representation: []float32{1, 0, 0}},
			{
				Representation: []float32{0, 1, 0},
				Attended:       map[int]float64{0: 0.6},
				External:       map[int]float64{0: 0.4},
			},
			{Representation: []float32{0, 0, 1}, Attended: map[int]float64{0: 0.1, 1: 0.9}},
		},
		Metadata: map[string]string{"model": "alpha"},
	}
}

func TestIngestAndGetRoundTrip(t *testing.T) {
	s := testStore(t)

	original := sampleTrace("t1")
	id, err := s.Ingest(original)
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	loaded, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, original.ID, loaded.ID)
	assert.Equal(t, original.Metadata, loaded.Metadata)
	require.Len(t, loaded.Steps, 3)
	for i := range original.Steps {
		assert.Equal(t, original.Steps[i].Representation, loaded.Steps[i].Representation, "step %d", i)
	}
	assert.InDelta(t, 0.6, loaded.Steps[1].Attended[0], 1e-9)
	assert.InDelta(t, 0.4, loaded.Steps[1].External[0], 1e-9)
}

func TestIngestAssignsID(t *testing.T) {
	s := testStore(t)

	tr := sampleTrace("")
	id, err := s.Ingest(tr)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, tr.ID)
}

func TestIngestRejectsInvalidTraceWhole(t *testing.T) {
	s := testStore(t)

	bad := sampleTrace("bad")
	bad.Steps[2].Representation = []float32{1} // dimensionality break

	_, err := s.Ingest(bad)
	require.Error(t, err)

	var verr *trace.ValidationError
	assert.ErrorAs(t, err, &verr)

	// Nothing was stored.
	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestGetUnknownTrace(t *testing.T) {
	s := testStore(t)

	_, err := s.Get("missing")
	require.Error(t, err)

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
}

func TestListFiltersOnMetadata(t *testing.T) {
	s := testStore(t)

	a := sampleTrace("a")
	b := sampleTrace("b")
	b.Metadata = map[string]string{"model": "beta"}
	c := sampleTrace("c")

	for _, tr := range []*trace.Trace{a, b, c} {
		_, err := s.Ingest(tr)
		require.NoError(t, err)
	}

	all, err := s.List(Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, all)

	alphas, err := s.List(Filter{MetadataKey: "model", MetadataValue: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, alphas)

	limited, err := s.List(Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestGetAllLoadsInListOrder(t *testing.T) {
	s := testStore(t)

	for _, id := range []string{"x", "y"} {
		_, err := s.Ingest(sampleTrace(id))
		require.NoError(t, err)
	}

	traces, err := s.GetAll(Filter{})
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, "x", traces[0].ID)
	assert.Equal(t, "y", traces[1].ID)
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	decoded, err := DecodeVector(EncodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, decoded)

	empty, err := DecodeVector(EncodeVector(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeVector([]byte{1, 2})
	assert.Error(t, err)
}
