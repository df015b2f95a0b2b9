package metrics

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daverage/tracelens/internal/store"
)

func TestCacheComputesOnce(t *testing.T) {
	cache := NewCache(nil, zap.NewNop())

	cfg := testConfig()
	tr := basisTrace("cached", 4)

	calls := 0
	compute := func() (*Report, error) {
		calls++
		return Compute(tr, cfg), nil
	}

	first, err := cache.GetOrCompute(tr.ID, cfg.Hash(), compute)
	require.NoError(t, err)
	second, err := cache.GetOrCompute(tr.ID, cfg.Hash(), compute)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Same(t, first, second)
}

func TestCacheKeysIncludeConfig(t *testing.T) {
	cache := NewCache(nil, zap.NewNop())
	tr := basisTrace("cached", 4)

	loose := testConfig()
	strict := testConfig()
	strict.ThetaR = 1.5

	calls := 0
	for _, cfg := range []Config{loose, strict} {
		cfg := cfg
		_, err := cache.GetOrCompute(tr.ID, cfg.Hash(), func() (*Report, error) {
			calls++
			return Compute(tr, cfg), nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
}

func TestCachePersistsAcrossInstances(t *testing.T) {
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "cache_test.sqlite3"))
	require.NoError(t, err)
	defer db.Close()

	cfg := testConfig()
	cfg.Codebook = [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}
	tr := basisTrace("persisted", 4)
	_, err = store.NewStore(db, zap.NewNop()).Ingest(tr)
	require.NoError(t, err)

	cache := NewCache(db.Conn(), zap.NewNop())
	original, err := cache.GetOrCompute(tr.ID, cfg.Hash(), func() (*Report, error) {
		return Compute(tr, cfg), nil
	})
	require.NoError(t, err)

	// A fresh cache over the same database must serve the stored report
	// without recomputing.
	fresh := NewCache(db.Conn(), zap.NewNop())
	restored, err := fresh.GetOrCompute(tr.ID, cfg.Hash(), func() (*Report, error) {
		t.Fatal("report should have been served from the database")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, original, restored)

	memory, persisted, err := fresh.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, memory)
	assert.Equal(t, 1, persisted)
}

func TestCachePersistsDegenerateReports(t *testing.T) {
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "cache_test.sqlite3"))
	require.NoError(t, err)
	defer db.Close()

	// No codebook, so STR and the constraint residue are degenerate. The
	// report must still round-trip through the database.
	cfg := testConfig()
	tr := basisTrace("degenerate", 4)
	_, err = store.NewStore(db, zap.NewNop()).Ingest(tr)
	require.NoError(t, err)

	cache := NewCache(db.Conn(), zap.NewNop())
	_, err = cache.GetOrCompute(tr.ID, cfg.Hash(), func() (*Report, error) {
		return Compute(tr, cfg), nil
	})
	require.NoError(t, err)

	fresh := NewCache(db.Conn(), zap.NewNop())
	restored, err := fresh.GetOrCompute(tr.ID, cfg.Hash(), func() (*Report, error) {
		t.Fatal("report should have been served from the database")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, restored.STR.Invalid)
	assert.Equal(t, "empty codebook", restored.STR.Reason)
}
