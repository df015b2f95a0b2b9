package trace

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsWellFormedTrace(t *testing.T) {
	tr := &Trace{
		ID: "t1",
		Steps: []Step{
			{Representation: []float32{1, 0, 0}},
			{Representation: []float32{0, 1, 0}, Attended: map[int]float64{0: 0.8}, External: map[int]float64{0: 0.2}},
			{Representation: []float32{0, 0, 1}, Attended: map[int]float64{0: 0.3, 1: 0.7}},
		},
	}
	require.NoError(t, tr.Validate())
	assert.Equal(t, 3, tr.Dim())
}

func TestValidateRejectsEmptyTrace(t *testing.T) {
	tr := &Trace{ID: "empty"}
	err := tr.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "empty", verr.TraceID)
}

func TestValidateRejectsInconsistentDimensionality(t *testing.T) {
	tr := &Trace{
		ID: "t1",
		Steps: []Step{
			{Representation: []float32{1, 0}},
			{Representation: []float32{1, 0, 0}},
		},
	}
	err := tr.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensionality")
}

func TestValidateRejectsNonFiniteComponents(t *testing.T) {
	tr := &Trace{
		ID: "t1",
		Steps: []Step{
			{Representation: []float32{1, float32(math.NaN())}},
		},
	}
	assert.Error(t, tr.Validate())

	tr.Steps[0].Representation = []float32{1, float32(math.Inf(1))}
	assert.Error(t, tr.Validate())
}

func TestValidateRejectsNegativeWeights(t *testing.T) {
	tr := &Trace{
		ID: "t1",
		Steps: []Step{
			{Representation: []float32{1, 0}},
			{Representation: []float32{0, 1}, Attended: map[int]float64{0: -0.5}},
		},
	}
	assert.Error(t, tr.Validate())

	tr.Steps[1].Attended = nil
	tr.Steps[1].External = map[int]float64{0: -1}
	assert.Error(t, tr.Validate())
}

func TestValidateRejectsForwardAttention(t *testing.T) {
	tr := &Trace{
		ID: "t1",
		Steps: []Step{
			{Representation: []float32{1, 0}},
			{Representation: []float32{0, 1}, Attended: map[int]float64{1: 0.5}},
		},
	}
	err := tr.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not precede")
}

func TestContradictionSteps(t *testing.T) {
	tr := &Trace{
		ID: "t1",
		Steps: []Step{
			{Representation: []float32{1}},
			{Representation: []float32{1}},
			{Representation: []float32{1}},
		},
		Metadata: map[string]string{"contradiction": "1, 2"},
	}
	assert.Equal(t, []int{1, 2}, tr.ContradictionSteps("contradiction"))

	// Out-of-range and garbage entries are dropped, not errors.
	tr.Metadata["contradiction"] = "0, 99, x, 2"
	assert.Equal(t, []int{0, 2}, tr.ContradictionSteps("contradiction"))

	assert.Nil(t, tr.ContradictionSteps("missing"))
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity(a, b), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity(a, []float32{-1, 0, 0}), 1e-9)

	// Zero vectors carry no direction.
	assert.Equal(t, 0.0, CosineSimilarity(a, []float32{0, 0, 0}))
}

func TestCosineDistance(t *testing.T) {
	a := []float32{1, 0}
	assert.InDelta(t, 0.0, CosineDistance(a, a), 1e-9)
	assert.InDelta(t, 1.0, CosineDistance(a, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 2.0, CosineDistance(a, []float32{-1, 0}), 1e-9)
}

func TestWeightedSum(t *testing.T) {
	vectors := [][]float32{{1, 0}, {0, 1}}
	sum := WeightedSum(2, vectors, []float64{0.25, 0.75})
	assert.InDelta(t, 0.25, float64(sum[0]), 1e-6)
	assert.InDelta(t, 0.75, float64(sum[1]), 1e-6)
}

func TestFlatten(t *testing.T) {
	flat := Flatten([][]float32{{1, 2}, {3, 4}})
	assert.Equal(t, []float32{1, 2, 3, 4}, flat)
}

func TestMeanAndVariance(t *testing.T) {
	xs := []float64{1, 2, 3, 4}
	assert.InDelta(t, 2.5, Mean(xs), 1e-9)
	assert.InDelta(t, 1.25, Variance(xs), 1e-9)

	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 0.0, Variance([]float64{5}))
}
