package trace

import "math"

// CosineSimilarity calculates cosine similarity between two vectors
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance is 1 minus cosine similarity, in [0, 2].
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}

// WeightedSum accumulates weight-scaled vectors into a single vector of the
// given dimensionality. Vectors of a different length are skipped.
func WeightedSum(dim int, vectors [][]float32, weights []float64) []float32 {
	out := make([]float32, dim)
	for i, v := range vectors {
		if len(v) != dim {
			continue
		}
		w := weights[i]
		for j := range v {
			out[j] += float32(w) * v[j]
		}
	}
	return out
}

// Flatten concatenates a run of equal-length vectors into one vector,
// preserving order. Used for motif window signatures.
func Flatten(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	out := make([]float32, 0, len(vectors)*len(vectors[0]))
	for _, v := range vectors {
		out = append(out, v...)
	}
	return out
}

// Mean returns the arithmetic mean of a float64 slice, or 0 for an empty one.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Variance returns the population variance of a float64 slice.
func Variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := Mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}
