package metrics

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadCodebook reads the STR quantization codebook from a JSON file holding
// an array of equal-length centroid vectors. An empty path yields an empty
// codebook, which makes STR report degenerate rather than fail.
func LoadCodebook(path string) ([][]float32, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read codebook: %w", err)
	}

	var codebook [][]float32
	if err := json.Unmarshal(data, &codebook); err != nil {
		return nil, fmt.Errorf("failed to parse codebook: %w", err)
	}

	for i, c := range codebook {
		if len(c) == 0 {
			return nil, fmt.Errorf("codebook centroid %d is empty", i)
		}
		if len(c) != len(codebook[0]) {
			return nil, fmt.Errorf("codebook centroid %d has dimensionality %d, expected %d", i, len(c), len(codebook[0]))
		}
	}
	return codebook, nil
}
