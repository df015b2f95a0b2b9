package trace

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Step is one unit of recursive processing inside a trace.
// Attended maps prior-step indices to raw attention weights; External maps
// indices into the externally supplied input sequence to raw weights.
// Weights need not sum to 1 at ingestion.
type Step struct {
	Representation []float32       `json:"representation"`
	Attended       map[int]float64 `json:"attended,omitempty"`
	External       map[int]float64 `json:"external,omitempty"`
}

// Trace is an ordered record of one recursive process run. Step order is
// temporal and semantically meaningful.
type Trace struct {
	ID       string            `json:"id"`
	Steps    []Step            `json:"steps"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ValidationError describes why a trace was rejected at ingestion.
// A rejected trace is never partially stored.
type ValidationError struct {
	TraceID string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.TraceID == "" {
		return fmt.Sprintf("invalid trace: %s", e.Reason)
	}
	return fmt.Sprintf("invalid trace %s: %s", e.TraceID, e.Reason)
}

// Dim returns the representation dimensionality of the trace.
// Only meaningful for a validated trace.
func (t *Trace) Dim() int {
	if len(t.Steps) == 0 {
		return 0
	}
	return len(t.Steps[0].Representation)
}

// Validate checks the structural invariants: at least one step, consistent
// dimensionality, no negative weights, no NaN/Inf components, and attention
// indices that actually point backwards.
func (t *Trace) Validate() error {
	if len(t.Steps) == 0 {
		return &ValidationError{TraceID: t.ID, Reason: "trace has no steps"}
	}

	dim := len(t.Steps[0].Representation)
	if dim == 0 {
		return &ValidationError{TraceID: t.ID, Reason: "step 0 has an empty representation"}
	}

	for i, step := range t.Steps {
		if len(step.Representation) != dim {
			return &ValidationError{
				TraceID: t.ID,
				Reason:  fmt.Sprintf("step %d has dimensionality %d, expected %d", i, len(step.Representation), dim),
			}
		}
		for j, v := range step.Representation {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return &ValidationError{
					TraceID: t.ID,
					Reason:  fmt.Sprintf("step %d component %d is not finite", i, j),
				}
			}
		}
		for idx, w := range step.Attended {
			if w < 0 {
				return &ValidationError{
					TraceID: t.ID,
					Reason:  fmt.Sprintf("step %d has negative attention weight for step %d", i, idx),
				}
			}
			if math.IsNaN(w) || math.IsInf(w, 0) {
				return &ValidationError{
					TraceID: t.ID,
					Reason:  fmt.Sprintf("step %d has non-finite attention weight for step %d", i, idx),
				}
			}
			if idx < 0 || idx >= i {
				return &ValidationError{
					TraceID: t.ID,
					Reason:  fmt.Sprintf("step %d attends to step %d, which does not precede it", i, idx),
				}
			}
		}
		for idx, w := range step.External {
			if w < 0 {
				return &ValidationError{
					TraceID: t.ID,
					Reason:  fmt.Sprintf("step %d has negative external weight for input %d", i, idx),
				}
			}
			if math.IsNaN(w) || math.IsInf(w, 0) {
				return &ValidationError{
					TraceID: t.ID,
					Reason:  fmt.Sprintf("step %d has non-finite external weight for input %d", i, idx),
				}
			}
			if idx < 0 {
				return &ValidationError{
					TraceID: t.ID,
					Reason:  fmt.Sprintf("step %d references negative external input index %d", i, idx),
				}
			}
		}
	}

	return nil
}

// ContradictionSteps parses the contradiction marker annotation from trace
// metadata under the given key. The value is a comma-separated list of step
// indices. Unknown or out-of-range indices are dropped; an absent key yields
// an empty list.
func (t *Trace) ContradictionSteps(key string) []int {
	raw, ok := t.Metadata[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}

	var steps []int
	for _, part := range strings.Split(raw, ",") {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if idx < 0 || idx >= len(t.Steps) {
			continue
		}
		steps = append(steps, idx)
	}
	return steps
}
