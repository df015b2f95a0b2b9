// Package attribution builds a weighted influence graph for a trace. Each
// step's raw attention weights are normalized to sum to 1 and transitive
// influence through intermediate steps is folded in up to a bounded hop
// count, so the graph answers "where did this step's content come from"
// rather than only "what did it look at last".
package attribution

import (
	"fmt"
	"math"
	"sort"

	"github.com/daverage/tracelens/internal/trace"
)

// Node kinds.
const (
	KindStep  = "step"
	KindInput = "input"
)

// Node identifies either a processing step or an external input element.
type Node struct {
	Kind  string `json:"kind"`
	Index int    `json:"index"`
}

func stepNode(i int) Node  { return Node{Kind: KindStep, Index: i} }
func inputNode(i int) Node { return Node{Kind: KindInput, Index: i} }

// Edge is a directed influence edge; the source always precedes the target
// in processing order.
type Edge struct {
	Source Node    `json:"source"`
	Target Node    `json:"target"`
	Weight float64 `json:"weight"`
}

// Graph is the attribution graph derived from one trace. For every non-source
// node the incoming edge weights sum to 1; a node with no incoming edges is a
// source.
type Graph struct {
	TraceID   string `json:"trace_id"`
	StepCount int    `json:"step_count"`
	Edges     []Edge `json:"edges"`

	incoming map[int][]Edge
}

// Incoming returns the edges arriving at the given step, in deterministic
// order.
func (g *Graph) Incoming(step int) []Edge {
	return g.incoming[step]
}

// Sources returns the step indices that have no incoming edges.
func (g *Graph) Sources() []int {
	var sources []int
	for i := 0; i < g.StepCount; i++ {
		if len(g.incoming[i]) == 0 {
			sources = append(sources, i)
		}
	}
	return sources
}

// Validate checks the normalization invariant within epsilon.
func (g *Graph) Validate(epsilon float64) error {
	for i := 0; i < g.StepCount; i++ {
		edges := g.incoming[i]
		if len(edges) == 0 {
			continue
		}
		var sum float64
		for _, e := range edges {
			if e.Weight < 0 {
				return fmt.Errorf("step %d has negative incoming weight from %s %d", i, e.Source.Kind, e.Source.Index)
			}
			sum += e.Weight
		}
		if math.Abs(sum-1) > epsilon {
			return fmt.Errorf("step %d incoming weights sum to %g, expected 1", i, sum)
		}
	}
	return nil
}

// Mapper builds attribution graphs.
type Mapper struct {
	maxHops int
	epsilon float64
}

// NewMapper creates a mapper with the given transitive-closure hop cap.
func NewMapper(maxHops int, epsilon float64) *Mapper {
	if maxHops < 1 {
		maxHops = 1
	}
	return &Mapper{maxHops: maxHops, epsilon: epsilon}
}

// Map builds the attribution graph for a trace. Raw weights per step are
// normalized to 1; a step whose weights are all zero falls back to uniform
// weight over its prior steps and listed external refs. Influence through
// intermediate steps is accumulated along every path up to maxHops, then the
// totals are renormalized so the per-node invariant holds.
func (m *Mapper) Map(t *trace.Trace) (*Graph, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	// Per-step normalized direct influence.
	direct := make([]map[Node]float64, len(t.Steps))
	for i, step := range t.Steps {
		direct[i] = directWeights(step, i)
	}

	// Hop-bounded transitive accumulation. reach holds the influence
	// distribution at exactly h hops back from step i; totals sum all hops.
	// Accumulation runs in node order: float addition is not associative,
	// and identical traces must map to identical graphs.
	totals := make([]map[Node]float64, len(t.Steps))
	for i := range t.Steps {
		totals[i] = make(map[Node]float64)
		reach := direct[i]
		for hop := 1; hop <= m.maxHops && len(reach) > 0; hop++ {
			next := make(map[Node]float64)
			for _, node := range sortedNodes(reach) {
				w := reach[node]
				totals[i][node] += w
				if node.Kind == KindStep {
					for _, src := range sortedNodes(direct[node.Index]) {
						next[src] += w * direct[node.Index][src]
					}
				}
			}
			reach = next
		}
	}

	graph := &Graph{
		TraceID:   t.ID,
		StepCount: len(t.Steps),
		incoming:  make(map[int][]Edge),
	}

	for i := range t.Steps {
		nodes := sortedNodes(totals[i])
		var sum float64
		for _, node := range nodes {
			sum += totals[i][node]
		}
		if sum == 0 {
			continue // source node
		}

		for _, node := range nodes {
			edge := Edge{Source: node, Target: stepNode(i), Weight: totals[i][node] / sum}
			graph.Edges = append(graph.Edges, edge)
			graph.incoming[i] = append(graph.incoming[i], edge)
		}
	}

	if err := graph.Validate(m.epsilon * float64(len(t.Steps)+1)); err != nil {
		return nil, fmt.Errorf("attribution graph for trace %s: %w", t.ID, err)
	}

	return graph, nil
}

// directWeights normalizes one step's raw weights. The uniform fallback for
// an all-zero step is deliberate: a step that reports no influence still came
// from somewhere, so its history is weighted evenly rather than dropped.
func directWeights(step trace.Step, index int) map[Node]float64 {
	weights := make(map[Node]float64)
	for idx, w := range step.Attended {
		weights[stepNode(idx)] = w
	}
	for idx, w := range step.External {
		weights[inputNode(idx)] = w
	}
	var total float64
	for _, node := range sortedNodes(weights) {
		total += weights[node]
	}

	if total == 0 {
		fallback := make(map[Node]float64)
		for j := 0; j < index; j++ {
			fallback[stepNode(j)] = 1
		}
		for idx := range step.External {
			fallback[inputNode(idx)] = 1
		}
		if len(fallback) == 0 {
			return map[Node]float64{} // true source, nothing precedes it
		}
		uniform := 1 / float64(len(fallback))
		for node := range fallback {
			fallback[node] = uniform
		}
		return fallback
	}

	for node, w := range weights {
		weights[node] = w / total
	}
	return weights
}

// sortedNodes returns the map's keys ordered by kind, then index.
func sortedNodes(m map[Node]float64) []Node {
	nodes := make([]Node, 0, len(m))
	for node := range m {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(a, b int) bool {
		if nodes[a].Kind != nodes[b].Kind {
			return nodes[a].Kind < nodes[b].Kind
		}
		return nodes[a].Index < nodes[b].Index
	})
	return nodes
}
