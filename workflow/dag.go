package workflow

import (
	"sort"
	"strings"

	"github.com/BaSui01/cardflow/cards"
	"github.com/BaSui01/cardflow/types"
)

// Graph is a validated flow DAG.
type Graph struct {
	// Order is the deterministic topological order of the nodes.
	Order []string
	Entry string
	Exits []string
	// Preds and Succs list the inbound and outbound edges of each node in
	// input edge order.
	Preds map[string][]cards.Edge
	Succs map[string][]cards.Edge
}

// ValidateDAG checks that entry, exits and every edge endpoint are members
// of nodes and returns a topological order computed by dependency-count
// elimination. Ties between ready nodes are broken by their position in
// nodes. Nodes left over after elimination are reported as a CYCLE error.
func ValidateDAG(nodes []string, edges []cards.Edge, entry string, exits []string) ([]string, error) {
	g, err := buildGraph(nodes, edges, entry, exits)
	if err != nil {
		return nil, err
	}
	return g.Order, nil
}

// BuildGraph validates flow and returns its graph.
func BuildGraph(flow *cards.FlowCard) (*Graph, error) {
	if flow == nil {
		return nil, types.NewValidationError("", "nil flow card")
	}
	g, err := buildGraph(flow.Nodes, flow.Edges, flow.Entry, flow.Exits)
	if err != nil {
		if e, ok := types.AsError(err); ok && e.Ref == "" {
			e.Ref = flow.ID
		}
		return nil, err
	}
	return g, nil
}

func buildGraph(nodes []string, edges []cards.Edge, entry string, exits []string) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, types.NewValidationError("", "flow has no nodes")
	}
	position := make(map[string]int, len(nodes))
	for i, id := range nodes {
		if _, dup := position[id]; dup {
			return nil, types.NewValidationError(id, "duplicate node in flow")
		}
		position[id] = i
	}

	if _, ok := position[entry]; !ok {
		return nil, types.Errorf(types.ErrReference, "entry %q is not a flow node", entry).WithRef(entry)
	}
	if len(exits) == 0 {
		return nil, types.NewValidationError("", "flow has no exits")
	}
	for _, x := range exits {
		if _, ok := position[x]; !ok {
			return nil, types.Errorf(types.ErrReference, "exit %q is not a flow node", x).WithRef(x)
		}
	}

	g := &Graph{
		Entry: entry,
		Exits: append([]string(nil), exits...),
		Preds: make(map[string][]cards.Edge, len(nodes)),
		Succs: make(map[string][]cards.Edge, len(nodes)),
	}
	indegree := make(map[string]int, len(nodes))
	for _, e := range edges {
		if _, ok := position[e.From]; !ok {
			return nil, types.Errorf(types.ErrReference, "edge %s: %q is not a flow node", e, e.From).WithRef(e.From)
		}
		if _, ok := position[e.To]; !ok {
			return nil, types.Errorf(types.ErrReference, "edge %s: %q is not a flow node", e, e.To).WithRef(e.To)
		}
		g.Preds[e.To] = append(g.Preds[e.To], e)
		g.Succs[e.From] = append(g.Succs[e.From], e)
		indegree[e.To]++
	}

	// ready 按输入顺序保持有序，保证结果可复现
	var ready []string
	for _, id := range nodes {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, e := range g.Succs[id] {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				ready = insertByPosition(ready, e.To, position)
			}
		}
	}

	if len(order) < len(nodes) {
		var cyclic []string
		for _, id := range nodes {
			if indegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, types.Errorf(types.ErrCycle, "cycle detected among nodes [%s]", strings.Join(cyclic, ", ")).
			WithRef(cyclic[0])
	}
	g.Order = order
	return g, nil
}

func insertByPosition(ready []string, id string, position map[string]int) []string {
	i := sort.Search(len(ready), func(i int) bool { return position[ready[i]] > position[id] })
	ready = append(ready, "")
	copy(ready[i+1:], ready[i:])
	ready[i] = id
	return ready
}

// Reachable returns the nodes reachable from the entry, including it.
func (g *Graph) Reachable() map[string]bool {
	seen := map[string]bool{g.Entry: true}
	queue := []string{g.Entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Succs[id] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return seen
}
