package genotype

import (
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"neurofleet/internal/model"
)

// DirectedGraph projects g onto a gonum directed graph whose node ids are
// neuron ids. Self connections are dropped since simple graphs cannot hold
// them; they never affect reachability.
func DirectedGraph(g model.Genotype) *simple.DirectedGraph {
	dg := simple.NewDirectedGraph()
	for _, id := range NeuronIDs(g) {
		dg.AddNode(simple.Node(id))
	}
	for _, id := range ConnectionIDs(g) {
		conn := g.Connections[id]
		if conn.From == conn.To {
			continue
		}
		dg.SetEdge(dg.NewEdge(simple.Node(conn.From), simple.Node(conn.To)))
	}
	return dg
}

// ReachableOutputs returns the output neurons that some input or bias neuron
// has a directed path to.
func ReachableOutputs(g model.Genotype) map[int64]struct{} {
	dg := DirectedGraph(g)
	sources := append(LayerNeuronIDs(g, model.LayerInput), LayerNeuronIDs(g, model.LayerBias)...)
	reachable := make(map[int64]struct{})
	for _, out := range LayerNeuronIDs(g, model.LayerOutput) {
		for _, src := range sources {
			if topo.PathExistsIn(dg, simple.Node(src), simple.Node(out)) {
				reachable[out] = struct{}{}
				break
			}
		}
	}
	return reachable
}

// PreservesReachability reports whether every output reachable in before is
// still reachable in after.
func PreservesReachability(before, after model.Genotype) bool {
	was := ReachableOutputs(before)
	if len(was) == 0 {
		return true
	}
	now := ReachableOutputs(after)
	for id := range was {
		if _, ok := now[id]; !ok {
			return false
		}
	}
	return true
}
