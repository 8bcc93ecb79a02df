package nn

import (
	"fmt"

	"gonum.org/v1/gonum/graph/topo"

	"neurofleet/internal/genotype"
	"neurofleet/internal/model"
)

// Forward runs one activation pass. inputs are matched to input neurons in
// ascending id order and outputs are returned in ascending output id order.
// Bias neurons emit 1.0. Recurrent graphs are evaluated in ascending id order
// with not-yet-computed sources read as 0.
func Forward(g model.Genotype, inputs []float64) ([]float64, error) {
	inputIDs := genotype.LayerNeuronIDs(g, model.LayerInput)
	if len(inputs) != len(inputIDs) {
		return nil, fmt.Errorf("expected %d inputs, got %d", len(inputIDs), len(inputs))
	}

	values := make(map[int64]float64, len(g.Neurons))
	for i, id := range inputIDs {
		values[id] = inputs[i]
	}
	for _, id := range genotype.LayerNeuronIDs(g, model.LayerBias) {
		values[id] = 1.0
	}

	incoming := make(map[int64][]model.Connection, len(g.Neurons))
	for _, id := range genotype.ConnectionIDs(g) {
		conn := g.Connections[id]
		incoming[conn.To] = append(incoming[conn.To], conn)
	}

	for _, id := range evaluationOrder(g) {
		neuron := g.Neurons[id]
		if neuron.Layer == model.LayerInput || neuron.Layer == model.LayerBias {
			continue
		}
		total := 0.0
		for _, conn := range incoming[id] {
			total += values[conn.From] * conn.Weight
		}
		activated, err := applyActivation(neuron.Activation, total)
		if err != nil {
			return nil, fmt.Errorf("neuron %d: %w", id, err)
		}
		values[id] = activated
	}

	outputIDs := genotype.LayerNeuronIDs(g, model.LayerOutput)
	out := make([]float64, len(outputIDs))
	for i, id := range outputIDs {
		out[i] = values[id]
	}
	return out, nil
}

func evaluationOrder(g model.Genotype) []int64 {
	sorted, err := topo.SortStabilized(genotype.DirectedGraph(g), nil)
	if err != nil {
		return genotype.NeuronIDs(g)
	}
	order := make([]int64, 0, len(sorted))
	for _, n := range sorted {
		order = append(order, n.ID())
	}
	return order
}

func applyActivation(name string, x float64) (float64, error) {
	fn, err := GetActivation(name)
	if err != nil {
		return 0, fmt.Errorf("unsupported activation: %s", name)
	}
	return fn(x), nil
}
