package genotype

import (
	"sort"

	"neurofleet/internal/model"
)

// LayerNeuronIDs returns the ids of every neuron in layer, ascending.
func LayerNeuronIDs(g model.Genotype, layer model.Layer) []int64 {
	ids := make([]int64, 0, len(g.Neurons))
	for id, neuron := range g.Neurons {
		if neuron.Layer == layer {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

func NeuronIDs(g model.Genotype) []int64 {
	ids := make([]int64, 0, len(g.Neurons))
	for id := range g.Neurons {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func ConnectionIDs(g model.Genotype) []int64 {
	ids := make([]int64, 0, len(g.Connections))
	for id := range g.Connections {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
