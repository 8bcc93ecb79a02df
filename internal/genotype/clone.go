package genotype

import "neurofleet/internal/model"

// Clone deep-copies g under a new id. The fitness score belongs to the
// evaluated parent and is not inherited.
func Clone(g model.Genotype, id string) model.Genotype {
	out := copyGraph(g)
	out.ID = id
	out.Fitness = nil
	return out
}

// WithFitness returns a copy of g carrying fitness.
func WithFitness(g model.Genotype, fitness float64) model.Genotype {
	out := copyGraph(g)
	out.Fitness = &fitness
	return out
}

func copyGraph(g model.Genotype) model.Genotype {
	out := g
	out.Neurons = make(map[int64]model.Neuron, len(g.Neurons))
	for id, n := range g.Neurons {
		out.Neurons[id] = n
	}
	out.Connections = make(map[int64]model.Connection, len(g.Connections))
	for id, c := range g.Connections {
		out.Connections[id] = c
	}
	if g.Fitness != nil {
		f := *g.Fitness
		out.Fitness = &f
	}
	return out
}
