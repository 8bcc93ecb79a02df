package genotype

import (
	"fmt"
	"math/rand"

	"neurofleet/internal/model"
)

// SeedSpec describes the fixed interface of an initial genotype.
type SeedSpec struct {
	Inputs           int
	Outputs          int
	Bias             bool
	InputActivation  string
	OutputActivation string
}

// Seed builds a genotype with the requested input, output and optional bias
// neurons, fully connected into the outputs with weights drawn from U[-1,1].
func Seed(id string, spec SeedSpec, rng *rand.Rand) (model.Genotype, error) {
	if spec.Inputs <= 0 {
		return model.Genotype{}, fmt.Errorf("%w: at least one input neuron is required", ErrInvalidTopology)
	}
	if spec.Outputs <= 0 {
		return model.Genotype{}, fmt.Errorf("%w: at least one output neuron is required", ErrInvalidTopology)
	}
	if rng == nil {
		return model.Genotype{}, fmt.Errorf("random source is required")
	}
	inAct := spec.InputActivation
	if inAct == "" {
		inAct = "identity"
	}
	outAct := spec.OutputActivation
	if outAct == "" {
		outAct = "sigmoid"
	}

	g := New(id)
	sources := make([]int64, 0, spec.Inputs+1)
	for i := 0; i < spec.Inputs; i++ {
		var nid int64
		g, nid = AddNeuron(g, model.LayerInput, inAct)
		sources = append(sources, nid)
	}
	if spec.Bias {
		var nid int64
		g, nid = AddNeuron(g, model.LayerBias, "identity")
		sources = append(sources, nid)
	}
	outputs := make([]int64, 0, spec.Outputs)
	for i := 0; i < spec.Outputs; i++ {
		var nid int64
		g, nid = AddNeuron(g, model.LayerOutput, outAct)
		outputs = append(outputs, nid)
	}
	for _, from := range sources {
		for _, to := range outputs {
			var err error
			g, _, err = AddConnection(g, from, to, rng.Float64()*2-1)
			if err != nil {
				return model.Genotype{}, err
			}
		}
	}
	return g, nil
}
