package genotype

import (
	"errors"
	"fmt"

	"neurofleet/internal/model"
)

var (
	ErrInvalidTopology    = errors.New("invalid topology")
	ErrNeuronNotFound     = errors.New("neuron not found")
	ErrConnectionNotFound = errors.New("connection not found")
)

// New returns an empty genotype with both id counters at 1.
func New(id string) model.Genotype {
	return model.Genotype{
		VersionedRecord:  model.CurrentVersion(),
		ID:               id,
		Neurons:          make(map[int64]model.Neuron),
		Connections:      make(map[int64]model.Connection),
		NextNeuronID:     1,
		NextConnectionID: 1,
	}
}

// AddNeuron returns a copy of g with one additional neuron and the id assigned to it.
func AddNeuron(g model.Genotype, layer model.Layer, activation string) (model.Genotype, int64) {
	out := copyGraph(g)
	id := out.NextNeuronID
	out.Neurons[id] = model.Neuron{Layer: layer, Activation: activation}
	out.NextNeuronID++
	return out, id
}

// AddConnection returns a copy of g with a new connection from -> to.
func AddConnection(g model.Genotype, from, to int64, weight float64) (model.Genotype, int64, error) {
	if err := checkEdge(g, from, to); err != nil {
		return g, 0, err
	}
	out := copyGraph(g)
	id := out.NextConnectionID
	out.Connections[id] = model.Connection{From: from, To: to, Weight: weight}
	out.NextConnectionID++
	return out, id, nil
}

// SetWeights returns a copy of g with the weights of the listed connections
// replaced.
func SetWeights(g model.Genotype, weights map[int64]float64) (model.Genotype, error) {
	for id := range weights {
		if _, ok := g.Connections[id]; !ok {
			return g, fmt.Errorf("%w: %d", ErrConnectionNotFound, id)
		}
	}
	out := copyGraph(g)
	for id, weight := range weights {
		conn := out.Connections[id]
		conn.Weight = weight
		out.Connections[id] = conn
	}
	return out, nil
}

func RemoveConnection(g model.Genotype, id int64) (model.Genotype, error) {
	if _, ok := g.Connections[id]; !ok {
		return g, fmt.Errorf("%w: %d", ErrConnectionNotFound, id)
	}
	out := copyGraph(g)
	delete(out.Connections, id)
	return out, nil
}

// RemoveNeuron deletes a hidden neuron and every connection touching it.
// Input, output and bias neurons are part of the interface of the network;
// removing one is a caller error.
func RemoveNeuron(g model.Genotype, id int64) (model.Genotype, error) {
	neuron, ok := g.Neurons[id]
	if !ok {
		return g, fmt.Errorf("%w: %d", ErrNeuronNotFound, id)
	}
	if neuron.Layer != model.LayerHidden {
		return g, fmt.Errorf("%w: cannot remove %s neuron %d", ErrInvalidTopology, neuron.Layer, id)
	}
	out := copyGraph(g)
	delete(out.Neurons, id)
	for connID, conn := range out.Connections {
		if conn.From == id || conn.To == id {
			delete(out.Connections, connID)
		}
	}
	return out, nil
}

// CanConnect reports whether from -> to satisfies the layer rules.
// It does not check for duplicate edges.
func CanConnect(g model.Genotype, from, to int64) bool {
	return checkEdge(g, from, to) == nil
}

func checkEdge(g model.Genotype, from, to int64) error {
	src, ok := g.Neurons[from]
	if !ok {
		return fmt.Errorf("%w: source neuron %d does not exist", ErrInvalidTopology, from)
	}
	dst, ok := g.Neurons[to]
	if !ok {
		return fmt.Errorf("%w: target neuron %d does not exist", ErrInvalidTopology, to)
	}
	if src.Layer == model.LayerOutput {
		return fmt.Errorf("%w: connection from output neuron %d", ErrInvalidTopology, from)
	}
	if dst.Layer == model.LayerInput || dst.Layer == model.LayerBias {
		return fmt.Errorf("%w: connection into %s neuron %d", ErrInvalidTopology, dst.Layer, to)
	}
	return nil
}

// Validate checks every structural invariant of g.
func Validate(g model.Genotype) error {
	if g.NextNeuronID < 1 || g.NextConnectionID < 1 {
		return fmt.Errorf("%w: id counters must start at 1", ErrInvalidTopology)
	}
	for id, neuron := range g.Neurons {
		if !neuron.Layer.Valid() {
			return fmt.Errorf("%w: neuron %d has unknown layer %q", ErrInvalidTopology, id, neuron.Layer)
		}
		if id < 1 || id >= g.NextNeuronID {
			return fmt.Errorf("%w: neuron id %d outside counter range", ErrInvalidTopology, id)
		}
	}
	for id, conn := range g.Connections {
		if id < 1 || id >= g.NextConnectionID {
			return fmt.Errorf("%w: connection id %d outside counter range", ErrInvalidTopology, id)
		}
		if err := checkEdge(g, conn.From, conn.To); err != nil {
			return fmt.Errorf("connection %d: %w", id, err)
		}
	}
	return nil
}
