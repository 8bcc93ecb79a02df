package evo

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"neurofleet/internal/model"
)

var (
	ErrOperatorExists   = errors.New("operator already registered")
	ErrOperatorNotFound = errors.New("operator not found")
	ErrVersionMismatch  = errors.New("operator version mismatch")
)

// OperatorFactory builds an operator bound to a random source and the rates
// of one population.
type OperatorFactory func(rng *rand.Rand, cfg MutationConfig) Operator

var operatorRegistry = struct {
	mu sync.RWMutex
	m  map[string]OperatorFactory
}{
	m: make(map[string]OperatorFactory),
}

func init() {
	builtins := map[string]OperatorFactory{
		"add_neuron": func(rng *rand.Rand, cfg MutationConfig) Operator {
			return &AddNeuronOperator{Rand: rng, Activations: cfg.Activations}
		},
		"add_connection": func(rng *rand.Rand, _ MutationConfig) Operator {
			return &AddConnectionOperator{Rand: rng}
		},
		"mutate_weights": func(rng *rand.Rand, cfg MutationConfig) Operator {
			return &MutateWeightsOperator{Rand: rng, P: cfg.WeightRate, Sigma: cfg.WeightSigma}
		},
		"remove_connection": func(rng *rand.Rand, cfg MutationConfig) Operator {
			return &RemoveConnectionOperator{Rand: rng, Policy: cfg.Reachability}
		},
		"remove_neuron": func(rng *rand.Rand, cfg MutationConfig) Operator {
			return &RemoveNeuronOperator{Rand: rng, Policy: cfg.Reachability}
		},
	}
	for name, factory := range builtins {
		if err := RegisterOperator(name, factory); err != nil {
			panic(err)
		}
	}
}

func RegisterOperator(name string, factory OperatorFactory) error {
	if name == "" {
		return errors.New("operator name is required")
	}
	if factory == nil {
		return errors.New("operator factory is required")
	}

	operatorRegistry.mu.Lock()
	defer operatorRegistry.mu.Unlock()

	if _, exists := operatorRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrOperatorExists, name)
	}
	operatorRegistry.m[name] = factory
	return nil
}

// NewOperator builds the named operator.
func NewOperator(name string, rng *rand.Rand, cfg MutationConfig) (Operator, error) {
	operatorRegistry.mu.RLock()
	factory, ok := operatorRegistry.m[name]
	operatorRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperatorNotFound, name)
	}
	return factory(rng, cfg), nil
}

// ResolveOperator builds the named operator only if g was written with the
// record versions this build understands.
func ResolveOperator(name string, rng *rand.Rand, cfg MutationConfig, g model.Genotype) (Operator, error) {
	if g.SchemaVersion != model.CurrentSchemaVersion || g.CodecVersion != model.CurrentCodecVersion {
		return nil, fmt.Errorf("%w: operator=%s genotype=%s schema=%d codec=%d",
			ErrVersionMismatch, name, g.ID, g.SchemaVersion, g.CodecVersion)
	}
	return NewOperator(name, rng, cfg)
}

func ListOperators() []string {
	operatorRegistry.mu.RLock()
	defer operatorRegistry.mu.RUnlock()

	names := make([]string, 0, len(operatorRegistry.m))
	for name := range operatorRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mustOperator(name string, rng *rand.Rand, cfg MutationConfig) Operator {
	op, err := NewOperator(name, rng, cfg)
	if err != nil {
		panic(err)
	}
	return op
}
