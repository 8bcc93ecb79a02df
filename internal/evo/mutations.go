package evo

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"neurofleet/internal/genotype"
	"neurofleet/internal/model"
	"neurofleet/internal/nn"
)

type ReachabilityPolicy string

const (
	ReachabilityBestEffort ReachabilityPolicy = "best_effort"
	ReachabilityStrict     ReachabilityPolicy = "strict"
)

func ParseReachabilityPolicy(s string) (ReachabilityPolicy, error) {
	switch ReachabilityPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReachabilityBestEffort:
		return ReachabilityBestEffort, nil
	case ReachabilityStrict:
		return ReachabilityStrict, nil
	default:
		return "", fmt.Errorf("unknown reachability policy: %s", s)
	}
}

// MutateWeights perturbs each connection weight with probability p by a
// Gaussian step of standard deviation sigma.
func MutateWeights(rng *rand.Rand, g model.Genotype, p, sigma float64) (model.Genotype, bool) {
	if rng == nil || p <= 0 || len(g.Connections) == 0 {
		return g, false
	}
	weights := make(map[int64]float64)
	for _, id := range genotype.ConnectionIDs(g) {
		if rng.Float64() >= p {
			continue
		}
		weights[id] = g.Connections[id].Weight + rng.NormFloat64()*sigma
	}
	if len(weights) == 0 {
		return g, false
	}
	out, err := genotype.SetWeights(g, weights)
	if err != nil {
		return g, false
	}
	return out, true
}

// AddNeuron splits a random connection (u,v,w) into (u,n,1.0) and (n,v,w)
// through a new hidden neuron n.
func AddNeuron(rng *rand.Rand, g model.Genotype, activations []string) (model.Genotype, bool) {
	if rng == nil || len(g.Connections) == 0 {
		return g, false
	}
	ids := genotype.ConnectionIDs(g)
	connID := ids[rng.Intn(len(ids))]
	conn := g.Connections[connID]

	out, err := genotype.RemoveConnection(g, connID)
	if err != nil {
		return g, false
	}
	out, neuronID := genotype.AddNeuron(out, model.LayerHidden, pickActivation(rng, activations))
	if out, _, err = genotype.AddConnection(out, conn.From, neuronID, 1.0); err != nil {
		return g, false
	}
	if out, _, err = genotype.AddConnection(out, neuronID, conn.To, conn.Weight); err != nil {
		return g, false
	}
	return out, true
}

// AddConnection links a uniformly chosen unconnected pair (u,v) where u is not
// an output, v is neither an input nor a bias neuron, and u != v.
func AddConnection(rng *rand.Rand, g model.Genotype) (model.Genotype, bool) {
	if rng == nil {
		return g, false
	}
	existing := make(map[[2]int64]struct{}, len(g.Connections))
	for _, conn := range g.Connections {
		existing[[2]int64{conn.From, conn.To}] = struct{}{}
	}
	neurons := genotype.NeuronIDs(g)
	var candidates [][2]int64
	for _, from := range neurons {
		for _, to := range neurons {
			if from == to || !genotype.CanConnect(g, from, to) {
				continue
			}
			if _, ok := existing[[2]int64{from, to}]; ok {
				continue
			}
			candidates = append(candidates, [2]int64{from, to})
		}
	}
	if len(candidates) == 0 {
		return g, false
	}
	pair := candidates[rng.Intn(len(candidates))]
	out, _, err := genotype.AddConnection(g, pair[0], pair[1], rng.Float64()*2-1)
	if err != nil {
		return g, false
	}
	return out, true
}

// RemoveConnection deletes a random connection. Under the strict policy a
// removal that disconnects a previously reachable output is skipped in favour
// of the next candidate.
func RemoveConnection(rng *rand.Rand, g model.Genotype, policy ReachabilityPolicy) (model.Genotype, bool) {
	if rng == nil || len(g.Connections) == 0 {
		return g, false
	}
	ids := genotype.ConnectionIDs(g)
	for _, i := range rng.Perm(len(ids)) {
		out, err := genotype.RemoveConnection(g, ids[i])
		if err != nil {
			continue
		}
		if policy == ReachabilityStrict && !genotype.PreservesReachability(g, out) {
			continue
		}
		return out, true
	}
	return g, false
}

// RemoveNeuron deletes a random hidden neuron and its connections.
func RemoveNeuron(rng *rand.Rand, g model.Genotype, policy ReachabilityPolicy) (model.Genotype, bool) {
	if rng == nil {
		return g, false
	}
	hidden := genotype.LayerNeuronIDs(g, model.LayerHidden)
	if len(hidden) == 0 {
		return g, false
	}
	for _, i := range rng.Perm(len(hidden)) {
		out, err := genotype.RemoveNeuron(g, hidden[i])
		if err != nil {
			continue
		}
		if policy == ReachabilityStrict && !genotype.PreservesReachability(g, out) {
			continue
		}
		return out, true
	}
	return g, false
}

func pickActivation(rng *rand.Rand, activations []string) string {
	if len(activations) == 0 {
		activations = nn.ListActivations()
	}
	if len(activations) == 0 {
		return "identity"
	}
	return activations[rng.Intn(len(activations))]
}

// MutationConfig holds the operator rates for one population.
type MutationConfig struct {
	AddNeuronRate        float64
	AddConnectionRate    float64
	WeightRate           float64
	WeightSigma          float64
	RemoveConnectionRate float64
	RemoveNeuronRate     float64
	Activations          []string
	Reachability         ReachabilityPolicy
	// Operators overrides the operator pipeline Mutate runs.
	Operators []string
}

// rate is the probability that Mutate applies the named operator. Operators
// without a configured rate always run.
func (c MutationConfig) rate(name string) float64 {
	switch name {
	case "add_neuron":
		return c.AddNeuronRate
	case "add_connection":
		return c.AddConnectionRate
	case "remove_connection":
		return c.RemoveConnectionRate
	case "remove_neuron":
		return c.RemoveNeuronRate
	default:
		return 1
	}
}

func MutationConfigFrom(cfg model.PopulationConfig) MutationConfig {
	policy, err := ParseReachabilityPolicy(cfg.ReachabilityPolicy)
	if err != nil {
		policy = ReachabilityBestEffort
	}
	return MutationConfig{
		AddNeuronRate:        cfg.AddNeuronRate,
		AddConnectionRate:    cfg.AddConnectionRate,
		WeightRate:           cfg.WeightMutationRate,
		WeightSigma:          cfg.WeightSigma,
		RemoveConnectionRate: cfg.RemoveConnectionRate,
		RemoveNeuronRate:     cfg.RemoveNeuronRate,
		Activations:          append([]string(nil), cfg.Activations...),
		Reachability:         policy,
		Operators:            append([]string(nil), cfg.Operators...),
	}
}

// AddNeuronOperator adapts AddNeuron to Operator.
type AddNeuronOperator struct {
	Rand        *rand.Rand
	Activations []string
}

func (o *AddNeuronOperator) Name() string { return "add_neuron" }

func (o *AddNeuronOperator) Apply(_ context.Context, g model.Genotype) (model.Genotype, bool) {
	return AddNeuron(o.Rand, g, o.Activations)
}

type AddConnectionOperator struct {
	Rand *rand.Rand
}

func (o *AddConnectionOperator) Name() string { return "add_connection" }

func (o *AddConnectionOperator) Apply(_ context.Context, g model.Genotype) (model.Genotype, bool) {
	return AddConnection(o.Rand, g)
}

type MutateWeightsOperator struct {
	Rand  *rand.Rand
	P     float64
	Sigma float64
}

func (o *MutateWeightsOperator) Name() string { return "mutate_weights" }

func (o *MutateWeightsOperator) Apply(_ context.Context, g model.Genotype) (model.Genotype, bool) {
	return MutateWeights(o.Rand, g, o.P, o.Sigma)
}

type RemoveConnectionOperator struct {
	Rand   *rand.Rand
	Policy ReachabilityPolicy
}

func (o *RemoveConnectionOperator) Name() string { return "remove_connection" }

func (o *RemoveConnectionOperator) Apply(_ context.Context, g model.Genotype) (model.Genotype, bool) {
	return RemoveConnection(o.Rand, g, o.Policy)
}

type RemoveNeuronOperator struct {
	Rand   *rand.Rand
	Policy ReachabilityPolicy
}

func (o *RemoveNeuronOperator) Name() string { return "remove_neuron" }

func (o *RemoveNeuronOperator) Apply(_ context.Context, g model.Genotype) (model.Genotype, bool) {
	return RemoveNeuron(o.Rand, g, o.Policy)
}

type gatedOperator struct {
	rate float64
	op   Operator
}

// simplePipeline is add_neuron, add_connection, mutate_weights in that order;
// a neuron added first can be wired by the connection added after it.
func simplePipeline(rng *rand.Rand, cfg MutationConfig) []gatedOperator {
	return []gatedOperator{
		{rate: cfg.AddNeuronRate, op: mustOperator("add_neuron", rng, cfg)},
		{rate: cfg.AddConnectionRate, op: mustOperator("add_connection", rng, cfg)},
		{rate: 1, op: mustOperator("mutate_weights", rng, cfg)},
	}
}

func runPipeline(ctx context.Context, rng *rand.Rand, g model.Genotype, pipeline []gatedOperator) (model.Genotype, bool, []string) {
	changed := false
	var applied []string
	for _, step := range pipeline {
		if step.rate <= 0 || (step.rate < 1 && rng.Float64() >= step.rate) {
			continue
		}
		next, ok := step.op.Apply(ctx, g)
		if !ok {
			continue
		}
		g = next
		changed = true
		applied = append(applied, step.op.Name())
	}
	return g, changed, applied
}

// SimpleMutate applies add_neuron, add_connection and mutate_weights in that
// fixed order, each structural step gated by its rate.
func SimpleMutate(rng *rand.Rand, g model.Genotype, cfg MutationConfig) (model.Genotype, bool) {
	if rng == nil {
		return g, false
	}
	out, changed, _ := runPipeline(context.Background(), rng, g, simplePipeline(rng, cfg))
	return out, changed
}

// DefaultOperators is the pipeline Mutate runs when no operator list is
// configured: SimpleMutate followed by the removal operators.
var DefaultOperators = []string{"add_neuron", "add_connection", "mutate_weights", "remove_connection", "remove_neuron"}

// Mutate runs the configured operators in order, each gated by its rate, and
// returns the names of the operators that changed the genotype.
func Mutate(rng *rand.Rand, g model.Genotype, cfg MutationConfig) (model.Genotype, []string, error) {
	if rng == nil {
		return g, nil, nil
	}
	names := cfg.Operators
	if len(names) == 0 {
		names = DefaultOperators
	}
	pipeline := make([]gatedOperator, 0, len(names))
	for _, name := range names {
		op, err := ResolveOperator(name, rng, cfg, g)
		if err != nil {
			return g, nil, err
		}
		pipeline = append(pipeline, gatedOperator{rate: cfg.rate(name), op: op})
	}
	out, _, applied := runPipeline(context.Background(), rng, g, pipeline)
	return out, applied, nil
}
