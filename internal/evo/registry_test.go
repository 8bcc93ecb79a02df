package evo

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"neurofleet/internal/model"
)

type noopOperator struct{}

func (noopOperator) Name() string { return "noop" }

func (noopOperator) Apply(_ context.Context, g model.Genotype) (model.Genotype, bool) {
	return g, false
}

func TestBuiltinOperatorsRegistered(t *testing.T) {
	want := []string{"add_connection", "add_neuron", "mutate_weights", "remove_connection", "remove_neuron"}
	got := ListOperators()
	for _, name := range want {
		found := false
		for _, n := range got {
			if n == name {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected builtin %s in %v", name, got)
		}
	}
	for _, name := range want {
		op, err := NewOperator(name, rand.New(rand.NewSource(1)), MutationConfig{})
		if err != nil {
			t.Fatalf("new operator %s: %v", name, err)
		}
		if op.Name() != name {
			t.Fatalf("operator %s reports name %s", name, op.Name())
		}
	}
}

func TestRegisterOperatorRejectsDuplicatesAndBadInput(t *testing.T) {
	if err := RegisterOperator("add_neuron", func(*rand.Rand, MutationConfig) Operator { return noopOperator{} }); !errors.Is(err, ErrOperatorExists) {
		t.Fatalf("expected ErrOperatorExists, got %v", err)
	}
	if err := RegisterOperator("", func(*rand.Rand, MutationConfig) Operator { return noopOperator{} }); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := RegisterOperator("nil-factory", nil); err == nil {
		t.Fatal("expected nil factory error")
	}
}

func TestResolveOperator(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	g := chainGenotype(t)

	if _, err := ResolveOperator("missing", rng, MutationConfig{}, g); !errors.Is(err, ErrOperatorNotFound) {
		t.Fatalf("expected ErrOperatorNotFound, got %v", err)
	}

	stale := g
	stale.SchemaVersion = 99
	if _, err := ResolveOperator("add_connection", rng, MutationConfig{}, stale); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}

	op, err := ResolveOperator("add_connection", rng, MutationConfig{}, g)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	out, changed := op.Apply(context.Background(), g)
	if !changed || len(out.Connections) != len(g.Connections)+1 {
		t.Fatalf("expected resolved operator to add a connection, changed=%v", changed)
	}
}
