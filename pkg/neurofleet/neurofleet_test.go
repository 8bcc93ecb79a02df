package neurofleet

import (
	"context"
	"errors"
	"testing"
	"time"
)

const smallXOR = `
[experiment]
name = embedded
scape = xor
seed = 3

[population]
size = 5
inputs = 2
outputs = 1

[selection]
tournament_size = 2

[termination]
generation_limit = 2
`

func newTestClient(t *testing.T, workers int) *Client {
	t.Helper()
	client, err := New(Options{StoreKind: "memory", Workers: workers})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestClientRunsExperiment(t *testing.T) {
	cfg, err := ParseExperimentConfig([]byte(smallXOR))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	client := newTestClient(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exp, err := client.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exp.Status != "completed" || exp.BestFitness == nil {
		t.Fatalf("unexpected experiment: %+v", exp)
	}

	status, err := client.Status(ctx, exp.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.BestGenotypeID != exp.BestGenotypeID {
		t.Fatalf("status best %s != run best %s", status.BestGenotypeID, exp.BestGenotypeID)
	}
	best, err := client.BestGenotype(ctx, exp.ID)
	if err != nil {
		t.Fatalf("best genotype: %v", err)
	}
	if best.ID != exp.BestGenotypeID || len(best.Neurons) == 0 {
		t.Fatalf("unexpected best genotype: %+v", best)
	}

	services := client.Services()
	if len(services) != 2 || services[0].Name != "fleet" || services[1].Name != "scheduler" {
		t.Fatalf("unexpected services: %+v", services)
	}
	if stats := client.SchedulerStats(); stats.Nodes["idle"] != 2 {
		t.Fatalf("expected two idle nodes after the run, got %+v", stats.Nodes)
	}
}

func TestClientErrors(t *testing.T) {
	client := newTestClient(t, 0)
	ctx := context.Background()

	if _, err := client.Status(ctx, "missing"); !errors.Is(err, ErrExperimentNotFound) {
		t.Fatalf("expected ErrExperimentNotFound, got %v", err)
	}
	bad := DefaultExperimentConfig()
	if _, err := client.Start(ctx, bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Options{StoreKind: "tape"}); err == nil {
		t.Fatal("expected unsupported store error")
	}
	if _, err := New(Options{Workers: -1}); err == nil {
		t.Fatal("expected negative workers error")
	}
}
