package evo

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"neurofleet/internal/genotype"
	"neurofleet/internal/model"
)

// fakeEvaluator completes every job synchronously using score. A job whose
// score returns an error is marked failed.
type fakeEvaluator struct {
	mu        sync.Mutex
	score     func(req model.EvaluationRequest) (float64, error)
	jobs      map[string]model.Job
	submitted []model.EvaluationRequest
	released  int
	next      int
}

func newFakeEvaluator(score func(req model.EvaluationRequest) (float64, error)) *fakeEvaluator {
	return &fakeEvaluator{score: score, jobs: make(map[string]model.Job)}
}

func (f *fakeEvaluator) Submit(config map[string]any) (model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	job := model.Job{ID: fmt.Sprintf("job-%d", f.next), Config: config, Status: model.JobPending}
	req, err := model.EvaluationRequestFromJob(job)
	if err != nil {
		return model.Job{}, err
	}
	f.submitted = append(f.submitted, req)
	fitness, err := f.score(req)
	if err != nil {
		job.Status = model.JobFailed
		job.Error = err.Error()
	} else {
		job.Status = model.JobCompleted
		job.Results = model.EvaluationResult{Fitness: fitness}.JobResults()
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeEvaluator) Await(ctx context.Context, ids []string) (map[string]model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.Job, len(ids))
	for _, id := range ids {
		out[id] = f.jobs[id]
	}
	return out, nil
}

func (f *fakeEvaluator) Release(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.jobs, id)
		f.released++
	}
}

func (f *fakeEvaluator) submissions() []model.EvaluationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.EvaluationRequest(nil), f.submitted...)
}

func testPopulation(t *testing.T, ids []string, cfg model.PopulationConfig) model.Population {
	t.Helper()
	base := chainGenotype(t)
	genotypes := make([]model.Genotype, 0, len(ids))
	for _, id := range ids {
		genotypes = append(genotypes, genotype.Clone(base, id))
	}
	return model.Population{
		VersionedRecord: model.CurrentVersion(),
		ID:              "pop-1",
		ExperimentID:    "exp-1",
		Genotypes:       genotypes,
		Config:          cfg,
	}
}

func TestPopulationSchedulerEndToEndGeneration(t *testing.T) {
	fitness := map[string]float64{"A": 1, "B": 2, "C": 3, "D": 4}
	eval := newFakeEvaluator(func(req model.EvaluationRequest) (float64, error) {
		if f, ok := fitness[req.Genotype.ID]; ok {
			return f, nil
		}
		return 0.5, nil
	})
	pop := testPopulation(t, []string{"A", "B", "C", "D"}, model.PopulationConfig{
		Size:               4,
		TournamentSize:     2,
		EliteFraction:      0.25,
		AddConnectionRate:  1,
		WeightMutationRate: 1,
		WeightSigma:        0.5,
		GenerationLimit:    2,
	})

	var reports []GenerationReport
	ps, err := NewPopulationScheduler(PopulationSchedulerConfig{
		Population: pop,
		Evaluator:  eval,
		Scape:      "xor",
		Rand:       rand.New(rand.NewSource(3)),
		OnGeneration: func(_ context.Context, report GenerationReport) {
			reports = append(reports, report)
		},
	})
	if err != nil {
		t.Fatalf("new population scheduler: %v", err)
	}
	result, err := ps.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(reports) != 2 || reports[0].Next == nil {
		t.Fatalf("expected two generation reports, got %d", len(reports))
	}
	next := reports[0].Next
	if next.Generation != 1 || len(next.Genotypes) != 4 {
		t.Fatalf("unexpected next generation: gen=%d size=%d", next.Generation, len(next.Genotypes))
	}

	var elite model.Genotype
	for _, g := range next.Genotypes {
		if g.ID == "D" {
			elite = g
		}
	}
	if elite.ID != "D" || elite.FitnessOr(0) != 4 {
		t.Fatalf("expected D carried over with fitness 4, got %+v", elite)
	}
	var original model.Genotype
	for _, g := range pop.Genotypes {
		if g.ID == "D" {
			original = g
		}
	}
	if len(elite.Connections) != len(original.Connections) {
		t.Fatal("expected elite graph to be unmutated")
	}
	for id, conn := range original.Connections {
		if elite.Connections[id] != conn {
			t.Fatalf("elite connection %d changed", id)
		}
	}

	parents := map[string]string{}
	for _, rec := range reports[0].Lineage {
		parents[rec.GenotypeID] = rec.ParentID
	}
	offspring := 0
	for _, g := range next.Genotypes {
		if g.ID == "D" {
			continue
		}
		offspring++
		if g.Fitness != nil {
			t.Fatalf("expected offspring %s to be unscored", g.ID)
		}
		parent := parents[g.ID]
		// A loses every pairwise contest drawn without replacement.
		if parent != "B" && parent != "C" && parent != "D" {
			t.Fatalf("offspring %s has unexpected parent %q", g.ID, parent)
		}
		if len(g.Connections) == len(original.Connections) && g.NextConnectionID == original.NextConnectionID {
			t.Fatalf("expected offspring %s to be mutated", g.ID)
		}
	}
	if offspring != 3 {
		t.Fatalf("expected 3 offspring, got %d", offspring)
	}

	subs := eval.submissions()
	if len(subs) != 7 {
		t.Fatalf("expected 4 + 3 evaluations (elite not re-evaluated), got %d", len(subs))
	}
	if result.Reason != TerminationGenerationLimit {
		t.Fatalf("unexpected termination reason: %s", result.Reason)
	}
	if result.FinalPopulation.Generation != 1 || result.FinalPopulation.State != model.StateTerminated {
		t.Fatalf("unexpected final population: gen=%d state=%s", result.FinalPopulation.Generation, result.FinalPopulation.State)
	}
	if ps.State() != model.StateTerminated {
		t.Fatalf("expected terminated state, got %s", ps.State())
	}
}

func TestPopulationSchedulerFailedEvaluationsGetWorstFitness(t *testing.T) {
	eval := newFakeEvaluator(func(req model.EvaluationRequest) (float64, error) {
		if req.Genotype.ID == "D" {
			return 0, errors.New("worker crashed")
		}
		return map[string]float64{"A": 1, "B": 2, "C": 3}[req.Genotype.ID], nil
	})
	pop := testPopulation(t, []string{"A", "B", "C", "D"}, model.PopulationConfig{
		Size:            4,
		TournamentSize:  4,
		EliteFraction:   0.25,
		GenerationLimit: 1,
	})
	var report GenerationReport
	ps, err := NewPopulationScheduler(PopulationSchedulerConfig{
		Population:   pop,
		Evaluator:    eval,
		Rand:         rand.New(rand.NewSource(1)),
		OnGeneration: func(_ context.Context, r GenerationReport) { report = r },
	})
	if err != nil {
		t.Fatalf("new population scheduler: %v", err)
	}
	result, err := ps.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Best.ID != "C" {
		t.Fatalf("expected C to be best after D failed, got %s", result.Best.ID)
	}
	if report.Diagnostics.Failed != 1 || report.Diagnostics.Evaluated != 3 {
		t.Fatalf("unexpected diagnostics: %+v", report.Diagnostics)
	}
	for _, rec := range report.Lineage {
		if rec.ParentID == "D" {
			t.Fatalf("failed genotype must not reproduce: %+v", rec)
		}
	}
}

func TestPopulationSchedulerRetriesFailedEvaluations(t *testing.T) {
	eval := newFakeEvaluator(func(req model.EvaluationRequest) (float64, error) {
		if req.Attempt == 0 {
			return 0, errors.New("transient")
		}
		return 1, nil
	})
	pop := testPopulation(t, []string{"A", "B"}, model.PopulationConfig{
		Size:            2,
		TournamentSize:  1,
		GenerationLimit: 1,
	})
	ps, err := NewPopulationScheduler(PopulationSchedulerConfig{
		Population:        pop,
		Evaluator:         eval,
		Rand:              rand.New(rand.NewSource(1)),
		EvaluationRetries: 1,
		RetryBackoff:      time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new population scheduler: %v", err)
	}
	result, err := ps.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, g := range result.FinalPopulation.Genotypes {
		if g.FitnessOr(0) != 1 {
			t.Fatalf("expected retried genotype %s to be scored, got %+v", g.ID, g.Fitness)
		}
	}
	if n := len(eval.submissions()); n != 4 {
		t.Fatalf("expected 2 submissions + 2 retries, got %d", n)
	}
}

func TestPopulationSchedulerFitnessGoal(t *testing.T) {
	eval := newFakeEvaluator(func(model.EvaluationRequest) (float64, error) { return 5, nil })
	goal := 3.0
	pop := testPopulation(t, []string{"A", "B"}, model.PopulationConfig{
		Size:            2,
		TournamentSize:  1,
		GenerationLimit: 50,
		FitnessGoal:     &goal,
	})
	ps, err := NewPopulationScheduler(PopulationSchedulerConfig{Population: pop, Evaluator: eval, Rand: rand.New(rand.NewSource(1))})
	if err != nil {
		t.Fatalf("new population scheduler: %v", err)
	}
	result, err := ps.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Reason != TerminationFitnessGoal || result.FinalPopulation.Generation != 0 {
		t.Fatalf("expected goal termination at generation 0, got %s at %d", result.Reason, result.FinalPopulation.Generation)
	}
}

func TestPopulationSchedulerStagnation(t *testing.T) {
	eval := newFakeEvaluator(func(model.EvaluationRequest) (float64, error) { return 1, nil })
	pop := testPopulation(t, []string{"A", "B", "C"}, model.PopulationConfig{
		Size:                  3,
		TournamentSize:        2,
		EliteFraction:         0.34,
		GenerationLimit:       100,
		StagnationGenerations: 2,
	})
	var diagnostics []model.GenerationDiagnostics
	ps, err := NewPopulationScheduler(PopulationSchedulerConfig{
		Population: pop,
		Evaluator:  eval,
		Rand:       rand.New(rand.NewSource(1)),
		OnGeneration: func(_ context.Context, report GenerationReport) {
			diagnostics = append(diagnostics, report.Diagnostics)
		},
	})
	if err != nil {
		t.Fatalf("new population scheduler: %v", err)
	}
	result, err := ps.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Reason != TerminationStagnation || result.FinalPopulation.Generation != 2 {
		t.Fatalf("expected stagnation at generation 2, got %s at %d", result.Reason, result.FinalPopulation.Generation)
	}
	if len(diagnostics) != 3 {
		t.Fatalf("expected 3 diagnostics entries, got %d", len(diagnostics))
	}
}

func TestPopulationSchedulerHonorsCancellation(t *testing.T) {
	eval := newFakeEvaluator(func(model.EvaluationRequest) (float64, error) { return 1, nil })
	pop := testPopulation(t, []string{"A"}, model.PopulationConfig{Size: 1, TournamentSize: 1, GenerationLimit: 10})
	ps, err := NewPopulationScheduler(PopulationSchedulerConfig{Population: pop, Evaluator: eval, Rand: rand.New(rand.NewSource(1))})
	if err != nil {
		t.Fatalf("new population scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ps.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPopulationSchedulerResumeMatchesUninterruptedRun(t *testing.T) {
	score := func(req model.EvaluationRequest) (float64, error) {
		total := 0.0
		for _, id := range genotype.ConnectionIDs(req.Genotype) {
			total += req.Genotype.Connections[id].Weight
		}
		return total, nil
	}
	cfg := model.PopulationConfig{
		Size:               5,
		TournamentSize:     2,
		EliteFraction:      0.2,
		AddNeuronRate:      0.3,
		AddConnectionRate:  0.5,
		WeightMutationRate: 0.8,
		WeightSigma:        0.5,
		GenerationLimit:    4,
	}
	reseed := func(generation int) *rand.Rand {
		return rand.New(rand.NewSource(int64(100 + generation)))
	}
	counter := func(start int) (func() string, *int) {
		n := start
		return func() string {
			n++
			return fmt.Sprintf("g-%03d", n)
		}, &n
	}

	newID, issued := counter(0)
	var checkpoint *model.Population
	var checkpointIDs int
	full, err := NewPopulationScheduler(PopulationSchedulerConfig{
		Population: testPopulation(t, []string{"A", "B", "C", "D", "E"}, cfg),
		Evaluator:  newFakeEvaluator(score),
		Reseed:     reseed,
		NewID:      newID,
		OnGeneration: func(_ context.Context, report GenerationReport) {
			if report.Generation == 1 && report.Next != nil {
				next := clonePopulation(*report.Next)
				checkpoint = &next
				checkpointIDs = *issued
			}
		},
	})
	if err != nil {
		t.Fatalf("new population scheduler: %v", err)
	}
	want, err := full.Run(context.Background())
	if err != nil {
		t.Fatalf("uninterrupted run: %v", err)
	}
	if checkpoint == nil {
		t.Fatal("expected a generation 1 report")
	}

	resumedID, _ := counter(checkpointIDs)
	resumed, err := NewPopulationScheduler(PopulationSchedulerConfig{
		Population: *checkpoint,
		Evaluator:  newFakeEvaluator(score),
		Reseed:     reseed,
		NewID:      resumedID,
	})
	if err != nil {
		t.Fatalf("new resumed scheduler: %v", err)
	}
	got, err := resumed.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	if got.FinalPopulation.Generation != want.FinalPopulation.Generation {
		t.Fatalf("generation %d, want %d", got.FinalPopulation.Generation, want.FinalPopulation.Generation)
	}
	if !reflect.DeepEqual(got.FinalPopulation.Genotypes, want.FinalPopulation.Genotypes) {
		t.Fatal("resumed run diverged from the uninterrupted run")
	}
	if got.Best.ID != want.Best.ID {
		t.Fatalf("best %s, want %s", got.Best.ID, want.Best.ID)
	}
}

// stuckEvaluator accepts submissions but never finishes them.
type stuckEvaluator struct {
	*fakeEvaluator
	awaiting chan struct{}
	once     sync.Once
}

func (s *stuckEvaluator) Await(ctx context.Context, _ []string) (map[string]model.Job, error) {
	s.once.Do(func() { close(s.awaiting) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPopulationSchedulerReleasesJobsWhenInterrupted(t *testing.T) {
	eval := &stuckEvaluator{
		fakeEvaluator: newFakeEvaluator(func(model.EvaluationRequest) (float64, error) { return 1, nil }),
		awaiting:      make(chan struct{}),
	}
	pop := testPopulation(t, []string{"A", "B", "C"}, model.PopulationConfig{Size: 3, TournamentSize: 2, GenerationLimit: 5})
	ps, err := NewPopulationScheduler(PopulationSchedulerConfig{Population: pop, Evaluator: eval, Rand: rand.New(rand.NewSource(1))})
	if err != nil {
		t.Fatalf("new population scheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 1)
	go func() {
		_, err := ps.Run(ctx)
		errs <- err
	}()

	select {
	case <-eval.awaiting:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the generation barrier")
	}
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run to stop")
	}

	eval.mu.Lock()
	defer eval.mu.Unlock()
	if eval.released != 3 || len(eval.jobs) != 0 {
		t.Fatalf("expected all 3 submitted jobs released, released=%d left=%d", eval.released, len(eval.jobs))
	}
}

func TestNewPopulationSchedulerRejectsBadConfig(t *testing.T) {
	eval := newFakeEvaluator(func(model.EvaluationRequest) (float64, error) { return 1, nil })
	cases := map[string]model.PopulationConfig{
		"zero size":       {Size: 0, TournamentSize: 1, GenerationLimit: 1},
		"tournament zero": {Size: 1, TournamentSize: 0, GenerationLimit: 1},
		"no generations":  {Size: 1, TournamentSize: 1},
	}
	for name, cfg := range cases {
		pop := testPopulation(t, []string{"A"}, cfg)
		if _, err := NewPopulationScheduler(PopulationSchedulerConfig{Population: pop, Evaluator: eval, Rand: rand.New(rand.NewSource(1))}); err == nil {
			t.Fatalf("%s: expected config error", name)
		}
	}
}
