package evo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"neurofleet/internal/genotype"
	"neurofleet/internal/metrics"
	"neurofleet/internal/model"
)

// Evaluator dispatches evaluation jobs and blocks until they are terminal.
// *scheduler.Scheduler satisfies it.
type Evaluator interface {
	Submit(config map[string]any) (model.Job, error)
	Await(ctx context.Context, ids []string) (map[string]model.Job, error)
	Release(ids ...string)
}

type TerminationReason string

const (
	TerminationGenerationLimit TerminationReason = "generation_limit"
	TerminationFitnessGoal     TerminationReason = "fitness_goal"
	TerminationStagnation      TerminationReason = "stagnation"
)

// GenerationReport is emitted after every evaluated generation.
type GenerationReport struct {
	ExperimentID string
	PopulationID string
	Generation   int
	Evaluated    model.Population
	Next         *model.Population
	Best         model.Genotype
	Diagnostics  model.GenerationDiagnostics
	Lineage      []model.LineageRecord
	Terminated   bool
	Reason       TerminationReason
}

type Result struct {
	FinalPopulation model.Population
	Best            model.Genotype
	Reason          TerminationReason
}

type PopulationSchedulerConfig struct {
	Population model.Population
	Evaluator  Evaluator
	Scape      string
	Rand       *rand.Rand
	// Reseed, when set, supplies the random source used to breed each
	// generation, keyed by the generation being bred. It replaces Rand so a
	// resumed population draws the same numbers as an uninterrupted one.
	Reseed            func(generation int) *rand.Rand
	Logger            *slog.Logger
	EvaluationRetries int
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
	NewID             func() string
	// Gate blocks at each generation boundary while the experiment is paused.
	Gate         func(ctx context.Context) error
	OnGeneration func(ctx context.Context, report GenerationReport)
}

// PopulationScheduler drives one population through
// awaiting_evaluation -> selecting -> advancing, looping until terminated.
type PopulationScheduler struct {
	cfg PopulationSchedulerConfig
	log *slog.Logger

	mu         sync.RWMutex
	population model.Population
	state      model.PopulationState
	bestSoFar  float64
	stagnant   int
}

func NewPopulationScheduler(cfg PopulationSchedulerConfig) (*PopulationScheduler, error) {
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if cfg.Rand == nil && cfg.Reseed == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if cfg.Population.ID == "" {
		return nil, fmt.Errorf("population id is required")
	}
	pc := cfg.Population.Config
	if pc.Size <= 0 {
		return nil, fmt.Errorf("population size must be > 0")
	}
	if pc.TournamentSize < 1 {
		return nil, fmt.Errorf("tournament size must be >= 1")
	}
	if pc.EliteFraction < 0 || pc.EliteFraction > 1 {
		return nil, fmt.Errorf("elite fraction must be in [0, 1]")
	}
	if pc.GenerationLimit <= 0 {
		return nil, fmt.Errorf("generation limit must be > 0")
	}
	if len(cfg.Population.Genotypes) == 0 {
		return nil, fmt.Errorf("population %s has no genotypes", cfg.Population.ID)
	}
	for _, g := range cfg.Population.Genotypes {
		if err := genotype.Validate(g); err != nil {
			return nil, fmt.Errorf("genotype %s: %w", g.ID, err)
		}
	}
	if cfg.EvaluationRetries < 0 {
		cfg.EvaluationRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = 10 * cfg.RetryBackoff
	}
	if cfg.NewID == nil {
		cfg.NewID = model.NewID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	s := &PopulationScheduler{
		cfg: cfg,
		log: logger.With(
			"experiment_id", cfg.Population.ExperimentID,
			"population_id", cfg.Population.ID,
		),
		population: clonePopulation(cfg.Population),
		state:      model.StateAwaitingEvaluation,
		bestSoFar:  math.Inf(-1),
	}
	if h := cfg.Population.BestFitnessHistory; len(h) > 0 {
		for _, f := range h {
			s.bestSoFar = math.Max(s.bestSoFar, f)
		}
		s.stagnant = trailingStagnation(h)
	}
	return s, nil
}

func (s *PopulationScheduler) State() model.PopulationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Population returns a copy of the population as it currently stands.
func (s *PopulationScheduler) Population() model.Population {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePopulation(s.population)
}

func (s *PopulationScheduler) setState(state model.PopulationState) {
	s.mu.Lock()
	s.state = state
	s.population.State = state
	s.mu.Unlock()
}

// Run loops until a termination predicate holds or ctx is cancelled.
func (s *PopulationScheduler) Run(ctx context.Context) (Result, error) {
	pc := s.cfg.Population.Config
	mutation := MutationConfigFrom(pc)

	for {
		if s.cfg.Gate != nil {
			if err := s.cfg.Gate(ctx); err != nil {
				return Result{}, err
			}
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		s.setState(model.StateAwaitingEvaluation)
		current := s.Population()
		s.log.Info("generation started", "generation", current.Generation, "genotypes", len(current.Genotypes))

		scored, err := s.evaluate(ctx, current)
		if err != nil {
			return Result{}, err
		}
		evaluated := current
		evaluated.Genotypes = make([]model.Genotype, len(scored))
		for i, sg := range scored {
			evaluated.Genotypes[i] = sg.Genotype
		}

		s.setState(model.StateSelecting)
		diag := summarize(current.Generation, scored)
		ranked := Rank(scored)
		best := ranked[0]
		evaluated.BestGenotypeID = best.Genotype.ID
		if !best.Failed {
			evaluated.BestFitnessHistory = append(append([]float64(nil), current.BestFitnessHistory...), best.Fitness)
		}
		s.observe(current, diag)

		next, lineage, err := Reproduce(s.rand(current.Generation+1), scored, ReproductionConfig{
			Size:           pc.Size,
			TournamentSize: pc.TournamentSize,
			EliteFraction:  pc.EliteFraction,
			Mutation:       mutation,
			Generation:     current.Generation + 1,
		}, s.cfg.NewID)
		if err != nil {
			return Result{}, fmt.Errorf("reproduce generation %d: %w", current.Generation, err)
		}

		s.setState(model.StateAdvancing)
		reason, done := s.checkTermination(current.Generation+1, best)
		report := GenerationReport{
			ExperimentID: current.ExperimentID,
			PopulationID: current.ID,
			Generation:   current.Generation,
			Evaluated:    evaluated,
			Best:         best.Genotype,
			Diagnostics:  diag,
			Lineage:      lineage,
			Terminated:   done,
			Reason:       reason,
		}

		if done {
			evaluated.State = model.StateTerminated
			report.Evaluated = evaluated
			s.mu.Lock()
			s.population = clonePopulation(evaluated)
			s.state = model.StateTerminated
			s.mu.Unlock()
			s.log.Info("population terminated",
				"generation", current.Generation,
				"reason", string(reason),
				"best_genotype_id", best.Genotype.ID,
				"best_fitness", best.Fitness,
			)
			if s.cfg.OnGeneration != nil {
				s.cfg.OnGeneration(ctx, report)
			}
			return Result{
				FinalPopulation: evaluated,
				Best:            best.Genotype,
				Reason:          reason,
			}, nil
		}

		advanced := evaluated
		advanced.Generation = current.Generation + 1
		advanced.Genotypes = next
		advanced.State = model.StateAwaitingEvaluation
		s.mu.Lock()
		s.population = clonePopulation(advanced)
		s.mu.Unlock()
		report.Next = &advanced
		if s.cfg.OnGeneration != nil {
			s.cfg.OnGeneration(ctx, report)
		}
	}
}

func (s *PopulationScheduler) rand(generation int) *rand.Rand {
	if s.cfg.Reseed != nil {
		return s.cfg.Reseed(generation)
	}
	return s.cfg.Rand
}

// evaluate submits one job per unscored genotype and waits on the barrier
// until every job is terminal. Failed jobs are retried up to
// EvaluationRetries times before the genotype is given WorstFitness.
func (s *PopulationScheduler) evaluate(ctx context.Context, pop model.Population) ([]ScoredGenotype, error) {
	scored := make([]ScoredGenotype, len(pop.Genotypes))
	pending := make(map[string]int)
	for i, g := range pop.Genotypes {
		if g.Fitness != nil {
			scored[i] = ScoredGenotype{Genotype: g, Fitness: *g.Fitness}
			continue
		}
		id, err := s.submit(pop, g, 0)
		if err != nil {
			s.release(pending)
			return nil, err
		}
		pending[id] = i
	}

	backoff := s.cfg.RetryBackoff
	for attempt := 0; len(pending) > 0; attempt++ {
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		jobs, err := s.cfg.Evaluator.Await(ctx, ids)
		s.cfg.Evaluator.Release(ids...)
		if err != nil {
			return nil, fmt.Errorf("await generation %d: %w", pop.Generation, err)
		}

		var retry []int
		for _, id := range ids {
			idx := pending[id]
			g := pop.Genotypes[idx]
			res, err := model.EvaluationResultFromJob(jobs[id])
			if err == nil && !math.IsNaN(res.Fitness) && !math.IsInf(res.Fitness, 0) {
				scored[idx] = ScoredGenotype{Genotype: genotype.WithFitness(g, res.Fitness), Fitness: res.Fitness}
				continue
			}
			if err == nil {
				err = fmt.Errorf("job %s reported non-finite fitness", id)
			}
			if attempt < s.cfg.EvaluationRetries {
				s.log.Warn("evaluation failed, retrying", "genotype_id", g.ID, "job_id", id, "attempt", attempt+1, "error", err)
				retry = append(retry, idx)
				continue
			}
			s.log.Warn("evaluation failed", "genotype_id", g.ID, "job_id", id, "error", err)
			metrics.FailedEvaluations.WithLabelValues(pop.ExperimentID, pop.ID).Inc()
			scored[idx] = ScoredGenotype{Genotype: g, Fitness: WorstFitness, Failed: true}
		}

		pending = make(map[string]int, len(retry))
		if len(retry) == 0 {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > s.cfg.MaxRetryBackoff {
			backoff = s.cfg.MaxRetryBackoff
		}
		for _, idx := range retry {
			id, err := s.submit(pop, pop.Genotypes[idx], attempt+1)
			if err != nil {
				s.release(pending)
				return nil, err
			}
			pending[id] = idx
		}
	}
	return scored, nil
}

// release drops jobs this generation submitted but will not consume.
func (s *PopulationScheduler) release(pending map[string]int) {
	if len(pending) == 0 {
		return
	}
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	s.cfg.Evaluator.Release(ids...)
}

func (s *PopulationScheduler) submit(pop model.Population, g model.Genotype, attempt int) (string, error) {
	job, err := s.cfg.Evaluator.Submit(model.EvaluationRequest{
		Genotype:     g,
		Scape:        s.cfg.Scape,
		ExperimentID: pop.ExperimentID,
		PopulationID: pop.ID,
		Generation:   pop.Generation,
		Attempt:      attempt,
	}.JobConfig())
	if err != nil {
		return "", fmt.Errorf("submit genotype %s: %w", g.ID, err)
	}
	return job.ID, nil
}

func (s *PopulationScheduler) observe(pop model.Population, diag model.GenerationDiagnostics) {
	metrics.Generation.WithLabelValues(pop.ExperimentID, pop.ID).Set(float64(pop.Generation))
	if diag.Evaluated > 0 {
		metrics.BestFitness.WithLabelValues(pop.ExperimentID, pop.ID).Set(diag.BestFitness)
	}
	s.log.Info("generation evaluated",
		"generation", diag.Generation,
		"best_fitness", diag.BestFitness,
		"mean_fitness", diag.MeanFitness,
		"failed", diag.Failed,
	)
}

// checkTermination runs in the advancing state once the generation counter
// has moved to nextGeneration.
func (s *PopulationScheduler) checkTermination(nextGeneration int, best ScoredGenotype) (TerminationReason, bool) {
	pc := s.cfg.Population.Config

	if best.Fitness > s.bestSoFar {
		s.bestSoFar = best.Fitness
		s.stagnant = 0
	} else {
		s.stagnant++
	}

	if !best.Failed && pc.FitnessGoal != nil && best.Fitness >= *pc.FitnessGoal {
		return TerminationFitnessGoal, true
	}
	if nextGeneration >= pc.GenerationLimit {
		return TerminationGenerationLimit, true
	}
	if pc.StagnationGenerations > 0 && s.stagnant >= pc.StagnationGenerations {
		return TerminationStagnation, true
	}
	return "", false
}

func summarize(generation int, scored []ScoredGenotype) model.GenerationDiagnostics {
	diag := model.GenerationDiagnostics{
		Generation:  generation,
		BestFitness: WorstFitness,
		MinFitness:  math.Inf(1),
	}
	sum := 0.0
	for _, s := range scored {
		if s.Failed {
			diag.Failed++
			continue
		}
		diag.Evaluated++
		sum += s.Fitness
		diag.BestFitness = math.Max(diag.BestFitness, s.Fitness)
		diag.MinFitness = math.Min(diag.MinFitness, s.Fitness)
	}
	if diag.Evaluated == 0 {
		diag.BestFitness = 0
		diag.MinFitness = 0
		return diag
	}
	diag.MeanFitness = sum / float64(diag.Evaluated)
	return diag
}

func trailingStagnation(history []float64) int {
	n := 0
	for i := len(history) - 1; i > 0; i-- {
		if history[i] > history[i-1] {
			break
		}
		n++
	}
	return n
}

func clonePopulation(p model.Population) model.Population {
	out := p
	out.Genotypes = append([]model.Genotype(nil), p.Genotypes...)
	out.BestFitnessHistory = append([]float64(nil), p.BestFitnessHistory...)
	return out
}
