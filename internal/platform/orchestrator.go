package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"neurofleet/internal/config"
	"neurofleet/internal/evo"
	"neurofleet/internal/genotype"
	"neurofleet/internal/metrics"
	"neurofleet/internal/model"
	"neurofleet/internal/scape"
	"neurofleet/internal/storage"
)

var (
	ErrCheckpoint         = errors.New("checkpoint failed")
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrExperimentRunning  = errors.New("experiment already running")
	ErrExperimentFinished = errors.New("experiment already finished")
)

// fleetSnapshotter is implemented by evaluators that can report their node
// registry and job table for checkpoints.
type fleetSnapshotter interface {
	Nodes() []model.Node
	Jobs() []model.Job
}

type OrchestratorConfig struct {
	Store     storage.Store
	Evaluator evo.Evaluator
	// Scapes lists the evaluation environments experiments may name.
	Scapes *scape.Registry
	Logger *slog.Logger
	NewID  func() string
	Clock  func() time.Time
}

// Orchestrator owns the populations of every experiment started in this
// process, drives them through their generations and checkpoints progress.
type Orchestrator struct {
	cfg OrchestratorConfig
	log *slog.Logger

	mu   sync.Mutex
	runs map[string]*experimentRun
}

type experimentRun struct {
	mu         sync.Mutex
	experiment model.Experiment
	best       model.Genotype
	history    map[string]*populationHistory
	backup     int
	paused     bool
	resume     chan struct{}
	done       chan struct{}
	err        error
}

// populationHistory accumulates what a population has reported since it was
// seeded. It is rewritten whole at every checkpoint of that population.
type populationHistory struct {
	diagnostics model.PopulationDiagnostics
	lineage     model.PopulationLineage
}

// checkpointSet is everything one checkpoint writes.
type checkpointSet struct {
	experiment  model.Experiment
	best        model.Genotype
	populations []model.Population
	history     []populationHistory
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if cfg.Scapes == nil {
		cfg.Scapes = scape.DefaultRegistry()
	}
	if cfg.NewID == nil {
		cfg.NewID = model.NewID
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Orchestrator{
		cfg:  cfg,
		log:  logger.With("component", "orchestrator"),
		runs: make(map[string]*experimentRun),
	}, nil
}

// Start validates cfg, seeds the populations and begins evolving them in the
// background. Configuration problems are returned before anything runs.
// The returned record is the experiment as it was marked running.
func (o *Orchestrator) Start(ctx context.Context, cfg config.Experiment) (model.Experiment, error) {
	if err := o.validate(cfg); err != nil {
		return model.Experiment{}, err
	}

	now := o.now()
	exp := model.Experiment{
		VersionedRecord: model.CurrentVersion(),
		ID:              o.cfg.NewID(),
		Name:            cfg.Experiment.Name,
		Scape:           cfg.Experiment.Scape,
		Status:          model.ExperimentPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	pc := cfg.PopulationConfig()
	spec := cfg.SeedSpec()
	populations := make([]model.Population, 0, cfg.Experiment.Populations)
	for i := 0; i < cfg.Experiment.Populations; i++ {
		rng := populationRand(cfg.Experiment.Seed, i, 0)
		pop := model.Population{
			VersionedRecord: model.CurrentVersion(),
			ID:              fmt.Sprintf("%s-pop-%d", exp.ID, i),
			ExperimentID:    exp.ID,
			State:           model.StateAwaitingEvaluation,
			Config:          pc,
		}
		for j := 0; j < pc.Size; j++ {
			g, err := genotype.Seed(o.cfg.NewID(), spec, rng)
			if err != nil {
				return model.Experiment{}, fmt.Errorf("%w: seed population %d: %w", config.ErrInvalidConfig, i, err)
			}
			pop.Genotypes = append(pop.Genotypes, g)
		}
		populations = append(populations, pop)
		exp.PopulationIDs = append(exp.PopulationIDs, pop.ID)
	}

	// Seeded populations are saved before their first generation so the
	// experiment can be resumed however early it is interrupted.
	initial := checkpointSet{experiment: exp, populations: populations}
	for _, pop := range populations {
		initial.history = append(initial.history, *newPopulationHistory(pop.ID))
	}
	if err := o.checkpoint(ctx, initial); err != nil {
		o.log.Error("initial checkpoint", "experiment_id", exp.ID, "error", err)
	}
	return o.launch(ctx, exp, populations, nil, cfg)
}

// Resume reloads a checkpointed experiment and continues its unfinished
// populations from their last saved generation.
func (o *Orchestrator) Resume(ctx context.Context, id string, cfg config.Experiment) (model.Experiment, error) {
	if o.active(id) {
		return model.Experiment{}, fmt.Errorf("%w: %s", ErrExperimentRunning, id)
	}

	exp, err := storage.Get[model.Experiment](ctx, o.cfg.Store, storage.KindExperiment, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Experiment{}, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
		}
		return model.Experiment{}, fmt.Errorf("load experiment %s: %w", id, err)
	}
	if exp.Status == model.ExperimentCompleted || exp.Status == model.ExperimentFailed {
		return model.Experiment{}, fmt.Errorf("%w: %s is %s", ErrExperimentFinished, id, exp.Status)
	}
	if _, ok := o.cfg.Scapes.Get(exp.Scape); !ok {
		return model.Experiment{}, fmt.Errorf("%w: unknown scape %q", config.ErrInvalidConfig, exp.Scape)
	}
	if cfg.Experiment.BackupFrequency < 1 {
		cfg.Experiment.BackupFrequency = 1
	}

	populations := make([]model.Population, 0, len(exp.PopulationIDs))
	history := make(map[string]*populationHistory, len(exp.PopulationIDs))
	for _, popID := range exp.PopulationIDs {
		pop, err := genotype.LoadPopulationSnapshot(ctx, o.cfg.Store, popID)
		if err != nil {
			return model.Experiment{}, fmt.Errorf("load population %s: %w", popID, err)
		}
		populations = append(populations, pop)

		h, err := o.loadHistory(ctx, popID)
		if err != nil {
			return model.Experiment{}, fmt.Errorf("load history of population %s: %w", popID, err)
		}
		history[popID] = h
	}
	o.log.Info("resuming experiment", "experiment_id", id, "populations", len(populations))
	return o.launch(ctx, exp, populations, history, cfg)
}

// BestGenotype returns the highest-fitness genotype the experiment has
// checkpointed so far.
func (o *Orchestrator) BestGenotype(ctx context.Context, experimentID string) (model.Genotype, error) {
	exp, err := o.Status(ctx, experimentID)
	if err != nil {
		return model.Genotype{}, err
	}
	if exp.BestGenotypeID == "" {
		return model.Genotype{}, fmt.Errorf("experiment %s has no scored genotype yet: %w", experimentID, storage.ErrNotFound)
	}
	return genotype.Read(ctx, o.cfg.Store, exp.BestGenotypeID)
}

// Diagnostics returns the checkpointed per-generation summaries of a
// population.
func (o *Orchestrator) Diagnostics(ctx context.Context, populationID string) (model.PopulationDiagnostics, error) {
	return storage.Get[model.PopulationDiagnostics](ctx, o.cfg.Store, storage.KindDiagnostics, populationID)
}

// Lineage returns the checkpointed parent links of a population.
func (o *Orchestrator) Lineage(ctx context.Context, populationID string) (model.PopulationLineage, error) {
	return storage.Get[model.PopulationLineage](ctx, o.cfg.Store, storage.KindLineage, populationID)
}

// loadHistory reads the diagnostics and lineage saved with a population.
// Populations checkpointed before their first report have neither.
func (o *Orchestrator) loadHistory(ctx context.Context, populationID string) (*populationHistory, error) {
	h := newPopulationHistory(populationID)
	diag, err := o.Diagnostics(ctx, populationID)
	switch {
	case err == nil:
		h.diagnostics = diag
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	lineage, err := o.Lineage(ctx, populationID)
	switch {
	case err == nil:
		h.lineage = lineage
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	return h, nil
}

// Run starts an experiment and blocks until it finishes.
func (o *Orchestrator) Run(ctx context.Context, cfg config.Experiment) (model.Experiment, error) {
	exp, err := o.Start(ctx, cfg)
	if err != nil {
		return model.Experiment{}, err
	}
	return o.Wait(ctx, exp.ID)
}

// Wait blocks until the experiment finishes and returns its final record.
func (o *Orchestrator) Wait(ctx context.Context, id string) (model.Experiment, error) {
	run, err := o.run(id)
	if err != nil {
		return model.Experiment{}, err
	}
	select {
	case <-ctx.Done():
		return model.Experiment{}, ctx.Err()
	case <-run.done:
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.experiment, run.err
}

// Pause holds every population of the experiment at its next generation
// boundary. Jobs already submitted still complete.
func (o *Orchestrator) Pause(id string) error {
	run, err := o.run(id)
	if err != nil {
		return err
	}
	run.mu.Lock()
	if run.experiment.Status != model.ExperimentRunning {
		status := run.experiment.Status
		run.mu.Unlock()
		return fmt.Errorf("cannot pause experiment %s in status %s", id, status)
	}
	run.paused = true
	run.experiment.Status = model.ExperimentPaused
	run.experiment.UpdatedAt = o.now()
	exp := run.experiment
	run.mu.Unlock()

	o.log.Info("experiment paused", "experiment_id", id)
	o.saveExperiment(context.Background(), exp)
	return nil
}

// Continue releases a paused experiment.
func (o *Orchestrator) Continue(id string) error {
	run, err := o.run(id)
	if err != nil {
		return err
	}
	run.mu.Lock()
	if !run.paused {
		run.mu.Unlock()
		return fmt.Errorf("experiment %s is not paused", id)
	}
	run.paused = false
	close(run.resume)
	run.resume = make(chan struct{})
	run.experiment.Status = model.ExperimentRunning
	run.experiment.UpdatedAt = o.now()
	exp := run.experiment
	run.mu.Unlock()

	o.log.Info("experiment continued", "experiment_id", id)
	o.saveExperiment(context.Background(), exp)
	return nil
}

// Status returns the live record of an experiment run by this process, or
// the persisted record otherwise.
func (o *Orchestrator) Status(ctx context.Context, id string) (model.Experiment, error) {
	o.mu.Lock()
	run, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		run.mu.Lock()
		defer run.mu.Unlock()
		return run.experiment, nil
	}
	return storage.Get[model.Experiment](ctx, o.cfg.Store, storage.KindExperiment, id)
}

func (o *Orchestrator) validate(cfg config.Experiment) error {
	var problems []error
	if err := cfg.Validate(); err != nil {
		problems = append(problems, err)
	}
	sc, ok := o.cfg.Scapes.Get(cfg.Experiment.Scape)
	if cfg.Experiment.Scape != "" && !ok {
		problems = append(problems, fmt.Errorf("%w: unknown scape %q", config.ErrInvalidConfig, cfg.Experiment.Scape))
	}
	if shaped, isShaped := sc.(scape.Shaped); ok && isShaped {
		inputs, outputs := shaped.Shape()
		if cfg.Population.Inputs != inputs || cfg.Population.Outputs != outputs {
			problems = append(problems, fmt.Errorf("%w: scape %s takes %d inputs and %d outputs, population declares %d and %d",
				config.ErrInvalidConfig, sc.Name(), inputs, outputs, cfg.Population.Inputs, cfg.Population.Outputs))
		}
	}
	return errors.Join(problems...)
}

func (o *Orchestrator) run(id string) (*experimentRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
	}
	return run, nil
}

// active reports whether this process is still evolving experiment id.
func (o *Orchestrator) active(id string) bool {
	o.mu.Lock()
	run, ok := o.runs[id]
	o.mu.Unlock()
	return ok && !run.finished()
}

func (o *Orchestrator) launch(ctx context.Context, exp model.Experiment, populations []model.Population, history map[string]*populationHistory, cfg config.Experiment) (model.Experiment, error) {
	run := &experimentRun{
		history: make(map[string]*populationHistory, len(populations)),
		backup:  cfg.Experiment.BackupFrequency,
		resume:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, pop := range populations {
		if h, ok := history[pop.ID]; ok {
			run.history[pop.ID] = h
		} else {
			run.history[pop.ID] = newPopulationHistory(pop.ID)
		}
	}
	if exp.BestGenotypeID != "" {
		if best, err := genotype.Read(ctx, o.cfg.Store, exp.BestGenotypeID); err == nil {
			run.best = best
		} else {
			o.log.Warn("load best genotype", "experiment_id", exp.ID, "genotype_id", exp.BestGenotypeID, "error", err)
		}
	}

	var schedulers []*evo.PopulationScheduler
	for i, pop := range populations {
		if pop.State == model.StateTerminated {
			continue
		}
		ps, err := evo.NewPopulationScheduler(evo.PopulationSchedulerConfig{
			Population: pop,
			Evaluator:  o.cfg.Evaluator,
			Scape:      exp.Scape,
			Reseed: func(generation int) *rand.Rand {
				return populationRand(cfg.Experiment.Seed, i, generation)
			},
			Logger:            o.log,
			EvaluationRetries: cfg.Scheduler.EvaluationRetries,
			RetryBackoff:      cfg.Scheduler.RetryBackoff,
			NewID:             o.cfg.NewID,
			Gate:              run.gate,
			OnGeneration: func(ctx context.Context, report evo.GenerationReport) {
				o.onGeneration(ctx, run, report)
			},
		})
		if err != nil {
			return model.Experiment{}, fmt.Errorf("%w: population %s: %w", config.ErrInvalidConfig, pop.ID, err)
		}
		schedulers = append(schedulers, ps)
	}

	exp.Status = model.ExperimentRunning
	exp.Error = ""
	exp.UpdatedAt = o.now()
	run.experiment = exp

	o.mu.Lock()
	if prev, exists := o.runs[exp.ID]; exists && !prev.finished() {
		o.mu.Unlock()
		return model.Experiment{}, fmt.Errorf("%w: %s", ErrExperimentRunning, exp.ID)
	}
	o.runs[exp.ID] = run
	o.mu.Unlock()

	o.saveExperiment(ctx, exp)
	o.log.Info("experiment started",
		"experiment_id", exp.ID,
		"name", exp.Name,
		"scape", exp.Scape,
		"populations", len(schedulers),
	)
	go o.execute(ctx, run, schedulers)
	return exp, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *experimentRun, schedulers []*evo.PopulationScheduler) {
	defer close(run.done)

	p := pool.NewWithResults[evo.Result]().WithContext(ctx).WithCancelOnError()
	for _, ps := range schedulers {
		p.Go(func(ctx context.Context) (evo.Result, error) {
			return ps.Run(ctx)
		})
	}
	results, err := p.Wait()

	run.mu.Lock()
	for _, res := range results {
		run.observeBest(res.Best)
	}
	switch {
	case err == nil:
		run.experiment.Status = model.ExperimentCompleted
	case ctx.Err() != nil:
		// Interrupted runs stay resumable from their last checkpoint.
		run.experiment.Status = model.ExperimentPaused
		run.err = ctx.Err()
	default:
		run.experiment.Status = model.ExperimentFailed
		run.experiment.Error = err.Error()
		run.err = err
	}
	run.experiment.UpdatedAt = o.now()
	exp := run.experiment
	final := checkpointSet{experiment: exp, best: run.best}
	for _, res := range results {
		final.populations = append(final.populations, res.FinalPopulation)
		final.history = append(final.history, run.historyOf(res.FinalPopulation.ID))
	}
	run.mu.Unlock()

	log := o.log.With("experiment_id", exp.ID)
	saveCtx := context.WithoutCancel(ctx)
	if exp.Status == model.ExperimentCompleted {
		if err := o.checkpoint(saveCtx, final); err != nil {
			log.Error("final checkpoint", "error", err)
		}
	} else {
		o.saveExperiment(saveCtx, exp)
	}

	attrs := []any{"status", string(exp.Status)}
	if exp.BestFitness != nil {
		attrs = append(attrs, "best_genotype_id", exp.BestGenotypeID, "best_fitness", *exp.BestFitness)
	}
	if run.err != nil {
		attrs = append(attrs, "error", run.err)
	}
	log.Info("experiment finished", attrs...)
}

// onGeneration records a population's report and checkpoints it every
// backup generations. A terminated population is checkpointed as soon as it
// reports so a later interruption cannot lose its final generation.
func (o *Orchestrator) onGeneration(ctx context.Context, run *experimentRun, report evo.GenerationReport) {
	run.mu.Lock()
	improved := run.observeBest(report.Best)
	run.experiment.UpdatedAt = o.now()
	h, ok := run.history[report.PopulationID]
	if !ok {
		h = newPopulationHistory(report.PopulationID)
		run.history[report.PopulationID] = h
	}
	h.diagnostics.Generations = append(h.diagnostics.Generations, report.Diagnostics)
	if !report.Terminated {
		// Offspring of the last generation are never evaluated.
		h.lineage.Records = append(h.lineage.Records, report.Lineage...)
	}
	if !report.Terminated && (report.Generation+1)%run.backup != 0 {
		run.mu.Unlock()
		return
	}
	pop := report.Evaluated
	if report.Next != nil {
		pop = *report.Next
	}
	cp := checkpointSet{
		experiment:  run.experiment,
		best:        run.best,
		populations: []model.Population{pop},
		history:     []populationHistory{run.historyOf(report.PopulationID)},
	}
	exp := run.experiment
	run.mu.Unlock()

	if err := o.checkpoint(ctx, cp); err != nil {
		o.log.Error("checkpoint",
			"experiment_id", exp.ID,
			"population_id", report.PopulationID,
			"generation", report.Generation,
			"error", err,
		)
		return
	}
	o.log.Debug("checkpoint written",
		"experiment_id", exp.ID,
		"population_id", report.PopulationID,
		"generation", report.Generation,
		"best_improved", improved,
	)
}

// checkpoint writes populations with their diagnostics and lineage, the best
// genotype, the experiment record and the evaluator's node and job records.
// Failures are counted and returned wrapped in ErrCheckpoint; callers log
// them and carry on.
func (o *Orchestrator) checkpoint(ctx context.Context, cp checkpointSet) error {
	err := o.writeCheckpoint(ctx, cp)
	if err != nil {
		metrics.Checkpoints.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	metrics.Checkpoints.WithLabelValues("ok").Inc()
	return nil
}

func (o *Orchestrator) writeCheckpoint(ctx context.Context, cp checkpointSet) error {
	store := o.cfg.Store
	exp := cp.experiment
	for _, pop := range cp.populations {
		if err := genotype.SavePopulationSnapshot(ctx, store, pop); err != nil {
			return fmt.Errorf("population %s: %w", pop.ID, err)
		}
	}
	for _, h := range cp.history {
		if err := storage.Put(ctx, store, storage.KindDiagnostics, h.diagnostics.PopulationID, h.diagnostics); err != nil {
			return fmt.Errorf("diagnostics %s: %w", h.diagnostics.PopulationID, err)
		}
		if err := storage.Put(ctx, store, storage.KindLineage, h.lineage.PopulationID, h.lineage); err != nil {
			return fmt.Errorf("lineage %s: %w", h.lineage.PopulationID, err)
		}
	}
	if cp.best.ID != "" {
		if err := genotype.Write(ctx, store, cp.best); err != nil {
			return fmt.Errorf("best genotype %s: %w", cp.best.ID, err)
		}
	}
	if err := storage.Put(ctx, store, storage.KindExperiment, exp.ID, exp); err != nil {
		return fmt.Errorf("experiment %s: %w", exp.ID, err)
	}
	fleet, ok := o.cfg.Evaluator.(fleetSnapshotter)
	if !ok {
		return nil
	}
	for _, node := range fleet.Nodes() {
		if err := storage.Put(ctx, store, storage.KindNode, node.Name, node); err != nil {
			return fmt.Errorf("node %s: %w", node.Name, err)
		}
	}
	for _, job := range fleet.Jobs() {
		if err := storage.Put(ctx, store, storage.KindJob, job.ID, job); err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) saveExperiment(ctx context.Context, exp model.Experiment) {
	if err := storage.Put(ctx, o.cfg.Store, storage.KindExperiment, exp.ID, exp); err != nil {
		metrics.Checkpoints.WithLabelValues("error").Inc()
		o.log.Error("persist experiment", "experiment_id", exp.ID, "status", string(exp.Status), "error", err)
	}
}

func (o *Orchestrator) now() time.Time {
	return o.cfg.Clock().UTC()
}

func (r *experimentRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// gate blocks while the experiment is paused.
func (r *experimentRun) gate(ctx context.Context) error {
	for {
		r.mu.Lock()
		if !r.paused {
			r.mu.Unlock()
			return nil
		}
		resume := r.resume
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}

// observeBest records g as the experiment's best when it beats the current
// best. Ties keep the lowest genotype id. Callers hold r.mu.
func (r *experimentRun) observeBest(g model.Genotype) bool {
	if g.Fitness == nil {
		return false
	}
	cur := r.experiment.BestFitness
	if cur != nil && (*g.Fitness < *cur || (*g.Fitness == *cur && g.ID >= r.experiment.BestGenotypeID)) {
		return false
	}
	fitness := *g.Fitness
	r.experiment.BestFitness = &fitness
	r.experiment.BestGenotypeID = g.ID
	r.best = genotype.WithFitness(g, fitness)
	return true
}

// historyOf copies the accumulated history of a population. Callers hold r.mu.
func (r *experimentRun) historyOf(populationID string) populationHistory {
	h, ok := r.history[populationID]
	if !ok {
		return *newPopulationHistory(populationID)
	}
	return populationHistory{
		diagnostics: model.PopulationDiagnostics{
			VersionedRecord: model.CurrentVersion(),
			PopulationID:    populationID,
			Generations:     slices.Clone(h.diagnostics.Generations),
		},
		lineage: model.PopulationLineage{
			VersionedRecord: model.CurrentVersion(),
			PopulationID:    populationID,
			Records:         slices.Clone(h.lineage.Records),
		},
	}
}

func newPopulationHistory(populationID string) *populationHistory {
	return &populationHistory{
		diagnostics: model.PopulationDiagnostics{
			VersionedRecord: model.CurrentVersion(),
			PopulationID:    populationID,
			Generations:     []model.GenerationDiagnostics{},
		},
		lineage: model.PopulationLineage{
			VersionedRecord: model.CurrentVersion(),
			PopulationID:    populationID,
			Records:         []model.LineageRecord{},
		},
	}
}

func populationRand(seed int64, index, generation int) *rand.Rand {
	return rand.New(rand.NewSource(seed + int64(index)*1_000_003 + int64(generation)*7_919))
}
