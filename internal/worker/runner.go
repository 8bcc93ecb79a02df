// Package worker runs evaluation nodes that pull jobs from a coordinator and
// score genotypes with a scape.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"neurofleet/internal/model"
	"neurofleet/internal/scape"
	"neurofleet/internal/scheduler"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultErrorBackoff      = time.Second
)

type RunnerConfig struct {
	Name              string
	Coordinator       Coordinator
	Scapes            *scape.Registry
	Info              map[string]any
	HeartbeatInterval time.Duration
	ErrorBackoff      time.Duration
	Logger            *slog.Logger
}

// Runner is one worker node.
type Runner struct {
	cfg RunnerConfig
	log *slog.Logger
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Name == "" {
		return nil, errors.New("runner name is required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if cfg.Scapes == nil {
		cfg.Scapes = scape.DefaultRegistry()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaultErrorBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Runner{cfg: cfg, log: logger.With("node", cfg.Name)}, nil
}

func (r *Runner) Name() string { return r.cfg.Name }

// Run registers the node and evaluates assigned jobs until ctx is cancelled.
// Cancellation is a clean stop and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.cfg.Coordinator.Register(ctx, r.cfg.Name, r.cfg.Info); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("register %s: %w", r.cfg.Name, err)
	}
	r.log.Info("worker registered")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeatLoop(hbCtx)

	for {
		job, err := r.cfg.Coordinator.WaitAssignment(ctx, r.cfg.Name)
		if ctx.Err() != nil {
			r.log.Info("worker stopped")
			return nil
		}
		if err != nil {
			r.log.Warn("wait for assignment failed", "error", err)
			if errors.Is(err, scheduler.ErrUnknownNode) {
				if err := r.cfg.Coordinator.Register(ctx, r.cfg.Name, r.cfg.Info); err != nil {
					r.log.Warn("re-register failed", "error", err)
				}
			}
			if !sleep(ctx, r.cfg.ErrorBackoff) {
				return nil
			}
			continue
		}
		r.execute(ctx, job)
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.cfg.Coordinator.Heartbeat(ctx, r.cfg.Name, r.cfg.Info); err != nil && ctx.Err() == nil {
				r.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (r *Runner) execute(ctx context.Context, job model.Job) {
	log := r.log.With("job_id", job.ID)
	res, err := r.evaluate(ctx, job)
	if ctx.Err() != nil {
		// The job stays running and is recovered by the stall sweep.
		return
	}
	if err != nil {
		log.Warn("evaluation failed", "error", err)
		if err := r.cfg.Coordinator.ReportFailure(ctx, job.ID, r.cfg.Name, err.Error()); err != nil {
			r.logReportError(log, err)
		}
		return
	}
	log.Debug("evaluation completed", "fitness", res.Fitness)
	if err := r.cfg.Coordinator.ReportResult(ctx, job.ID, r.cfg.Name, res); err != nil {
		r.logReportError(log, err)
	}
}

func (r *Runner) evaluate(ctx context.Context, job model.Job) (model.EvaluationResult, error) {
	req, err := model.EvaluationRequestFromJob(job)
	if err != nil {
		return model.EvaluationResult{}, fmt.Errorf("%w: %v", scape.ErrEvaluation, err)
	}
	sc, ok := r.cfg.Scapes.Get(req.Scape)
	if !ok {
		return model.EvaluationResult{}, &scape.EvaluationError{
			Scape:      req.Scape,
			GenotypeID: req.Genotype.ID,
			Err:        fmt.Errorf("unknown scape %q", req.Scape),
		}
	}
	out, err := sc.Evaluate(ctx, req.Genotype)
	if err != nil {
		return model.EvaluationResult{}, err
	}
	return model.EvaluationResult{Fitness: out.Fitness, Metrics: out.Metrics}, nil
}

func (r *Runner) logReportError(log *slog.Logger, err error) {
	if errors.Is(err, scheduler.ErrJobTerminal) {
		log.Info("job already reported elsewhere", "error", err)
		return
	}
	log.Warn("report failed", "error", err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
