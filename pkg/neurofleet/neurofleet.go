// Package neurofleet embeds a complete evolution process: checkpoint store,
// job scheduler, optional in-process worker fleet, optional worker HTTP API
// and the experiment orchestrator.
package neurofleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"neurofleet/internal/api"
	"neurofleet/internal/config"
	"neurofleet/internal/model"
	"neurofleet/internal/platform"
	"neurofleet/internal/scape"
	"neurofleet/internal/scheduler"
	"neurofleet/internal/storage"
	"neurofleet/internal/worker"
)

type (
	ExperimentConfig = config.Experiment
	Experiment       = model.Experiment
	Genotype         = model.Genotype
	SchedulerStats   = scheduler.Stats
	ServiceStatus    = platform.ServiceStatus
)

var (
	ErrInvalidConfig      = config.ErrInvalidConfig
	ErrExperimentNotFound = platform.ErrExperimentNotFound
	ErrNotFound           = storage.ErrNotFound
)

// LoadExperimentConfig reads and validates an INI experiment file.
func LoadExperimentConfig(path string) (ExperimentConfig, error) {
	return config.LoadExperiment(path)
}

func ParseExperimentConfig(data []byte) (ExperimentConfig, error) {
	return config.ParseExperiment(data)
}

func DefaultExperimentConfig() ExperimentConfig {
	return config.Default()
}

type SchedulerOptions struct {
	StalledAfter  time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

type Options struct {
	StoreKind   string
	DBPath      string
	PostgresDSN string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3Prefix    string
	S3PathStyle bool

	// Workers is the number of in-process worker nodes; 0 relies on remote
	// workers reaching the API.
	Workers int
	// ListenAddr enables the worker HTTP API when set.
	ListenAddr string
	Scheduler  SchedulerOptions
	Logger     *slog.Logger
}

// OptionsFromEnv fills store, listen address and logger from NEUROFLEET_*
// environment variables.
func OptionsFromEnv(logOutput io.Writer) Options {
	env := config.Load()
	return Options{
		StoreKind:   env.Store,
		DBPath:      env.DBPath,
		PostgresDSN: env.PostgresDSN,
		S3Bucket:    env.S3Bucket,
		S3Region:    env.S3Region,
		S3Endpoint:  env.S3Endpoint,
		S3Prefix:    env.S3Prefix,
		S3PathStyle: env.S3PathStyle,
		ListenAddr:  env.ListenAddr,
		Logger:      config.NewLogger(logOutput, env.LogLevel),
	}
}

type Client struct {
	opts       Options
	log        *slog.Logger
	store      storage.Store
	sched      *scheduler.Scheduler
	orch       *platform.Orchestrator
	supervisor *platform.Supervisor

	startOnce sync.Once
	startErr  error
}

func New(opts Options) (*Client, error) {
	if opts.Workers < 0 {
		return nil, fmt.Errorf("workers must be >= 0, got %d", opts.Workers)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	store, err := storage.NewStore(opts.StoreKind, storage.Options{
		SQLitePath:  opts.DBPath,
		PostgresDSN: opts.PostgresDSN,
		S3: storage.S3Config{
			Bucket:    opts.S3Bucket,
			Region:    opts.S3Region,
			Endpoint:  opts.S3Endpoint,
			Prefix:    opts.S3Prefix,
			PathStyle: opts.S3PathStyle,
		},
	})
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{
		StalledAfter:  opts.Scheduler.StalledAfter,
		StaleAfter:    opts.Scheduler.StaleAfter,
		SweepInterval: opts.Scheduler.SweepInterval,
		Logger:        logger,
	})
	orch, err := platform.NewOrchestrator(platform.OrchestratorConfig{
		Store:     store,
		Evaluator: sched,
		Scapes:    scape.DefaultRegistry(),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:       opts,
		log:        logger,
		store:      store,
		sched:      sched,
		orch:       orch,
		supervisor: platform.NewSupervisor(platform.SupervisorPolicy{}, logger),
	}, nil
}

// Init prepares the checkpoint store and starts the background services:
// scheduler sweeps, the local fleet and the HTTP API.
func (c *Client) Init(ctx context.Context) error {
	c.startOnce.Do(func() {
		if err := c.store.Init(ctx); err != nil {
			c.startErr = fmt.Errorf("init store: %w", err)
			return
		}
		c.startErr = c.startServices()
	})
	return c.startErr
}

func (c *Client) startServices() error {
	if err := c.supervisor.Start("scheduler", c.sched.Run); err != nil {
		return err
	}
	if c.opts.Workers > 0 {
		fleet, err := worker.NewLocalFleet(worker.FleetConfig{
			Size:        c.opts.Workers,
			Coordinator: worker.InProcess{Scheduler: c.sched},
			Logger:      c.log,
		})
		if err != nil {
			return err
		}
		if err := c.supervisor.Start("fleet", fleet.Run); err != nil {
			return err
		}
	}
	if c.opts.ListenAddr != "" {
		srv := api.NewServer(c.opts.ListenAddr, c.sched, c.orch, c.log)
		if err := c.supervisor.Start("api", srv.Run); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the background services and closes the store.
func (c *Client) Close() error {
	c.supervisor.StopAll()
	return storage.CloseIfSupported(c.store)
}

// Start begins an experiment in the background.
func (c *Client) Start(ctx context.Context, cfg ExperimentConfig) (Experiment, error) {
	if err := c.Init(ctx); err != nil {
		return Experiment{}, err
	}
	return c.orch.Start(ctx, cfg)
}

// Run starts an experiment and blocks until it finishes. A background
// service that exhausts its restarts aborts the wait.
func (c *Client) Run(ctx context.Context, cfg ExperimentConfig) (Experiment, error) {
	exp, err := c.Start(ctx, cfg)
	if err != nil {
		return Experiment{}, err
	}
	return c.Wait(ctx, exp.ID)
}

// Resume continues a checkpointed experiment and blocks until it finishes.
func (c *Client) Resume(ctx context.Context, id string, cfg ExperimentConfig) (Experiment, error) {
	if err := c.Init(ctx); err != nil {
		return Experiment{}, err
	}
	if _, err := c.orch.Resume(ctx, id, cfg); err != nil {
		return Experiment{}, err
	}
	return c.Wait(ctx, id)
}

func (c *Client) Wait(ctx context.Context, id string) (Experiment, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		exp Experiment
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		exp, err := c.orch.Wait(waitCtx, id)
		done <- outcome{exp: exp, err: err}
	}()

	select {
	case out := <-done:
		return out.exp, out.err
	case failed := <-c.supervisor.Failures():
		return Experiment{}, fmt.Errorf("service %s failed: %s", failed.Name, failed.LastError)
	}
}

func (c *Client) Pause(id string) error {
	return c.orch.Pause(id)
}

func (c *Client) Continue(id string) error {
	return c.orch.Continue(id)
}

// Status returns the live or persisted record of an experiment.
func (c *Client) Status(ctx context.Context, id string) (Experiment, error) {
	if err := c.store.Init(ctx); err != nil {
		return Experiment{}, fmt.Errorf("init store: %w", err)
	}
	exp, err := c.orch.Status(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Experiment{}, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
	}
	return exp, err
}

// BestGenotype returns the best genotype an experiment has checkpointed.
func (c *Client) BestGenotype(ctx context.Context, experimentID string) (Genotype, error) {
	if err := c.store.Init(ctx); err != nil {
		return Genotype{}, fmt.Errorf("init store: %w", err)
	}
	return c.orch.BestGenotype(ctx, experimentID)
}

func (c *Client) SchedulerStats() SchedulerStats {
	return c.sched.Stats()
}

func (c *Client) Services() []ServiceStatus {
	return c.supervisor.Statuses()
}
