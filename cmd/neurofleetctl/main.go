package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"neurofleet/internal/config"
	"neurofleet/internal/model"
	"neurofleet/internal/platform"
	"neurofleet/internal/scape"
	"neurofleet/internal/worker"
	"neurofleet/pkg/neurofleet"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "validate":
		return runValidate(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "coordinator":
		return runCoordinator(ctx, args[1:])
	case "resume":
		return runResume(ctx, args[1:])
	case "worker":
		return runWorker(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runInit(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	path := fs.String("config", "experiment.ini", "experiment file to write")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := config.ParseExperiment([]byte(sampleExperiment)); err != nil {
		return fmt.Errorf("sample experiment: %w", err)
	}
	if !*force {
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", *path)
		}
	}
	if err := os.WriteFile(*path, []byte(sampleExperiment), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *path, err)
	}
	fmt.Printf("wrote experiment config=%s\n", *path)
	return nil
}

func runValidate(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	path := fs.String("config", "experiment.ini", "experiment file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadExperiment(*path)
	if err != nil {
		return err
	}
	fmt.Printf("valid experiment=%s scape=%s populations=%d size=%d generations=%d\n",
		cfg.Experiment.Name,
		cfg.Experiment.Scape,
		cfg.Experiment.Populations,
		cfg.Population.Size,
		cfg.Termination.GenerationLimit,
	)
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	path := fs.String("config", "experiment.ini", "experiment file")
	workers := fs.Int("workers", -1, "in-process worker nodes (-1 uses [scheduler] workers)")
	listen := fs.String("listen", "", "worker API listen address (empty disables the API)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadExperiment(*path)
	if err != nil {
		return err
	}
	if *workers < 0 {
		*workers = cfg.Scheduler.Workers
	}
	if *workers == 0 && *listen == "" {
		return errors.New("run needs in-process workers or a --listen address for remote workers")
	}
	return runExperiment(ctx, cfg, *workers, *listen, "")
}

func runCoordinator(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	path := fs.String("config", "experiment.ini", "experiment file")
	listen := fs.String("listen", config.Load().ListenAddr, "worker API listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *listen == "" {
		return errors.New("coordinator requires --listen")
	}

	cfg, err := config.LoadExperiment(*path)
	if err != nil {
		return err
	}
	return runExperiment(ctx, cfg, 0, *listen, "")
}

func runResume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	path := fs.String("config", "experiment.ini", "experiment file")
	id := fs.String("id", "", "experiment id to resume")
	workers := fs.Int("workers", -1, "in-process worker nodes (-1 uses [scheduler] workers)")
	listen := fs.String("listen", "", "worker API listen address (empty disables the API)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("resume requires --id")
	}

	cfg, err := config.LoadExperiment(*path)
	if err != nil {
		return err
	}
	if *workers < 0 {
		*workers = cfg.Scheduler.Workers
	}
	return runExperiment(ctx, cfg, *workers, *listen, *id)
}

func runExperiment(ctx context.Context, cfg config.Experiment, workers int, listen, resumeID string) error {
	opts := neurofleet.OptionsFromEnv(os.Stderr)
	opts.Workers = workers
	opts.ListenAddr = listen
	opts.Scheduler = neurofleet.SchedulerOptions{
		StalledAfter:  cfg.Scheduler.StalledAfter,
		StaleAfter:    cfg.Scheduler.StaleAfter,
		SweepInterval: cfg.Scheduler.SweepInterval,
	}

	client, err := neurofleet.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	var exp model.Experiment
	if resumeID != "" {
		exp, err = client.Resume(ctx, resumeID, cfg)
	} else {
		exp, err = client.Run(ctx, cfg)
	}
	if err != nil {
		return err
	}
	printExperiment(exp)
	return nil
}

func runWorker(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	coordinator := fs.String("coordinator", "", "coordinator base URL, e.g. http://localhost:8080")
	hostname, _ := os.Hostname()
	name := fs.String("name", hostname, "unique node name")
	heartbeat := fs.Duration("heartbeat", 5*time.Second, "heartbeat interval")
	longPoll := fs.Duration("long-poll", 30*time.Second, "assignment long-poll duration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *coordinator == "" {
		return errors.New("worker requires --coordinator")
	}
	if *name == "" {
		return errors.New("worker requires --name")
	}

	env := config.Load()
	logger := config.NewLogger(os.Stderr, env.LogLevel)
	runner, err := worker.NewRunner(worker.RunnerConfig{
		Name:              *name,
		Coordinator:       worker.NewClient(*coordinator, nil).WithLongPoll(*longPoll),
		Scapes:            scape.DefaultRegistry(),
		Info:              map[string]any{"mode": "remote", "scapes": scape.DefaultRegistry().Names()},
		HeartbeatInterval: *heartbeat,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	supervisor := platform.NewSupervisor(platform.SupervisorPolicy{}, logger)
	if err := supervisor.Start("runner", runner.Run); err != nil {
		return err
	}
	defer supervisor.StopAll()

	select {
	case <-ctx.Done():
		return nil
	case failed := <-supervisor.Failures():
		return fmt.Errorf("runner failed: %s", failed.LastError)
	}
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	id := fs.String("id", "", "experiment id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("status requires --id")
	}

	opts := neurofleet.OptionsFromEnv(os.Stderr)
	opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	client, err := neurofleet.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exp, err := client.Status(ctx, *id)
	if err != nil {
		return err
	}
	printExperiment(exp)
	return nil
}

func printExperiment(exp model.Experiment) {
	best := "none"
	if exp.BestFitness != nil {
		best = fmt.Sprintf("%.6f", *exp.BestFitness)
	}
	fmt.Printf("experiment=%s name=%s status=%s populations=%d best_fitness=%s best_genotype=%s\n",
		exp.ID, exp.Name, exp.Status, len(exp.PopulationIDs), best, exp.BestGenotypeID)
	if exp.Error != "" {
		fmt.Printf("error=%s\n", exp.Error)
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: neurofleetctl <init|validate|run|coordinator|resume|worker|status> [flags]", msg)
}
