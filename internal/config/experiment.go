package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"neurofleet/internal/evo"
	"neurofleet/internal/genotype"
	"neurofleet/internal/model"
	"neurofleet/internal/nn"
	"neurofleet/internal/scheduler"
)

var ErrInvalidConfig = errors.New("invalid config")

// Experiment is the typed experiment configuration read from an INI file.
type Experiment struct {
	Experiment  ExperimentSection  `ini:"experiment"`
	Population  PopulationSection  `ini:"population"`
	Mutation    MutationSection    `ini:"mutation"`
	Selection   SelectionSection   `ini:"selection"`
	Termination TerminationSection `ini:"termination"`
	Scheduler   SchedulerSection   `ini:"scheduler"`
}

type ExperimentSection struct {
	Name            string `ini:"name"`
	Scape           string `ini:"scape"`
	Populations     int    `ini:"populations"`
	BackupFrequency int    `ini:"backup_frequency"`
	Seed            int64  `ini:"seed"`
}

type PopulationSection struct {
	Size             int      `ini:"size"`
	Inputs           int      `ini:"inputs"`
	Outputs          int      `ini:"outputs"`
	Bias             bool     `ini:"bias"`
	InputActivation  string   `ini:"input_activation"`
	OutputActivation string   `ini:"output_activation"`
	Activations      []string `ini:"activations" delim:","`
}

type MutationSection struct {
	AddNeuronRate        float64 `ini:"add_neuron_rate"`
	AddConnectionRate    float64 `ini:"add_connection_rate"`
	WeightMutationRate   float64 `ini:"weight_mutation_rate"`
	WeightSigma          float64 `ini:"weight_sigma"`
	RemoveConnectionRate float64 `ini:"remove_connection_rate"`
	RemoveNeuronRate     float64 `ini:"remove_neuron_rate"`
	ReachabilityPolicy   string  `ini:"reachability_policy"`
	// Operators names the registered mutation operators to run, in order.
	// Empty runs the default pipeline.
	Operators []string `ini:"operators" delim:","`
}

type SelectionSection struct {
	TournamentSize int     `ini:"tournament_size"`
	EliteFraction  float64 `ini:"elite_fraction"`
}

type TerminationSection struct {
	GenerationLimit       int      `ini:"generation_limit"`
	FitnessGoal           *float64 `ini:"-"`
	StagnationGenerations int      `ini:"stagnation_generations"`
}

type SchedulerSection struct {
	StalledAfter      time.Duration `ini:"stalled_after"`
	StaleAfter        time.Duration `ini:"stale_after"`
	SweepInterval     time.Duration `ini:"sweep_interval"`
	EvaluationRetries int           `ini:"evaluation_retries"`
	RetryBackoff      time.Duration `ini:"retry_backoff"`
	Workers           int           `ini:"workers"`
}

// requiredKeys must be present in every experiment file.
var requiredKeys = map[string][]string{
	"experiment":  {"name", "scape"},
	"population":  {"size", "inputs", "outputs"},
	"selection":   {"tournament_size"},
	"termination": {"generation_limit"},
}

// Default returns an experiment with every optional key at its default.
func Default() Experiment {
	return Experiment{
		Experiment: ExperimentSection{
			Populations:     1,
			BackupFrequency: 1,
			Seed:            1,
		},
		Population: PopulationSection{
			Bias:             true,
			InputActivation:  "identity",
			OutputActivation: "sigmoid",
		},
		Mutation: MutationSection{
			AddNeuronRate:      0.03,
			AddConnectionRate:  0.05,
			WeightMutationRate: 0.8,
			WeightSigma:        0.5,
			ReachabilityPolicy: string(evo.ReachabilityBestEffort),
		},
		Selection: SelectionSection{
			EliteFraction: 0.1,
		},
		Scheduler: SchedulerSection{
			StalledAfter:  scheduler.DefaultStalledAfter,
			StaleAfter:    scheduler.DefaultStaleAfter,
			SweepInterval: scheduler.DefaultSweepInterval,
			RetryBackoff:  100 * time.Millisecond,
			Workers:       4,
		},
	}
}

// LoadExperiment reads and validates an experiment file.
func LoadExperiment(path string) (Experiment, error) {
	return loadExperiment(path)
}

// ParseExperiment reads and validates experiment INI content.
func ParseExperiment(data []byte) (Experiment, error) {
	return loadExperiment(data)
}

func loadExperiment(source any) (Experiment, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:         true,
		UnescapeValueCommentSymbols: true,
	}, source)
	if err != nil {
		return Experiment{}, fmt.Errorf("load experiment config: %w", err)
	}
	if err := checkKeys(file); err != nil {
		return Experiment{}, err
	}

	cfg := Default()
	sections := []struct {
		name string
		dst  any
	}{
		{"experiment", &cfg.Experiment},
		{"population", &cfg.Population},
		{"mutation", &cfg.Mutation},
		{"selection", &cfg.Selection},
		{"termination", &cfg.Termination},
		{"scheduler", &cfg.Scheduler},
	}
	for _, s := range sections {
		if !file.HasSection(s.name) {
			continue
		}
		if err := file.Section(s.name).StrictMapTo(s.dst); err != nil {
			return Experiment{}, fmt.Errorf("%w: [%s]: %v", ErrInvalidConfig, s.name, err)
		}
	}
	if key, err := file.Section("termination").GetKey("fitness_goal"); err == nil {
		goal, err := key.Float64()
		if err != nil {
			return Experiment{}, fmt.Errorf("%w: [termination] fitness_goal: %v", ErrInvalidConfig, err)
		}
		cfg.Termination.FitnessGoal = &goal
	}
	for i, name := range cfg.Population.Activations {
		cfg.Population.Activations[i] = strings.TrimSpace(name)
	}
	for i, name := range cfg.Mutation.Operators {
		cfg.Mutation.Operators[i] = strings.TrimSpace(name)
	}

	if err := cfg.Validate(); err != nil {
		return Experiment{}, err
	}
	return cfg, nil
}

// allowedKeys lists every recognised key per section, derived from the ini
// struct tags.
func allowedKeys() map[string]map[string]bool {
	out := map[string]map[string]bool{}
	root := reflect.TypeOf(Experiment{})
	for i := 0; i < root.NumField(); i++ {
		section := root.Field(i)
		keys := map[string]bool{}
		for j := 0; j < section.Type.NumField(); j++ {
			if tag := section.Type.Field(j).Tag.Get("ini"); tag != "" && tag != "-" {
				keys[tag] = true
			}
		}
		out[section.Tag.Get("ini")] = keys
	}
	out["termination"]["fitness_goal"] = true
	return out
}

func checkKeys(file *ini.File) error {
	allowed := allowedKeys()
	var problems []error
	for _, section := range file.Sections() {
		name := section.Name()
		keys, ok := allowed[name]
		if name == ini.DefaultSection {
			if len(section.Keys()) > 0 {
				problems = append(problems, fmt.Errorf("keys outside a section: %s", strings.Join(section.KeyStrings(), ", ")))
			}
			continue
		}
		if !ok {
			problems = append(problems, fmt.Errorf("unknown section [%s]", name))
			continue
		}
		for _, key := range section.KeyStrings() {
			if !keys[key] {
				problems = append(problems, fmt.Errorf("unknown key [%s] %s", name, key))
			}
		}
	}

	sectionNames := make([]string, 0, len(requiredKeys))
	for name := range requiredKeys {
		sectionNames = append(sectionNames, name)
	}
	sort.Strings(sectionNames)
	for _, name := range sectionNames {
		for _, key := range requiredKeys[name] {
			if !file.Section(name).HasKey(key) {
				problems = append(problems, fmt.Errorf("missing required key [%s] %s", name, key))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
	}
	return nil
}

// Validate enumerates every rule the experiment must satisfy. All violations
// are reported together.
func (c Experiment) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}

	check(c.Experiment.Name != "", "experiment name is required")
	check(c.Experiment.Scape != "", "experiment scape is required")
	check(c.Experiment.Populations >= 1, "populations must be >= 1, got %d", c.Experiment.Populations)
	check(c.Experiment.BackupFrequency >= 1, "backup_frequency must be >= 1, got %d", c.Experiment.BackupFrequency)

	check(c.Population.Size > 0, "population size must be > 0, got %d", c.Population.Size)
	check(c.Population.Inputs > 0, "population inputs must be > 0, got %d", c.Population.Inputs)
	check(c.Population.Outputs > 0, "population outputs must be > 0, got %d", c.Population.Outputs)
	known := map[string]bool{}
	for _, name := range nn.ListActivations() {
		known[name] = true
	}
	for _, name := range append([]string{c.Population.InputActivation, c.Population.OutputActivation}, c.Population.Activations...) {
		check(name == "" || known[name], "unknown activation %q", name)
	}

	rates := map[string]float64{
		"add_neuron_rate":        c.Mutation.AddNeuronRate,
		"add_connection_rate":    c.Mutation.AddConnectionRate,
		"weight_mutation_rate":   c.Mutation.WeightMutationRate,
		"remove_connection_rate": c.Mutation.RemoveConnectionRate,
		"remove_neuron_rate":     c.Mutation.RemoveNeuronRate,
	}
	rateNames := make([]string, 0, len(rates))
	for name := range rates {
		rateNames = append(rateNames, name)
	}
	sort.Strings(rateNames)
	for _, name := range rateNames {
		check(rates[name] >= 0 && rates[name] <= 1, "%s must be in [0, 1], got %v", name, rates[name])
	}
	check(c.Mutation.WeightSigma >= 0, "weight_sigma must be >= 0, got %v", c.Mutation.WeightSigma)
	_, err := evo.ParseReachabilityPolicy(c.Mutation.ReachabilityPolicy)
	check(err == nil, "reachability_policy: %v", err)
	operators := map[string]bool{}
	for _, name := range evo.ListOperators() {
		operators[name] = true
	}
	for _, name := range c.Mutation.Operators {
		check(operators[name], "unknown mutation operator %q", name)
	}

	check(c.Selection.TournamentSize >= 1, "tournament_size must be >= 1, got %d", c.Selection.TournamentSize)
	check(c.Selection.EliteFraction >= 0 && c.Selection.EliteFraction <= 1, "elite_fraction must be in [0, 1], got %v", c.Selection.EliteFraction)

	check(c.Termination.GenerationLimit > 0, "generation_limit must be > 0, got %d", c.Termination.GenerationLimit)
	check(c.Termination.StagnationGenerations >= 0, "stagnation_generations must be >= 0, got %d", c.Termination.StagnationGenerations)

	check(c.Scheduler.StalledAfter > 0, "stalled_after must be > 0")
	check(c.Scheduler.StaleAfter > 0, "stale_after must be > 0")
	check(c.Scheduler.SweepInterval > 0, "sweep_interval must be > 0")
	check(c.Scheduler.EvaluationRetries >= 0, "evaluation_retries must be >= 0, got %d", c.Scheduler.EvaluationRetries)
	check(c.Scheduler.Workers >= 0, "workers must be >= 0, got %d", c.Scheduler.Workers)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
	}
	return nil
}

// PopulationConfig is the per-population slice persisted with each population.
func (c Experiment) PopulationConfig() model.PopulationConfig {
	pc := model.PopulationConfig{
		Size:                  c.Population.Size,
		TournamentSize:        c.Selection.TournamentSize,
		EliteFraction:         c.Selection.EliteFraction,
		AddNeuronRate:         c.Mutation.AddNeuronRate,
		AddConnectionRate:     c.Mutation.AddConnectionRate,
		WeightMutationRate:    c.Mutation.WeightMutationRate,
		WeightSigma:           c.Mutation.WeightSigma,
		RemoveConnectionRate:  c.Mutation.RemoveConnectionRate,
		RemoveNeuronRate:      c.Mutation.RemoveNeuronRate,
		ReachabilityPolicy:    c.Mutation.ReachabilityPolicy,
		Operators:             append([]string(nil), c.Mutation.Operators...),
		Activations:           append([]string(nil), c.Population.Activations...),
		GenerationLimit:       c.Termination.GenerationLimit,
		StagnationGenerations: c.Termination.StagnationGenerations,
	}
	if c.Termination.FitnessGoal != nil {
		goal := *c.Termination.FitnessGoal
		pc.FitnessGoal = &goal
	}
	return pc
}

func (c Experiment) SeedSpec() genotype.SeedSpec {
	return genotype.SeedSpec{
		Inputs:           c.Population.Inputs,
		Outputs:          c.Population.Outputs,
		Bias:             c.Population.Bias,
		InputActivation:  c.Population.InputActivation,
		OutputActivation: c.Population.OutputActivation,
	}
}

func (c Experiment) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		StalledAfter:  c.Scheduler.StalledAfter,
		StaleAfter:    c.Scheduler.StaleAfter,
		SweepInterval: c.Scheduler.SweepInterval,
	}
}
