package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

// CurrentVersion returns the record header written by this build.
func CurrentVersion() VersionedRecord {
	return VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

type Layer string

const (
	LayerInput  Layer = "input"
	LayerHidden Layer = "hidden"
	LayerOutput Layer = "output"
	LayerBias   Layer = "bias"
)

func (l Layer) Valid() bool {
	switch l {
	case LayerInput, LayerHidden, LayerOutput, LayerBias:
		return true
	default:
		return false
	}
}

type Neuron struct {
	Layer      Layer  `json:"layer"`
	Activation string `json:"activation"`
}

type Connection struct {
	From   int64   `json:"from"`
	To     int64   `json:"to"`
	Weight float64 `json:"weight"`
}

// Genotype is a neuron/connection graph. Values are treated as immutable:
// every operation in package genotype returns a fresh copy.
type Genotype struct {
	VersionedRecord
	ID               string               `json:"id"`
	Neurons          map[int64]Neuron     `json:"neurons"`
	Connections      map[int64]Connection `json:"connections"`
	NextNeuronID     int64                `json:"next_neuron_id"`
	NextConnectionID int64                `json:"next_connection_id"`
	Fitness          *float64             `json:"fitness,omitempty"`
}

// Scored reports whether the genotype carries a fitness value.
func (g Genotype) Scored() bool {
	return g.Fitness != nil
}

// FitnessOr returns the fitness or fallback when unscored.
func (g Genotype) FitnessOr(fallback float64) float64 {
	if g.Fitness == nil {
		return fallback
	}
	return *g.Fitness
}

type PopulationState string

const (
	StateAwaitingEvaluation PopulationState = "awaiting_evaluation"
	StateSelecting          PopulationState = "selecting"
	StateAdvancing          PopulationState = "advancing"
	StateTerminated         PopulationState = "terminated"
)

type Population struct {
	VersionedRecord
	ID                 string           `json:"id"`
	ExperimentID       string           `json:"experiment_id"`
	Generation         int              `json:"generation"`
	State              PopulationState  `json:"state"`
	Genotypes          []Genotype       `json:"genotypes,omitempty"`
	GenotypeIDs        []string         `json:"genotype_ids,omitempty"`
	Config             PopulationConfig `json:"config"`
	BestFitnessHistory []float64        `json:"best_fitness_history,omitempty"`
	BestGenotypeID     string           `json:"best_genotype_id,omitempty"`
}

// PopulationConfig is the per-population slice of the experiment configuration
// persisted alongside the population so a resumed run evolves identically.
type PopulationConfig struct {
	Size                  int      `json:"size"`
	TournamentSize        int      `json:"tournament_size"`
	EliteFraction         float64  `json:"elite_fraction"`
	AddNeuronRate         float64  `json:"add_neuron_rate"`
	AddConnectionRate     float64  `json:"add_connection_rate"`
	WeightMutationRate    float64  `json:"weight_mutation_rate"`
	WeightSigma           float64  `json:"weight_sigma"`
	RemoveConnectionRate  float64  `json:"remove_connection_rate"`
	RemoveNeuronRate      float64  `json:"remove_neuron_rate"`
	ReachabilityPolicy    string   `json:"reachability_policy"`
	Operators             []string `json:"operators,omitempty"`
	Activations           []string `json:"activations"`
	GenerationLimit       int      `json:"generation_limit"`
	FitnessGoal           *float64 `json:"fitness_goal,omitempty"`
	StagnationGenerations int      `json:"stagnation_generations"`
}

type ExperimentStatus string

const (
	ExperimentPending   ExperimentStatus = "pending"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentFailed    ExperimentStatus = "failed"
)

type Experiment struct {
	VersionedRecord
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Scape          string           `json:"scape"`
	Status         ExperimentStatus `json:"status"`
	PopulationIDs  []string         `json:"population_ids"`
	BestGenotypeID string           `json:"best_genotype_id,omitempty"`
	BestFitness    *float64         `json:"best_fitness,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeIdle    NodeStatus = "idle"
	NodeOffline NodeStatus = "offline"
)

// Node is a worker that evaluates jobs. Info is opaque capability metadata.
type Node struct {
	Name          string         `json:"name"`
	Status        NodeStatus     `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Info          map[string]any `json:"info,omitempty"`
	ActiveJobID   string         `json:"active_job_id,omitempty"`
	// StalledJobID is a job taken away from this node while it may still be
	// evaluating it. The node takes no new work until it reports or
	// registers again.
	StalledJobID string `json:"stalled_job_id,omitempty"`
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type Job struct {
	ID           string         `json:"id"`
	Config       map[string]any `json:"config"`
	Status       JobStatus      `json:"status"`
	AssignedNode string         `json:"assigned_node,omitempty"`
	Results      map[string]any `json:"results,omitempty"`
	Error        string         `json:"error,omitempty"`
	Attempts     int            `json:"attempts"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// LineageRecord links an offspring to its parent for a generation.
type LineageRecord struct {
	GenotypeID string `json:"genotype_id"`
	ParentID   string `json:"parent_id"`
	Generation int    `json:"generation"`
	Operation  string `json:"operation"`
}

// GenerationDiagnostics summarizes one evaluated generation.
type GenerationDiagnostics struct {
	Generation  int     `json:"generation"`
	BestFitness float64 `json:"best_fitness"`
	MeanFitness float64 `json:"mean_fitness"`
	MinFitness  float64 `json:"min_fitness"`
	Evaluated   int     `json:"evaluated"`
	Failed      int     `json:"failed"`
}

// PopulationDiagnostics is the per-generation summary history of a population.
type PopulationDiagnostics struct {
	VersionedRecord
	PopulationID string                  `json:"population_id"`
	Generations  []GenerationDiagnostics `json:"generations"`
}

// PopulationLineage records the parent of every genotype a population bred.
type PopulationLineage struct {
	VersionedRecord
	PopulationID string          `json:"population_id"`
	Records      []LineageRecord `json:"records"`
}
