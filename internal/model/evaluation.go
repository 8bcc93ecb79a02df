package model

import (
	"encoding/json"
	"fmt"
)

// EvaluationRequest is the typed view of an evaluation job's config.
type EvaluationRequest struct {
	Genotype     Genotype `json:"genotype"`
	Scape        string   `json:"scape"`
	ExperimentID string   `json:"experiment_id,omitempty"`
	PopulationID string   `json:"population_id,omitempty"`
	Generation   int      `json:"generation"`
	Attempt      int      `json:"attempt"`
}

func (r EvaluationRequest) JobConfig() map[string]any {
	return map[string]any{
		"genotype":      r.Genotype,
		"scape":         r.Scape,
		"experiment_id": r.ExperimentID,
		"population_id": r.PopulationID,
		"generation":    r.Generation,
		"attempt":       r.Attempt,
	}
}

// EvaluationRequestFromJob decodes a job config whether it holds typed values
// (in-process workers) or generic JSON maps (HTTP workers).
func EvaluationRequestFromJob(job Job) (EvaluationRequest, error) {
	var req EvaluationRequest
	if err := remarshal(job.Config, &req); err != nil {
		return EvaluationRequest{}, fmt.Errorf("job %s config: %w", job.ID, err)
	}
	if req.Genotype.ID == "" {
		return EvaluationRequest{}, fmt.Errorf("job %s config: genotype is required", job.ID)
	}
	return req, nil
}

// EvaluationResult is the typed view of a completed job's results.
type EvaluationResult struct {
	Fitness float64        `json:"fitness"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

func (r EvaluationResult) JobResults() map[string]any {
	out := map[string]any{"fitness": r.Fitness}
	if len(r.Metrics) > 0 {
		out["metrics"] = r.Metrics
	}
	return out
}

func EvaluationResultFromJob(job Job) (EvaluationResult, error) {
	if job.Status != JobCompleted {
		return EvaluationResult{}, fmt.Errorf("job %s is %s", job.ID, job.Status)
	}
	if _, ok := job.Results["fitness"]; !ok {
		return EvaluationResult{}, fmt.Errorf("job %s result has no fitness", job.ID)
	}
	var res EvaluationResult
	if err := remarshal(job.Results, &res); err != nil {
		return EvaluationResult{}, fmt.Errorf("job %s results: %w", job.ID, err)
	}
	return res, nil
}

func remarshal(in map[string]any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
