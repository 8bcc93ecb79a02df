package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"neurofleet/internal/model"
)

var ErrNotFound = errors.New("record not found")

type Kind string

const (
	KindExperiment Kind = "experiment"
	KindPopulation Kind = "population"
	KindGenotype   Kind = "genotype"
	KindNode       Kind = "node"
	KindJob        Kind = "job"
	KindLineage    Kind = "lineage"
	// KindDiagnostics holds per-generation diagnostics of a population.
	KindDiagnostics Kind = "diagnostics"
)

func (k Kind) Valid() bool {
	switch k {
	case KindExperiment, KindPopulation, KindGenotype, KindNode, KindJob, KindLineage, KindDiagnostics:
		return true
	default:
		return false
	}
}

// Record is the envelope every backend persists. Payload is the JSON
// encoding of the typed value identified by Kind and ID.
type Record struct {
	model.VersionedRecord
	Kind      Kind            `json:"kind"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the checkpoint persistence contract. Writes are last-write-wins
// per (kind, id); Read returns ErrNotFound for unknown records.
type Store interface {
	Init(ctx context.Context) error
	Write(ctx context.Context, record Record) error
	Read(ctx context.Context, kind Kind, id string) (Record, error)
	List(ctx context.Context, kind Kind) ([]Record, error)
}
