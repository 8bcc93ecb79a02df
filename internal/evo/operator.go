package evo

import (
	"context"

	"neurofleet/internal/model"
)

// Operator is a single mutation step. Apply reports whether g changed;
// operators that cannot be satisfied return g unchanged and false.
type Operator interface {
	Name() string
	Apply(ctx context.Context, g model.Genotype) (model.Genotype, bool)
}
