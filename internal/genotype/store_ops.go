package genotype

import (
	"context"
	"fmt"

	"neurofleet/internal/model"
	"neurofleet/internal/storage"
)

// Read loads a single genotype by id.
func Read(ctx context.Context, store storage.Store, id string) (model.Genotype, error) {
	if id == "" {
		return model.Genotype{}, fmt.Errorf("genotype id is required")
	}
	return storage.Get[model.Genotype](ctx, store, storage.KindGenotype, id)
}

// Write persists a single genotype after checking its invariants.
func Write(ctx context.Context, store storage.Store, g model.Genotype) error {
	if err := Validate(g); err != nil {
		return err
	}
	return storage.Put(ctx, store, storage.KindGenotype, g.ID, g)
}
