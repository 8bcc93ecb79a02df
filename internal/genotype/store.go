package genotype

import (
	"context"
	"fmt"

	"neurofleet/internal/model"
	"neurofleet/internal/storage"
)

// SavePopulationSnapshot writes every genotype of population and then the
// population record itself, which references its members by id.
func SavePopulationSnapshot(ctx context.Context, store storage.Store, population model.Population) error {
	if store == nil {
		return fmt.Errorf("store is required")
	}
	if population.ID == "" {
		return fmt.Errorf("population id is required")
	}

	ids := make([]string, 0, len(population.Genotypes))
	seen := make(map[string]struct{}, len(population.Genotypes))
	for _, g := range population.Genotypes {
		if g.ID == "" {
			return fmt.Errorf("population %s contains a genotype without id", population.ID)
		}
		if err := storage.Put(ctx, store, storage.KindGenotype, g.ID, g); err != nil {
			return err
		}
		if _, ok := seen[g.ID]; ok {
			continue
		}
		seen[g.ID] = struct{}{}
		ids = append(ids, g.ID)
	}

	record := population
	record.VersionedRecord = model.CurrentVersion()
	record.Genotypes = nil
	record.GenotypeIDs = ids
	return storage.Put(ctx, store, storage.KindPopulation, population.ID, record)
}

// LoadPopulationSnapshot reads a population and resolves its member genotypes.
func LoadPopulationSnapshot(ctx context.Context, store storage.Store, populationID string) (model.Population, error) {
	if store == nil {
		return model.Population{}, fmt.Errorf("store is required")
	}
	if populationID == "" {
		return model.Population{}, fmt.Errorf("population id is required")
	}

	pop, err := storage.Get[model.Population](ctx, store, storage.KindPopulation, populationID)
	if err != nil {
		return model.Population{}, err
	}

	genotypes := make([]model.Genotype, 0, len(pop.GenotypeIDs))
	for _, id := range pop.GenotypeIDs {
		g, err := storage.Get[model.Genotype](ctx, store, storage.KindGenotype, id)
		if err != nil {
			return model.Population{}, fmt.Errorf("genotype %s of population %s: %w", id, populationID, err)
		}
		if err := Validate(g); err != nil {
			return model.Population{}, fmt.Errorf("genotype %s of population %s: %w", id, populationID, err)
		}
		genotypes = append(genotypes, g)
	}
	pop.Genotypes = genotypes
	pop.GenotypeIDs = nil
	return pop, nil
}
