package evo

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"neurofleet/internal/genotype"
	"neurofleet/internal/model"
)

// WorstFitness is assigned to genotypes whose evaluation failed.
var WorstFitness = math.Inf(-1)

// ScoredGenotype pairs a genotype with its evaluated fitness. Failed
// evaluations are ineligible for elitism and, unless nothing else is left,
// for tournament selection.
type ScoredGenotype struct {
	Genotype model.Genotype
	Fitness  float64
	Failed   bool
}

// better orders by fitness descending, then by genotype id ascending.
func better(a, b ScoredGenotype) bool {
	if a.Fitness != b.Fitness {
		return a.Fitness > b.Fitness
	}
	return a.Genotype.ID < b.Genotype.ID
}

// Rank returns scored sorted best first.
func Rank(scored []ScoredGenotype) []ScoredGenotype {
	ranked := append([]ScoredGenotype(nil), scored...)
	sort.SliceStable(ranked, func(i, j int) bool { return better(ranked[i], ranked[j]) })
	return ranked
}

func eligible(scored []ScoredGenotype) []ScoredGenotype {
	out := make([]ScoredGenotype, 0, len(scored))
	for _, s := range scored {
		if !s.Failed {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return scored
	}
	return out
}

// TournamentSelection samples k genotypes uniformly, without replacement
// unless k exceeds the pool, and returns the fittest. Ties go to the lowest id.
func TournamentSelection(rng *rand.Rand, scored []ScoredGenotype, k int) (ScoredGenotype, error) {
	if rng == nil {
		return ScoredGenotype{}, fmt.Errorf("random source is required")
	}
	if k < 1 {
		return ScoredGenotype{}, fmt.Errorf("tournament size must be >= 1, got %d", k)
	}
	pool := eligible(scored)
	if len(pool) == 0 {
		return ScoredGenotype{}, errors.New("population is empty")
	}

	var picks []int
	if k <= len(pool) {
		picks = rng.Perm(len(pool))[:k]
	} else {
		picks = make([]int, k)
		for i := range picks {
			picks[i] = rng.Intn(len(pool))
		}
	}
	best := pool[picks[0]]
	for _, idx := range picks[1:] {
		if better(pool[idx], best) {
			best = pool[idx]
		}
	}
	return best, nil
}

// EliteCount is ceil(fraction * size) clamped to [0, size].
func EliteCount(size int, fraction float64) int {
	if size <= 0 || fraction <= 0 {
		return 0
	}
	n := int(math.Ceil(fraction*float64(size) - 1e-9))
	if n > size {
		n = size
	}
	return n
}

// Elitism returns the top ceil(fraction * len(scored)) successfully evaluated
// genotypes, best first.
func Elitism(scored []ScoredGenotype, fraction float64) []ScoredGenotype {
	n := EliteCount(len(scored), fraction)
	ranked := Rank(scored)
	elites := make([]ScoredGenotype, 0, n)
	for _, s := range ranked {
		if len(elites) == n {
			break
		}
		if s.Failed {
			continue
		}
		elites = append(elites, s)
	}
	return elites
}

// ReproductionConfig controls how a scored generation becomes the next one.
type ReproductionConfig struct {
	Size           int
	TournamentSize int
	EliteFraction  float64
	Mutation       MutationConfig
	Generation     int
}

// Reproduce carries elites over unchanged and fills the remaining slots with
// mutated clones of tournament winners. newID names each offspring.
func Reproduce(rng *rand.Rand, scored []ScoredGenotype, cfg ReproductionConfig, newID func() string) ([]model.Genotype, []model.LineageRecord, error) {
	if rng == nil {
		return nil, nil, fmt.Errorf("random source is required")
	}
	if cfg.Size <= 0 {
		return nil, nil, fmt.Errorf("population size must be > 0")
	}
	if newID == nil {
		newID = model.NewID
	}

	next := make([]model.Genotype, 0, cfg.Size)
	lineage := make([]model.LineageRecord, 0, cfg.Size)
	for _, elite := range Elitism(scored, cfg.EliteFraction) {
		if len(next) == cfg.Size {
			break
		}
		next = append(next, elite.Genotype)
		lineage = append(lineage, model.LineageRecord{
			GenotypeID: elite.Genotype.ID,
			ParentID:   elite.Genotype.ID,
			Generation: cfg.Generation,
			Operation:  "elite",
		})
	}
	for len(next) < cfg.Size {
		parent, err := TournamentSelection(rng, scored, cfg.TournamentSize)
		if err != nil {
			return nil, nil, err
		}
		child := genotype.Clone(parent.Genotype, newID())
		child, applied, err := Mutate(rng, child, cfg.Mutation)
		if err != nil {
			return nil, nil, fmt.Errorf("mutate %s: %w", child.ID, err)
		}
		op := "clone"
		if len(applied) > 0 {
			op = strings.Join(applied, "+")
		}
		next = append(next, child)
		lineage = append(lineage, model.LineageRecord{
			GenotypeID: child.ID,
			ParentID:   parent.Genotype.ID,
			Generation: cfg.Generation,
			Operation:  op,
		})
	}
	return next, lineage, nil
}
