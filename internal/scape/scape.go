package scape

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"neurofleet/internal/model"
)

// ErrEvaluation marks a failed fitness evaluation. Workers report it as a
// job failure rather than a result.
var ErrEvaluation = errors.New("evaluation failed")

// Result is the outcome of evaluating one genotype.
type Result struct {
	Fitness float64
	Metrics map[string]any
}

type Scape interface {
	Name() string
	Evaluate(ctx context.Context, g model.Genotype) (Result, error)
}

// Shaped is implemented by scapes that fix how many inputs and outputs a
// genotype must expose to be evaluated.
type Shaped interface {
	Shape() (inputs, outputs int)
}

type EvaluationError struct {
	Scape      string
	GenotypeID string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("scape %s: genotype %s: %v", e.Scape, e.GenotypeID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func (e *EvaluationError) Is(target error) bool { return target == ErrEvaluation }

// Registry maps scape names to implementations.
type Registry struct {
	mu     sync.RWMutex
	scapes map[string]Scape
}

func NewRegistry(scapes ...Scape) *Registry {
	r := &Registry{scapes: make(map[string]Scape, len(scapes))}
	for _, s := range scapes {
		r.scapes[s.Name()] = s
	}
	return r
}

// DefaultRegistry holds the scapes shipped with neurofleet.
func DefaultRegistry() *Registry {
	return NewRegistry(XORScape{})
}

func (r *Registry) Register(s Scape) error {
	if s == nil || s.Name() == "" {
		return errors.New("scape name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scapes[s.Name()]; exists {
		return fmt.Errorf("scape already registered: %s", s.Name())
	}
	r.scapes[s.Name()] = s
	return nil
}

func (r *Registry) Get(name string) (Scape, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scapes[name]
	return s, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scapes))
	for name := range r.scapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
