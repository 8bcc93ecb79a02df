package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc/pool"

	"neurofleet/internal/scape"
)

// LocalFleet runs a fixed set of in-process runners.
type LocalFleet struct {
	runners []*Runner
}

type FleetConfig struct {
	Size        int
	Prefix      string
	Coordinator Coordinator
	Scapes      *scape.Registry
	Logger      *slog.Logger
}

func NewLocalFleet(cfg FleetConfig) (*LocalFleet, error) {
	if cfg.Size <= 0 {
		return nil, errors.New("fleet size must be > 0")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "local"
	}
	fleet := &LocalFleet{runners: make([]*Runner, 0, cfg.Size)}
	for i := 0; i < cfg.Size; i++ {
		runner, err := NewRunner(RunnerConfig{
			Name:        fmt.Sprintf("%s-%d", cfg.Prefix, i),
			Coordinator: cfg.Coordinator,
			Scapes:      cfg.Scapes,
			Info:        map[string]any{"mode": "local"},
			Logger:      cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		fleet.runners = append(fleet.runners, runner)
	}
	return fleet, nil
}

func (f *LocalFleet) Names() []string {
	names := make([]string, 0, len(f.runners))
	for _, r := range f.runners {
		names = append(names, r.Name())
	}
	return names
}

// Run blocks until ctx is cancelled or a runner fails.
func (f *LocalFleet) Run(ctx context.Context) error {
	p := pool.New().WithMaxGoroutines(len(f.runners)).WithContext(ctx).WithCancelOnError()
	for _, r := range f.runners {
		r := r
		p.Go(func(ctx context.Context) error {
			return r.Run(ctx)
		})
	}
	return p.Wait()
}
