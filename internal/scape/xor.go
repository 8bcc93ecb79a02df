package scape

import (
	"context"
	"fmt"
	"strings"

	"neurofleet/internal/genotype"
	"neurofleet/internal/model"
	"neurofleet/internal/nn"
)

// XORScape scores a network with two inputs and one output on the XOR truth
// table. Fitness is the reciprocal of the summed squared error.
type XORScape struct {
	// Mode selects the case ordering: gt (default), validation or test.
	Mode string
}

func (XORScape) Name() string {
	return "xor"
}

func (XORScape) Shape() (inputs, outputs int) {
	return 2, 1
}

type xorCase struct {
	in   []float64
	want float64
}

func xorCases(mode string) ([]xorCase, string, error) {
	base := []xorCase{
		{in: []float64{0, 0}, want: 0},
		{in: []float64{0, 1}, want: 1},
		{in: []float64{1, 0}, want: 1},
		{in: []float64{1, 1}, want: 0},
	}
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case "", "gt":
		return base, "gt", nil
	case "validation":
		return []xorCase{base[1], base[2], base[0], base[3], base[1], base[2]}, "validation", nil
	case "test":
		return []xorCase{base[3], base[2], base[1], base[0], base[3], base[0], base[2], base[1]}, "test", nil
	default:
		return nil, "", fmt.Errorf("unsupported xor mode: %s", mode)
	}
}

func (x XORScape) Evaluate(ctx context.Context, g model.Genotype) (Result, error) {
	cases, mode, err := xorCases(x.Mode)
	if err != nil {
		return Result{}, err
	}
	inputs, outputs := x.Shape()
	if n := len(genotype.LayerNeuronIDs(g, model.LayerInput)); n != inputs {
		return Result{}, &EvaluationError{Scape: x.Name(), GenotypeID: g.ID, Err: fmt.Errorf("xor requires %d inputs, got %d", inputs, n)}
	}
	if n := len(genotype.LayerNeuronIDs(g, model.LayerOutput)); n != outputs {
		return Result{}, &EvaluationError{Scape: x.Name(), GenotypeID: g.ID, Err: fmt.Errorf("xor requires %d output, got %d", outputs, n)}
	}

	var sse float64
	predictions := make([]float64, 0, len(cases))
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		out, err := nn.Forward(g, c.in)
		if err != nil {
			return Result{}, &EvaluationError{Scape: x.Name(), GenotypeID: g.ID, Err: err}
		}
		predictions = append(predictions, out[0])
		delta := out[0] - c.want
		sse += delta * delta
	}

	return Result{
		Fitness: 1.0 / (sse + 0.000001),
		Metrics: map[string]any{
			"mse":         sse / float64(len(cases)),
			"sse":         sse,
			"predictions": predictions,
			"mode":        mode,
			"cases":       len(cases),
		},
	}, nil
}
