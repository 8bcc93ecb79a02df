package nn

import (
	"errors"
	"math"
	"testing"
)

func TestRegisterAndGetActivation(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	if err := RegisterActivation("quad", func(x float64) float64 { return x * x }); err != nil {
		t.Fatalf("register activation: %v", err)
	}
	fn, err := GetActivation("quad")
	if err != nil {
		t.Fatalf("get activation: %v", err)
	}
	if got := fn(3); got != 9 {
		t.Fatalf("unexpected activation result: got=%f want=9", got)
	}
}

func TestRegisterActivationValidation(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	if err := RegisterActivation("", func(x float64) float64 { return x }); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := RegisterActivation("nil", nil); err == nil {
		t.Fatal("expected nil function error")
	}
	if err := RegisterActivation("tanh", math.Tanh); !errors.Is(err, ErrActivationExists) {
		t.Fatalf("expected ErrActivationExists, got: %v", err)
	}
}

func TestGetActivationNotFound(t *testing.T) {
	if _, err := GetActivation("missing"); !errors.Is(err, ErrActivationNotFound) {
		t.Fatalf("expected ErrActivationNotFound, got: %v", err)
	}
}

func TestBuiltinActivations(t *testing.T) {
	cases := map[string]struct{ in, want float64 }{
		"identity": {in: -2, want: -2},
		"relu":     {in: -2, want: 0},
		"tanh":     {in: 0, want: 0},
		"sigmoid":  {in: 0, want: 0.5},
		"gaussian": {in: 0, want: 1},
		"sin":      {in: math.Pi / 2, want: 1},
	}
	for name, tc := range cases {
		fn, err := GetActivation(name)
		if err != nil {
			t.Fatalf("get builtin activation %s: %v", name, err)
		}
		if got := fn(tc.in); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s(%f) = %f, want %f", name, tc.in, got, tc.want)
		}
	}
	if names := ListActivations(); len(names) != len(cases) || names[0] != "gaussian" {
		t.Fatalf("unexpected activation list: %v", names)
	}
}
