package animate

import (
	"fmt"
	"math"
	"strings"
)

// Easing maps linear progress in [0,1] to eased progress. Every easing here
// is monotonic with f(0)=0 and f(1)=1.
type Easing func(p float64) float64

// Cosine is the 0.5 - 0.5*cos(pi*p) ease-in-out, written through sin so
// f(0.5) is exactly 0.5.
func Cosine(p float64) float64 {
	return 0.5 + 0.5*math.Sin(math.Pi*(p-0.5))
}

// Quadratic is the piecewise quadratic ease-in-out.
func Quadratic(p float64) float64 {
	if p < 0.5 {
		return 2 * p * p
	}
	q := -2*p + 2
	return 1 - q*q/2
}

// Cubic is the piecewise cubic ease-in-out.
func Cubic(p float64) float64 {
	if p < 0.5 {
		return 4 * p * p * p
	}
	q := -2*p + 2
	return 1 - q*q*q/2
}

func Linear(p float64) float64 { return p }

var easings = map[string]Easing{
	"cosine":    Cosine,
	"quadratic": Quadratic,
	"cubic":     Cubic,
	"linear":    Linear,
}

// EasingByName resolves a config name. Empty means cosine.
func EasingByName(name string) (Easing, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Cosine, nil
	}
	e, ok := easings[name]
	if !ok {
		return nil, fmt.Errorf("animate: unknown easing %q", name)
	}
	return e, nil
}
