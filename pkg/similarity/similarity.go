// Package similarity defines the closed set of string similarity algorithms
// available to the scorer. Algorithms are resolved by name at component
// construction time, never per comparison.
package similarity

import "fmt"

// Algorithm computes a bounded similarity in [0, 1] between two field values.
// Compare must be symmetric in argument order.
type Algorithm interface {
	Name() string
	Compare(a string, b string) float64
}

// Built-in algorithm names.
const (
	AlgorithmExact        = "exact"
	AlgorithmLevenshtein  = "levenshtein"
	AlgorithmJaroWinkler  = "jaro_winkler"
	AlgorithmTokenOverlap = "token_overlap"
)

// custom holds caller-registered Func algorithms. Registration happens before
// any component construction, same as the normalizer registry.
var custom = make(map[string]Algorithm)

// RegisterFunc registers a caller-supplied comparison function under a name so
// pipeline definitions can reference it. Built-in names cannot be shadowed.
func RegisterFunc(name string, fn func(a string, b string) float64) error {
	if name == "" {
		return fmt.Errorf("algorithm name must not be empty")
	}
	if isBuiltin(name) {
		return fmt.Errorf("algorithm %q is built in and cannot be overridden", name)
	}
	custom[name] = Func{name: name, fn: fn}
	return nil
}

// Resolve returns the algorithm registered under name. Misnamed algorithms
// fail here, at construction, before any pair is scored.
func Resolve(name string) (Algorithm, error) {
	switch name {
	case AlgorithmExact:
		return Exact{}, nil
	case AlgorithmLevenshtein:
		return Levenshtein{}, nil
	case AlgorithmJaroWinkler:
		return JaroWinkler{}, nil
	case AlgorithmTokenOverlap:
		return TokenOverlap{}, nil
	}
	if alg, ok := custom[name]; ok {
		return alg, nil
	}
	return nil, fmt.Errorf("unknown similarity algorithm %q", name)
}

func isBuiltin(name string) bool {
	switch name {
	case AlgorithmExact, AlgorithmLevenshtein, AlgorithmJaroWinkler, AlgorithmTokenOverlap:
		return true
	}
	return false
}

// Func wraps a caller-supplied comparison. Results are clamped to [0, 1] to
// preserve the bounded-similarity invariant regardless of the supplied code.
type Func struct {
	name string
	fn   func(a string, b string) float64
}

func (f Func) Name() string {
	return f.name
}

func (f Func) Compare(a string, b string) float64 {
	return clamp01(f.fn(a, b))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
