// Package estimator turns a small sample of categorical trace outcomes into a
// Dirichlet posterior and per-category Beta credible intervals.
//
// The prior is uniform (one pseudo-count per category). For a requested
// category the marginal posterior is Beta(α_i, Σα − α_i), which assumes the
// categories are mutually exclusive and exhaustive for every trace.
package estimator

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/haricheung/adas-falsify/internal/types"
)

var (
	// ErrUnknownOutcome is returned for a category outside the estimator's alphabet.
	ErrUnknownOutcome = errors.New("estimator: unknown outcome")
	// ErrConfidence is returned for a confidence level outside the open interval (0,1).
	ErrConfidence = errors.New("estimator: confidence must be in (0,1)")
	// ErrDimension is returned when a pseudo-count vector does not match the alphabet size.
	ErrDimension = errors.New("estimator: posterior dimension mismatch")
)

// Interval is a credible interval for one category probability.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Estimator holds a fixed outcome alphabet and its uniform prior.
type Estimator struct {
	categories []types.Outcome
	index      map[types.Outcome]int
	prior      []float64
}

// New creates an Estimator over categories. Order is preserved in every
// returned vector.
func New(categories []types.Outcome) *Estimator {
	cats := append([]types.Outcome(nil), categories...)
	idx := make(map[types.Outcome]int, len(cats))
	prior := make([]float64, len(cats))
	for i, c := range cats {
		idx[c] = i
		prior[i] = 1
	}
	return &Estimator{categories: cats, index: idx, prior: prior}
}

// Categories returns a copy of the outcome alphabet.
func (e *Estimator) Categories() []types.Outcome {
	return append([]types.Outcome(nil), e.categories...)
}

// Counts tallies observed labels per category.
//
// Expectations:
//   - Returns a vector of length k with one count per category
//   - Returns ErrUnknownOutcome when any label is outside the alphabet
func (e *Estimator) Counts(observed []types.Outcome) ([]float64, error) {
	counts := make([]float64, len(e.categories))
	for _, o := range observed {
		i, ok := e.index[o]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownOutcome, o)
		}
		counts[i]++
	}
	return counts, nil
}

// Posterior returns prior + observed counts.
//
// Expectations:
//   - Sum of the returned pseudo-counts is k + len(observed)
//   - With no observations returns the uniform prior (all ones)
//   - Returns ErrUnknownOutcome when any label is outside the alphabet
func (e *Estimator) Posterior(observed []types.Outcome) ([]float64, error) {
	counts, err := e.Counts(observed)
	if err != nil {
		return nil, err
	}
	for i := range counts {
		counts[i] += e.prior[i]
	}
	return counts, nil
}

// CredibleInterval returns the equal-tailed interval at the given confidence
// for category, using the Beta marginal of the posterior pseudo-counts alphas.
//
// Expectations:
//   - Returns ErrUnknownOutcome for a category outside the alphabet
//   - Returns ErrConfidence unless 0 < confidence < 1
//   - Returns ErrDimension when len(alphas) != k or any pseudo-count is not positive
//   - Result always satisfies 0 <= Lower <= Upper <= 1
func (e *Estimator) CredibleInterval(alphas []float64, category types.Outcome, confidence float64) (Interval, error) {
	i, ok := e.index[category]
	if !ok {
		return Interval{}, fmt.Errorf("%w: %q", ErrUnknownOutcome, category)
	}
	if !(confidence > 0 && confidence < 1) {
		return Interval{}, fmt.Errorf("%w: got %v", ErrConfidence, confidence)
	}
	if len(alphas) != len(e.categories) {
		return Interval{}, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(alphas), len(e.categories))
	}

	var total float64
	for _, a := range alphas {
		if !(a > 0) || math.IsInf(a, 0) {
			return Interval{}, fmt.Errorf("%w: non-positive pseudo-count %v", ErrDimension, a)
		}
		total += a
	}
	a := alphas[i]
	b := total - a
	if b <= 0 {
		// Single-category alphabet: the category is certain.
		return Interval{Lower: 1, Upper: 1}, nil
	}

	tail := (1 - confidence) / 2
	dist := distuv.Beta{Alpha: a, Beta: b}
	lo := clamp01(dist.Quantile(tail))
	hi := clamp01(dist.Quantile(1 - tail))
	if lo > hi {
		lo, hi = hi, lo
	}
	return Interval{Lower: lo, Upper: hi}, nil
}

// Estimate is a convenience wrapper: posterior from observed, then the
// interval for category.
func (e *Estimator) Estimate(observed []types.Outcome, category types.Outcome, confidence float64) ([]float64, Interval, error) {
	alphas, err := e.Posterior(observed)
	if err != nil {
		return nil, Interval{}, err
	}
	iv, err := e.CredibleInterval(alphas, category, confidence)
	if err != nil {
		return nil, Interval{}, err
	}
	return alphas, iv, nil
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Min(1, math.Max(0, x))
}
