package optimizer

import (
	"context"
	"math"

	"github.com/sawpanic/alphaforge/internal/domain"
)

// Manual passes caller weights through unchanged
type Manual struct{}

func (Manual) Method() Method { return MethodManual }

func (Manual) Optimize(_ context.Context, in Input) (Result, error) {
	if len(in.Manual) == 0 {
		return Result{}, &domain.InvalidConfigError{Field: "portfolio.weights", Reason: "manual method requires weights"}
	}
	if math.Abs(in.Manual.Sum()-1) > domain.WeightTolerance {
		return Result{}, &domain.InvalidConfigError{Field: "portfolio.weights", Reason: "weights must sum to 1"}
	}
	return Result{Weights: in.Manual.Clone()}, nil
}
