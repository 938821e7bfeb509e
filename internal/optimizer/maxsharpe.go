package optimizer

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/domain"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// MaxSharpe maximizes (w·μ − rf) / sqrt(wᵀΣw) over the long-only simplex
type MaxSharpe struct {
	config Config
}

// NewMaxSharpe creates a max-Sharpe optimizer
func NewMaxSharpe(config Config) *MaxSharpe {
	return &MaxSharpe{config: config}
}

func (m *MaxSharpe) Method() Method { return MethodMaxSharpe }

// Optimize solves for tangency weights. Singular or ill-conditioned
// covariance and non-convergence fall back to equal weights.
func (m *MaxSharpe) Optimize(ctx context.Context, in Input) (Result, error) {
	if err := validateInput(in, m.config); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	n := len(in.Symbols)
	if n == 1 {
		return Result{Weights: domain.Weights{in.Symbols[0]: 1}}, nil
	}

	est := estimate(in.Returns, n, m.config.TradingDays)

	var chol mat.Cholesky
	if ok := chol.Factorize(est.cov); !ok {
		return m.fallback(in.Symbols, "covariance matrix is singular"), nil
	}
	if cond := chol.Cond(); cond > m.config.MaxCondition || math.IsNaN(cond) {
		return m.fallback(in.Symbols, fmt.Sprintf("covariance condition number %.3g exceeds %.3g", cond, m.config.MaxCondition)), nil
	}

	best := math.Inf(-1)
	for _, mu := range est.mean {
		best = math.Max(best, mu)
	}
	if best <= in.RiskFree {
		return m.fallback(in.Symbols, "no candidate has expected return above the risk-free rate"), nil
	}

	mean := mat.NewVecDense(n, est.mean)
	w := mat.NewVecDense(n, nil)
	objective := func(z []float64) float64 {
		softmax(w.RawVector().Data, z)
		variance := mat.Inner(w, est.cov, w)
		if variance <= 0 {
			return math.Inf(1)
		}
		return -(mat.Dot(w, mean) - in.RiskFree) / math.Sqrt(variance)
	}

	settings := &optimize.Settings{FuncEvaluations: m.config.MaxEvaluations}
	res, err := optimize.Minimize(optimize.Problem{Func: objective}, make([]float64, n), settings, &optimize.NelderMead{})
	if err != nil || res == nil || math.IsNaN(res.F) || math.IsInf(res.F, 0) {
		reason := "solver did not converge"
		if err != nil {
			reason = fmt.Sprintf("solver did not converge: %v", err)
		}
		return m.fallback(in.Symbols, reason), nil
	}

	raw := make([]float64, n)
	softmax(raw, res.X)
	weights := make(domain.Weights, n)
	for i, s := range in.Symbols {
		weights[s] = raw[i]
	}
	weights = prune(weights, m.config.MinWeight)

	log.Debug().Str("method", "max_sharpe").Float64("sharpe", -res.F).
		Int("evaluations", res.Stats.FuncEvaluations).Int("assets", len(weights)).
		Msg("Optimization converged")

	return Result{Weights: weights}, nil
}

func (m *MaxSharpe) fallback(symbols []string, reason string) Result {
	err := &domain.OptimizationInfeasibleError{Method: string(MethodMaxSharpe), Reason: reason}
	log.Warn().Err(err).Int("assets", len(symbols)).Msg("Falling back to equal weights")
	return Result{Weights: domain.EqualWeights(symbols), Fallback: true, Reason: err.Error()}
}

// softmax maps unconstrained z onto the simplex
func softmax(dst, z []float64) {
	peak := math.Inf(-1)
	for _, v := range z {
		peak = math.Max(peak, v)
	}
	total := 0.0
	for i, v := range z {
		dst[i] = math.Exp(v - peak)
		total += dst[i]
	}
	for i := range dst {
		dst[i] /= total
	}
}
