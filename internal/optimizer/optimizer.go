// Package optimizer turns candidate symbols and their trailing returns into
// long-only portfolio weights.
package optimizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/sawpanic/alphaforge/internal/domain"
)

// Method selects the weighting scheme
type Method string

const (
	MethodMaxSharpe Method = "max_sharpe"
	MethodHRP       Method = "hrp"
	MethodManual    Method = "manual"
)

// ParseMethod accepts the config spellings of a method
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "max_sharpe", "maxsharpe", "sharpe", "":
		return MethodMaxSharpe, nil
	case "hrp":
		return MethodHRP, nil
	case "manual":
		return MethodManual, nil
	default:
		return "", &domain.InvalidConfigError{Field: "optimization_method", Reason: fmt.Sprintf("unknown method %q", s)}
	}
}

func (m Method) String() string { return string(m) }

// Input is the estimation window handed to an optimizer
type Input struct {
	Symbols []string
	// Returns holds one row per day with columns in Symbols order
	Returns [][]float64
	// RiskFree is the annual risk-free rate
	RiskFree float64
	// Manual weights for MethodManual
	Manual domain.Weights
}

// Result carries weights plus the fallback marker
type Result struct {
	Weights  domain.Weights
	Fallback bool
	Reason   string
}

// Optimizer produces weights with w >= 0 and Σw = 1
type Optimizer interface {
	Method() Method
	Optimize(ctx context.Context, in Input) (Result, error)
}

// Config tunes the optimizers
type Config struct {
	TradingDays     int     `yaml:"trading_days"`
	MinObservations int     `yaml:"min_observations"`
	MaxCondition    float64 `yaml:"max_condition"`
	MinWeight       float64 `yaml:"min_weight"`
	MaxEvaluations  int     `yaml:"max_evaluations"`
}

// DefaultConfig returns the optimizer defaults
func DefaultConfig() Config {
	return Config{
		TradingDays:     252,
		MinObservations: 20,
		MaxCondition:    1e10,
		MinWeight:       1e-4,
		MaxEvaluations:  20000,
	}
}

// New builds a fresh optimizer for one run
func New(method Method, cfg Config) (Optimizer, error) {
	switch method {
	case MethodMaxSharpe:
		return NewMaxSharpe(cfg), nil
	case MethodHRP:
		return NewHRP(cfg), nil
	case MethodManual:
		return Manual{}, nil
	default:
		return nil, &domain.InvalidConfigError{Field: "optimization_method", Reason: fmt.Sprintf("unknown method %q", method)}
	}
}

func validateInput(in Input, cfg Config) error {
	if len(in.Symbols) == 0 {
		return &domain.InsufficientDataError{Reason: "no candidate symbols"}
	}
	if len(in.Returns) < cfg.MinObservations {
		return &domain.InsufficientDataError{
			Need:   cfg.MinObservations,
			Have:   len(in.Returns),
			Reason: "return window too short for estimation",
		}
	}
	for _, row := range in.Returns {
		if len(row) != len(in.Symbols) {
			return fmt.Errorf("return row has %d columns, want %d", len(row), len(in.Symbols))
		}
	}
	return nil
}

// prune zeroes weights below floor and rescales the remainder to sum to one
func prune(w domain.Weights, floor float64) domain.Weights {
	out := w.Nonzero(floor)
	for s, v := range out {
		if v < 0 {
			delete(out, s)
		}
	}
	total := out.Sum()
	if total <= 0 {
		return out
	}
	for s := range out {
		out[s] /= total
	}
	return out
}
