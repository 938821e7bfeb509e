package domain

import (
	"math"
	"sort"
)

// WeightTolerance bounds |Σw − 1| for fully invested portfolios
const WeightTolerance = 1e-4

// Weights maps symbol to portfolio fraction
type Weights map[string]float64

// Symbols returns the keys sorted ascending
func (w Weights) Symbols() []string {
	out := make([]string, 0, len(w))
	for s := range w {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Sum adds weights in symbol order so the result is reproducible
func (w Weights) Sum() float64 {
	total := 0.0
	for _, s := range w.Symbols() {
		total += w[s]
	}
	return total
}

func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Nonzero drops entries with |weight| below eps
func (w Weights) Nonzero(eps float64) Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		if math.Abs(v) >= eps {
			out[k] = v
		}
	}
	return out
}

// EqualWeights assigns 1/n to each symbol
func EqualWeights(symbols []string) Weights {
	out := make(Weights, len(symbols))
	if len(symbols) == 0 {
		return out
	}
	each := 1.0 / float64(len(symbols))
	for _, s := range symbols {
		out[s] = each
	}
	return out
}

// CustomPortfolio is a user-defined fixed portfolio
type CustomPortfolio struct {
	ID       string   `json:"id" db:"id"`
	Name     string   `json:"name" db:"name"`
	Stocks   []string `json:"stocks"`
	Weights  Weights  `json:"weights,omitempty"`
	Optimize bool     `json:"optimize" db:"optimize"`
}

// NewCustomPortfolio validates stocks and manual weights
func NewCustomPortfolio(id, name string, stocks []string, weights Weights, optimize bool) (*CustomPortfolio, error) {
	u := NewUniverse(name, stocks)
	if u.Len() == 0 {
		return nil, &InvalidConfigError{Field: "portfolio.stocks", Reason: "portfolio has no stocks"}
	}
	if len(weights) > 0 {
		for s, v := range weights {
			if !u.Contains(s) {
				return nil, &InvalidConfigError{Field: "portfolio.weights", Reason: "weight given for undeclared stock " + s}
			}
			if v < 0 || math.IsNaN(v) {
				return nil, &InvalidConfigError{Field: "portfolio.weights", Reason: "weights must be non-negative"}
			}
		}
		if math.Abs(weights.Sum()-1) > WeightTolerance {
			return nil, &InvalidConfigError{Field: "portfolio.weights", Reason: "weights must sum to 1"}
		}
	}
	return &CustomPortfolio{
		ID:       id,
		Name:     name,
		Stocks:   u.Symbols(),
		Weights:  weights.Clone(),
		Optimize: optimize,
	}, nil
}

// Manual reports whether the declared weights are used as-is
func (p *CustomPortfolio) Manual() bool {
	return len(p.Weights) > 0 && !p.Optimize
}
