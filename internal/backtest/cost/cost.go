// Package cost converts portfolio turnover into a one-off return drag.
package cost

import (
	"math"
	"sort"

	"github.com/sawpanic/alphaforge/internal/domain"
)

// Accountant charges a flat rate in basis points per unit of turnover
type Accountant struct {
	RateBps float64 `yaml:"cost_bps"`
}

// NewAccountant creates an accountant; negative rates are clamped to zero
func NewAccountant(rateBps float64) Accountant {
	return Accountant{RateBps: math.Max(0, rateBps)}
}

// Turnover is Σ|new − old| over the union of symbols. Moving from cash into a
// fully invested portfolio is 1.
func Turnover(prev, next domain.Weights) float64 {
	keys := make(map[string]struct{}, len(prev)+len(next))
	for s := range prev {
		keys[s] = struct{}{}
	}
	for s := range next {
		keys[s] = struct{}{}
	}
	symbols := make([]string, 0, len(keys))
	for s := range keys {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	total := 0.0
	for _, s := range symbols {
		total += math.Abs(next[s] - prev[s])
	}
	return total
}

// Drag is the return deducted on the rebalance date
func (a Accountant) Drag(turnover float64) float64 {
	return turnover * a.RateBps / 10000
}

// Charge returns turnover and drag for moving from prev to next
func (a Accountant) Charge(prev, next domain.Weights) (turnover, drag float64) {
	turnover = Turnover(prev, next)
	return turnover, a.Drag(turnover)
}
