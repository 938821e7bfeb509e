// Package walkforward simulates a periodically rebalanced portfolio without
// lookahead: every decision on a rebalance date reads only data from before it.
package walkforward

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sawpanic/alphaforge/internal/model/selector"
	"github.com/sawpanic/alphaforge/internal/optimizer"
	"github.com/sawpanic/alphaforge/internal/regime"
)

// Cadence is the rebalance frequency
type Cadence string

const (
	Daily     Cadence = "daily"
	Weekly    Cadence = "weekly"
	Monthly   Cadence = "monthly"
	Quarterly Cadence = "quarterly"
	Yearly    Cadence = "yearly"
)

// ParseCadence accepts full names and the usual pandas-style aliases
func ParseCadence(s string) (Cadence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "d", "b":
		return Daily, nil
	case "weekly", "w":
		return Weekly, nil
	case "monthly", "m", "ms", "bms", "":
		return Monthly, nil
	case "quarterly", "q", "qs", "bqs":
		return Quarterly, nil
	case "yearly", "annual", "y", "a", "bas":
		return Yearly, nil
	default:
		return "", &domain.InvalidConfigError{Field: "rebalance_cadence", Reason: fmt.Sprintf("unknown cadence %q", s)}
	}
}

// Config describes one backtest run
type Config struct {
	Universe         string           `yaml:"universe" json:"universe,omitempty"`
	PortfolioID      string           `yaml:"portfolio_id" json:"portfolio_id,omitempty"`
	Benchmark        string           `yaml:"benchmark" json:"benchmark"`
	TopN             int              `yaml:"top_n" json:"top_n"`
	RiskFree         float64          `yaml:"risk_free" json:"risk_free"`
	Method           optimizer.Method `yaml:"optimization_method" json:"optimization_method"`
	Start            time.Time        `yaml:"start_date" json:"start_date"`
	End              time.Time        `yaml:"end_date" json:"end_date"`
	Cadence          Cadence          `yaml:"rebalance_cadence" json:"rebalance_cadence"`
	CostBps          float64          `yaml:"cost_bps" json:"cost_bps"`
	Regime           regime.Config    `yaml:"regime" json:"regime"`
	LookbackDays     int              `yaml:"lookback_days" json:"lookback_days"`
	RetrainEveryDays int              `yaml:"retrain_every_days" json:"retrain_every_days"`
	PositiveOnly     bool             `yaml:"positive_only" json:"positive_only"`
	MinCandidates    int              `yaml:"min_candidates" json:"min_candidates"`
	InitialCapital   float64          `yaml:"initial_capital" json:"initial_capital"`
	Selector         selector.Config  `yaml:"selector" json:"selector"`
	Optimizer        optimizer.Config `yaml:"optimizer" json:"optimizer"`
}

// DefaultConfig returns a monthly max-Sharpe run over the last five years
func DefaultConfig() Config {
	end := domain.Day(time.Now())
	return Config{
		Benchmark:      "SPY",
		TopN:           10,
		RiskFree:       0.02,
		Method:         optimizer.MethodMaxSharpe,
		Start:          end.AddDate(-5, 0, 0),
		End:            end,
		Cadence:        Monthly,
		CostBps:        15,
		Regime:         regime.DefaultConfig(),
		LookbackDays:   252,
		MinCandidates:  1,
		InitialCapital: 100000,
		Selector:       selector.DefaultConfig(),
		Optimizer:      optimizer.DefaultConfig(),
	}
}

// Validate rejects configurations that cannot run. It is called before any simulation.
func (c Config) Validate() error {
	switch {
	case c.Universe == "" && c.PortfolioID == "":
		return &domain.InvalidConfigError{Field: "universe", Reason: "either universe or portfolio_id is required"}
	case c.Universe != "" && c.PortfolioID != "":
		return &domain.InvalidConfigError{Field: "universe", Reason: "universe and portfolio_id are mutually exclusive"}
	case c.Universe != "" && c.TopN < 1:
		return &domain.InvalidConfigError{Field: "top_n", Reason: "must be at least 1"}
	case c.Universe != "" && c.Method == optimizer.MethodManual:
		return &domain.InvalidConfigError{Field: "optimization_method", Reason: "manual weights require a custom portfolio"}
	case c.Start.IsZero() || c.End.IsZero():
		return &domain.InvalidConfigError{Field: "start_date", Reason: "start and end dates are required"}
	case !c.Start.Before(c.End):
		return &domain.InvalidConfigError{Field: "start_date", Reason: "start_date must be before end_date"}
	case c.Benchmark == "":
		return &domain.InvalidConfigError{Field: "benchmark", Reason: "benchmark symbol is required"}
	case math.IsNaN(c.RiskFree) || c.RiskFree <= -1 || c.RiskFree >= 1:
		return &domain.InvalidConfigError{Field: "risk_free", Reason: "must be an annual rate in (-1, 1)"}
	case c.CostBps < 0:
		return &domain.InvalidConfigError{Field: "cost_bps", Reason: "must not be negative"}
	case c.LookbackDays < 2:
		return &domain.InvalidConfigError{Field: "lookback_days", Reason: "must be at least 2"}
	case c.Method != optimizer.MethodManual && c.LookbackDays < c.Optimizer.MinObservations:
		return &domain.InvalidConfigError{Field: "lookback_days", Reason: fmt.Sprintf(
			"must cover optimizer.min_observations (%d), got %d", c.Optimizer.MinObservations, c.LookbackDays)}
	case c.InitialCapital <= 0:
		return &domain.InvalidConfigError{Field: "initial_capital", Reason: "must be positive"}
	case c.Regime.Enabled && c.Regime.Lookback < 1:
		return &domain.InvalidConfigError{Field: "regime.lookback", Reason: "must be at least 1"}
	}
	if _, err := ParseCadence(string(c.Cadence)); err != nil {
		return err
	}
	if _, err := optimizer.ParseMethod(string(c.Method)); err != nil {
		return err
	}
	return nil
}
