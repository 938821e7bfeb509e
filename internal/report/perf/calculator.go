// Package perf computes performance and risk KPIs from a daily return series
package perf

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Series is an aligned daily return history
type Series struct {
	Dates     []time.Time
	Returns   []float64
	Benchmark []float64 // optional, same length as Returns
	Invested  []bool    // optional, true where any position was held
}

// Validate checks that the series is aligned
func (s Series) Validate() error {
	if len(s.Dates) != len(s.Returns) {
		return fmt.Errorf("series has %d dates but %d returns", len(s.Dates), len(s.Returns))
	}
	if s.Benchmark != nil && len(s.Benchmark) != len(s.Returns) {
		return fmt.Errorf("benchmark has %d returns, want %d", len(s.Benchmark), len(s.Returns))
	}
	if s.Invested != nil && len(s.Invested) != len(s.Returns) {
		return fmt.Errorf("exposure has %d days, want %d", len(s.Invested), len(s.Returns))
	}
	for i := 1; i < len(s.Dates); i++ {
		if !s.Dates[i].After(s.Dates[i-1]) {
			return fmt.Errorf("series dates are not strictly increasing at %s", s.Dates[i].Format("2006-01-02"))
		}
	}
	return nil
}

// Config holds settings for KPI calculations
type Config struct {
	RiskFreeRate   float64 `yaml:"risk_free_rate"`        // annual, default 0.02
	TradingDays    int     `yaml:"trading_days_per_year"` // default 252
	VaRConfidence  float64 `yaml:"var_confidence"`        // default 0.95
	InitialCapital float64 `yaml:"initial_capital"`       // default 100000
}

// DefaultConfig returns the standard annualization settings
func DefaultConfig() Config {
	return Config{
		RiskFreeRate:   0.02,
		TradingDays:    252,
		VaRConfidence:  0.95,
		InitialCapital: 100000,
	}
}

// Calculator computes KPIs. It is stateless and safe for concurrent use.
type Calculator struct {
	config Config
}

// NewCalculator creates a calculator, filling zero settings with defaults
func NewCalculator(config Config) *Calculator {
	def := DefaultConfig()
	if config.TradingDays <= 0 {
		config.TradingDays = def.TradingDays
	}
	if config.VaRConfidence <= 0 || config.VaRConfidence >= 1 {
		config.VaRConfidence = def.VaRConfidence
	}
	if config.InitialCapital <= 0 {
		config.InitialCapital = def.InitialCapital
	}
	return &Calculator{config: config}
}

// DailyRiskFree converts an annual rate to its compounded daily equivalent
func DailyRiskFree(annual float64, tradingDays int) float64 {
	return math.Pow(1+annual, 1/float64(tradingDays)) - 1
}

// Compute derives the full KPI set. Metrics whose denominator is zero are
// left undefined.
func (c *Calculator) Compute(s Series) (KPISet, error) {
	if err := s.Validate(); err != nil {
		return KPISet{}, err
	}
	k := NewKPISet()
	n := len(s.Returns)
	if n == 0 {
		return k, nil
	}

	equity := EquityCurve(s.Returns)
	total := equity[n-1] - 1
	k.Set(CumulativeReturn, Some(total))
	k.Set(EndingValue, Some(c.config.InitialCapital*equity[n-1]))

	years := yearsBetween(s.Dates[0], s.Dates[n-1])
	cagr := annualize(equity[n-1], years)
	k.Set(CAGR, cagr)

	annFactor := math.Sqrt(float64(c.config.TradingDays))
	if n >= 2 {
		sd := stat.StdDev(s.Returns, nil)
		if sd > 0 {
			k.Set(Volatility, Some(sd*annFactor))
			rfDaily := DailyRiskFree(c.config.RiskFreeRate, c.config.TradingDays)
			excess := make([]float64, n)
			for i, r := range s.Returns {
				excess[i] = r - rfDaily
			}
			mean := stat.Mean(excess, nil)
			k.Set(Sharpe, Some(mean/sd*annFactor))
			if dd := downsideDeviation(excess); dd > 0 {
				k.Set(Sortino, Some(mean/dd*annFactor))
			}
		}
	}

	mdd := floats.Min(DrawdownFromReturns(s.Returns))
	k.Set(MaxDrawdown, Some(mdd))
	if v, ok := cagr.Get(); ok && mdd < 0 {
		k.Set(Calmar, Some(v/math.Abs(mdd)))
	}

	k.Set(BestDay, Some(floats.Max(s.Returns)))
	k.Set(WorstDay, Some(floats.Min(s.Returns)))

	varValue, cvarValue := c.valueAtRisk(s.Returns)
	k.Set(DailyVaR, varValue)
	k.Set(DailyCVaR, cvarValue)

	if s.Invested != nil {
		held := 0
		for _, in := range s.Invested {
			if in {
				held++
			}
		}
		k.Set(TimeInMarket, Some(float64(held)/float64(n)))
	}

	if s.Benchmark != nil {
		bench := EquityCurve(s.Benchmark)
		k.Set(BenchmarkReturn, Some(bench[n-1]-1))
		k.Set(BenchmarkCAGR, annualize(bench[n-1], years))
		k.Set(BenchmarkMaxDD, Some(floats.Min(DrawdownFromReturns(s.Benchmark))))
		if n >= 2 {
			if v := stat.Variance(s.Benchmark, nil); v > 0 {
				k.Set(Beta, Some(stat.Covariance(s.Returns, s.Benchmark, nil)/v))
			}
		}
	}

	return k, nil
}

// NoTrades builds the report for a run that never held a position: the
// strategy stayed flat, so return metrics are zero and ratios are undefined.
func (c *Calculator) NoTrades(s Series, note string) KPISet {
	k := NewKPISet()
	k.Note = note
	k.Set(CumulativeReturn, Some(0))
	k.Set(CAGR, Some(0))
	k.Set(MaxDrawdown, Some(0))
	k.Set(Volatility, Some(0))
	k.Set(TimeInMarket, Some(0))
	k.Set(DailyVaR, Some(0))
	k.Set(DailyCVaR, Some(0))
	k.Set(EndingValue, Some(c.config.InitialCapital))
	if n := len(s.Benchmark); n > 0 && len(s.Dates) == n {
		bench := EquityCurve(s.Benchmark)
		k.Set(BenchmarkReturn, Some(bench[n-1]-1))
		k.Set(BenchmarkCAGR, annualize(bench[n-1], yearsBetween(s.Dates[0], s.Dates[n-1])))
		k.Set(BenchmarkMaxDD, Some(floats.Min(DrawdownFromReturns(s.Benchmark))))
	}
	return k
}

// valueAtRisk returns the historical daily VaR and CVaR (expected shortfall)
// at the configured confidence, both as returns (negative is a loss)
func (c *Calculator) valueAtRisk(returns []float64) (Value, Value) {
	if len(returns) == 0 {
		return Undefined(), Undefined()
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	q := stat.Quantile(1-c.config.VaRConfidence, stat.Empirical, sorted, nil)
	tail := 0.0
	count := 0
	for _, r := range sorted {
		if r > q {
			break
		}
		tail += r
		count++
	}
	if count == 0 {
		return Some(q), Undefined()
	}
	return Some(q), Some(tail / float64(count))
}

func downsideDeviation(excess []float64) float64 {
	sum := 0.0
	for _, r := range excess {
		if r < 0 {
			sum += r * r
		}
	}
	return math.Sqrt(sum / float64(len(excess)))
}

func yearsBetween(from, to time.Time) float64 {
	return to.Sub(from).Hours() / 24 / 365.25
}

func annualize(growth, years float64) Value {
	if years <= 0 || growth <= 0 {
		return Undefined()
	}
	return Some(math.Pow(growth, 1/years) - 1)
}

// EquityCurve compounds daily returns into growth of one unit
func EquityCurve(returns []float64) []float64 {
	out := make([]float64, len(returns))
	level := 1.0
	for i, r := range returns {
		level *= 1 + r
		out[i] = level
	}
	return out
}

// Drawdown returns value/running_max − 1 for each point. Every entry is ≤ 0.
func Drawdown(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	peak := values[0]
	for i, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			out[i] = math.Min(0, v/peak-1)
		}
	}
	return out
}

// DrawdownFromReturns measures drawdown against a peak that starts at the
// initial capital, so a loss on the first day counts
func DrawdownFromReturns(returns []float64) []float64 {
	equity := EquityCurve(returns)
	with := make([]float64, len(equity)+1)
	with[0] = 1
	copy(with[1:], equity)
	return Drawdown(with)[1:]
}
