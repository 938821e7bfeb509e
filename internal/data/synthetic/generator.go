// Package synthetic generates deterministic geometric random-walk market data
// for demos and tests.
package synthetic

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sawpanic/alphaforge/internal/domain"
)

// Config describes a generated market
type Config struct {
	Benchmark string    `yaml:"benchmark"`
	Symbols   []string  `yaml:"symbols"`
	Sectors   []string  `yaml:"sectors"`
	Start     time.Time `yaml:"start"`
	Days      int       `yaml:"days"`
	Seed      int64     `yaml:"seed"`
	Drift     float64   `yaml:"drift"` // mean daily log return
	Vol       float64   `yaml:"vol"`   // daily log-return volatility
}

// DefaultConfig returns a ten-stock market over roughly five years
func DefaultConfig() Config {
	symbols := make([]string, 10)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYN%02d", i+1)
	}
	return Config{
		Benchmark: "SPY",
		Symbols:   symbols,
		Sectors:   []string{"Technology", "Healthcare", "Financials", "Energy", "Industrials"},
		Start:     time.Date(2019, 1, 2, 0, 0, 0, 0, time.UTC),
		Days:      1300,
		Seed:      42,
		Drift:     0.0003,
		Vol:       0.015,
	}
}

// Dataset is a generated market
type Dataset struct {
	Benchmark string
	Calendar  []time.Time
	Prices    map[string][]domain.PricePoint // includes the benchmark
	Sectors   map[string]string
	Factors   []domain.FactorObservation
}

// BusinessDays returns n weekdays starting on or after start
func BusinessDays(start time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	d := domain.Day(start)
	for len(out) < n {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			out = append(out, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return out
}

// Generate builds a dataset where every stock loads on a common market shock
func Generate(cfg Config) *Dataset {
	rng := rand.New(rand.NewSource(cfg.Seed))
	calendar := BusinessDays(cfg.Start, cfg.Days)

	market := make([]float64, len(calendar))
	for i := range market {
		market[i] = cfg.Drift + cfg.Vol*0.7*rng.NormFloat64()
	}

	ds := &Dataset{
		Benchmark: cfg.Benchmark,
		Calendar:  calendar,
		Prices:    make(map[string][]domain.PricePoint, len(cfg.Symbols)+1),
		Sectors:   make(map[string]string, len(cfg.Symbols)),
		Factors:   make([]domain.FactorObservation, len(calendar)),
	}
	ds.Prices[cfg.Benchmark] = walk(calendar, 100, market)

	for k, sym := range cfg.Symbols {
		beta := 0.6 + 0.8*rng.Float64()
		alpha := (rng.Float64() - 0.5) * cfg.Drift
		steps := make([]float64, len(calendar))
		for i := range steps {
			steps[i] = alpha + beta*market[i] + cfg.Vol*0.8*rng.NormFloat64()
		}
		ds.Prices[sym] = walk(calendar, 20+80*rng.Float64(), steps)
		if len(cfg.Sectors) > 0 {
			ds.Sectors[sym] = cfg.Sectors[k%len(cfg.Sectors)]
		}
	}

	for i, d := range calendar {
		rf := 0.02 / 252
		ds.Factors[i] = domain.FactorObservation{
			Date:  d,
			MktRF: math.Exp(market[i]) - 1 - rf,
			SMB:   0.004 * rng.NormFloat64(),
			HML:   0.004 * rng.NormFloat64(),
			UMD:   0.005 * rng.NormFloat64(),
			RF:    rf,
		}
	}
	return ds
}

func walk(calendar []time.Time, start float64, steps []float64) []domain.PricePoint {
	out := make([]domain.PricePoint, len(calendar))
	price := start
	for i, d := range calendar {
		if i > 0 {
			price *= math.Exp(steps[i])
		}
		out[i] = domain.PricePoint{Date: d, Close: price}
	}
	return out
}

// Panel builds a PricePanel over the whole dataset
func (ds *Dataset) Panel() (*domain.PricePanel, error) {
	series := make(map[string][]domain.PricePoint, len(ds.Prices))
	for sym, pts := range ds.Prices {
		if sym != ds.Benchmark {
			series[sym] = pts
		}
	}
	return domain.NewPricePanel(ds.Benchmark, ds.Prices[ds.Benchmark], series, ds.Sectors)
}
