// Package assemble turns a finished walk-forward run into the report contract:
// KPIs, chart series, return tables, the rebalance log and factor exposure.
package assemble

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/backtest/walkforward"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sawpanic/alphaforge/internal/report/attribution"
	"github.com/sawpanic/alphaforge/internal/report/perf"
	"golang.org/x/sync/errgroup"
)

const noTradesNote = "Strategy did not execute any trades. This may be due to the regime filter always being active or the model never producing usable predictions."

// Trace is one plotted series
type Trace struct {
	Name string    `json:"name"`
	Type string    `json:"type"` // scatter or bar
	X    []string  `json:"x"`
	Y    []float64 `json:"y"`
}

// Chart is a titled set of traces
type Chart struct {
	Title string  `json:"title"`
	Data  []Trace `json:"data"`
}

// RollingBetas is either a split-orientation frame or an error
type RollingBetas struct {
	Frame *attribution.Rolling
	Error string
}

func (r RollingBetas) MarshalJSON() ([]byte, error) {
	if r.Frame == nil {
		return json.Marshal(map[string]string{"error": r.Error})
	}
	return json.Marshal(r.Frame)
}

func (r *RollingBetas) UnmarshalJSON(data []byte) error {
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Error != "" {
		*r = RollingBetas{Error: probe.Error}
		return nil
	}
	var frame attribution.Rolling
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	*r = RollingBetas{Frame: &frame}
	return nil
}

// Charts holds every chart series of the report
type Charts struct {
	Equity             Chart        `json:"equity"`
	Drawdown           Chart        `json:"drawdown"`
	HistoricalWeights  Chart        `json:"historical_weights"`
	HistoricalSectors  Chart        `json:"historical_sectors"`
	WeightsDrift       Chart        `json:"historical_weights_drift"`
	RollingFactorBetas RollingBetas `json:"rolling_factor_betas"`
}

// Tables holds the return tables in split orientation
type Tables struct {
	MonthlyReturns perf.Table `json:"monthly_returns"`
	YearlyReturns  perf.Table `json:"yearly_returns"`
}

// FactorExposure is the fitted model or a structured error
type FactorExposure struct {
	Exposure *attribution.Exposure
	Error    string
}

func (f FactorExposure) MarshalJSON() ([]byte, error) {
	if f.Exposure == nil {
		return json.Marshal(map[string]string{"error": f.Error})
	}
	return json.Marshal(f.Exposure)
}

func (f *FactorExposure) UnmarshalJSON(data []byte) error {
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Error != "" {
		*f = FactorExposure{Error: probe.Error}
		return nil
	}
	var exp attribution.Exposure
	if err := json.Unmarshal(data, &exp); err != nil {
		return err
	}
	*f = FactorExposure{Exposure: &exp}
	return nil
}

// Summary carries run metadata alongside the report
type Summary struct {
	Start       string  `json:"start"`
	End         string  `json:"end"`
	TradingDays int     `json:"trading_days"`
	Rebalances  int     `json:"rebalances"`
	HoldCash    int     `json:"hold_cash"`
	GapDays     int     `json:"gap_days"`
	Fallbacks   int     `json:"equal_weight_fallbacks"`
	StaleModels int     `json:"stale_models"`
	ElapsedSecs float64 `json:"elapsed_seconds"`
}

// Result is the report contract handed to callers and exporters
type Result struct {
	KPIs           perf.KPISet             `json:"kpis"`
	Charts         Charts                  `json:"charts"`
	Tables         Tables                  `json:"tables"`
	Logs           []domain.RebalanceEvent `json:"logs"`
	FactorExposure FactorExposure          `json:"factor_exposure"`
	Alerts         []perf.Alert            `json:"alerts,omitempty"`
	Summary        Summary                 `json:"summary"`
}

// Config bundles the report stage settings
type Config struct {
	Perf        perf.Config        `yaml:"perf"`
	Attribution attribution.Config `yaml:"attribution"`
	Thresholds  perf.Thresholds    `yaml:"thresholds"`
}

// DefaultConfig returns the standard report settings
func DefaultConfig() Config {
	return Config{
		Perf:        perf.DefaultConfig(),
		Attribution: attribution.DefaultConfig(),
		Thresholds:  perf.DefaultThresholds(),
	}
}

// Assembler builds reports. It holds no per-run state.
type Assembler struct {
	config   Config
	analyzer *attribution.Analyzer
	reviewer *perf.Reviewer
}

// New creates an assembler; alert handlers receive threshold breaches
func New(config Config, handlers ...perf.AlertHandler) *Assembler {
	return &Assembler{
		config:   config,
		analyzer: attribution.New(config.Attribution),
		reviewer: perf.NewReviewer(config.Thresholds, handlers...),
	}
}

// Assemble computes KPIs and factor attribution concurrently and fills the
// report. Attribution failures are reported, never returned.
func (a *Assembler) Assemble(ctx context.Context, res *walkforward.Result, factors []domain.FactorObservation) (*Result, error) {
	perfCfg := a.config.Perf
	perfCfg.RiskFreeRate = res.Config.RiskFree
	perfCfg.InitialCapital = res.Config.InitialCapital
	calc := perf.NewCalculator(perfCfg)

	series := seriesOf(res)
	out := &Result{
		Logs:    res.Log.Events(),
		Summary: summarize(res),
	}
	out.Charts.Equity = equityChart(res)

	if !res.Invested() {
		log.Info().Msg("No trades were made, building zero-activity report")
		out.KPIs = calc.NoTrades(series, noTradesNote)
		out.Charts.Drawdown = Chart{Title: "Strategy Drawdowns (No Trades)", Data: []Trace{}}
		out.Charts.HistoricalWeights = Chart{Title: "Historical Stock Weights (No Trades)", Data: []Trace{}}
		out.Charts.HistoricalSectors = Chart{Title: "Historical Sector Exposure (No Trades)", Data: []Trace{}}
		out.Charts.WeightsDrift = Chart{Title: "Daily Stock Weights (No Trades)", Data: []Trace{}}
		out.Charts.RollingFactorBetas = RollingBetas{Error: "Factor analysis not run because no trades were made."}
		out.Tables = Tables{
			MonthlyReturns: perf.Table{Columns: []string{}, Index: []int{}, Data: [][]perf.Value{}},
			YearlyReturns:  perf.Table{Columns: []string{}, Index: []int{}, Data: [][]perf.Value{}},
		}
		out.FactorExposure = FactorExposure{Error: "Factor analysis not run because no trades were made."}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		kpis, err := calc.Compute(series)
		if err != nil {
			return err
		}
		out.KPIs = kpis
		out.Tables = Tables{
			MonthlyReturns: perf.MonthlyReturns(series),
			YearlyReturns:  perf.YearlyReturns(series),
		}
		return gctx.Err()
	})
	g.Go(func() error {
		out.FactorExposure = a.exposure(series, factors)
		out.Charts.RollingFactorBetas = a.rolling(series, factors)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out.Charts.Drawdown = drawdownChart(series)
	out.Charts.HistoricalWeights = weightsChart(res)
	out.Charts.HistoricalSectors = sectorsChart(res)
	out.Charts.WeightsDrift = driftChart(res)

	out.Alerts = a.reviewer.Review(out.KPIs)
	if err := a.reviewer.Dispatch(out.Alerts); err != nil {
		log.Warn().Err(err).Msg("Alert dispatch incomplete")
	}
	return out, nil
}

func (a *Assembler) exposure(s perf.Series, factors []domain.FactorObservation) FactorExposure {
	exp, err := a.analyzer.Exposure(s.Dates, s.Returns, factors)
	if err != nil {
		return FactorExposure{Error: attributionMessage(err)}
	}
	return FactorExposure{Exposure: exp}
}

func (a *Assembler) rolling(s perf.Series, factors []domain.FactorObservation) RollingBetas {
	frame, err := a.analyzer.Rolling(s.Dates, s.Returns, factors)
	if err != nil {
		return RollingBetas{Error: attributionMessage(err)}
	}
	return RollingBetas{Frame: frame}
}

func attributionMessage(err error) string {
	var unavailable *domain.AttributionUnavailableError
	if !errors.As(err, &unavailable) {
		log.Warn().Err(err).Msg("Factor attribution failed")
	}
	return err.Error()
}

func seriesOf(res *walkforward.Result) perf.Series {
	s := perf.Series{
		Dates:     res.Dates(),
		Returns:   res.Returns(),
		Benchmark: res.BenchmarkReturns(),
		Invested:  make([]bool, len(res.Days)),
	}
	for i, d := range res.Days {
		s.Invested[i] = len(d.Weights) > 0
	}
	return s
}

func summarize(res *walkforward.Result) Summary {
	s := Summary{
		TradingDays: len(res.Days),
		Rebalances:  res.Log.Count(domain.ActionRebalance),
		HoldCash:    res.Log.Count(domain.ActionHoldCash),
		GapDays:     res.GapDays,
		ElapsedSecs: res.Elapsed.Seconds(),
	}
	if n := len(res.Days); n > 0 {
		s.Start = res.Days[0].Date.Format(domain.DateLayout)
		s.End = res.Days[n-1].Date.Format(domain.DateLayout)
	}
	for _, ev := range res.Log.Events() {
		if ev.HasFlag(domain.FlagEqualWeightFallback) {
			s.Fallbacks++
		}
		if ev.HasFlag(domain.FlagStaleModel) {
			s.StaleModels++
		}
	}
	return s
}

func formatDates(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format(domain.DateLayout)
	}
	return out
}

func equityChart(res *walkforward.Result) Chart {
	x := formatDates(res.Dates())
	strategy := make([]float64, len(res.Days))
	bench := make([]float64, len(res.Days))
	for i, d := range res.Days {
		strategy[i] = d.Equity
		bench[i] = d.BenchmarkEquity
	}
	name := "Benchmark"
	if res.Config.Benchmark != "" {
		name = "Benchmark (" + res.Config.Benchmark + ")"
	}
	return Chart{
		Title: "Strategy vs. Benchmark Performance",
		Data: []Trace{
			{Name: "Strategy", Type: "scatter", X: x, Y: strategy},
			{Name: name, Type: "scatter", X: x, Y: bench},
		},
	}
}

func drawdownChart(s perf.Series) Chart {
	dd := perf.DrawdownFromReturns(s.Returns)
	pct := make([]float64, len(dd))
	for i, v := range dd {
		pct[i] = v * 100
	}
	return Chart{
		Title: "Strategy Drawdowns (%)",
		Data:  []Trace{{Name: "Drawdown", Type: "scatter", X: formatDates(s.Dates), Y: pct}},
	}
}

// stacked builds one trace per key from per-row allocations, keeping
// only keys that were ever allocated
func stacked(title, kind string, x []string, rows []map[string]float64) Chart {
	keys := make(map[string]bool)
	for _, row := range rows {
		for k, v := range row {
			if v > 0 {
				keys[k] = true
			}
		}
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	chart := Chart{Title: title, Data: make([]Trace, 0, len(names))}
	for _, name := range names {
		y := make([]float64, len(rows))
		for i, row := range rows {
			y[i] = row[name] * 100
		}
		chart.Data = append(chart.Data, Trace{Name: name, Type: kind, X: x, Y: y})
	}
	return chart
}

// perEvent stacks one bar per rebalance event
func perEvent(title string, events []domain.RebalanceEvent, alloc func(domain.RebalanceEvent) map[string]float64) Chart {
	x := make([]string, len(events))
	rows := make([]map[string]float64, len(events))
	for i, ev := range events {
		x[i] = ev.Date.Format(domain.DateLayout)
		rows[i] = alloc(ev)
	}
	return stacked(title, "bar", x, rows)
}

func weightsChart(res *walkforward.Result) Chart {
	return perEvent("Historical Stock Weights (%)", res.Log.Events(), func(ev domain.RebalanceEvent) map[string]float64 {
		return ev.Targets()
	})
}

func sectorsChart(res *walkforward.Result) Chart {
	return perEvent("Historical Sector Exposure (%)", res.Log.Events(), func(ev domain.RebalanceEvent) map[string]float64 {
		out := make(map[string]float64)
		for sym, w := range ev.Targets() {
			out[res.Sector(sym)] += w
		}
		return out
	})
}

// driftChart plots the end-of-day weights, which move with prices between rebalances
func driftChart(res *walkforward.Result) Chart {
	rows := make([]map[string]float64, len(res.Days))
	for i, d := range res.Days {
		rows[i] = d.Weights
	}
	return stacked("Daily Stock Weights incl. Drift (%)", "scatter", formatDates(res.Dates()), rows)
}
