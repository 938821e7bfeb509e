package perf

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// Metric identifies one KPI in the catalog
type Metric string

const (
	CumulativeReturn Metric = "cumulative_return"
	CAGR             Metric = "cagr"
	Volatility       Metric = "volatility"
	Sharpe           Metric = "sharpe"
	Sortino          Metric = "sortino"
	MaxDrawdown      Metric = "max_drawdown"
	Calmar           Metric = "calmar"
	Beta             Metric = "beta"
	DailyVaR         Metric = "daily_var"
	DailyCVaR        Metric = "daily_cvar"
	BestDay          Metric = "best_day"
	WorstDay         Metric = "worst_day"
	TimeInMarket     Metric = "time_in_market"
	EndingValue      Metric = "ending_value"
	BenchmarkReturn  Metric = "benchmark_cumulative_return"
	BenchmarkCAGR    Metric = "benchmark_cagr"
	BenchmarkMaxDD   Metric = "benchmark_max_drawdown"
)

// Unit decides how a metric is rendered
type Unit int

const (
	Percent Unit = iota
	Ratio
	Currency
)

func (u Unit) String() string {
	switch u {
	case Percent:
		return "percent"
	case Ratio:
		return "ratio"
	case Currency:
		return "currency"
	default:
		return "unknown"
	}
}

// MetricInfo describes a catalog entry
type MetricInfo struct {
	Metric Metric `json:"metric"`
	Label  string `json:"label"`
	Unit   Unit   `json:"-"`
}

// catalog lists every KPI in display order
var catalog = []MetricInfo{
	{CumulativeReturn, "Cumulative Return", Percent},
	{CAGR, "CAGR", Percent},
	{Volatility, "Volatility (ann.)", Percent},
	{Sharpe, "Sharpe", Ratio},
	{Sortino, "Sortino", Ratio},
	{MaxDrawdown, "Max Drawdown", Percent},
	{Calmar, "Calmar", Ratio},
	{Beta, "Beta", Ratio},
	{DailyVaR, "Daily VaR", Percent},
	{DailyCVaR, "Daily CVaR", Percent},
	{BestDay, "Best Day", Percent},
	{WorstDay, "Worst Day", Percent},
	{TimeInMarket, "Time in Market", Percent},
	{EndingValue, "Ending Value", Currency},
	{BenchmarkReturn, "Benchmark Cumulative Return", Percent},
	{BenchmarkCAGR, "Benchmark CAGR", Percent},
	{BenchmarkMaxDD, "Benchmark Max Drawdown", Percent},
}

// Catalog returns the metric catalog in display order
func Catalog() []MetricInfo {
	out := make([]MetricInfo, len(catalog))
	copy(out, catalog)
	return out
}

// Info looks up a metric
func Info(m Metric) (MetricInfo, bool) {
	for _, info := range catalog {
		if info.Metric == m {
			return info, true
		}
	}
	return MetricInfo{}, false
}

// Label returns the report key of a metric, its raw name when uncatalogued
func Label(m Metric) string {
	if info, ok := Info(m); ok {
		return info.Label
	}
	return string(m)
}

// metricFor resolves a report key back to its metric. Raw metric names are
// accepted so results written with snake_case keys still load.
func metricFor(key string) Metric {
	for _, info := range catalog {
		if info.Label == key || string(info.Metric) == key {
			return info.Metric
		}
	}
	return Metric(key)
}

// Value is a possibly undefined number. Undefined values encode as JSON null.
type Value struct {
	v  float64
	ok bool
}

// Some wraps a number; NaN and infinities become undefined
func Some(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Value{}
	}
	return Value{v: v, ok: true}
}

// Undefined is the empty value
func Undefined() Value { return Value{} }

// Get returns the number and whether it is defined
func (v Value) Get() (float64, bool) { return v.v, v.ok }

// Defined reports whether the value holds a number
func (v Value) Defined() bool { return v.ok }

// Or returns the number, or def when undefined
func (v Value) Or(def float64) float64 {
	if !v.ok {
		return def
	}
	return v.v
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.ok {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Some(f)
	return nil
}

// KPISet holds one value for every catalog metric
type KPISet struct {
	values map[Metric]Value
	Note   string
}

// NewKPISet returns a set with every catalog metric undefined
func NewKPISet() KPISet {
	values := make(map[Metric]Value, len(catalog))
	for _, info := range catalog {
		values[info.Metric] = Undefined()
	}
	return KPISet{values: values}
}

// Set records a metric value
func (k KPISet) Set(m Metric, v Value) { k.values[m] = v }

// Get returns a metric value
func (k KPISet) Get(m Metric) Value { return k.values[m] }

// Metrics lists the metrics present, in catalog order
func (k KPISet) Metrics() []Metric {
	out := make([]Metric, 0, len(k.values))
	for _, info := range catalog {
		if _, ok := k.values[info.Metric]; ok {
			out = append(out, info.Metric)
		}
	}
	return out
}

// Formatted renders every metric by its unit, "n/a" when undefined, keyed by label
func (k KPISet) Formatted() map[string]string {
	out := make(map[string]string, len(k.values))
	for m, v := range k.values {
		out[Label(m)] = Format(m, v)
	}
	return out
}

// MarshalJSON keys each value by its catalog label ("CAGR", "Max Drawdown", ...)
func (k KPISet) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(k.values)+1)
	for m, v := range k.values {
		out[Label(m)] = v
	}
	if k.Note != "" {
		out["note"] = k.Note
	}
	return json.Marshal(out)
}

func (k *KPISet) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*k = NewKPISet()
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if key == "note" {
			if err := json.Unmarshal(raw[key], &k.Note); err != nil {
				return err
			}
			continue
		}
		var v Value
		if err := json.Unmarshal(raw[key], &v); err != nil {
			return err
		}
		k.values[metricFor(key)] = v
	}
	return nil
}

// Format renders a value according to its metric's unit
func Format(m Metric, v Value) string {
	f, ok := v.Get()
	if !ok {
		return "n/a"
	}
	info, known := Info(m)
	if !known {
		return decimal.NewFromFloat(f).StringFixed(4)
	}
	switch info.Unit {
	case Percent:
		return decimal.NewFromFloat(f).Shift(2).StringFixed(2) + "%"
	case Currency:
		return "$" + decimal.NewFromFloat(f).StringFixed(2)
	default:
		return decimal.NewFromFloat(f).StringFixed(2)
	}
}
