package walkforward

import (
	"sort"
	"time"

	"github.com/sawpanic/alphaforge/internal/domain"
)

// Day is one simulated trading day
type Day struct {
	Date            time.Time      `json:"date"`
	Return          float64        `json:"return"`
	BenchmarkReturn float64        `json:"benchmark_return"`
	Equity          float64        `json:"equity"`
	BenchmarkEquity float64        `json:"benchmark_equity"`
	Weights         domain.Weights `json:"weights"` // end-of-day drifted weights
}

// SnapshotRecord ties a rebalance to the model snapshot it used
type SnapshotRecord struct {
	EventDate      time.Time `json:"event_date"`
	Cutoff         time.Time `json:"cutoff"`
	TrainedThrough time.Time `json:"trained_through"`
	Samples        int       `json:"samples"`
	Reused         bool      `json:"reused"`
}

// Result is the raw output of a run, consumed by the report stage
type Result struct {
	Config    Config
	Log       domain.RebalanceLog
	Days      []Day
	Snapshots []SnapshotRecord
	Sectors   map[string]string
	GapDays   int
	Elapsed   time.Duration
}

// Dates returns the simulated trading days
func (r *Result) Dates() []time.Time {
	out := make([]time.Time, len(r.Days))
	for i, d := range r.Days {
		out[i] = d.Date
	}
	return out
}

// Returns returns the daily net portfolio returns
func (r *Result) Returns() []float64 {
	out := make([]float64, len(r.Days))
	for i, d := range r.Days {
		out[i] = d.Return
	}
	return out
}

// BenchmarkReturns returns the daily benchmark returns
func (r *Result) BenchmarkReturns() []float64 {
	out := make([]float64, len(r.Days))
	for i, d := range r.Days {
		out[i] = d.BenchmarkReturn
	}
	return out
}

// FinalEquity is the growth of one unit of capital
func (r *Result) FinalEquity() float64 {
	if len(r.Days) == 0 {
		return 1
	}
	return r.Days[len(r.Days)-1].Equity
}

// HeldSymbols lists every symbol with a non-zero weight on any day, sorted
func (r *Result) HeldSymbols() []string {
	seen := make(map[string]bool)
	for _, d := range r.Days {
		for s, w := range d.Weights {
			if w != 0 {
				seen[s] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Sector returns the sector of symbol, "Unknown" when missing
func (r *Result) Sector(symbol string) string {
	if s, ok := r.Sectors[symbol]; ok && s != "" {
		return s
	}
	return "Unknown"
}

// Invested reports whether any position was ever held
func (r *Result) Invested() bool {
	return r.Log.Count(domain.ActionRebalance) > 0
}
