package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// DateLayout is the day format used in logs, reports and exports
const DateLayout = "2006-01-02"

// Day truncates t to a UTC calendar day
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PricePoint is one adjusted close observation
type PricePoint struct {
	Date  time.Time `json:"date" db:"date"`
	Close float64   `json:"close" db:"close"`
}

// FactorObservation holds one day of factor returns as decimals
type FactorObservation struct {
	Date  time.Time `json:"date" db:"date"`
	MktRF float64   `json:"mkt_rf" db:"mkt_rf"`
	SMB   float64   `json:"smb" db:"smb"`
	HML   float64   `json:"hml" db:"hml"`
	UMD   float64   `json:"umd" db:"umd"`
	RF    float64   `json:"rf" db:"rf"`
}

// Universe is an ordered, de-duplicated set of symbols
type Universe struct {
	name    string
	symbols []string
}

// NewUniverse keeps the first occurrence of every non-empty symbol
func NewUniverse(name string, symbols []string) Universe {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return Universe{name: name, symbols: out}
}

func (u Universe) Name() string { return u.name }
func (u Universe) Len() int     { return len(u.symbols) }

// Symbols returns a copy of the members in declaration order
func (u Universe) Symbols() []string {
	return append([]string(nil), u.symbols...)
}

func (u Universe) Contains(symbol string) bool {
	for _, s := range u.symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// PricePanel aligns adjusted closes to the benchmark trading calendar.
// Missing observations are stored as gaps and are never reported as zero returns.
type PricePanel struct {
	benchmarkSymbol string
	calendar        []time.Time
	benchmark       []float64
	closes          map[string][]float64
	sectors         map[string]string
}

// NewPricePanel builds a panel whose calendar is the set of benchmark dates.
// Symbol observations falling outside the calendar are dropped.
func NewPricePanel(benchmarkSymbol string, benchmark []PricePoint, series map[string][]PricePoint, sectors map[string]string) (*PricePanel, error) {
	if len(benchmark) == 0 {
		return nil, fmt.Errorf("benchmark %s has no observations: %w", benchmarkSymbol, ErrNoMarketData)
	}

	byDay := make(map[time.Time]float64, len(benchmark))
	for _, p := range benchmark {
		if p.Close > 0 && !math.IsNaN(p.Close) {
			byDay[Day(p.Date)] = p.Close
		}
	}
	if len(byDay) == 0 {
		return nil, fmt.Errorf("benchmark %s has no valid closes: %w", benchmarkSymbol, ErrNoMarketData)
	}

	calendar := make([]time.Time, 0, len(byDay))
	for d := range byDay {
		calendar = append(calendar, d)
	}
	sort.Slice(calendar, func(i, j int) bool { return calendar[i].Before(calendar[j]) })

	index := make(map[time.Time]int, len(calendar))
	bench := make([]float64, len(calendar))
	for i, d := range calendar {
		index[d] = i
		bench[i] = byDay[d]
	}

	closes := make(map[string][]float64, len(series))
	observed := 0
	for symbol, points := range series {
		col := make([]float64, len(calendar))
		for i := range col {
			col[i] = math.NaN()
		}
		for _, p := range points {
			i, ok := index[Day(p.Date)]
			if !ok || p.Close <= 0 || math.IsNaN(p.Close) {
				continue
			}
			col[i] = p.Close
			observed++
		}
		closes[symbol] = col
	}
	if observed == 0 {
		return nil, fmt.Errorf("price panel is empty: %w", ErrNoMarketData)
	}

	sec := make(map[string]string, len(sectors))
	for k, v := range sectors {
		sec[k] = v
	}

	return &PricePanel{
		benchmarkSymbol: benchmarkSymbol,
		calendar:        calendar,
		benchmark:       bench,
		closes:          closes,
		sectors:         sec,
	}, nil
}

// Len returns the number of trading days
func (p *PricePanel) Len() int { return len(p.calendar) }

// Date returns the trading day at index i
func (p *PricePanel) Date(i int) time.Time { return p.calendar[i] }

// Dates returns a copy of the trading calendar
func (p *PricePanel) Dates() []time.Time {
	return append([]time.Time(nil), p.calendar...)
}

// IndexOnOrAfter returns the first calendar index whose date is not before t,
// or Len() when there is none
func (p *PricePanel) IndexOnOrAfter(t time.Time) int {
	d := Day(t)
	return sort.Search(len(p.calendar), func(i int) bool { return !p.calendar[i].Before(d) })
}

// IndexOnOrBefore returns the last calendar index whose date is not after t, or -1
func (p *PricePanel) IndexOnOrBefore(t time.Time) int {
	d := Day(t)
	return sort.Search(len(p.calendar), func(i int) bool { return p.calendar[i].After(d) }) - 1
}

func (p *PricePanel) BenchmarkSymbol() string { return p.benchmarkSymbol }

// Symbols returns the panel members sorted ascending
func (p *PricePanel) Symbols() []string {
	out := make([]string, 0, len(p.closes))
	for s := range p.closes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the panel carries a column for symbol
func (p *PricePanel) Has(symbol string) bool {
	_, ok := p.closes[symbol]
	return ok
}

// Sector returns the sector label of symbol, "Unknown" when not provided
func (p *PricePanel) Sector(symbol string) string {
	if s, ok := p.sectors[symbol]; ok && s != "" {
		return s
	}
	return "Unknown"
}

// Close returns the close of symbol at index i; ok is false for a gap
func (p *PricePanel) Close(symbol string, i int) (float64, bool) {
	col, found := p.closes[symbol]
	if !found || i < 0 || i >= len(col) || math.IsNaN(col[i]) {
		return 0, false
	}
	return col[i], true
}

// Return is the simple return from index i-1 to i; ok is false when either close is missing
func (p *PricePanel) Return(symbol string, i int) (float64, bool) {
	if i <= 0 {
		return 0, false
	}
	prev, ok := p.Close(symbol, i-1)
	if !ok {
		return 0, false
	}
	cur, ok := p.Close(symbol, i)
	if !ok {
		return 0, false
	}
	return cur/prev - 1, true
}

// BenchmarkClose returns the benchmark close at index i
func (p *PricePanel) BenchmarkClose(i int) (float64, bool) {
	if i < 0 || i >= len(p.benchmark) {
		return 0, false
	}
	return p.benchmark[i], true
}

// BenchmarkReturn is the benchmark simple return from i-1 to i
func (p *PricePanel) BenchmarkReturn(i int) (float64, bool) {
	if i <= 0 || i >= len(p.benchmark) {
		return 0, false
	}
	return p.benchmark[i]/p.benchmark[i-1] - 1, true
}

// AsOf returns a view exposing only trading days strictly before index i.
// Every decision made for calendar day i must read through such a view.
func (p *PricePanel) AsOf(i int) PanelView {
	if i < 0 {
		i = 0
	}
	if i > len(p.calendar) {
		i = len(p.calendar)
	}
	return PanelView{panel: p, end: i}
}

// PanelView is a causally truncated read-only window over a PricePanel
type PanelView struct {
	panel *PricePanel
	end   int
}

// Len is the number of visible trading days
func (v PanelView) Len() int { return v.end }

// Cutoff is the decision date the view was cut for. Data on the cutoff is not visible.
func (v PanelView) Cutoff() time.Time {
	if v.end < len(v.panel.calendar) {
		return v.panel.calendar[v.end]
	}
	last := v.panel.calendar[len(v.panel.calendar)-1]
	return last.AddDate(0, 0, 1)
}

// LastDate returns the most recent visible trading day
func (v PanelView) LastDate() (time.Time, bool) {
	if v.end == 0 {
		return time.Time{}, false
	}
	return v.panel.calendar[v.end-1], true
}

func (v PanelView) Date(i int) time.Time { return v.panel.calendar[i] }

func (v PanelView) Sector(symbol string) string { return v.panel.Sector(symbol) }

func (v PanelView) Has(symbol string) bool { return v.panel.Has(symbol) }

func (v PanelView) Close(symbol string, i int) (float64, bool) {
	if i >= v.end {
		return 0, false
	}
	return v.panel.Close(symbol, i)
}

func (v PanelView) Return(symbol string, i int) (float64, bool) {
	if i >= v.end {
		return 0, false
	}
	return v.panel.Return(symbol, i)
}

func (v PanelView) BenchmarkClose(i int) (float64, bool) {
	if i >= v.end {
		return 0, false
	}
	return v.panel.BenchmarkClose(i)
}

// Closes returns up to lookback trailing closes of symbol with gaps as NaN
func (v PanelView) Closes(symbol string, lookback int) []float64 {
	col, ok := v.panel.closes[symbol]
	if !ok {
		return nil
	}
	start := v.end - lookback
	if start < 0 {
		start = 0
	}
	return append([]float64(nil), col[start:v.end]...)
}

// BenchmarkCloses returns up to lookback trailing benchmark closes
func (v PanelView) BenchmarkCloses(lookback int) []float64 {
	start := v.end - lookback
	if start < 0 {
		start = 0
	}
	return append([]float64(nil), v.panel.benchmark[start:v.end]...)
}

// AlignedReturns returns the trailing daily returns of symbols over the last
// lookback visible days as rows (one per day, columns in symbols order).
// Days on which any symbol has a gap are skipped.
func (v PanelView) AlignedReturns(symbols []string, lookback int) [][]float64 {
	start := v.end - lookback
	if start < 1 {
		start = 1
	}
	rows := make([][]float64, 0, v.end-start)
	for i := start; i < v.end; i++ {
		row := make([]float64, len(symbols))
		complete := true
		for j, s := range symbols {
			r, ok := v.panel.Return(s, i)
			if !ok {
				complete = false
				break
			}
			row[j] = r
		}
		if complete {
			rows = append(rows, row)
		}
	}
	return rows
}
