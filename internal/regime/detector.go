// Package regime classifies the market as risk-on or risk-off from benchmark trend.
package regime

import (
	"fmt"
	"math"
	"time"

	"github.com/gammazero/deque"
	"github.com/sawpanic/alphaforge/internal/domain"
)

// Regime represents the market regime classification at a rebalance date
type Regime int

const (
	RiskOn Regime = iota
	RiskOff
)

func (r Regime) String() string {
	switch r {
	case RiskOn:
		return "risk_on"
	case RiskOff:
		return "risk_off"
	default:
		return "unknown"
	}
}

// Config holds configuration for the trend filter
type Config struct {
	Enabled  bool `yaml:"enabled"`  // Default: true
	Lookback int  `yaml:"lookback"` // Default: 200 trading days
}

// DefaultConfig returns the 200-day SMA filter
func DefaultConfig() Config {
	return Config{Enabled: true, Lookback: 200}
}

// Decision is the filter verdict for one date
type Decision struct {
	Date    time.Time `json:"date"`
	Regime  Regime    `json:"regime"`
	Defined bool      `json:"defined"` // false when history is shorter than the lookback
	Close   float64   `json:"close"`
	Average float64   `json:"average"`
	Reason  string    `json:"reason,omitempty"`
}

// RiskOff reports whether the portfolio must hold cash
func (d Decision) RiskOff() bool { return d.Regime == RiskOff }

// Filter evaluates the regime at a decision date from data strictly before it
type Filter interface {
	Evaluate(view domain.PanelView) Decision
}

// New returns the configured filter. The result is stateful and belongs to one run.
func New(cfg Config) Filter {
	if !cfg.Enabled {
		return Disabled{}
	}
	return &Streaming{tracker: NewTracker(cfg.Lookback)}
}

// Disabled always reports risk-on
type Disabled struct{}

func (Disabled) Evaluate(view domain.PanelView) Decision {
	return Decision{Date: view.Cutoff(), Regime: RiskOn}
}

// SMAFilter is risk-off when the last close is below its trailing simple moving average
type SMAFilter struct {
	Lookback int
}

func (f SMAFilter) Evaluate(view domain.PanelView) Decision {
	closes := view.BenchmarkCloses(f.Lookback)
	return decide(view.Cutoff(), closes, f.Lookback)
}

func decide(date time.Time, window []float64, lookback int) Decision {
	if lookback <= 0 || len(window) < lookback {
		return Decision{Date: date, Regime: RiskOn}
	}
	sum := 0.0
	for _, c := range window {
		sum += c
	}
	return classify(date, window[len(window)-1], sum/float64(len(window)), lookback)
}

func classify(date time.Time, last, average float64, lookback int) Decision {
	d := Decision{Date: date, Regime: RiskOn, Defined: true, Close: last, Average: average}
	if last < average {
		d.Regime = RiskOff
		d.Reason = fmt.Sprintf("Regime filter risk-off: benchmark close %.2f below %d-day SMA %.2f",
			last, lookback, average)
	}
	return d
}

// Streaming feeds a Tracker from successive views of one run
type Streaming struct {
	tracker *Tracker
	seen    int
}

func (s *Streaming) Evaluate(view domain.PanelView) Decision {
	if view.Len() < s.seen {
		s.tracker = NewTracker(s.tracker.lookback)
		s.seen = 0
	}
	for ; s.seen < view.Len(); s.seen++ {
		if c, ok := view.BenchmarkClose(s.seen); ok {
			s.tracker.Push(c)
		}
	}
	return s.tracker.Evaluate(view.Cutoff())
}

// Tracker maintains a rolling SMA window as the simulation clock advances.
// Push each realized close in order; Evaluate then sees only pushed closes.
type Tracker struct {
	lookback int
	window   deque.Deque[float64]
	sum      float64
}

// NewTracker creates a tracker over lookback closes
func NewTracker(lookback int) *Tracker {
	return &Tracker{lookback: lookback}
}

// Push appends a realized close and evicts the oldest beyond the lookback
func (t *Tracker) Push(price float64) {
	if math.IsNaN(price) {
		return
	}
	t.window.PushBack(price)
	t.sum += price
	for t.window.Len() > t.lookback {
		t.sum -= t.window.PopFront()
	}
}

// Len returns the number of closes currently in the window
func (t *Tracker) Len() int { return t.window.Len() }

// Evaluate classifies the regime for date from the pushed history
func (t *Tracker) Evaluate(date time.Time) Decision {
	if t.lookback <= 0 || t.window.Len() < t.lookback {
		return Decision{Date: date, Regime: RiskOn}
	}
	return classify(date, t.window.Back(), t.sum/float64(t.window.Len()), t.lookback)
}
