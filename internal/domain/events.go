package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the outcome of one rebalance date
type Action int

const (
	ActionRebalance Action = iota
	ActionHoldCash
)

func (a Action) String() string {
	switch a {
	case ActionRebalance:
		return "Rebalance"
	case ActionHoldCash:
		return "HoldCash"
	default:
		return "Unknown"
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Action) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Rebalance":
		*a = ActionRebalance
	case "HoldCash":
		*a = ActionHoldCash
	default:
		return fmt.Errorf("unknown action %q", text)
	}
	return nil
}

// Event flags
const (
	FlagEqualWeightFallback = "equal_weight_fallback"
	FlagStaleModel          = "stale_model"
)

// RebalanceDetails is either Allocations or CashReason
type RebalanceDetails interface {
	isRebalanceDetails()
}

// Allocations carries the target weights of a Rebalance event
type Allocations struct {
	Weights Weights
}

// CashReason explains a HoldCash event
type CashReason struct {
	Reason string
}

func (Allocations) isRebalanceDetails() {}
func (CashReason) isRebalanceDetails()  {}

// RebalanceEvent records one decision of the walk-forward loop
type RebalanceEvent struct {
	Date     time.Time
	Action   Action
	Details  RebalanceDetails
	Turnover float64
	Cost     float64
	// ModelCutoff is the last date whose data trained the model behind the
	// event, always strictly before Date. Nil for custom portfolios.
	ModelCutoff *time.Time
	Flags       []string
}

// NewRebalance builds a Rebalance event with a copy of weights
func NewRebalance(date time.Time, weights Weights) RebalanceEvent {
	return RebalanceEvent{Date: Day(date), Action: ActionRebalance, Details: Allocations{Weights: weights.Clone()}}
}

// NewHoldCash builds a HoldCash event
func NewHoldCash(date time.Time, reason string) RebalanceEvent {
	return RebalanceEvent{Date: Day(date), Action: ActionHoldCash, Details: CashReason{Reason: reason}}
}

// Targets returns the target weights; empty for HoldCash
func (e RebalanceEvent) Targets() Weights {
	if a, ok := e.Details.(Allocations); ok {
		return a.Weights.Clone()
	}
	return Weights{}
}

// Reason returns the cash reason, empty for Rebalance events
func (e RebalanceEvent) Reason() string {
	if c, ok := e.Details.(CashReason); ok {
		return c.Reason
	}
	return ""
}

func (e RebalanceEvent) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

type eventJSON struct {
	Date        string          `json:"Date"`
	Action      Action          `json:"Action"`
	Details     json.RawMessage `json:"Details"`
	Turnover    float64         `json:"Turnover"`
	Cost        float64         `json:"Cost"`
	ModelCutoff string          `json:"ModelCutoff,omitempty"`
	Flags       []string        `json:"Flags,omitempty"`
}

// MarshalJSON renders {Date, Action, Details}; Details is a weight map or a reason string
func (e RebalanceEvent) MarshalJSON() ([]byte, error) {
	var details []byte
	var err error
	switch d := e.Details.(type) {
	case Allocations:
		details, err = json.Marshal(d.Weights)
	case CashReason:
		details, err = json.Marshal(d.Reason)
	default:
		details = []byte("null")
	}
	if err != nil {
		return nil, err
	}
	out := eventJSON{
		Date:     e.Date.Format(DateLayout),
		Action:   e.Action,
		Details:  details,
		Turnover: e.Turnover,
		Cost:     e.Cost,
		Flags:    e.Flags,
	}
	if e.ModelCutoff != nil {
		out.ModelCutoff = e.ModelCutoff.Format(DateLayout)
	}
	return json.Marshal(out)
}

func (e *RebalanceEvent) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	date, err := time.Parse(DateLayout, in.Date)
	if err != nil {
		return fmt.Errorf("invalid event date %q: %w", in.Date, err)
	}
	ev := RebalanceEvent{Date: date, Action: in.Action, Turnover: in.Turnover, Cost: in.Cost, Flags: in.Flags}
	if in.ModelCutoff != "" {
		cutoff, err := time.Parse(DateLayout, in.ModelCutoff)
		if err != nil {
			return fmt.Errorf("invalid model cutoff %q: %w", in.ModelCutoff, err)
		}
		ev.ModelCutoff = &cutoff
	}
	switch in.Action {
	case ActionRebalance:
		var w Weights
		if err := json.Unmarshal(in.Details, &w); err != nil {
			return fmt.Errorf("invalid allocations: %w", err)
		}
		ev.Details = Allocations{Weights: w}
	default:
		var reason string
		if err := json.Unmarshal(in.Details, &reason); err != nil {
			return fmt.Errorf("invalid cash reason: %w", err)
		}
		ev.Details = CashReason{Reason: reason}
	}
	*e = ev
	return nil
}

// RebalanceLog is the append-only, date-ordered event history of a run
type RebalanceLog struct {
	events []RebalanceEvent
}

// Append adds ev; dates must be strictly increasing
func (l *RebalanceLog) Append(ev RebalanceEvent) error {
	if n := len(l.events); n > 0 && !ev.Date.After(l.events[n-1].Date) {
		return fmt.Errorf("rebalance event %s is not after %s",
			ev.Date.Format(DateLayout), l.events[n-1].Date.Format(DateLayout))
	}
	l.events = append(l.events, ev)
	return nil
}

func (l *RebalanceLog) Len() int { return len(l.events) }

// Events returns a copy of the log
func (l *RebalanceLog) Events() []RebalanceEvent {
	return append([]RebalanceEvent(nil), l.events...)
}

// Count returns the number of events with the given action
func (l *RebalanceLog) Count(a Action) int {
	n := 0
	for _, ev := range l.events {
		if ev.Action == a {
			n++
		}
	}
	return n
}
