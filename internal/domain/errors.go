package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoMarketData is wrapped by fatal data-absence errors raised before a run starts
var ErrNoMarketData = errors.New("no market data")

// InsufficientDataError reports that a decision could not be made from the
// history available before a rebalance date. The run continues in cash.
type InsufficientDataError struct {
	Date   time.Time
	Symbol string
	Need   int
	Have   int
	Reason string
}

func (e *InsufficientDataError) Error() string {
	msg := fmt.Sprintf("insufficient data on %s", e.Date.Format(DateLayout))
	if e.Symbol != "" {
		msg += " for " + e.Symbol
	}
	if e.Need > 0 {
		msg += fmt.Sprintf(": need %d observations, have %d", e.Need, e.Have)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// OptimizationInfeasibleError reports a singular or non-converging optimization.
// Callers recover with equal weights and flag the event.
type OptimizationInfeasibleError struct {
	Method string
	Reason string
}

func (e *OptimizationInfeasibleError) Error() string {
	return fmt.Sprintf("%s optimization infeasible: %s", e.Method, e.Reason)
}

// ModelTrainError reports a failed selection-model fit for a cutoff date
type ModelTrainError struct {
	Cutoff time.Time
	Err    error
}

func (e *ModelTrainError) Error() string {
	return fmt.Sprintf("model training failed for cutoff %s: %v", e.Cutoff.Format(DateLayout), e.Err)
}

func (e *ModelTrainError) Unwrap() error { return e.Err }

// InvalidConfigError is fatal and raised before the simulation loop
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Reason
	}
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// AttributionUnavailableError is surfaced in the report instead of failing the run
type AttributionUnavailableError struct {
	Observations int
	Required     int
	Reason       string
}

func (e *AttributionUnavailableError) Error() string {
	if e.Required > 0 && e.Observations < e.Required {
		return fmt.Sprintf("factor attribution unavailable: %d overlapping observations, need at least %d",
			e.Observations, e.Required)
	}
	return "factor attribution unavailable: " + e.Reason
}

// IsRecoverable reports whether err leaves the run able to continue
func IsRecoverable(err error) bool {
	var insufficient *InsufficientDataError
	var infeasible *OptimizationInfeasibleError
	var train *ModelTrainError
	return errors.As(err, &insufficient) || errors.As(err, &infeasible) || errors.As(err, &train)
}
