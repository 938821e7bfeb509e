package perf

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Alert flags a KPI that breached a review threshold
type Alert struct {
	Type      string    `json:"type"`     // performance, drawdown, exposure
	Severity  string    `json:"severity"` // CRITICAL, WARNING, INFO
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Metric    Metric    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
}

// Thresholds configures the report review
type Thresholds struct {
	MinSharpe       float64 `yaml:"min_sharpe"`         // default 0.5
	MaxDrawdown     float64 `yaml:"max_drawdown"`       // default 0.25, as a positive fraction
	MinTimeInMarket float64 `yaml:"min_time_in_market"` // default 0.25
}

// DefaultThresholds returns the standard review limits
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSharpe:       0.5,
		MaxDrawdown:     0.25,
		MinTimeInMarket: 0.25,
	}
}

// AlertHandler delivers alerts
type AlertHandler interface {
	SendAlert(alert Alert) error
	GetHandlerType() string
}

// Reviewer checks a KPI set against thresholds
type Reviewer struct {
	thresholds Thresholds
	handlers   []AlertHandler
	now        func() time.Time
}

// NewReviewer creates a reviewer
func NewReviewer(thresholds Thresholds, handlers ...AlertHandler) *Reviewer {
	return &Reviewer{thresholds: thresholds, handlers: handlers, now: time.Now}
}

// Review returns every breached threshold. Undefined metrics are skipped.
func (r *Reviewer) Review(k KPISet) []Alert {
	alerts := make([]Alert, 0)
	now := r.now()

	if v, ok := k.Get(Sharpe).Get(); ok && v < r.thresholds.MinSharpe {
		alerts = append(alerts, Alert{
			Type:      "performance",
			Severity:  "WARNING",
			Message:   fmt.Sprintf("Sharpe ratio %.2f is below minimum threshold of %.2f", v, r.thresholds.MinSharpe),
			Timestamp: now,
			Metric:    Sharpe,
			Value:     v,
			Threshold: r.thresholds.MinSharpe,
		})
	}

	if v, ok := k.Get(MaxDrawdown).Get(); ok && -v > r.thresholds.MaxDrawdown {
		severity := "WARNING"
		if -v > r.thresholds.MaxDrawdown*1.5 {
			severity = "CRITICAL"
		}
		alerts = append(alerts, Alert{
			Type:      "drawdown",
			Severity:  severity,
			Message:   fmt.Sprintf("Maximum drawdown %.2f%% exceeds threshold of %.2f%%", -v*100, r.thresholds.MaxDrawdown*100),
			Timestamp: now,
			Metric:    MaxDrawdown,
			Value:     v,
			Threshold: -r.thresholds.MaxDrawdown,
		})
	}

	if v, ok := k.Get(TimeInMarket).Get(); ok && v < r.thresholds.MinTimeInMarket {
		alerts = append(alerts, Alert{
			Type:      "exposure",
			Severity:  "INFO",
			Message:   fmt.Sprintf("Strategy was invested %.1f%% of the time", v*100),
			Timestamp: now,
			Metric:    TimeInMarket,
			Value:     v,
			Threshold: r.thresholds.MinTimeInMarket,
		})
	}

	return alerts
}

// Dispatch sends alerts to every handler; handler failures are logged
func (r *Reviewer) Dispatch(alerts []Alert) error {
	var firstErr error
	for _, alert := range alerts {
		for _, h := range r.handlers {
			if err := h.SendAlert(alert); err != nil {
				log.Warn().Err(err).Str("handler", h.GetHandlerType()).Msg("Failed to send alert")
				if firstErr == nil {
					firstErr = fmt.Errorf("handler %s: %w", h.GetHandlerType(), err)
				}
			}
		}
	}
	return firstErr
}

// LogHandler writes alerts to the structured log
type LogHandler struct{}

func (h *LogHandler) SendAlert(alert Alert) error {
	evt := log.Info()
	switch alert.Severity {
	case "CRITICAL":
		evt = log.Error()
	case "WARNING":
		evt = log.Warn()
	}
	evt.Str("type", alert.Type).Str("metric", string(alert.Metric)).
		Float64("value", alert.Value).Float64("threshold", alert.Threshold).
		Msg(alert.Message)
	return nil
}

func (h *LogHandler) GetHandlerType() string {
	return "log"
}
