package log

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ProgressIndicator turns step updates of a long-running operation into
// structured log lines and, when out is set, a single-line progress bar
type ProgressIndicator struct {
	mu        sync.Mutex
	name      string
	total     int
	current   int
	startTime time.Time
	out       io.Writer
	now       func() time.Time
}

// NewProgressIndicator creates a new progress indicator; out may be nil
func NewProgressIndicator(name string, total int, out io.Writer) *ProgressIndicator {
	return &ProgressIndicator{
		name:      name,
		total:     total,
		startTime: time.Now(),
		out:       out,
		now:       time.Now,
	}
}

// Report records progress at step of total with a message. A changed total
// replaces the initial estimate.
func (pi *ProgressIndicator) Report(step, total int, message string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	pi.current = step
	if total > 0 {
		pi.total = total
	}
	eta := pi.eta()

	event := log.Info().
		Str("operation", pi.name).
		Int("step", pi.current).
		Int("total", pi.total)
	if pi.total > 0 {
		event = event.Float64("pct", float64(pi.current)/float64(pi.total)*100)
	}
	if eta > 0 {
		event = event.Dur("eta", eta)
	}
	event.Msg(message)

	if pi.out != nil {
		fmt.Fprint(pi.out, pi.render(message, eta))
	}
}

// ETA estimates the remaining time from the average step rate
func (pi *ProgressIndicator) ETA() time.Duration {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.eta()
}

func (pi *ProgressIndicator) eta() time.Duration {
	if pi.total <= 0 || pi.current <= 0 || pi.current >= pi.total {
		return 0
	}
	elapsed := pi.now().Sub(pi.startTime)
	perStep := elapsed / time.Duration(pi.current)
	return perStep * time.Duration(pi.total-pi.current)
}

// render builds the progress bar line
func (pi *ProgressIndicator) render(message string, eta time.Duration) string {
	var output strings.Builder
	output.WriteString("\r\033[K")
	output.WriteString(pi.name)

	if pi.total > 0 {
		percentage := float64(pi.current) / float64(pi.total) * 100
		barWidth := 20
		filled := barWidth * pi.current / pi.total
		output.WriteString(" [")
		output.WriteString(strings.Repeat("█", filled))
		output.WriteString(strings.Repeat("░", barWidth-filled))
		output.WriteString(fmt.Sprintf("] %d/%d (%.1f%%)", pi.current, pi.total, percentage))
	}

	if eta > 0 {
		if eta > time.Hour {
			output.WriteString(fmt.Sprintf(" ETA: %v", eta.Round(time.Minute)))
		} else {
			output.WriteString(fmt.Sprintf(" ETA: %v", eta.Round(time.Second)))
		}
	}

	if message != "" {
		output.WriteString(" - ")
		output.WriteString(message)
	}
	return output.String()
}

// Finish completes the progress indicator
func (pi *ProgressIndicator) Finish(message string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	duration := pi.now().Sub(pi.startTime)
	if pi.out != nil {
		fmt.Fprintf(pi.out, "\r\033[K%s: %s (%v)\n", pi.name, message, duration.Round(time.Millisecond))
	}
	log.Info().Str("operation", pi.name).Dur("duration", duration).Msg(message)
}

// Fail marks the progress as failed
func (pi *ProgressIndicator) Fail(reason string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	duration := pi.now().Sub(pi.startTime)
	if pi.out != nil {
		fmt.Fprintf(pi.out, "\r\033[K%s failed: %s (%v)\n", pi.name, reason, duration.Round(time.Millisecond))
	}
	log.Error().Str("operation", pi.name).Dur("duration", duration).Str("reason", reason).Msg("Operation failed")
}

// StepLogger provides step-by-step timing for a fixed sequence of stages
type StepLogger struct {
	mu          sync.Mutex
	name        string
	steps       []string
	currentStep int
	stepStart   time.Time
	startTime   time.Time
	stepTimes   []time.Duration
}

// NewStepLogger creates a step logger over the named stages
func NewStepLogger(name string, steps []string) *StepLogger {
	now := time.Now()
	return &StepLogger{
		name:        name,
		steps:       steps,
		currentStep: -1,
		stepStart:   now,
		startTime:   now,
		stepTimes:   make([]time.Duration, len(steps)),
	}
}

// StartStep completes the running stage and begins stepName
func (sl *StepLogger) StartStep(stepName string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	stepIndex := -1
	for i, step := range sl.steps {
		if step == stepName {
			stepIndex = i
			break
		}
	}
	if stepIndex == -1 {
		log.Warn().Str("step", stepName).Msg("Unknown step")
		return
	}

	sl.completeStep()
	sl.currentStep = stepIndex
	sl.stepStart = time.Now()

	log.Debug().
		Str("operation", sl.name).
		Str("step", stepName).
		Int("step_number", stepIndex+1).
		Int("total_steps", len(sl.steps)).
		Msg("Starting step")
}

func (sl *StepLogger) completeStep() {
	if sl.currentStep < 0 || sl.stepTimes[sl.currentStep] > 0 {
		return
	}
	sl.stepTimes[sl.currentStep] = time.Since(sl.stepStart)
}

// Durations returns the recorded time per stage
func (sl *StepLogger) Durations() map[string]time.Duration {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	out := make(map[string]time.Duration, len(sl.steps))
	for i, step := range sl.steps {
		out[step] = sl.stepTimes[i]
	}
	return out
}

// Finish completes the last stage and logs the timing summary
func (sl *StepLogger) Finish() {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	sl.completeStep()
	total := time.Since(sl.startTime)

	event := log.Info().Str("operation", sl.name).Dur("total_duration", total)
	for i, step := range sl.steps {
		event = event.Dur(step, sl.stepTimes[i])
	}
	event.Msg("Step timing summary")
}

// Fail logs the stage that failed
func (sl *StepLogger) Fail(reason string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	failed := "unknown"
	if sl.currentStep >= 0 {
		failed = sl.steps[sl.currentStep]
	}
	log.Error().
		Str("operation", sl.name).
		Str("failed_step", failed).
		Int("total_steps", len(sl.steps)).
		Str("reason", reason).
		Msg("Operation failed")
}
