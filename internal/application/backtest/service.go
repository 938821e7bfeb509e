// Package backtest hosts backtest runs: it resolves the strategy source,
// loads market data, runs the walk-forward engine and assembles the report,
// exposing each run through a pollable status.
package backtest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/backtest/walkforward"
	"github.com/sawpanic/alphaforge/internal/data/pit"
	"github.com/sawpanic/alphaforge/internal/data/provider"
	"github.com/sawpanic/alphaforge/internal/domain"
	alog "github.com/sawpanic/alphaforge/internal/log"
	"github.com/sawpanic/alphaforge/internal/metrics"
	"github.com/sawpanic/alphaforge/internal/persistence"
	"github.com/sawpanic/alphaforge/internal/report/assemble"
	"github.com/sawpanic/alphaforge/internal/report/perf"
)

// Run stages
const (
	StepResolve  = "resolve"
	StepLoad     = "load"
	StepSimulate = "simulate"
	StepReport   = "report"
)

var steps = []string{StepResolve, StepLoad, StepSimulate, StepReport}

// Service executes one backtest end to end. It holds no per-run state.
type Service struct {
	provider   provider.Provider
	portfolios persistence.PortfolioRepo
	audit      *pit.Store
	metrics    *metrics.Registry
	report     assemble.Config
	handlers   []perf.AlertHandler
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithPortfolios enables custom-portfolio runs
func WithPortfolios(repo persistence.PortfolioRepo) ServiceOption {
	return func(s *Service) { s.portfolios = repo }
}

// WithAudit records every model snapshot under store/{runID}
func WithAudit(store *pit.Store) ServiceOption {
	return func(s *Service) { s.audit = store }
}

// WithMetrics reports decisions and stage timings to reg
func WithMetrics(reg *metrics.Registry) ServiceOption {
	return func(s *Service) { s.metrics = reg }
}

// WithReport overrides the report settings and alert handlers
func WithReport(config assemble.Config, handlers ...perf.AlertHandler) ServiceOption {
	return func(s *Service) {
		s.report = config
		s.handlers = handlers
	}
}

// NewService creates a service reading market data from p
func NewService(p provider.Provider, opts ...ServiceOption) *Service {
	s := &Service{provider: p, report: assemble.DefaultConfig()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run validates cfg, runs the simulation and assembles the report. progress
// may be nil. Invalid configurations fail before any data is loaded.
func (s *Service) Run(ctx context.Context, runID string, cfg walkforward.Config, progress walkforward.ProgressFunc) (*assemble.Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.With().Str("component", "backtest").Str("run_id", runID).Logger()
	stages := alog.NewStepLogger("backtest "+runID, steps)

	stages.StartStep(StepResolve)
	spec, symbols, err := s.resolve(ctx, cfg)
	if err != nil {
		stages.Fail(err.Error())
		return nil, err
	}

	stages.StartStep(StepLoad)
	timer := s.startTimer(StepLoad)
	from := cfg.Start.AddDate(0, 0, -warmupCalendarDays(cfg))
	panel, err := provider.LoadPanel(ctx, s.provider, cfg.Benchmark, symbols, from, cfg.End)
	timer.stop(err)
	if err != nil {
		stages.Fail(err.Error())
		return nil, fmt.Errorf("failed to load market data: %w", err)
	}
	spec.Panel = panel

	stages.StartStep(StepSimulate)
	opts := []walkforward.Option{walkforward.WithProgress(progress)}
	if s.audit != nil {
		opts = append(opts, walkforward.WithAuditor(s.audit.ForRun(runID)))
	}
	if s.metrics != nil {
		opts = append(opts, walkforward.WithObserver(s.metrics))
	}
	timer = s.startTimer(StepSimulate)
	res, err := walkforward.NewEngine(opts...).Run(ctx, spec)
	timer.stop(err)
	if err != nil {
		stages.Fail(err.Error())
		return nil, err
	}

	stages.StartStep(StepReport)
	factors, err := s.provider.Factors(ctx, cfg.Start, cfg.End)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn().Err(err).Msg("Factor returns unavailable, attribution will report an error")
		factors = nil
	}
	timer = s.startTimer(StepReport)
	out, err := assemble.New(s.report, s.handlers...).Assemble(ctx, res, factors)
	timer.stop(err)
	if err != nil {
		stages.Fail(err.Error())
		return nil, err
	}
	stages.Finish()

	logger.Info().Int("rebalances", out.Summary.Rebalances).
		Str("sharpe", perf.Format(perf.Sharpe, out.KPIs.Get(perf.Sharpe))).
		Str("cagr", perf.Format(perf.CAGR, out.KPIs.Get(perf.CAGR))).
		Msg("Backtest finished")
	return out, nil
}

// resolve turns the universe name or portfolio id into a Spec and the symbols to load
func (s *Service) resolve(ctx context.Context, cfg walkforward.Config) (walkforward.Spec, []string, error) {
	spec := walkforward.Spec{Config: cfg}

	if cfg.PortfolioID != "" {
		if s.portfolios == nil {
			return spec, nil, &domain.InvalidConfigError{Field: "portfolio_id", Reason: "portfolio lookup is not configured"}
		}
		p, err := s.portfolios.Get(ctx, cfg.PortfolioID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return spec, nil, &domain.InvalidConfigError{Field: "portfolio_id", Reason: fmt.Sprintf("portfolio %s not found", cfg.PortfolioID)}
			}
			return spec, nil, fmt.Errorf("failed to load portfolio: %w", err)
		}
		spec.Portfolio = p
		return spec, p.Stocks, nil
	}

	members, err := s.provider.UniverseMembers(ctx, cfg.Universe)
	if err != nil {
		if errors.Is(err, provider.ErrUnknownUniverse) {
			return spec, nil, &domain.InvalidConfigError{Field: "universe", Reason: err.Error()}
		}
		return spec, nil, fmt.Errorf("failed to resolve universe: %w", err)
	}
	spec.Universe = domain.NewUniverse(cfg.Universe, members)
	return spec, spec.Universe.Symbols(), nil
}

// warmupCalendarDays is the history loaded before Start so that the first
// rebalance can train, compute features and evaluate the regime filter
func warmupCalendarDays(cfg walkforward.Config) int {
	trading := cfg.LookbackDays
	if cfg.Universe != "" {
		// label window plus the feature lookback of the oldest training row
		if need := cfg.Selector.TrainWindowDays + cfg.Selector.Horizon + 252; need > trading {
			trading = need
		}
	}
	if cfg.Regime.Enabled && cfg.Regime.Lookback > trading {
		trading = cfg.Regime.Lookback
	}
	return trading*7/5 + 14
}

type stageTimer struct {
	timer *metrics.StepTimer
}

func (s *Service) startTimer(step string) stageTimer {
	if s.metrics == nil {
		return stageTimer{}
	}
	return stageTimer{timer: s.metrics.StartStepTimer(step)}
}

func (t stageTimer) stop(err error) {
	if t.timer == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	t.timer.Stop(result)
}
