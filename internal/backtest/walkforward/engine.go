package walkforward

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/backtest/cost"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sawpanic/alphaforge/internal/model/selector"
	"github.com/sawpanic/alphaforge/internal/optimizer"
	"github.com/sawpanic/alphaforge/internal/regime"
)

// Spec binds a configuration to its market data and strategy source.
// Exactly one of Universe (model-driven) or Portfolio (custom) is used.
type Spec struct {
	Config    Config
	Panel     *domain.PricePanel
	Universe  domain.Universe
	Portfolio *domain.CustomPortfolio
}

// Progress is pushed once per rebalance date
type Progress struct {
	Step    int           `json:"step"`
	Total   int           `json:"total"`
	Date    time.Time     `json:"date"`
	Action  domain.Action `json:"action"`
	Message string        `json:"message"`
}

// ProgressFunc receives progress updates on the simulation goroutine
type ProgressFunc func(Progress)

// Auditor persists model snapshots for point-in-time review
type Auditor interface {
	RecordSnapshot(ctx context.Context, eventDate time.Time, snap *selector.Snapshot) error
}

// Observer is notified of every recorded event
type Observer interface {
	ObserveRebalance(ev domain.RebalanceEvent)
}

// Clock interface for time operations (injectable for testing)
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using real time
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Engine runs walk-forward simulations. It holds no per-run state, so one
// engine may serve concurrent runs.
type Engine struct {
	progress ProgressFunc
	auditor  Auditor
	observer Observer
	clock    Clock
}

// Option configures an Engine
type Option func(*Engine)

func WithProgress(fn ProgressFunc) Option { return func(e *Engine) { e.progress = fn } }
func WithAuditor(a Auditor) Option       { return func(e *Engine) { e.auditor = a } }
func WithObserver(o Observer) Option     { return func(e *Engine) { e.observer = o } }
func WithClock(c Clock) Option           { return func(e *Engine) { e.clock = c } }

// NewEngine creates an engine
func NewEngine(opts ...Option) *Engine {
	e := &Engine{clock: RealClock{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run holds the mutable state of one simulation
type run struct {
	spec       Spec
	cfg        Config
	panel      *domain.PricePanel
	symbols    []string
	selector   *selector.Selector
	optimizer  optimizer.Optimizer
	manual     optimizer.Optimizer
	filter     regime.Filter
	accountant cost.Accountant
	snapshot   *selector.Snapshot
	holdings   domain.Weights
	result     *Result
}

// Run executes the simulation. Cancellation is honored between rebalance
// dates; a cancelled run returns the context error and no partial result.
func (e *Engine) Run(ctx context.Context, spec Spec) (*Result, error) {
	started := e.clock.Now()
	cfg := spec.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cadence, _ := ParseCadence(string(cfg.Cadence))
	method, _ := optimizer.ParseMethod(string(cfg.Method))

	if spec.Panel == nil || spec.Panel.Len() == 0 {
		return nil, fmt.Errorf("price panel is missing: %w", domain.ErrNoMarketData)
	}
	var symbols []string
	switch {
	case spec.Portfolio != nil:
		symbols = spec.Portfolio.Stocks
		if method == optimizer.MethodManual && len(spec.Portfolio.Weights) == 0 {
			return nil, &domain.InvalidConfigError{Field: "optimization_method", Reason: "manual method requires portfolio weights"}
		}
	case spec.Universe.Len() > 0:
		symbols = spec.Universe.Symbols()
	default:
		return nil, &domain.InvalidConfigError{Field: "universe", Reason: "universe has no members"}
	}

	from := spec.Panel.IndexOnOrAfter(cfg.Start)
	to := spec.Panel.IndexOnOrBefore(cfg.End)
	if from >= spec.Panel.Len() || from > to {
		return nil, fmt.Errorf("no trading days between %s and %s: %w",
			cfg.Start.Format(domain.DateLayout), cfg.End.Format(domain.DateLayout), domain.ErrNoMarketData)
	}
	schedule := RebalanceIndices(spec.Panel, from, to, cadence)

	opt, err := optimizer.New(method, cfg.Optimizer)
	if err != nil {
		return nil, err
	}

	r := &run{
		spec:       spec,
		cfg:        cfg,
		panel:      spec.Panel,
		symbols:    symbols,
		selector:   selector.New(cfg.Selector),
		optimizer:  opt,
		manual:     optimizer.Manual{},
		filter:     regime.New(cfg.Regime),
		accountant: cost.NewAccountant(cfg.CostBps),
		holdings:   domain.Weights{},
		result:     &Result{Config: cfg, Sectors: make(map[string]string)},
	}

	log.Info().Str("mode", r.mode()).Int("symbols", len(symbols)).
		Str("start", spec.Panel.Date(from).Format(domain.DateLayout)).
		Str("end", spec.Panel.Date(to).Format(domain.DateLayout)).
		Str("cadence", string(cadence)).Str("method", string(method)).
		Int("rebalances", len(schedule)).Msg("Starting walk-forward backtest")

	equity, benchEquity := 1.0, 1.0
	next := 0
	for i := from; i <= to; i++ {
		drag := 0.0
		if next < len(schedule) && schedule[next] == i {
			if err := ctx.Err(); err != nil {
				log.Warn().Err(err).Int("completed", next).Msg("Backtest cancelled")
				return nil, err
			}
			ev, err := r.rebalance(ctx, i, e.auditor)
			if err != nil {
				return nil, err
			}
			drag = ev.Cost
			if err := r.result.Log.Append(ev); err != nil {
				return nil, err
			}
			if e.observer != nil {
				e.observer.ObserveRebalance(ev)
			}
			next++
			if e.progress != nil {
				e.progress(Progress{
					Step:    next,
					Total:   len(schedule),
					Date:    ev.Date,
					Action:  ev.Action,
					Message: fmt.Sprintf("Processing rebalance %d/%d (%s)", next, len(schedule), ev.Date.Format(domain.DateLayout)),
				})
			}
		}

		gross := r.drift(i)
		ret := gross - drag
		benchRet, _ := r.panel.BenchmarkReturn(i)
		equity *= 1 + ret
		benchEquity *= 1 + benchRet

		r.result.Days = append(r.result.Days, Day{
			Date:            r.panel.Date(i),
			Return:          ret,
			BenchmarkReturn: benchRet,
			Equity:          equity,
			BenchmarkEquity: benchEquity,
			Weights:         r.holdings.Clone(),
		})
	}

	for _, s := range r.result.HeldSymbols() {
		r.result.Sectors[s] = r.panel.Sector(s)
	}
	r.result.Elapsed = e.clock.Now().Sub(started)

	log.Info().Int("events", r.result.Log.Len()).
		Int("rebalanced", r.result.Log.Count(domain.ActionRebalance)).
		Int("hold_cash", r.result.Log.Count(domain.ActionHoldCash)).
		Float64("final_equity", equity).Int("gap_days", r.result.GapDays).
		Dur("elapsed", r.result.Elapsed).Msg("Walk-forward backtest complete")

	return r.result, nil
}

func (r *run) mode() string {
	if r.spec.Portfolio != nil {
		return "custom_portfolio"
	}
	return "model"
}

// drift applies day i's returns to current holdings and returns the gross
// portfolio return. Weights move with prices and are not reset to target.
func (r *run) drift(i int) float64 {
	if len(r.holdings) == 0 {
		return 0
	}
	gross := 0.0
	moved := make(domain.Weights, len(r.holdings))
	for _, s := range r.holdings.Symbols() {
		w := r.holdings[s]
		ret, ok := r.panel.Return(s, i)
		if !ok {
			ret = 0
			r.result.GapDays++
		}
		gross += w * ret
		moved[s] = w * (1 + ret)
	}
	if growth := 1 + gross; growth > 0 {
		for s := range moved {
			moved[s] /= growth
		}
	}
	r.holdings = moved
	return gross
}

// rebalance decides the targets for calendar index i, charges costs and
// installs the new holdings
func (r *run) rebalance(ctx context.Context, i int, auditor Auditor) (domain.RebalanceEvent, error) {
	date := r.panel.Date(i)
	view := r.panel.AsOf(i)

	ev, err := r.decide(ctx, view, auditor)
	if err != nil {
		return domain.RebalanceEvent{}, err
	}

	targets := ev.Targets()
	turnover, drag := r.accountant.Charge(r.holdings, targets)
	ev.Turnover = turnover
	ev.Cost = drag
	r.holdings = targets

	logEvent := log.Debug()
	if ev.Action == domain.ActionHoldCash {
		logEvent = log.Info()
	}
	logEvent.Str("date", date.Format(domain.DateLayout)).Str("action", ev.Action.String()).
		Int("positions", len(targets)).Float64("turnover", turnover).Str("reason", ev.Reason()).
		Strs("flags", ev.Flags).Msg("Rebalance decision")

	return ev, nil
}

func (r *run) decide(ctx context.Context, view domain.PanelView, auditor Auditor) (domain.RebalanceEvent, error) {
	date := view.Cutoff()

	if verdict := r.filter.Evaluate(view); verdict.RiskOff() {
		return domain.NewHoldCash(date, verdict.Reason), nil
	}

	if r.spec.Portfolio != nil {
		return r.decideCustom(ctx, view)
	}

	var flags []string
	if r.retrainDue(date) {
		snap, err := r.selector.Train(ctx, view, r.symbols)
		switch {
		case err == nil:
			r.snapshot = snap
			if auditor != nil {
				if aerr := auditor.RecordSnapshot(ctx, date, snap); aerr != nil {
					log.Warn().Err(aerr).Msg("Failed to record model snapshot")
				}
			}
		case ctx.Err() != nil:
			return domain.RebalanceEvent{}, ctx.Err()
		case r.snapshot != nil:
			log.Warn().Err(err).Str("date", date.Format(domain.DateLayout)).Msg("Reusing previous model snapshot")
			flags = append(flags, domain.FlagStaleModel)
		default:
			return domain.NewHoldCash(date, "Model training failed: "+err.Error()), nil
		}
	}

	scores, err := r.selector.Rank(ctx, r.snapshot, view, r.symbols, r.cfg.TopN, r.cfg.PositiveOnly)
	if err != nil {
		if ctx.Err() != nil {
			return domain.RebalanceEvent{}, ctx.Err()
		}
		return domain.NewHoldCash(date, "Scoring failed: "+err.Error()), nil
	}
	minimum := r.cfg.MinCandidates
	if minimum < 1 {
		minimum = 1
	}
	if len(scores) < minimum {
		return domain.NewHoldCash(date, fmt.Sprintf("Insufficient candidates: %d selected, need %d", len(scores), minimum)), nil
	}
	candidates := make([]string, len(scores))
	for k, s := range scores {
		candidates[k] = s.Symbol
	}

	ev, err := r.optimize(ctx, view, r.optimizer, candidates, nil)
	if err != nil {
		return ev, err
	}
	if ev.Action == domain.ActionRebalance {
		trained := r.snapshot.TrainedThrough
		ev.ModelCutoff = &trained
		ev.Flags = append(flags, ev.Flags...)
		r.result.Snapshots = append(r.result.Snapshots, SnapshotRecord{
			EventDate:      date,
			Cutoff:         r.snapshot.Cutoff,
			TrainedThrough: r.snapshot.TrainedThrough,
			Samples:        r.snapshot.Samples,
			Reused:         !r.snapshot.Cutoff.Equal(date),
		})
	}
	return ev, nil
}

func (r *run) decideCustom(ctx context.Context, view domain.PanelView) (domain.RebalanceEvent, error) {
	p := r.spec.Portfolio
	if p.Manual() || r.optimizer.Method() == optimizer.MethodManual {
		return r.optimize(ctx, view, r.manual, p.Stocks, p.Weights)
	}

	// only names with a price on the last visible day can be traded
	var tradable []string
	for _, s := range p.Stocks {
		if _, ok := view.Close(s, view.Len()-1); ok {
			tradable = append(tradable, s)
		}
	}
	if len(tradable) == 0 {
		return domain.NewHoldCash(view.Cutoff(), "Insufficient data: no portfolio stock has a recent price"), nil
	}
	return r.optimize(ctx, view, r.optimizer, tradable, nil)
}

func (r *run) optimize(ctx context.Context, view domain.PanelView, opt optimizer.Optimizer, candidates []string, manual domain.Weights) (domain.RebalanceEvent, error) {
	date := view.Cutoff()
	in := optimizer.Input{
		Symbols:  candidates,
		RiskFree: r.cfg.RiskFree,
		Manual:   manual,
	}
	if opt.Method() != optimizer.MethodManual {
		in.Returns = view.AlignedReturns(candidates, r.cfg.LookbackDays)
	}

	res, err := opt.Optimize(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return domain.RebalanceEvent{}, ctx.Err()
		}
		var insufficient *domain.InsufficientDataError
		if errors.As(err, &insufficient) {
			insufficient.Date = date
			return domain.NewHoldCash(date, cashReason(insufficient)), nil
		}
		var cfgErr *domain.InvalidConfigError
		if errors.As(err, &cfgErr) {
			return domain.RebalanceEvent{}, err
		}
		return domain.NewHoldCash(date, "Optimization failed: "+err.Error()), nil
	}

	ev := domain.NewRebalance(date, res.Weights)
	if res.Fallback {
		ev.Flags = append(ev.Flags, domain.FlagEqualWeightFallback)
	}
	return ev, nil
}

func (r *run) retrainDue(date time.Time) bool {
	if r.snapshot == nil || r.cfg.RetrainEveryDays <= 0 {
		return true
	}
	return date.Sub(r.snapshot.Cutoff) >= time.Duration(r.cfg.RetrainEveryDays)*24*time.Hour
}

// cashReason renders an error as a log sentence
func cashReason(err error) string {
	msg := err.Error()
	if msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
