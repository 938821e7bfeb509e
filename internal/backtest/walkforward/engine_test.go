package walkforward

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sawpanic/alphaforge/internal/data/synthetic"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sawpanic/alphaforge/internal/model/selector"
	"github.com/sawpanic/alphaforge/internal/optimizer"
	"github.com/sawpanic/alphaforge/internal/regime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type recordingAuditor struct {
	mu    sync.Mutex
	dates []time.Time
	snaps []*selector.Snapshot
}

func (a *recordingAuditor) RecordSnapshot(_ context.Context, eventDate time.Time, snap *selector.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dates = append(a.dates, eventDate)
	a.snaps = append(a.snaps, snap)
	return nil
}

type countingObserver struct{ events []domain.RebalanceEvent }

func (o *countingObserver) ObserveRebalance(ev domain.RebalanceEvent) { o.events = append(o.events, ev) }

// buildPanel prices every series from a closure over the day index
func buildPanel(t *testing.T, days int, bench func(int) float64, series map[string]func(int) float64) *domain.PricePanel {
	t.Helper()
	calendar := synthetic.BusinessDays(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), days)
	toPoints := func(f func(int) float64) []domain.PricePoint {
		pts := make([]domain.PricePoint, len(calendar))
		for i, d := range calendar {
			pts[i] = domain.PricePoint{Date: d, Close: f(i)}
		}
		return pts
	}
	raw := make(map[string][]domain.PricePoint, len(series))
	for sym, f := range series {
		raw[sym] = toPoints(f)
	}
	panel, err := domain.NewPricePanel("SPY", toPoints(bench), raw, map[string]string{"A": "Technology", "B": "Energy"})
	require.NoError(t, err)
	return panel
}

func customConfig(panel *domain.PricePanel) Config {
	cfg := DefaultConfig()
	cfg.PortfolioID = "p1"
	cfg.Start = panel.Date(30)
	cfg.End = panel.Date(panel.Len() - 1)
	cfg.CostBps = 0
	cfg.Regime.Enabled = false
	return cfg
}

func twoAssetPanel(t *testing.T) *domain.PricePanel {
	return buildPanel(t, 300,
		func(i int) float64 { return 300 * math.Pow(1.0004, float64(i)) },
		map[string]func(int) float64{
			"A": func(i int) float64 { return 100 * math.Pow(1.001, float64(i)) },
			"B": func(i int) float64 { return 50 * (1 + 0.05*math.Sin(float64(i)/7)) },
		})
}

func TestManualPortfolioKeepsDeclaredWeights(t *testing.T) {
	panel := twoAssetPanel(t)
	portfolio, err := domain.NewCustomPortfolio("p1", "Fixed", []string{"A", "B"}, domain.Weights{"A": 0.6, "B": 0.4}, false)
	require.NoError(t, err)

	cfg := customConfig(panel)
	res, err := NewEngine(WithClock(fixedClock{})).Run(context.Background(), Spec{Config: cfg, Panel: panel, Portfolio: portfolio})
	require.NoError(t, err)

	require.Greater(t, res.Log.Len(), 0)
	for _, ev := range res.Log.Events() {
		require.Equal(t, domain.ActionRebalance, ev.Action)
		assert.Equal(t, domain.Weights{"A": 0.6, "B": 0.4}, ev.Targets())
		assert.Nil(t, ev.ModelCutoff)
	}

	// replay holdings in currency units: rebalance to 60/40 on each event date
	events := res.Log.Events()
	from := panel.IndexOnOrAfter(cfg.Start)
	to := panel.IndexOnOrBefore(cfg.End)
	value := map[string]float64{}
	next := 0
	equity := 1.0
	for i := from; i <= to; i++ {
		if next < len(events) && events[next].Date.Equal(panel.Date(i)) {
			value = map[string]float64{"A": 0.6 * equity, "B": 0.4 * equity}
			next++
		}
		equity = 0
		for s, v := range value {
			r, _ := panel.Return(s, i)
			value[s] = v * (1 + r)
			equity += value[s]
		}
	}
	assert.InDelta(t, equity, res.FinalEquity(), 1e-9)
	assert.Equal(t, to-from+1, len(res.Days))
	assert.Equal(t, "Technology", res.Sector("A"))
	assert.Equal(t, 0, res.GapDays)
}

func TestCostIsChargedOnRebalanceDay(t *testing.T) {
	panel := twoAssetPanel(t)
	portfolio, err := domain.NewCustomPortfolio("p1", "Fixed", []string{"A", "B"}, domain.Weights{"A": 0.5, "B": 0.5}, false)
	require.NoError(t, err)

	cfg := customConfig(panel)
	cfg.CostBps = 10
	res, err := NewEngine().Run(context.Background(), Spec{Config: cfg, Panel: panel, Portfolio: portfolio})
	require.NoError(t, err)

	first := res.Log.Events()[0]
	assert.InDelta(t, 1.0, first.Turnover, 1e-12)
	assert.InDelta(t, 0.001, first.Cost, 1e-12)

	i := panel.IndexOnOrAfter(first.Date)
	ra, _ := panel.Return("A", i)
	rb, _ := panel.Return("B", i)
	assert.InDelta(t, 0.5*ra+0.5*rb-0.001, res.Days[0].Return, 1e-12)

	for _, ev := range res.Log.Events()[1:] {
		assert.Less(t, ev.Turnover, 1.0)
		assert.InDelta(t, ev.Turnover*10/10000, ev.Cost, 1e-15)
	}
}

func TestRegimeCrossingHoldsCash(t *testing.T) {
	bench := func(i int) float64 {
		if i < 260 {
			return 100 * math.Pow(1.002, float64(i))
		}
		return 100 * math.Pow(1.002, 260) * math.Pow(0.99, float64(i-260))
	}
	panel := buildPanel(t, 400, bench, map[string]func(int) float64{
		"A": func(i int) float64 { return 100 * math.Pow(1.001, float64(i)) },
		"B": func(i int) float64 { return 80 * math.Pow(1.0005, float64(i)) },
	})
	portfolio, err := domain.NewCustomPortfolio("p1", "Fixed", []string{"A", "B"}, domain.Weights{"A": 0.5, "B": 0.5}, false)
	require.NoError(t, err)

	cfg := customConfig(panel)
	cfg.Start = panel.Date(60)
	cfg.Regime = regime.Config{Enabled: true, Lookback: 50}

	res, err := NewEngine().Run(context.Background(), Spec{Config: cfg, Panel: panel, Portfolio: portfolio})
	require.NoError(t, err)

	events := res.Log.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.ActionRebalance, events[0].Action)
	last := events[len(events)-1]
	assert.Equal(t, domain.ActionHoldCash, last.Action)
	assert.Contains(t, last.Reason(), "Regime filter risk-off")
	assert.Empty(t, last.Targets())
	assert.Greater(t, res.Log.Count(domain.ActionHoldCash), 0)

	// after the final event the book is flat
	lastIdx := panel.IndexOnOrAfter(last.Date) - panel.IndexOnOrAfter(cfg.Start)
	for _, d := range res.Days[lastIdx:] {
		assert.Zero(t, d.Return)
		assert.Empty(t, d.Weights)
	}
}

func TestRegimeCrossingBelow200DayAverage(t *testing.T) {
	const lookback = 200
	closes := make([]float64, 460)
	for i := range closes {
		if i < 320 {
			closes[i] = 100 * math.Pow(1.002, float64(i))
		} else {
			closes[i] = 100 * math.Pow(1.002, 320) * math.Pow(0.995, float64(i-320))
		}
	}
	panel := buildPanel(t, len(closes), func(i int) float64 { return closes[i] }, map[string]func(int) float64{
		"A": func(i int) float64 { return 100 * math.Pow(1.001, float64(i)) },
		"B": func(i int) float64 { return 80 * math.Pow(1.0005, float64(i)) },
	})
	portfolio, err := domain.NewCustomPortfolio("p1", "Fixed", []string{"A", "B"}, domain.Weights{"A": 0.5, "B": 0.5}, false)
	require.NoError(t, err)

	cfg := customConfig(panel)
	cfg.Start = panel.Date(lookback + 10)
	cfg.Regime = regime.Config{Enabled: true, Lookback: lookback}

	// first day whose close sits below the average of the 200 closes ending on it
	crossing := -1
	for i := lookback - 1; i < len(closes) && crossing < 0; i++ {
		sum := 0.0
		for _, c := range closes[i-lookback+1 : i+1] {
			sum += c
		}
		if closes[i] < sum/lookback {
			crossing = i
		}
	}
	require.Greater(t, crossing, panel.IndexOnOrAfter(cfg.Start))

	res, err := NewEngine().Run(context.Background(), Spec{Config: cfg, Panel: panel, Portfolio: portfolio})
	require.NoError(t, err)

	// an event on day e sees closes through e-1, so the crossing shows up strictly after it
	var before, after *domain.RebalanceEvent
	firstHold := -1
	events := res.Log.Events()
	for k := range events {
		ev := &events[k]
		if panel.IndexOnOrAfter(ev.Date) <= crossing {
			before = ev
		} else if after == nil {
			after = ev
		}
		if firstHold < 0 && ev.Action == domain.ActionHoldCash {
			firstHold = k
		}
	}
	require.NotNil(t, before)
	require.NotNil(t, after)
	require.GreaterOrEqual(t, firstHold, 0)

	assert.Equal(t, domain.ActionRebalance, before.Action)
	assert.Equal(t, domain.ActionHoldCash, after.Action)
	assert.Equal(t, after.Date, events[firstHold].Date)
	assert.Contains(t, after.Reason(), "below 200-day SMA")
}

func modelSpec(t *testing.T) Spec {
	t.Helper()
	gen := synthetic.DefaultConfig()
	gen.Symbols = []string{"AAA", "BBB", "CCC"}
	gen.Days = 1050
	ds := synthetic.Generate(gen)
	panel, err := ds.Panel()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Universe = "TEST"
	cfg.TopN = 3
	cfg.CostBps = 0
	cfg.Regime.Enabled = false
	cfg.Start = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg.End = time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC)
	return Spec{Config: cfg, Panel: panel, Universe: domain.NewUniverse("TEST", gen.Symbols)}
}

func TestModelModeMonthlyYear(t *testing.T) {
	spec := modelSpec(t)
	auditor := &recordingAuditor{}
	observer := &countingObserver{}
	var progress []Progress

	engine := NewEngine(
		WithAuditor(auditor),
		WithObserver(observer),
		WithProgress(func(p Progress) { progress = append(progress, p) }),
	)
	res, err := engine.Run(context.Background(), spec)
	require.NoError(t, err)

	events := res.Log.Events()
	require.Len(t, events, 12)
	assert.Len(t, progress, 12)
	assert.Len(t, observer.events, 12)
	assert.Equal(t, 12, progress[11].Step)
	assert.Equal(t, 12, progress[11].Total)

	for k, ev := range events {
		if k > 0 {
			assert.True(t, ev.Date.After(events[k-1].Date))
		}
		assert.Equal(t, time.Month(k+1), ev.Date.Month())
		require.Equal(t, domain.ActionRebalance, ev.Action, ev.Reason())
		assert.InDelta(t, 1.0, ev.Targets().Sum(), 1e-6)
		assert.LessOrEqual(t, len(ev.Targets()), 3)
		require.NotNil(t, ev.ModelCutoff)
		assert.True(t, ev.ModelCutoff.Before(ev.Date), "model cutoff %s not before %s", ev.ModelCutoff, ev.Date)
	}

	require.Len(t, res.Snapshots, 12)
	for k, s := range res.Snapshots {
		assert.Equal(t, s.TrainedThrough, *events[k].ModelCutoff)
		assert.True(t, s.TrainedThrough.Before(s.EventDate))
		assert.False(t, s.Cutoff.After(s.EventDate))
		assert.False(t, s.Reused)
	}
	require.Len(t, auditor.snaps, 12)
	for k, snap := range auditor.snaps {
		assert.True(t, snap.TrainedThrough.Before(auditor.dates[k]))
	}

	// compounding of daily returns reproduces final equity
	growth := 1.0
	for _, d := range res.Days {
		growth *= 1 + d.Return
	}
	assert.InDelta(t, growth, res.FinalEquity(), 1e-9)
	for _, d := range res.Days {
		if len(d.Weights) > 0 {
			assert.InDelta(t, 1.0, d.Weights.Sum(), 1e-6)
		}
	}
}

func TestModelReusedBetweenRetrains(t *testing.T) {
	spec := modelSpec(t)
	spec.Config.RetrainEveryDays = 80
	spec.Config.Method = optimizer.MethodHRP

	res, err := NewEngine().Run(context.Background(), spec)
	require.NoError(t, err)

	reused := 0
	for _, s := range res.Snapshots {
		if s.Reused {
			reused++
			assert.True(t, s.Cutoff.Before(s.EventDate))
		}
	}
	assert.Greater(t, reused, 0)
}

func TestCancellationDiscardsResult(t *testing.T) {
	spec := modelSpec(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	engine := NewEngine(WithProgress(func(Progress) {
		calls++
		if calls == 2 {
			cancel()
		}
	}))
	res, err := engine.Run(ctx, spec)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 2, calls)
}

func TestInvalidConfigIsFatal(t *testing.T) {
	spec := modelSpec(t)
	spec.Config.TopN = 0

	res, err := NewEngine().Run(context.Background(), spec)
	assert.Nil(t, res)
	var cfgErr *domain.InvalidConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "top_n", cfgErr.Field)
}

func TestMissingPanelIsFatal(t *testing.T) {
	spec := modelSpec(t)
	spec.Panel = nil

	_, err := NewEngine().Run(context.Background(), spec)
	assert.True(t, errors.Is(err, domain.ErrNoMarketData))
}

func TestWindowWithoutTradingDays(t *testing.T) {
	spec := modelSpec(t)
	spec.Config.Start = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	spec.Config.End = time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)

	_, err := NewEngine().Run(context.Background(), spec)
	assert.True(t, errors.Is(err, domain.ErrNoMarketData))
}

func TestShortHistoryHoldsCash(t *testing.T) {
	spec := modelSpec(t)
	// too little history for features before the first rebalance
	spec.Config.Start = spec.Panel.Date(40)
	spec.Config.End = spec.Panel.Date(100)

	res, err := NewEngine().Run(context.Background(), spec)
	require.NoError(t, err)
	ev := res.Log.Events()[0]
	assert.Equal(t, domain.ActionHoldCash, ev.Action)
	assert.Contains(t, ev.Reason(), "Model training failed")
	assert.False(t, res.Invested())
	assert.InDelta(t, 1.0, res.FinalEquity(), 1e-12)
}
