package assemble

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sawpanic/alphaforge/internal/backtest/walkforward"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sawpanic/alphaforge/internal/report/perf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRun builds a run over n business days that rebalances to 60/40 on the
// first day of each month, or stays in cash when invested is false
func fakeRun(t *testing.T, n int, invested bool) (*walkforward.Result, []domain.FactorObservation) {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	cfg := walkforward.DefaultConfig()
	cfg.PortfolioID = "p1"
	res := &walkforward.Result{Config: cfg, Sectors: map[string]string{"A": "Technology", "B": "Energy"}}

	var factors []domain.FactorObservation
	equity, bench := 1.0, 1.0
	d := time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)
	month := time.Month(0)
	for len(res.Days) < n {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			d = d.AddDate(0, 0, 1)
			continue
		}
		f := domain.FactorObservation{
			Date:  d,
			MktRF: 0.01 * rng.NormFloat64(),
			SMB:   0.004 * rng.NormFloat64(),
			HML:   0.004 * rng.NormFloat64(),
			UMD:   0.005 * rng.NormFloat64(),
			RF:    0.00008,
		}
		factors = append(factors, f)

		if d.Month() != month {
			month = d.Month()
			ev := domain.NewHoldCash(d, "Regime filter risk-off: benchmark close 90.00 below 200-day SMA 100.00")
			if invested {
				ev = domain.NewRebalance(d, domain.Weights{"A": 0.6, "B": 0.4})
			}
			require.NoError(t, res.Log.Append(ev))
		}

		day := walkforward.Day{Date: d, BenchmarkReturn: f.MktRF + f.RF}
		if invested {
			day.Return = f.RF + 0.9*f.MktRF + 0.2*f.SMB + 0.002*rng.NormFloat64()
			day.Weights = domain.Weights{"A": 0.6, "B": 0.4}
		}
		equity *= 1 + day.Return
		bench *= 1 + day.BenchmarkReturn
		day.Equity, day.BenchmarkEquity = equity, bench
		res.Days = append(res.Days, day)
		d = d.AddDate(0, 0, 1)
	}
	return res, factors
}

func TestAssembleFullReport(t *testing.T) {
	run, factors := fakeRun(t, 300, true)
	out, err := New(DefaultConfig()).Assemble(context.Background(), run, factors)
	require.NoError(t, err)

	assert.True(t, out.KPIs.Get(perf.Sharpe).Defined())
	assert.InDelta(t, run.FinalEquity()-1, out.KPIs.Get(perf.CumulativeReturn).Or(0), 1e-12)
	require.NotNil(t, out.FactorExposure.Exposure)
	assert.InDelta(t, 0.9, out.FactorExposure.Exposure.Betas["Market (Mkt-RF)"], 0.05)
	require.NotNil(t, out.Charts.RollingFactorBetas.Frame)
	assert.Len(t, out.Charts.RollingFactorBetas.Frame.Index, 300-252)

	require.Len(t, out.Charts.Equity.Data, 2)
	assert.Len(t, out.Charts.Equity.Data[0].Y, 300)
	assert.Len(t, out.Charts.Drawdown.Data[0].Y, 300)
	for _, v := range out.Charts.Drawdown.Data[0].Y {
		assert.LessOrEqual(t, v, 0.0)
	}
	require.Len(t, out.Charts.HistoricalWeights.Data, 2)
	assert.Equal(t, "A", out.Charts.HistoricalWeights.Data[0].Name)
	assert.InDelta(t, 60, out.Charts.HistoricalWeights.Data[0].Y[0], 1e-9)
	require.Len(t, out.Charts.HistoricalSectors.Data, 2)
	assert.Equal(t, "Energy", out.Charts.HistoricalSectors.Data[0].Name)

	assert.Equal(t, []int{2022, 2023}, out.Tables.MonthlyReturns.Index)
	assert.Equal(t, run.Log.Len(), len(out.Logs))
	assert.Equal(t, run.Log.Len(), out.Summary.Rebalances)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &top))
	for _, key := range []string{"kpis", "charts", "tables", "logs", "factor_exposure"} {
		assert.Contains(t, top, key)
	}
	assert.Contains(t, string(top["charts"]), `"rolling_factor_betas":{"columns"`)
	assert.Contains(t, string(top["logs"]), `"Action":"Rebalance"`)
}

func TestWeightsDriftChartIsDaily(t *testing.T) {
	run, factors := fakeRun(t, 60, true)
	// let A drift up between rebalances
	for i := range run.Days {
		a := 0.6 + 0.001*float64(i%20)
		run.Days[i].Weights = domain.Weights{"A": a, "B": 1 - a}
	}
	out, err := New(DefaultConfig()).Assemble(context.Background(), run, factors)
	require.NoError(t, err)

	drift := out.Charts.WeightsDrift
	require.Len(t, drift.Data, 2)
	assert.Equal(t, "A", drift.Data[0].Name)
	assert.Equal(t, "scatter", drift.Data[0].Type)
	require.Len(t, drift.Data[0].Y, 60)
	assert.Equal(t, run.Days[5].Date.Format(domain.DateLayout), drift.Data[0].X[5])
	assert.InDelta(t, 60.5, drift.Data[0].Y[5], 1e-9)
	assert.InDelta(t, 39.5, drift.Data[1].Y[5], 1e-9)

	// the per-event chart keeps the targets
	assert.Len(t, out.Charts.HistoricalWeights.Data[0].Y, run.Log.Len())
	assert.InDelta(t, 60, out.Charts.HistoricalWeights.Data[0].Y[0], 1e-9)

	raw, err := json.Marshal(out.Charts)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"historical_weights_drift"`)
}

func TestAssembleZeroTrades(t *testing.T) {
	run, factors := fakeRun(t, 120, false)
	out, err := New(DefaultConfig()).Assemble(context.Background(), run, factors)
	require.NoError(t, err)

	assert.Contains(t, out.KPIs.Note, "did not execute any trades")
	assert.Nil(t, out.FactorExposure.Exposure)
	assert.Empty(t, out.Charts.HistoricalWeights.Data)
	assert.Empty(t, out.Charts.WeightsDrift.Data)
	assert.Empty(t, out.Alerts)

	raw, err := json.Marshal(out.FactorExposure)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Factor analysis not run because no trades were made."}`, string(raw))

	raw, err = json.Marshal(out.KPIs)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"Sharpe":null`)
}

func TestAssembleShortRunReportsAttributionError(t *testing.T) {
	run, factors := fakeRun(t, 5, true)
	out, err := New(DefaultConfig()).Assemble(context.Background(), run, factors)
	require.NoError(t, err)

	assert.Nil(t, out.FactorExposure.Exposure)
	assert.Contains(t, out.FactorExposure.Error, "need at least 6")
	assert.Nil(t, out.Charts.RollingFactorBetas.Frame)
	assert.NotEmpty(t, out.Charts.RollingFactorBetas.Error)
}

func TestAssembleHonorsCancellation(t *testing.T) {
	run, factors := fakeRun(t, 60, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(DefaultConfig()).Assemble(ctx, run, factors)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteRebalanceCSV(t *testing.T) {
	events := []domain.RebalanceEvent{
		domain.NewRebalance(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), domain.Weights{"B": 0.4, "A": 0.6}),
		domain.NewHoldCash(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), "Regime filter risk-off"),
		domain.NewRebalance(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), domain.Weights{"C": 1.0 / 3, "D": 2.0 / 3}),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteRebalanceCSV(&buf, events))

	want := strings.Join([]string{
		"Date,Action,Symbol,Weight",
		"2024-01-02,Rebalance,A,0.6000",
		"2024-01-02,Rebalance,B,0.4000",
		"2024-02-01,HoldCash,Regime filter risk-off,",
		"2024-03-01,Rebalance,C,0.3333",
		"2024-03-01,Rebalance,D,0.6667",
	}, "\n") + "\n"
	assert.Equal(t, want, buf.String())
}

func TestWriterRoundTrip(t *testing.T) {
	run, factors := fakeRun(t, 300, true)
	out, err := New(DefaultConfig()).Assemble(context.Background(), run, factors)
	require.NoError(t, err)

	w := NewWriter(t.TempDir(), "run-42")
	paths, err := w.WriteAll(out)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.GetOutputDir(), ResultFile), paths.Result)

	back, err := ReadResult(paths.Result)
	require.NoError(t, err)
	assert.Equal(t, len(out.Logs), len(back.Logs))
	assert.Equal(t, out.Logs[0].Targets(), back.Logs[0].Targets())
	require.NotNil(t, back.FactorExposure.Exposure)
	assert.Equal(t, out.FactorExposure.Exposure.Observations, back.FactorExposure.Exposure.Observations)
	assert.Equal(t, out.KPIs.Get(perf.CAGR), back.KPIs.Get(perf.CAGR))

	md := Markdown(back, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	assert.Contains(t, md, "# Walk-Forward Backtest Report")
	assert.Contains(t, md, "| Sharpe |")
	assert.Contains(t, md, "Market (Mkt-RF)")
}
