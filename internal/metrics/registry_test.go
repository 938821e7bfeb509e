package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sawpanic/alphaforge/internal/data/provider"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func counterValue(f *dto.MetricFamily, label, value string) float64 {
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestObserveRebalance(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	ev := domain.NewRebalance(day, domain.Weights{"A": 0.5, "B": 0.5})
	ev.Turnover, ev.Cost = 1, 0.0015
	ev.Flags = []string{domain.FlagEqualWeightFallback}
	r.ObserveRebalance(ev)
	r.ObserveRebalance(domain.NewHoldCash(day.AddDate(0, 1, 0), "risk-off"))
	r.ObserveRebalance(domain.NewHoldCash(day.AddDate(0, 2, 0), "risk-off"))

	families := gather(t, reg)
	events := families["alphaforge_rebalance_events_total"]
	require.NotNil(t, events)
	assert.Equal(t, 1.0, counterValue(events, "action", "Rebalance"))
	assert.Equal(t, 2.0, counterValue(events, "action", "HoldCash"))
	assert.Equal(t, 1.0, counterValue(families["alphaforge_rebalance_flags_total"], "flag", domain.FlagEqualWeightFallback))

	turnover := families["alphaforge_rebalance_turnover"].GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(1), turnover.GetSampleCount())
	assert.InDelta(t, 1.0, turnover.GetSampleSum(), 1e-12)
}

func TestRunLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.RunStarted()
	r.RunStarted()
	r.RunFinished("SUCCESS", "model", 3*time.Second)

	families := gather(t, reg)
	assert.Equal(t, 1.0, families["alphaforge_active_runs"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 1.0, counterValue(families["alphaforge_runs_total"], "state", "SUCCESS"))

	timer := r.StartStepTimer("simulate")
	timer.Stop("success")
	families = gather(t, reg)
	assert.Equal(t, uint64(1), families["alphaforge_step_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestProviderCallsAreObserved(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	mem := provider.NewMemory()
	mem.SetUniverse("test", []string{"AAA"})
	wrapped := provider.NewResilient("memory", mem, provider.DefaultResilienceConfig(), r)

	_, err := wrapped.UniverseMembers(context.Background(), "test")
	require.NoError(t, err)
	_, err = wrapped.UniverseMembers(context.Background(), "missing")
	require.Error(t, err)

	calls := gather(t, reg)["alphaforge_provider_calls_total"]
	require.NotNil(t, calls)
	total := 0.0
	for _, m := range calls.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, total)
	assert.Equal(t, 1.0, counterValue(calls, "outcome", "error"))
}

func TestHandlerServesExposition(t *testing.T) {
	r := NewRegistry(nil)
	r.RunStarted()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "alphaforge_active_runs 1")
}
