package walkforward

import (
	"errors"
	"testing"
	"time"

	"github.com/sawpanic/alphaforge/internal/data/synthetic"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sawpanic/alphaforge/internal/optimizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCadence(t *testing.T) {
	cases := map[string]Cadence{
		"":          Monthly,
		"MS":        Monthly,
		"monthly":   Monthly,
		"W":         Weekly,
		"daily":     Daily,
		"QS":        Quarterly,
		"annual":    Yearly,
		" yearly  ": Yearly,
	}
	for in, want := range cases {
		got, err := ParseCadence(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseCadence("fortnightly")
	var cfgErr *domain.InvalidConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "rebalance_cadence", cfgErr.Field)
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Universe = "SP500"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no source", func(c *Config) { c.Universe = "" }, "universe"},
		{"both sources", func(c *Config) { c.PortfolioID = "p1" }, "universe"},
		{"zero top n", func(c *Config) { c.TopN = 0 }, "top_n"},
		{"manual on universe", func(c *Config) { c.Method = optimizer.MethodManual }, "optimization_method"},
		{"inverted window", func(c *Config) { c.Start, c.End = c.End, c.Start }, "start_date"},
		{"missing benchmark", func(c *Config) { c.Benchmark = "" }, "benchmark"},
		{"absurd risk free", func(c *Config) { c.RiskFree = 2 }, "risk_free"},
		{"negative cost", func(c *Config) { c.CostBps = -1 }, "cost_bps"},
		{"short lookback", func(c *Config) { c.LookbackDays = 1 }, "lookback_days"},
		{"lookback below optimizer minimum", func(c *Config) { c.LookbackDays = 10 }, "lookback_days"},
		{"bad cadence", func(c *Config) { c.Cadence = "hourly" }, "rebalance_cadence"},
		{"bad method", func(c *Config) { c.Method = "min_vol" }, "optimization_method"},
		{"regime lookback", func(c *Config) { c.Regime.Lookback = 0 }, "regime.lookback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			var cfgErr *domain.InvalidConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestManualWeightsIgnoreOptimizerMinimum(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PortfolioID = "p1"
	cfg.Method = optimizer.MethodManual
	cfg.LookbackDays = 10
	require.NoError(t, cfg.Validate())

	cfg.Method = optimizer.MethodHRP
	err := cfg.Validate()
	var cfgErr *domain.InvalidConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "lookback_days", cfgErr.Field)
	assert.Contains(t, cfgErr.Reason, "min_observations (20)")
}

func TestRebalanceIndicesMonthly(t *testing.T) {
	ds := synthetic.Generate(synthetic.Config{
		Benchmark: "SPY",
		Symbols:   []string{"A"},
		Start:     time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		Days:      130,
		Seed:      1,
		Vol:       0.01,
	})
	panel, err := ds.Panel()
	require.NoError(t, err)

	start := panel.IndexOnOrAfter(time.Date(2021, 1, 15, 0, 0, 0, 0, time.UTC))
	idx := RebalanceIndices(panel, start, panel.Len()-1, Monthly)
	require.NotEmpty(t, idx)

	// a mid-month start rebalances immediately
	assert.Equal(t, start, idx[0])
	for _, i := range idx[1:] {
		d := panel.Date(i)
		prev := panel.Date(i - 1)
		assert.NotEqual(t, prev.Month(), d.Month())
	}
	assert.Equal(t, time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC), panel.Date(idx[1]))
}

func TestRebalanceIndicesCadences(t *testing.T) {
	ds := synthetic.Generate(synthetic.Config{
		Benchmark: "SPY",
		Symbols:   []string{"A"},
		Start:     time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC),
		Days:      520,
		Seed:      1,
		Vol:       0.01,
	})
	panel, err := ds.Panel()
	require.NoError(t, err)
	last := panel.Len() - 1

	assert.Len(t, RebalanceIndices(panel, 0, last, Daily), panel.Len())
	assert.Len(t, RebalanceIndices(panel, 0, last, Yearly), 2)
	assert.Len(t, RebalanceIndices(panel, 0, last, Quarterly), 8)
	assert.Len(t, RebalanceIndices(panel, 0, 9, Weekly), 2)
}
