package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/sawpanic/alphaforge/internal/data/synthetic"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticPanel(t *testing.T, days int) (*domain.PricePanel, []string) {
	t.Helper()
	cfg := synthetic.DefaultConfig()
	cfg.Days = days
	cfg.Symbols = cfg.Symbols[:4]
	ds := synthetic.Generate(cfg)
	p, err := ds.Panel()
	require.NoError(t, err)
	return p, cfg.Symbols
}

func TestTrainRespectsCutoff(t *testing.T) {
	p, symbols := syntheticPanel(t, 700)
	view := p.AsOf(600)

	snap, err := New(DefaultConfig()).Train(context.Background(), view, symbols)
	require.NoError(t, err)

	assert.Equal(t, p.Date(600), snap.Cutoff)
	assert.True(t, snap.TrainedThrough.Before(snap.Cutoff))
	assert.Equal(t, p.Date(599), snap.TrainedThrough)
	assert.GreaterOrEqual(t, snap.Samples, DefaultConfig().MinSamples)
	assert.Len(t, snap.Coefficients, len(FeatureNames))
}

func TestTrainIgnoresFutureData(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.Days = 700
	cfg.Symbols = cfg.Symbols[:3]
	ds := synthetic.Generate(cfg)
	base, err := ds.Panel()
	require.NoError(t, err)

	// scramble everything from index 600 onward
	for sym, pts := range ds.Prices {
		for i := 600; i < len(pts); i++ {
			pts[i].Close *= 3
		}
		ds.Prices[sym] = pts
	}
	shocked, err := ds.Panel()
	require.NoError(t, err)

	sel := New(DefaultConfig())
	a, err := sel.Train(context.Background(), base.AsOf(600), cfg.Symbols)
	require.NoError(t, err)
	b, err := sel.Train(context.Background(), shocked.AsOf(600), cfg.Symbols)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	ra, err := sel.Rank(context.Background(), a, base.AsOf(600), cfg.Symbols, 2, false)
	require.NoError(t, err)
	rb, err := sel.Rank(context.Background(), b, shocked.AsOf(600), cfg.Symbols, 2, false)
	require.NoError(t, err)
	assert.Equal(t, ra, rb)
}

func TestTrainShortHistoryFails(t *testing.T) {
	p, symbols := syntheticPanel(t, 280)
	_, err := New(DefaultConfig()).Train(context.Background(), p.AsOf(280), symbols)

	var trainErr *domain.ModelTrainError
	require.True(t, errors.As(err, &trainErr))
	var insufficient *domain.InsufficientDataError
	assert.True(t, errors.As(err, &insufficient))
}

func TestRankTopN(t *testing.T) {
	p, symbols := syntheticPanel(t, 700)
	sel := New(DefaultConfig())
	snap, err := sel.Train(context.Background(), p.AsOf(650), symbols)
	require.NoError(t, err)

	scores, err := sel.Rank(context.Background(), snap, p.AsOf(650), symbols, 3, false)
	require.NoError(t, err)
	require.Len(t, scores, 3)
	for i := 1; i < len(scores); i++ {
		assert.GreaterOrEqual(t, scores[i-1].Value, scores[i].Value)
	}

	// a snapshot may not score dates it has seen
	_, err = sel.Rank(context.Background(), snap, p.AsOf(400), symbols, 3, false)
	assert.Error(t, err)
}

func TestSortScoresBreaksTiesBySymbol(t *testing.T) {
	scores := []Score{{"CCC", 0.1}, {"BBB", 0.2}, {"AAA", 0.1}, {"DDD", 0.2}}
	SortScores(scores)
	assert.Equal(t, []Score{{"BBB", 0.2}, {"DDD", 0.2}, {"AAA", 0.1}, {"CCC", 0.1}}, scores)
}

func TestRSI(t *testing.T) {
	assert.Equal(t, 100.0, rsi([]float64{1, 2, 3}))
	assert.Equal(t, 50.0, rsi([]float64{1, 1, 1}))
	assert.InDelta(t, 50.0, rsi([]float64{1, 2, 1}), 1e-12)
}
