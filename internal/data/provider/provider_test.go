package provider

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/jmoiron/sqlx"
	"github.com/sawpanic/alphaforge/internal/data/synthetic"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	jan2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	jan3 = time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
)

func TestMemoryProvider(t *testing.T) {
	m := NewMemory()
	m.SetUniverse("test", []string{"AAA"})
	m.SetPrices("AAA", []domain.PricePoint{{Date: jan3, Close: 2}, {Date: jan2, Close: 1}})

	members, err := m.UniverseMembers(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, members)

	_, err = m.UniverseMembers(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrUnknownUniverse))

	prices, err := m.Prices(context.Background(), []string{"AAA", "ZZZ"}, jan2, jan2)
	require.NoError(t, err)
	assert.Equal(t, []domain.PricePoint{{Date: jan2, Close: 1}}, prices["AAA"])
	assert.NotContains(t, prices, "ZZZ")
}

func TestLoadPanelFromDataset(t *testing.T) {
	cfg := synthetic.DefaultConfig()
	cfg.Days = 50
	ds := synthetic.Generate(cfg)
	m := FromDataset("synthetic", ds)

	members, err := m.UniverseMembers(context.Background(), "synthetic")
	require.NoError(t, err)
	assert.Len(t, members, len(cfg.Symbols))

	panel, err := LoadPanel(context.Background(), m, "SPY", append(members, "GHOST"), ds.Calendar[0], ds.Calendar[49])
	require.NoError(t, err)
	assert.Equal(t, 50, panel.Len())
	assert.False(t, panel.Has("GHOST"))
	assert.Equal(t, "Technology", panel.Sector("SYN01"))
}

func TestLoadPanelWithoutBenchmarkIsFatal(t *testing.T) {
	m := NewMemory()
	m.SetPrices("AAA", []domain.PricePoint{{Date: jan2, Close: 1}})
	_, err := LoadPanel(context.Background(), m, "SPY", []string{"AAA"}, jan2, jan3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoMarketData))
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(sqlx.NewDb(db, "postgres"), 5*time.Second), mock
}

func TestSQLStorePrices(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"symbol", "date", "close"}).
		AddRow("AAA", jan2, 10.0).
		AddRow("AAA", jan3, 11.0).
		AddRow("BBB", jan2, 20.0)
	mock.ExpectQuery(`FROM historical_prices\s+WHERE symbol IN \(\$1, \$2\) AND date >= \$3 AND date <= \$4`).
		WithArgs("AAA", "BBB", jan2, jan3).
		WillReturnRows(rows)

	prices, err := store.Prices(context.Background(), []string{"AAA", "BBB"}, jan2, jan3)
	require.NoError(t, err)
	assert.Len(t, prices["AAA"], 2)
	assert.Equal(t, 20.0, prices["BBB"][0].Close)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreUniverse(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT symbol FROM universe_members WHERE universe = $1 ORDER BY symbol`)).
		WithArgs("sp500").
		WillReturnRows(sqlmock.NewRows([]string{"symbol"}).AddRow("AAA").AddRow("BBB"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT symbol FROM universe_members WHERE universe = $1 ORDER BY symbol`)).
		WithArgs("empty").
		WillReturnRows(sqlmock.NewRows([]string{"symbol"}))

	members, err := store.UniverseMembers(context.Background(), "sp500")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, members)

	_, err = store.UniverseMembers(context.Background(), "empty")
	assert.True(t, errors.Is(err, ErrUnknownUniverse))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreFactorsAndSectors(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM factor_returns`).
		WithArgs(jan2, jan3).
		WillReturnRows(sqlmock.NewRows([]string{"date", "mkt_rf", "smb", "hml", "umd", "rf"}).
			AddRow(jan2, 0.01, 0.001, -0.002, 0.003, 0.0001))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT symbol, sector FROM stock_metadata WHERE symbol IN ($1)`)).
		WithArgs("AAA").
		WillReturnRows(sqlmock.NewRows([]string{"symbol", "sector"}).AddRow("AAA", "Technology"))

	obs, err := store.Factors(context.Background(), jan2, jan3)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 0.01, obs[0].MktRF)
	assert.Equal(t, 0.003, obs[0].UMD)

	sectors, err := store.Sectors(context.Background(), []string{"AAA"})
	require.NoError(t, err)
	assert.Equal(t, "Technology", sectors["AAA"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

// failing always errors and counts calls
type failing struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *failing) hit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *failing) UniverseMembers(context.Context, string) ([]string, error) { return nil, f.hit() }
func (f *failing) Prices(context.Context, []string, time.Time, time.Time) (map[string][]domain.PricePoint, error) {
	return nil, f.hit()
}
func (f *failing) Sectors(context.Context, []string) (map[string]string, error) { return nil, f.hit() }
func (f *failing) Factors(context.Context, time.Time, time.Time) ([]domain.FactorObservation, error) {
	return nil, f.hit()
}

func TestCachedPricesMissThenStore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	m := NewMemory()
	m.SetPrices("AAA", []domain.PricePoint{{Date: jan2, Close: 10}})
	c := NewCached(m, db, time.Hour, "test")

	key := "test:prices:AAA:2024-01-02:2024-01-03"
	payload, err := json.Marshal([]domain.PricePoint{{Date: jan2, Close: 10}})
	require.NoError(t, err)

	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, payload, time.Hour).SetVal("OK")

	prices, err := c.Prices(context.Background(), []string{"AAA"}, jan2, jan3)
	require.NoError(t, err)
	assert.Equal(t, 10.0, prices["AAA"][0].Close)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedPricesHitSkipsProvider(t *testing.T) {
	db, mock := redismock.NewClientMock()
	next := &failing{err: errors.New("should not be called")}
	c := NewCached(next, db, time.Hour, "test")

	payload, err := json.Marshal([]domain.PricePoint{{Date: jan2, Close: 42}})
	require.NoError(t, err)
	mock.ExpectGet("test:prices:AAA:2024-01-02:2024-01-03").SetVal(string(payload))

	prices, err := c.Prices(context.Background(), []string{"AAA"}, jan2, jan3)
	require.NoError(t, err)
	assert.Equal(t, 42.0, prices["AAA"][0].Close)
	assert.Equal(t, 0, next.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type recordingObserver struct {
	outcomes []string
}

func (r *recordingObserver) ObserveProviderCall(_, outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

func fastResilience() ResilienceConfig {
	cfg := DefaultResilienceConfig()
	cfg.RequestsPerSecond = 0
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.ConsecutiveFailures = 3
	cfg.OpenTimeout = time.Minute
	return cfg
}

func TestResilientRetriesThenOpensBreaker(t *testing.T) {
	next := &failing{err: errors.New("connection reset")}
	obs := &recordingObserver{}
	r := NewResilient("test", next, fastResilience(), obs)

	_, err := r.Prices(context.Background(), []string{"AAA"}, jan2, jan3)
	require.Error(t, err)
	assert.Equal(t, 3, next.calls, "one call plus two retries")
	assert.Equal(t, "open", r.State())

	_, err = r.Factors(context.Background(), jan2, jan3)
	require.Error(t, err)
	assert.Equal(t, 3, next.calls, "open breaker must not reach the provider")
	assert.Equal(t, []string{"error", "circuit_open"}, obs.outcomes)
}

func TestResilientDoesNotRetryUnknownUniverse(t *testing.T) {
	next := &failing{err: ErrUnknownUniverse}
	r := NewResilient("test", next, fastResilience(), nil)

	_, err := r.UniverseMembers(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownUniverse))
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, "closed", r.State())
}

func TestResilientPassesThrough(t *testing.T) {
	m := NewMemory()
	m.SetSector("AAA", "Energy")
	r := NewResilient("test", m, fastResilience(), nil)

	sectors, err := r.Sectors(context.Background(), []string{"AAA"})
	require.NoError(t, err)
	assert.Equal(t, "Energy", sectors["AAA"])
}
