package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledManager(t *testing.T) {
	m, err := NewManager(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.False(t, m.IsEnabled())
	assert.Nil(t, m.Repository())
	assert.Nil(t, m.MarketData())
	assert.NoError(t, m.Health().Ping(context.Background()))
	assert.True(t, m.Health().Health(context.Background()).Healthy)
	assert.NoError(t, m.Close())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	assert.Error(t, cfg.Validate(), "dsn required")

	cfg.DSN = "postgres://localhost/alphaforge"
	assert.NoError(t, cfg.Validate())

	cfg.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg.Driver = DriverPostgres
	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	assert.Error(t, cfg.Validate())
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://env/alphaforge")
	t.Setenv("PG_ENABLED", "true")
	t.Setenv("PG_QUERY_TIMEOUT", "7s")
	t.Setenv("AF_DB_DRIVER", DriverSQLite)
	t.Setenv("PG_MAX_OPEN_CONNS", "not-a-number")

	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	assert.Equal(t, "postgres://env/alphaforge", cfg.DSN)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 7*time.Second, cfg.QueryTimeout)
	assert.Equal(t, DriverSQLite, cfg.Driver)
	assert.Equal(t, 10, cfg.MaxOpenConns)
}

func TestManagerWithDB(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer raw.Close()

	cfg := DefaultConfig()
	cfg.Migrate = true
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS portfolios`).WillReturnResult(sqlmock.NewResult(0, 0))

	m, err := NewManagerWithDB(context.Background(), sqlx.NewDb(raw, "postgres"), cfg)
	require.NoError(t, err)
	require.NotNil(t, m.Repository())
	assert.NotNil(t, m.Repository().Runs)
	assert.NotNil(t, m.MarketData())

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	check := m.Health().Health(context.Background())
	assert.False(t, check.Healthy)
	require.Len(t, check.Errors, 1)
	assert.Contains(t, check.Errors[0], "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteManagerServesMarketData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.db")
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Driver = DriverSQLite
	cfg.DSN = path
	cfg.ConnectRetries = 0

	m, err := NewManager(context.Background(), cfg)
	require.NoError(t, err)
	defer m.Close()

	assert.Nil(t, m.Repository())
	_, err = m.DB().Exec(`CREATE TABLE universe_members (universe TEXT, symbol TEXT)`)
	require.NoError(t, err)
	_, err = m.DB().Exec(`INSERT INTO universe_members VALUES ('demo', 'BBB'), ('demo', 'AAA')`)
	require.NoError(t, err)

	members, err := m.MarketData().UniverseMembers(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, members)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
