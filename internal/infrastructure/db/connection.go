package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver for local market-data files
	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/data/provider"
	"github.com/sawpanic/alphaforge/internal/persistence"
	"github.com/sawpanic/alphaforge/internal/persistence/postgres"
)

// Manager manages database connections and repository instances
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *persistence.Repository
	health *healthChecker
}

// NewManager opens and pings the configured database, retrying with
// exponential backoff. A disabled config yields a manager without a connection.
func NewManager(ctx context.Context, config Config) (*Manager, error) {
	config.ApplyDefaults()
	if !config.Enabled {
		return &Manager{
			config: config,
			health: &healthChecker{enabled: false},
		}, nil
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := connect(ctx, db, config); err != nil {
		db.Close()
		return nil, err
	}

	m, err := newManager(ctx, db, config)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewManagerWithDB wraps an already open connection
func NewManagerWithDB(ctx context.Context, db *sqlx.DB, config Config) (*Manager, error) {
	config.ApplyDefaults()
	config.Enabled = true
	return newManager(ctx, db, config)
}

func newManager(ctx context.Context, db *sqlx.DB, config Config) (*Manager, error) {
	m := &Manager{
		db:     db,
		config: config,
		health: &healthChecker{
			enabled: true,
			db:      db,
			timeout: config.QueryTimeout,
		},
	}

	// Run and portfolio repositories use PostgreSQL syntax; SQLite serves market data only.
	if config.Driver == DriverPostgres {
		if config.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				return nil, err
			}
		}
		m.repos = &persistence.Repository{
			Portfolios: postgres.NewPortfolioRepo(db, config.QueryTimeout),
			Runs:       postgres.NewRunRepo(db, config.QueryTimeout),
		}
	}

	log.Info().Str("driver", config.Driver).Bool("repositories", m.repos != nil).
		Msg("Database connected")
	return m, nil
}

func connect(ctx context.Context, db *sqlx.DB, config Config) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, config.ConnectRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Str("driver", config.Driver).
				Msg("Database ping failed")
			return err
		}
		return nil
	}, retry)
	if err != nil {
		return fmt.Errorf("failed to ping database after %d attempt(s): %w", attempt, err)
	}
	return nil
}

// Repository returns the repository collection, or nil when unavailable
func (m *Manager) Repository() *persistence.Repository {
	return m.repos
}

// MarketData returns a provider reading market data tables, or nil if disabled
func (m *Manager) MarketData() *provider.SQLStore {
	if m.db == nil {
		return nil
	}
	return provider.NewSQLStore(m.db, m.config.QueryTimeout)
}

// Health returns the health checker interface
func (m *Manager) Health() persistence.RepositoryHealth {
	return m.health
}

// DB returns the underlying database connection
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// IsEnabled returns whether a database connection is open
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled && m.db != nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// healthChecker implements persistence.RepositoryHealth
type healthChecker struct {
	enabled bool
	db      *sqlx.DB
	timeout time.Duration
}

// Health returns current repository health status
func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	if !h.enabled {
		return persistence.HealthCheck{
			Healthy:        true,
			Errors:         []string{"Database persistence disabled"},
			ConnectionPool: map[string]int{"status": 0},
			LastCheck:      time.Now(),
		}
	}

	start := time.Now()
	var errors []string
	healthy := true
	if err := h.Ping(ctx); err != nil {
		errors = append(errors, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	stats := h.db.Stats()
	return persistence.HealthCheck{
		Healthy: healthy,
		Errors:  errors,
		ConnectionPool: map[string]int{
			"max_open":      stats.MaxOpenConnections,
			"open":          stats.OpenConnections,
			"in_use":        stats.InUse,
			"idle":          stats.Idle,
			"wait_count":    int(stats.WaitCount),
			"wait_duration": int(stats.WaitDuration.Milliseconds()),
		},
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

// Ping tests basic connectivity to database
func (h *healthChecker) Ping(ctx context.Context) error {
	if !h.enabled {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	return h.db.PingContext(pingCtx)
}
