package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sawpanic/alphaforge/internal/domain"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// TimeRange represents a closed time window for queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate rejects ranges whose end precedes their start
func (tr TimeRange) Validate() error {
	if tr.To.Before(tr.From) {
		return fmt.Errorf("invalid time range: to %s before from %s",
			tr.To.Format(time.RFC3339), tr.From.Format(time.RFC3339))
	}
	return nil
}

// RunRecord is the persisted status of one backtest run. Config and Result
// hold the JSON documents of the run configuration and the assembled report.
type RunRecord struct {
	ID        string          `json:"id" db:"id"`
	State     string          `json:"state" db:"state"`
	Message   string          `json:"message,omitempty" db:"message"`
	Config    json.RawMessage `json:"config" db:"config"`
	Result    json.RawMessage `json:"result,omitempty" db:"result"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// PortfolioRepo looks up user-defined portfolios
type PortfolioRepo interface {
	// Get returns the portfolio with id or ErrNotFound
	Get(ctx context.Context, id string) (*domain.CustomPortfolio, error)

	// Save inserts or replaces a portfolio
	Save(ctx context.Context, p *domain.CustomPortfolio) error
}

// RunRepo persists run status and results
type RunRepo interface {
	// Create inserts a new run record
	Create(ctx context.Context, rec RunRecord) error

	// UpdateState moves a run to state; result may be nil
	UpdateState(ctx context.Context, id, state, message string, result json.RawMessage) error

	// Get returns the run with id or ErrNotFound
	Get(ctx context.Context, id string) (*RunRecord, error)

	// List returns runs created within tr, newest first
	List(ctx context.Context, tr TimeRange, limit int) ([]RunRecord, error)
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Portfolios PortfolioRepo
	Runs       RunRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error
}
