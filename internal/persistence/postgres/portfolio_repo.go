package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sawpanic/alphaforge/internal/persistence"
)

// portfolioRepo implements PortfolioRepo for PostgreSQL
type portfolioRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPortfolioRepo creates a new PostgreSQL portfolio repository
func NewPortfolioRepo(db *sqlx.DB, timeout time.Duration) persistence.PortfolioRepo {
	return &portfolioRepo{
		db:      db,
		timeout: timeout,
	}
}

type portfolioRow struct {
	ID       string         `db:"id"`
	Name     string         `db:"name"`
	Stocks   []byte         `db:"stocks"`
	Weights  sql.NullString `db:"weights"`
	Optimize bool           `db:"optimize"`
}

// Get loads a portfolio and re-validates it through the domain constructor
func (r *portfolioRepo) Get(ctx context.Context, id string) (*domain.CustomPortfolio, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, name, stocks, weights, optimize
		FROM portfolios
		WHERE id = $1`

	var row portfolioRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("portfolio %s: %w", id, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}

	var stocks []string
	if err := json.Unmarshal(row.Stocks, &stocks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal portfolio stocks: %w", err)
	}
	var weights domain.Weights
	if row.Weights.Valid && row.Weights.String != "" {
		if err := json.Unmarshal([]byte(row.Weights.String), &weights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal portfolio weights: %w", err)
		}
	}

	return domain.NewCustomPortfolio(row.ID, row.Name, stocks, weights, row.Optimize)
}

// Save inserts or replaces a portfolio
func (r *portfolioRepo) Save(ctx context.Context, p *domain.CustomPortfolio) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stocksJSON, err := json.Marshal(p.Stocks)
	if err != nil {
		return fmt.Errorf("failed to marshal stocks: %w", err)
	}
	var weightsJSON interface{}
	if len(p.Weights) > 0 {
		raw, err := json.Marshal(p.Weights)
		if err != nil {
			return fmt.Errorf("failed to marshal weights: %w", err)
		}
		weightsJSON = string(raw)
	}

	query := `
		INSERT INTO portfolios (id, name, stocks, weights, optimize)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			stocks = EXCLUDED.stocks,
			weights = EXCLUDED.weights,
			optimize = EXCLUDED.optimize`

	if _, err := r.db.ExecContext(ctx, query, p.ID, p.Name, string(stocksJSON), weightsJSON, p.Optimize); err != nil {
		return fmt.Errorf("failed to save portfolio: %w", err)
	}
	return nil
}
