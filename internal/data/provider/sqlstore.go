package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sawpanic/alphaforge/internal/domain"
)

// SQLStore reads market data from a relational store. Queries are written with
// ? placeholders and rebound for the driver, so PostgreSQL and SQLite both work.
//
// Expected tables:
//
//	universe_members(universe, symbol)
//	historical_prices(symbol, date, close)
//	stock_metadata(symbol, sector)
//	factor_returns(date, mkt_rf, smb, hml, umd, rf)
type SQLStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSQLStore creates a store over db with a per-query timeout
func NewSQLStore(db *sqlx.DB, timeout time.Duration) *SQLStore {
	return &SQLStore{db: db, timeout: timeout}
}

type priceRow struct {
	Symbol string    `db:"symbol"`
	Date   time.Time `db:"date"`
	Close  float64   `db:"close"`
}

type sectorRow struct {
	Symbol string `db:"symbol"`
	Sector string `db:"sector"`
}

// UniverseMembers lists symbols of the named universe in symbol order
func (s *SQLStore) UniverseMembers(ctx context.Context, universe string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.db.Rebind(`SELECT symbol FROM universe_members WHERE universe = ? ORDER BY symbol`)

	var symbols []string
	if err := s.db.SelectContext(ctx, &symbols, query, universe); err != nil {
		return nil, fmt.Errorf("failed to query universe %s: %w", universe, err)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUniverse, universe)
	}
	return symbols, nil
}

// Prices returns adjusted closes for symbols in [from, to]
func (s *SQLStore) Prices(ctx context.Context, symbols []string, from, to time.Time) (map[string][]domain.PricePoint, error) {
	out := make(map[string][]domain.PricePoint, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query, args, err := sqlx.In(`
		SELECT symbol, date, close
		FROM historical_prices
		WHERE symbol IN (?) AND date >= ? AND date <= ?
		ORDER BY symbol, date`, symbols, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to build price query: %w", err)
	}

	var rows []priceRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}

	for _, r := range rows {
		out[r.Symbol] = append(out[r.Symbol], domain.PricePoint{Date: r.Date, Close: r.Close})
	}
	return out, nil
}

// Sectors maps symbols to their sector label
func (s *SQLStore) Sectors(ctx context.Context, symbols []string) (map[string]string, error) {
	out := make(map[string]string, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query, args, err := sqlx.In(`SELECT symbol, sector FROM stock_metadata WHERE symbol IN (?)`, symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to build sector query: %w", err)
	}

	var rows []sectorRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query sectors: %w", err)
	}
	for _, r := range rows {
		out[r.Symbol] = r.Sector
	}
	return out, nil
}

// Factors returns daily factor returns in [from, to]
func (s *SQLStore) Factors(ctx context.Context, from, to time.Time) ([]domain.FactorObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := s.db.Rebind(`
		SELECT date, mkt_rf, smb, hml, umd, rf
		FROM factor_returns
		WHERE date >= ? AND date <= ?
		ORDER BY date`)

	var obs []domain.FactorObservation
	if err := s.db.SelectContext(ctx, &obs, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to query factor returns: %w", err)
	}
	return obs, nil
}
