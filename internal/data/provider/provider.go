// Package provider defines the market-data source used by backtests and its
// storage, caching and resilience adapters.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/domain"
)

// ErrUnknownUniverse is returned when a universe name has no members
var ErrUnknownUniverse = errors.New("unknown universe")

// Provider supplies point-in-time market data
type Provider interface {
	// UniverseMembers lists the symbols of a named universe
	UniverseMembers(ctx context.Context, universe string) ([]string, error)
	// Prices returns adjusted closes per symbol within [from, to], sorted by date
	Prices(ctx context.Context, symbols []string, from, to time.Time) (map[string][]domain.PricePoint, error)
	// Sectors maps symbols to sector labels; unknown symbols may be omitted
	Sectors(ctx context.Context, symbols []string) (map[string]string, error)
	// Factors returns daily factor returns within [from, to]
	Factors(ctx context.Context, from, to time.Time) ([]domain.FactorObservation, error)
}

// LoadPanel fetches the benchmark and symbol histories and aligns them.
// A missing benchmark or an empty panel is fatal.
func LoadPanel(ctx context.Context, p Provider, benchmark string, symbols []string, from, to time.Time) (*domain.PricePanel, error) {
	wanted := append([]string{benchmark}, symbols...)
	prices, err := p.Prices(ctx, wanted, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load prices: %w", err)
	}

	series := make(map[string][]domain.PricePoint, len(symbols))
	missing := 0
	for _, s := range symbols {
		pts, ok := prices[s]
		if !ok || len(pts) == 0 {
			missing++
			continue
		}
		series[s] = pts
	}
	if missing > 0 {
		log.Warn().Int("missing", missing).Int("requested", len(symbols)).
			Msg("Some symbols have no price history")
	}

	sectors, err := p.Sectors(ctx, symbols)
	if err != nil {
		log.Warn().Err(err).Msg("Sector metadata unavailable, using Unknown")
		sectors = nil
	}

	panel, err := domain.NewPricePanel(benchmark, prices[benchmark], series, sectors)
	if err != nil {
		return nil, err
	}

	log.Info().Str("benchmark", benchmark).Int("symbols", len(series)).
		Int("trading_days", panel.Len()).
		Str("from", panel.Date(0).Format(domain.DateLayout)).
		Str("to", panel.Date(panel.Len()-1).Format(domain.DateLayout)).
		Msg("Price panel loaded")

	return panel, nil
}
