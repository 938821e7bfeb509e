package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/alphaforge/internal/application/backtest"
	"github.com/sawpanic/alphaforge/internal/config"
	"github.com/sawpanic/alphaforge/internal/data/pit"
	"github.com/sawpanic/alphaforge/internal/data/provider"
	"github.com/sawpanic/alphaforge/internal/data/synthetic"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sawpanic/alphaforge/internal/infrastructure/db"
	"github.com/sawpanic/alphaforge/internal/metrics"
	"github.com/sawpanic/alphaforge/internal/persistence"
	"github.com/sawpanic/alphaforge/internal/report/perf"
)

// syntheticUniverse names the generated market's universe
const syntheticUniverse = "SYNTHETIC"

// app holds the process-wide dependencies shared by the commands
type app struct {
	cfg        *config.AppConfig
	metrics    *metrics.Registry
	manager    *db.Manager
	redis      *redis.Client
	provider   provider.Provider
	portfolios *portfolioSet
	store      backtest.StatusStore
	dataset    *synthetic.Dataset
}

// newApp opens the configured database, cache and market-data source.
// useSynthetic forces the generated market regardless of provider.source.
func newApp(ctx context.Context, cfg *config.AppConfig, useSynthetic bool) (*app, error) {
	a := &app{
		cfg:        cfg,
		metrics:    metrics.NewRegistry(nil),
		portfolios: newPortfolioSet(),
	}

	manager, err := db.NewManager(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.manager = manager
	if repos := manager.Repository(); repos != nil {
		a.portfolios.next = repos.Portfolios
	}

	var source provider.Provider
	sourceName := cfg.Provider.Source
	switch {
	case useSynthetic || cfg.Provider.Source == config.SourceSynthetic:
		sourceName = config.SourceSynthetic
		a.dataset = synthetic.Generate(cfg.Provider.Synthetic)
		source = provider.FromDataset(syntheticUniverse, a.dataset)
		log.Info().Int("symbols", len(cfg.Provider.Synthetic.Symbols)).Int("days", cfg.Provider.Synthetic.Days).
			Int64("seed", cfg.Provider.Synthetic.Seed).Msg("Using synthetic market data")
	default:
		store := manager.MarketData()
		if store == nil {
			a.Close()
			return nil, fmt.Errorf("provider source %q requires an enabled database", cfg.Provider.Source)
		}
		source = store
	}
	a.provider = provider.NewResilient(sourceName, source, cfg.Provider.Resilience, a.metrics)

	if cfg.Redis.Enabled {
		client, err := provider.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, continuing without cache")
		} else {
			a.redis = client
			a.provider = provider.NewCached(a.provider, client, cfg.Redis.TTL, cfg.Redis.Prefix)
		}
	}

	switch {
	case a.redis != nil:
		a.store = backtest.NewRedisStatusStore(a.redis, cfg.Redis.TTL, cfg.Redis.Prefix)
	case manager.Repository() != nil:
		a.store = backtest.NewRepoStatusStore(manager.Repository().Runs)
	default:
		a.store = backtest.NewMemoryStatusStore()
	}
	return a, nil
}

func (a *app) service() *backtest.Service {
	opts := []backtest.ServiceOption{
		backtest.WithPortfolios(a.portfolios),
		backtest.WithMetrics(a.metrics),
		backtest.WithReport(a.cfg.Report.Assemble, &perf.LogHandler{}),
	}
	if a.cfg.PIT.Enabled {
		opts = append(opts, backtest.WithAudit(pit.NewStore(a.cfg.PIT.Dir)))
	}
	return backtest.NewService(a.provider, opts...)
}

func (a *app) host(outputDir string, progress bool) *backtest.Host {
	opts := []backtest.HostOption{backtest.WithHostMetrics(a.metrics)}
	if outputDir != "" {
		opts = append(opts, backtest.WithArtifacts(outputDir))
	}
	if progress {
		opts = append(opts, backtest.WithProgressBar(os.Stderr))
	}
	return backtest.NewHost(a.service(), a.store, opts...)
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if a.manager != nil {
		if err := a.manager.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}

// portfolioSet serves portfolios defined on the command line before falling
// back to the database
type portfolioSet struct {
	mu    sync.RWMutex
	items map[string]*domain.CustomPortfolio
	next  persistence.PortfolioRepo
}

func newPortfolioSet() *portfolioSet {
	return &portfolioSet{items: make(map[string]*domain.CustomPortfolio)}
}

func (p *portfolioSet) Get(ctx context.Context, id string) (*domain.CustomPortfolio, error) {
	p.mu.RLock()
	item, ok := p.items[id]
	p.mu.RUnlock()
	if ok {
		return item, nil
	}
	if p.next == nil {
		return nil, fmt.Errorf("%w: portfolio %s", persistence.ErrNotFound, id)
	}
	return p.next.Get(ctx, id)
}

func (p *portfolioSet) Save(_ context.Context, portfolio *domain.CustomPortfolio) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[portfolio.ID] = portfolio
	return nil
}
