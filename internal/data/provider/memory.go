package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/alphaforge/internal/data/synthetic"
	"github.com/sawpanic/alphaforge/internal/domain"
)

// Memory is an in-process provider backed by maps
type Memory struct {
	mu        sync.RWMutex
	universes map[string][]string
	prices    map[string][]domain.PricePoint
	sectors   map[string]string
	factors   []domain.FactorObservation
}

// NewMemory creates an empty provider
func NewMemory() *Memory {
	return &Memory{
		universes: make(map[string][]string),
		prices:    make(map[string][]domain.PricePoint),
		sectors:   make(map[string]string),
	}
}

// FromDataset loads a generated market, registering its symbols as universe name
func FromDataset(name string, ds *synthetic.Dataset) *Memory {
	m := NewMemory()
	var members []string
	for sym, pts := range ds.Prices {
		m.SetPrices(sym, pts)
		if sym != ds.Benchmark {
			members = append(members, sym)
		}
	}
	sort.Strings(members)
	m.SetUniverse(name, members)
	for sym, sec := range ds.Sectors {
		m.SetSector(sym, sec)
	}
	m.SetFactors(ds.Factors)
	return m
}

func (m *Memory) SetUniverse(name string, symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.universes[name] = append([]string(nil), symbols...)
}

// SetPrices replaces the history of symbol, sorting it by date
func (m *Memory) SetPrices(symbol string, points []domain.PricePoint) {
	cp := append([]domain.PricePoint(nil), points...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Date.Before(cp[j].Date) })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = cp
}

func (m *Memory) SetSector(symbol, sector string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sectors[symbol] = sector
}

func (m *Memory) SetFactors(obs []domain.FactorObservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factors = append([]domain.FactorObservation(nil), obs...)
}

func (m *Memory) UniverseMembers(_ context.Context, universe string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.universes[universe]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUniverse, universe)
	}
	return append([]string(nil), members...), nil
}

func (m *Memory) Prices(_ context.Context, symbols []string, from, to time.Time) (map[string][]domain.PricePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]domain.PricePoint, len(symbols))
	for _, s := range symbols {
		var pts []domain.PricePoint
		for _, p := range m.prices[s] {
			if !p.Date.Before(from) && !p.Date.After(to) {
				pts = append(pts, p)
			}
		}
		if len(pts) > 0 {
			out[s] = pts
		}
	}
	return out, nil
}

func (m *Memory) Sectors(_ context.Context, symbols []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(symbols))
	for _, s := range symbols {
		if sec, ok := m.sectors[s]; ok {
			out[s] = sec
		}
	}
	return out, nil
}

func (m *Memory) Factors(_ context.Context, from, to time.Time) ([]domain.FactorObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.FactorObservation
	for _, f := range m.factors {
		if !f.Date.Before(from) && !f.Date.After(to) {
			out = append(out, f)
		}
	}
	return out, nil
}
