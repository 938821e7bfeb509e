package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/domain"
)

// DialRedis opens a client and verifies the connection
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

// Cached serves price and factor histories from Redis, falling through to the
// wrapped provider on a miss. Cache failures degrade to uncached reads.
type Cached struct {
	next   Provider
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCached wraps next with a Redis read-through cache
func NewCached(next Provider, client *redis.Client, ttl time.Duration, prefix string) *Cached {
	if prefix == "" {
		prefix = "alphaforge"
	}
	return &Cached{next: next, client: client, ttl: ttl, prefix: prefix}
}

func (c *Cached) priceKey(symbol string, from, to time.Time) string {
	return fmt.Sprintf("%s:prices:%s:%s:%s", c.prefix, symbol, from.Format(domain.DateLayout), to.Format(domain.DateLayout))
}

func (c *Cached) factorKey(from, to time.Time) string {
	return fmt.Sprintf("%s:factors:%s:%s", c.prefix, from.Format(domain.DateLayout), to.Format(domain.DateLayout))
}

// get decodes key into dst; found is false on a miss or any cache error
func (c *Cached) get(ctx context.Context, key string, dst interface{}) bool {
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key).Msg("Redis get failed")
		}
		return false
	}
	if err := json.Unmarshal(val, dst); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Discarding undecodable cache entry")
		return false
	}
	return true
}

func (c *Cached) set(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis set failed")
	}
}

func (c *Cached) UniverseMembers(ctx context.Context, universe string) ([]string, error) {
	return c.next.UniverseMembers(ctx, universe)
}

func (c *Cached) Sectors(ctx context.Context, symbols []string) (map[string]string, error) {
	return c.next.Sectors(ctx, symbols)
}

func (c *Cached) Prices(ctx context.Context, symbols []string, from, to time.Time) (map[string][]domain.PricePoint, error) {
	out := make(map[string][]domain.PricePoint, len(symbols))
	var misses []string
	for _, s := range symbols {
		var pts []domain.PricePoint
		if c.get(ctx, c.priceKey(s, from, to), &pts) {
			if len(pts) > 0 {
				out[s] = pts
			}
			continue
		}
		misses = append(misses, s)
	}

	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := c.next.Prices(ctx, misses, from, to)
	if err != nil {
		return nil, err
	}
	for _, s := range misses {
		pts := fetched[s]
		if pts == nil {
			pts = []domain.PricePoint{}
		}
		c.set(ctx, c.priceKey(s, from, to), pts)
		if len(pts) > 0 {
			out[s] = pts
		}
	}

	log.Debug().Int("hits", len(symbols)-len(misses)).Int("misses", len(misses)).Msg("Price cache lookup")
	return out, nil
}

func (c *Cached) Factors(ctx context.Context, from, to time.Time) ([]domain.FactorObservation, error) {
	key := c.factorKey(from, to)
	var obs []domain.FactorObservation
	if c.get(ctx, key, &obs) {
		return obs, nil
	}
	obs, err := c.next.Factors(ctx, from, to)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, obs)
	return obs, nil
}
