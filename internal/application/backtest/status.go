package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sawpanic/alphaforge/internal/backtest/walkforward"
	"github.com/sawpanic/alphaforge/internal/persistence"
	"github.com/sawpanic/alphaforge/internal/report/assemble"
)

// State is the lifecycle state of a submitted run
type State string

const (
	StatePending  State = "PENDING"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

// Terminal reports whether no further transitions follow
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// ErrRunNotFound is returned for unknown run ids
var ErrRunNotFound = errors.New("run not found")

// Status is the pollable view of a run. Message carries progress text in
// PROGRESS and the error text in FAILURE; Result is set only in SUCCESS.
type Status struct {
	RunID     string              `json:"run_id"`
	State     State               `json:"state"`
	Message   string              `json:"message,omitempty"`
	Step      int                 `json:"step,omitempty"`
	Total     int                 `json:"total,omitempty"`
	Config    *walkforward.Config `json:"config,omitempty"`
	Result    *assemble.Result    `json:"result,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// StatusStore keeps the latest status per run
type StatusStore interface {
	Put(ctx context.Context, status Status) error
	Get(ctx context.Context, runID string) (Status, error)
}

// MemoryStatusStore keeps statuses in process
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMemoryStatusStore creates an empty store
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]Status)}
}

func (m *MemoryStatusStore) Put(_ context.Context, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.RunID] = status
	return nil
}

func (m *MemoryStatusStore) Get(_ context.Context, runID string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[runID]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return status, nil
}

// RedisStatusStore shares run statuses across processes. Entries expire
// after ttl so finished runs do not accumulate.
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStatusStore creates a store over client
func NewRedisStatusStore(client *redis.Client, ttl time.Duration, prefix string) *RedisStatusStore {
	if prefix == "" {
		prefix = "alphaforge"
	}
	return &RedisStatusStore{client: client, ttl: ttl, prefix: prefix}
}

func (r *RedisStatusStore) key(runID string) string {
	return fmt.Sprintf("%s:run:%s", r.prefix, runID)
}

func (r *RedisStatusStore) Put(ctx context.Context, status Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	if err := r.client.Set(ctx, r.key(status.RunID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store status: %w", err)
	}
	return nil
}

func (r *RedisStatusStore) Get(ctx context.Context, runID string) (Status, error) {
	data, err := r.client.Get(ctx, r.key(runID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Status{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return Status{}, fmt.Errorf("failed to load status: %w", err)
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return Status{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return status, nil
}

// RepoStatusStore persists statuses through a RunRepo. Progress counters are
// not stored; the message carries them.
type RepoStatusStore struct {
	runs persistence.RunRepo
}

// NewRepoStatusStore creates a store over runs
func NewRepoStatusStore(runs persistence.RunRepo) *RepoStatusStore {
	return &RepoStatusStore{runs: runs}
}

func (s *RepoStatusStore) Put(ctx context.Context, status Status) error {
	if status.State == StatePending {
		config, err := json.Marshal(status.Config)
		if err != nil {
			return fmt.Errorf("failed to encode run config: %w", err)
		}
		return s.runs.Create(ctx, persistence.RunRecord{
			ID:      status.RunID,
			State:   string(status.State),
			Message: status.Message,
			Config:  config,
		})
	}

	var result json.RawMessage
	if status.Result != nil {
		data, err := json.Marshal(status.Result)
		if err != nil {
			return fmt.Errorf("failed to encode run result: %w", err)
		}
		result = data
	}
	return s.runs.UpdateState(ctx, status.RunID, string(status.State), status.Message, result)
}

func (s *RepoStatusStore) Get(ctx context.Context, runID string) (Status, error) {
	rec, err := s.runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return Status{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return Status{}, err
	}

	status := Status{
		RunID:     rec.ID,
		State:     State(rec.State),
		Message:   rec.Message,
		UpdatedAt: rec.UpdatedAt,
	}
	if len(rec.Config) > 0 && string(rec.Config) != "null" {
		var cfg walkforward.Config
		if err := json.Unmarshal(rec.Config, &cfg); err != nil {
			return Status{}, fmt.Errorf("failed to decode run config: %w", err)
		}
		status.Config = &cfg
	}
	if len(rec.Result) > 0 {
		var res assemble.Result
		if err := json.Unmarshal(rec.Result, &res); err != nil {
			return Status{}, fmt.Errorf("failed to decode run result: %w", err)
		}
		status.Result = &res
	}
	return status, nil
}
