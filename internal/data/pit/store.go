// Package pit keeps an append-only, point-in-time record of model snapshots so
// a run can be audited for lookahead after the fact.
package pit

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sawpanic/alphaforge/internal/model/selector"
)

// SnapshotEntity is the entity name under which model snapshots are stored
const SnapshotEntity = "model_snapshots"

const fileLayout = "20060102_150405.000000"

// Store provides immutable, append-only storage of point-in-time records
type Store struct {
	baseDir string
}

// NewStore creates a new PIT store with the specified base directory
func NewStore(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
	}
}

// ForRun returns a store scoped to one run
func (s *Store) ForRun(runID string) *Store {
	return &Store{baseDir: filepath.Join(s.baseDir, runID)}
}

// Entry is one stored record
type Entry struct {
	Entity    string          `json:"entity"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Snapshot stores a point-in-time record
// Path: {base}/{entity}/{date}/{timestamp}.json.gz
func (s *Store) Snapshot(entity string, timestamp time.Time, payload interface{}, source string) error {
	dateDir := timestamp.Format(domain.DateLayout)
	entityDir := filepath.Join(s.baseDir, entity, dateDir)

	if err := os.MkdirAll(entityDir, 0755); err != nil {
		return fmt.Errorf("failed to create PIT directory %s: %w", entityDir, err)
	}

	filePath := filepath.Join(entityDir, timestamp.Format(fileLayout)+".json.gz")

	// append-only, no overwrites
	if _, err := os.Stat(filePath); err == nil {
		log.Debug().Str("file", filePath).Msg("PIT snapshot already exists, skipping")
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode PIT payload: %w", err)
	}
	entry := Entry{
		Entity:    entity,
		Timestamp: timestamp,
		Source:    source,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create PIT file %s: %w", filePath, err)
	}
	defer file.Close()

	gz := gzip.NewWriter(file)
	if err := json.NewEncoder(gz).Encode(entry); err != nil {
		gz.Close()
		return fmt.Errorf("failed to encode PIT snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to flush PIT snapshot: %w", err)
	}

	log.Debug().Str("entity", entity).Str("source", source).
		Str("file", filePath).Time("timestamp", timestamp).
		Msg("PIT snapshot stored")

	return nil
}

// RecordSnapshot stores a model snapshot keyed by the rebalance date it serves.
// A snapshot trained on data from eventDate or later is rejected.
func (s *Store) RecordSnapshot(_ context.Context, eventDate time.Time, snap *selector.Snapshot) error {
	if !snap.TrainedThrough.Before(eventDate) || snap.Cutoff.After(eventDate) {
		return fmt.Errorf("snapshot trained through %s violates point-in-time cutoff %s",
			snap.TrainedThrough.Format(domain.DateLayout), eventDate.Format(domain.DateLayout))
	}
	return s.Snapshot(SnapshotEntity, eventDate, snap, "selector")
}

// Read retrieves a specific point-in-time record
func (s *Store) Read(entity string, timestamp time.Time) (*Entry, error) {
	filePath := filepath.Join(s.baseDir, entity, timestamp.Format(domain.DateLayout), timestamp.Format(fileLayout)+".json.gz")
	return readEntry(filePath)
}

func readEntry(filePath string) (*Entry, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("PIT snapshot not found: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var entry Entry
	if err := json.NewDecoder(gz).Decode(&entry); err != nil {
		return nil, fmt.Errorf("failed to decode PIT snapshot: %w", err)
	}
	return &entry, nil
}

// List returns all records for an entity within [from, to], oldest first
func (s *Store) List(entity string, from, to time.Time) ([]Entry, error) {
	entityDir := filepath.Join(s.baseDir, entity)
	if _, err := os.Stat(entityDir); os.IsNotExist(err) {
		return []Entry{}, nil
	}

	var entries []Entry
	err := filepath.Walk(entityDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".json.gz") {
			return nil
		}

		stamp := strings.TrimSuffix(info.Name(), ".json.gz")
		timestamp, err := time.Parse(fileLayout, stamp)
		if err != nil {
			log.Warn().Str("file", path).Err(err).Msg("Failed to parse PIT timestamp")
			return nil
		}
		if timestamp.Before(from) || timestamp.After(to) {
			return nil
		}

		entry, err := readEntry(path)
		if err != nil {
			log.Warn().Str("file", path).Err(err).Msg("Failed to read PIT snapshot")
			return nil
		}
		entries = append(entries, *entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk PIT directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// Snapshots decodes every stored model snapshot
func (s *Store) Snapshots() ([]selector.Snapshot, error) {
	entries, err := s.List(SnapshotEntity, time.Time{}, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return nil, err
	}
	out := make([]selector.Snapshot, 0, len(entries))
	for _, e := range entries {
		var snap selector.Snapshot
		if err := json.Unmarshal(e.Payload, &snap); err != nil {
			return nil, fmt.Errorf("failed to decode model snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, nil
}
