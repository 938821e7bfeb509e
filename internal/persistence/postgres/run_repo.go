package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sawpanic/alphaforge/internal/persistence"
)

// runRepo implements RunRepo for PostgreSQL
type runRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunRepo creates a new PostgreSQL run repository
func NewRunRepo(db *sqlx.DB, timeout time.Duration) persistence.RunRepo {
	return &runRepo{
		db:      db,
		timeout: timeout,
	}
}

type runRow struct {
	ID        string         `db:"id"`
	State     string         `db:"state"`
	Message   sql.NullString `db:"message"`
	Config    []byte         `db:"config"`
	Result    []byte         `db:"result"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (row runRow) record() persistence.RunRecord {
	rec := persistence.RunRecord{
		ID:        row.ID,
		State:     row.State,
		Message:   row.Message.String,
		Config:    json.RawMessage(row.Config),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if len(row.Result) > 0 {
		rec.Result = json.RawMessage(row.Result)
	}
	return rec
}

// Create inserts a new run record
func (r *runRepo) Create(ctx context.Context, rec persistence.RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if rec.ID == "" {
		return fmt.Errorf("run id is required")
	}
	config := rec.Config
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO backtest_runs (id, state, message, config)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query, rec.ID, rec.State, rec.Message, []byte(config)).
		Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateState moves a run to state. A nil result leaves the stored result untouched.
func (r *runRepo) UpdateState(ctx context.Context, id, state, message string, result json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var resultArg interface{}
	if len(result) > 0 {
		resultArg = []byte(result)
	}

	query := `
		UPDATE backtest_runs
		SET state = $2, message = $3, result = COALESCE($4, result), updated_at = NOW()
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, state, message, resultArg)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, persistence.ErrNotFound)
	}
	return nil
}

// Get returns the run with id
func (r *runRepo) Get(ctx context.Context, id string) (*persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, state, message, config, result, created_at, updated_at
		FROM backtest_runs
		WHERE id = $1`

	var row runRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	rec := row.record()
	return &rec, nil
}

// List returns runs created within tr, newest first. Results are omitted.
func (r *runRepo) List(ctx context.Context, tr persistence.TimeRange, limit int) ([]persistence.RunRecord, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, state, message, config, NULL AS result, created_at, updated_at
		FROM backtest_runs
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT $3`

	var rows []runRow
	if err := r.db.SelectContext(ctx, &rows, query, tr.From, tr.To, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]persistence.RunRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}
