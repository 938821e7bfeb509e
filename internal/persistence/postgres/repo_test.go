package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sawpanic/alphaforge/internal/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestPortfolioRepo_Get(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPortfolioRepo(db, time.Second)

	rows := sqlmock.NewRows([]string{"id", "name", "stocks", "weights", "optimize"}).
		AddRow("p1", "Sixty Forty", []byte(`["B","A"]`), `{"A":0.6,"B":0.4}`, false)
	mock.ExpectQuery(`FROM portfolios\s+WHERE id = \$1`).WithArgs("p1").WillReturnRows(rows)

	p, err := repo.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, p.Stocks)
	assert.Equal(t, domain.Weights{"A": 0.6, "B": 0.4}, p.Weights)
	assert.True(t, p.Manual())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPortfolioRepo_GetWithoutWeights(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPortfolioRepo(db, time.Second)

	rows := sqlmock.NewRows([]string{"id", "name", "stocks", "weights", "optimize"}).
		AddRow("p2", "Tech", []byte(`["MSFT","AAPL"]`), nil, true)
	mock.ExpectQuery(`FROM portfolios`).WithArgs("p2").WillReturnRows(rows)

	p, err := repo.Get(context.Background(), "p2")
	require.NoError(t, err)
	assert.Empty(t, p.Weights)
	assert.False(t, p.Manual())
}

func TestPortfolioRepo_GetRejectsInvalidWeights(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPortfolioRepo(db, time.Second)

	rows := sqlmock.NewRows([]string{"id", "name", "stocks", "weights", "optimize"}).
		AddRow("p3", "Broken", []byte(`["A","B"]`), `{"A":0.7,"B":0.4}`, false)
	mock.ExpectQuery(`FROM portfolios`).WithArgs("p3").WillReturnRows(rows)

	_, err := repo.Get(context.Background(), "p3")
	var invalid *domain.InvalidConfigError
	assert.True(t, errors.As(err, &invalid))
}

func TestPortfolioRepo_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPortfolioRepo(db, time.Second)

	mock.ExpectQuery(`FROM portfolios`).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "stocks", "weights", "optimize"}))

	_, err := repo.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, persistence.ErrNotFound))
}

func TestPortfolioRepo_Save(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPortfolioRepo(db, time.Second)

	p, err := domain.NewCustomPortfolio("p1", "Sixty Forty", []string{"A", "B"}, domain.Weights{"A": 0.6, "B": 0.4}, false)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO portfolios (id, name, stocks, weights, optimize)`)).
		WithArgs("p1", "Sixty Forty", `["A","B"]`, `{"A":0.6,"B":0.4}`, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Save(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepo_CreateAndUpdate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewRunRepo(db, time.Second)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO backtest_runs (id, state, message, config)`)).
		WithArgs("run-1", "PENDING", "", []byte(`{"universe":"sp500"}`)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	err := repo.Create(context.Background(), persistence.RunRecord{
		ID:     "run-1",
		State:  "PENDING",
		Config: json.RawMessage(`{"universe":"sp500"}`),
	})
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE backtest_runs`).
		WithArgs("run-1", "SUCCESS", "", []byte(`{"kpis":{}}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.UpdateState(context.Background(), "run-1", "SUCCESS", "", json.RawMessage(`{"kpis":{}}`)))

	mock.ExpectExec(`UPDATE backtest_runs`).
		WithArgs("run-2", "FAILURE", "boom", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = repo.UpdateState(context.Background(), "run-2", "FAILURE", "boom", nil)
	assert.True(t, errors.Is(err, persistence.ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunRepo_CreateRequiresID(t *testing.T) {
	db, _ := newMock(t)
	assert.Error(t, NewRunRepo(db, time.Second).Create(context.Background(), persistence.RunRecord{}))
}

func TestRunRepo_GetAndList(t *testing.T) {
	db, mock := newMock(t)
	repo := NewRunRepo(db, time.Second)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "state", "message", "config", "result", "created_at", "updated_at"}

	mock.ExpectQuery(`FROM backtest_runs\s+WHERE id = \$1`).WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("run-1", "SUCCESS", nil, []byte(`{}`), []byte(`{"kpis":{}}`), now, now))

	rec, err := repo.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", rec.State)
	assert.JSONEq(t, `{"kpis":{}}`, string(rec.Result))

	tr := persistence.TimeRange{From: now.Add(-time.Hour), To: now}
	mock.ExpectQuery(`ORDER BY created_at DESC`).WithArgs(tr.From, tr.To, 100).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("run-2", "PROGRESS", "2024-01-02", []byte(`{}`), nil, now, now).
			AddRow("run-1", "SUCCESS", "", []byte(`{}`), nil, now.Add(-time.Minute), now))

	list, err := repo.List(context.Background(), tr, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-2", list[0].ID)
	assert.Nil(t, list[0].Result)
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = repo.List(context.Background(), persistence.TimeRange{From: now, To: now.Add(-time.Hour)}, 10)
	assert.Error(t, err)
}
