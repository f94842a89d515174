package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signaldesk/internal/persistence"
)

func newMock(t *testing.T) (persistence.JournalRepo, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewJournalRepo(sqlx.NewDb(mockDB, "postgres"), 5*time.Second), mock
}

func int64Ptr(v int64) *int64 { return &v }

var ts = time.Date(2025, 3, 4, 10, 15, 0, 0, time.UTC)

func TestAppend(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO signal_journal")).
		WithArgs(sqlmock.AnyArg(), ts, "signal_created", int64(7), "EUR/USD", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Append(context.Background(), persistence.JournalEntry{
		Timestamp: ts,
		Kind:      persistence.KindSignalCreated,
		SignalID:  int64Ptr(7),
		Symbol:    "EUR/USD",
		Detail:    map[string]interface{}{"entry": 1.0845},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendDuplicate(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO signal_journal")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Append(context.Background(), persistence.JournalEntry{
		ID: "8f14e45f-ceea-467f-a0e6-6f1d6d1b8f2a", Timestamp: ts, Kind: persistence.KindSignalDecided,
	})
	assert.True(t, errors.Is(err, ErrDuplicateEntry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRequiresKind(t *testing.T) {
	repo, mock := newMock(t)
	assert.Error(t, repo.Append(context.Background(), persistence.JournalEntry{Timestamp: ts}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendBatch(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO signal_journal"))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.AppendBatch(context.Background(), []persistence.JournalEntry{
		{Timestamp: ts, Kind: persistence.KindSignalExecuted, SignalID: int64Ptr(7)},
		{Timestamp: ts, Kind: persistence.KindPositionClosed, SignalID: int64Ptr(7)},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.NoError(t, repo.AppendBatch(context.Background(), nil))
}

func TestListBySignal(t *testing.T) {
	repo, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"id", "ts", "kind", "signal_id", "symbol", "detail", "created_at"}).
		AddRow("a", ts, "signal_executed", int64(7), "EUR/USD", []byte(`{"fill_price":1.0845}`), ts).
		AddRow("b", ts.Add(time.Hour), "position_closed", int64(7), "EUR/USD", []byte(`{"reason":"STOP_LOSS"}`), ts)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE signal_id = $1")).WithArgs(int64(7)).WillReturnRows(rows)

	entries, err := repo.ListBySignal(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, persistence.KindPositionClosed, entries[1].Kind)
	assert.Equal(t, int64(7), *entries[1].SignalID)
	assert.Equal(t, "STOP_LOSS", entries[1].Detail["reason"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentNullSignal(t *testing.T) {
	repo, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"id", "ts", "kind", "signal_id", "symbol", "detail", "created_at"}).
		AddRow("c", ts, "breaker_transition", nil, "", []byte(`{}`), ts)
	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $1")).WithArgs(10).WillReturnRows(rows)

	entries, err := repo.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].SignalID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByKind(t *testing.T) {
	repo, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"kind", "count"}).
		AddRow("risk_rejected", int64(3)).
		AddRow("signal_created", int64(5))
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY kind")).WillReturnRows(rows)

	counts, err := repo.CountByKind(context.Background(), persistence.TimeRange{From: ts, To: ts.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, map[persistence.EventKind]int64{
		persistence.KindRiskRejected:  3,
		persistence.KindSignalCreated: 5,
	}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
