package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/signaldesk/internal/persistence"
)

// ErrDuplicateEntry is returned when an entry id was already journaled.
var ErrDuplicateEntry = errors.New("duplicate journal entry")

// Schema creates the journal table. Applied by db.Manager.Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS signal_journal (
	id         UUID PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	kind       TEXT NOT NULL,
	signal_id  BIGINT,
	symbol     TEXT NOT NULL DEFAULT '',
	detail     JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS signal_journal_signal_idx ON signal_journal (signal_id, ts);
CREATE INDEX IF NOT EXISTS signal_journal_ts_idx ON signal_journal (ts DESC);`

const insertEntry = `
		INSERT INTO signal_journal (id, ts, kind, signal_id, symbol, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`

const selectEntry = `
		SELECT id, ts, kind, signal_id, symbol, detail, created_at
		FROM signal_journal`

// journalRepo implements JournalRepo for PostgreSQL
type journalRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewJournalRepo creates a new PostgreSQL journal repository
func NewJournalRepo(db *sqlx.DB, timeout time.Duration) persistence.JournalRepo {
	return &journalRepo{db: db, timeout: timeout}
}

func (r *journalRepo) Append(ctx context.Context, entry persistence.JournalEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args, err := entryArgs(&entry)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, insertEntry, args...); err != nil {
		return classify(err)
	}
	return nil
}

func (r *journalRepo) AppendBatch(ctx context.Context, entries []persistence.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEntry)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i := range entries {
		args, err := entryArgs(&entries[i])
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return classify(err)
		}
	}
	return tx.Commit()
}

func (r *journalRepo) ListBySignal(ctx context.Context, signalID int64) ([]persistence.JournalEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, selectEntry+`
		WHERE signal_id = $1
		ORDER BY ts ASC`, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal by signal: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *journalRepo) Recent(ctx context.Context, limit int) ([]persistence.JournalEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, selectEntry+`
		ORDER BY ts DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent journal: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *journalRepo) CountByKind(ctx context.Context, tr persistence.TimeRange) (map[persistence.EventKind]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT kind, COUNT(*)
		FROM signal_journal
		WHERE ts >= $1 AND ts <= $2
		GROUP BY kind
		ORDER BY kind`, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to count journal by kind: %w", err)
	}
	defer rows.Close()

	counts := make(map[persistence.EventKind]int64)
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan kind count: %w", err)
		}
		counts[persistence.EventKind(kind)] = count
	}
	return counts, rows.Err()
}

func entryArgs(e *persistence.JournalEntry) ([]interface{}, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Kind == "" {
		return nil, errors.New("journal entry without kind")
	}
	detail := e.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal detail: %w", err)
	}
	return []interface{}{e.ID, e.Timestamp.UTC(), string(e.Kind), e.SignalID, e.Symbol, detailJSON}, nil
}

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %v", ErrDuplicateEntry, err)
	}
	return fmt.Errorf("failed to insert journal entry: %w", err)
}

func scanEntries(rows *sqlx.Rows) ([]persistence.JournalEntry, error) {
	var out []persistence.JournalEntry
	for rows.Next() {
		var (
			e        persistence.JournalEntry
			kind     string
			signalID sql.NullInt64
			detail   []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &kind, &signalID, &e.Symbol, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Kind = persistence.EventKind(kind)
		if signalID.Valid {
			id := signalID.Int64
			e.SignalID = &id
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
