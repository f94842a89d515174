package persistence

import (
	"context"
	"time"
)

// TimeRange represents a time window for journal queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// EventKind names a lifecycle event recorded in the journal.
type EventKind string

const (
	KindSignalCreated     EventKind = "signal_created"
	KindSignalDecided     EventKind = "signal_decided"
	KindSignalExecuted    EventKind = "signal_executed"
	KindSignalExpired     EventKind = "signal_expired"
	KindPositionClosed    EventKind = "position_closed"
	KindRiskRejected      EventKind = "risk_rejected"
	KindBreakerTransition EventKind = "breaker_transition"
)

// JournalEntry is an append-only audit record. The state file stays the source of truth;
// the journal is for after-the-fact review.
type JournalEntry struct {
	ID        string                 `json:"id" db:"id"`
	Timestamp time.Time              `json:"ts" db:"ts"`
	Kind      EventKind              `json:"kind" db:"kind"`
	SignalID  *int64                 `json:"signal_id,omitempty" db:"signal_id"`
	Symbol    string                 `json:"symbol,omitempty" db:"symbol"`
	Detail    map[string]interface{} `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// JournalRepo persists lifecycle events
type JournalRepo interface {
	// Append writes one entry, assigning an id when empty
	Append(ctx context.Context, entry JournalEntry) error

	// AppendBatch writes several entries in one transaction
	AppendBatch(ctx context.Context, entries []JournalEntry) error

	// ListBySignal returns a signal's history oldest first
	ListBySignal(ctx context.Context, signalID int64) ([]JournalEntry, error)

	// Recent returns the newest entries
	Recent(ctx context.Context, limit int) ([]JournalEntry, error)

	// CountByKind groups entries in a window by kind
	CountByKind(ctx context.Context, tr TimeRange) (map[EventKind]int64, error)
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Journal JournalRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error
}
