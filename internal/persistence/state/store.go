// Package state persists the trading state with atomic replace-on-write and a rotating backup.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signaldesk/internal/atomicio"
	"github.com/sawpanic/signaldesk/internal/models"
)

var (
	// ErrNoState means neither the primary nor the backup exists. Only then may a fresh state be created.
	ErrNoState = errors.New("no persisted state")
	// ErrStateCorrupt means prior state exists but no copy of it is usable.
	ErrStateCorrupt = errors.New("persisted state unreadable")
)

var requiredFields = []string{"schema_version", "created_at", "next_signal_id", "signals", "positions", "daily", "breaker", "checksum"}

// FatalError is a state-integrity failure that must stop the control loop.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("state %s: %v", e.Op, e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// LoadReport tells the caller which copy was used.
type LoadReport struct {
	Source     string
	PrimaryErr error
}

// RecoveredFromBackup reports whether the primary was unusable.
func (r LoadReport) RecoveredFromBackup() bool { return r.Source == "backup" }

// Store owns the primary and backup state files.
type Store struct {
	primary string
	backup  string
	now     func() time.Time
	log     zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source used when saving.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option { return func(s *Store) { s.log = log } }

// NewStore creates a store. An empty backup path defaults to "<primary>.backup.json".
func NewStore(primary, backup string, opts ...Option) *Store {
	if backup == "" {
		backup = strings.TrimSuffix(primary, ".json") + ".backup.json"
	}
	s := &Store{primary: primary, backup: backup, now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PrimaryPath returns the primary file location.
func (s *Store) PrimaryPath() string { return s.primary }

// BackupPath returns the backup file location.
func (s *Store) BackupPath() string { return s.backup }

// Load returns the newest usable state.
func (s *Store) Load() (*models.PersistedState, LoadReport, error) {
	st, primaryErr := readState(s.primary)
	if primaryErr == nil {
		return st, LoadReport{Source: "primary"}, nil
	}

	report := LoadReport{Source: "backup", PrimaryErr: primaryErr}
	st, backupErr := readState(s.backup)
	if backupErr == nil {
		s.log.Warn().Err(primaryErr).Str("backup", s.backup).Msg("primary state unusable, loaded backup")
		return st, report, nil
	}

	if os.IsNotExist(primaryErr) && os.IsNotExist(backupErr) {
		return nil, LoadReport{}, ErrNoState
	}
	return nil, LoadReport{}, &FatalError{
		Op:  "load",
		Err: fmt.Errorf("%w: primary: %v; backup: %v", ErrStateCorrupt, primaryErr, backupErr),
	}
}

// Save stamps and atomically replaces the primary, rotating the previous valid primary into the backup.
func (s *Store) Save(st *models.PersistedState) error {
	if st == nil {
		return &FatalError{Op: "save", Err: errors.New("nil state")}
	}
	st.SchemaVersion = models.SchemaVersion
	st.UpdatedAt = s.now().UTC()
	sum, err := Checksum(st)
	if err != nil {
		return &FatalError{Op: "save", Err: err}
	}
	st.Checksum = sum

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return &FatalError{Op: "save", Err: fmt.Errorf("marshal: %w", err)}
	}

	tmpPath, err := atomicio.Stage(s.primary, data, 0o644)
	if err != nil {
		return &FatalError{Op: "save", Err: err}
	}

	// A corrupt primary must never overwrite a good backup.
	if _, err := readState(s.primary); err == nil {
		if err := atomicio.CopyFile(s.primary, s.backup, 0o644); err != nil {
			os.Remove(tmpPath)
			return &FatalError{Op: "backup", Err: err}
		}
	}

	if err := atomicio.Commit(tmpPath, s.primary); err != nil {
		return &FatalError{Op: "save", Err: err}
	}
	s.log.Debug().Int64("next_signal_id", st.NextSignalID).Msg("state saved")
	return nil
}

// Init writes a fresh state. It refuses to run when any state file exists.
func (s *Store) Init(st *models.PersistedState) error {
	for _, p := range []string{s.primary, s.backup} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("refusing to initialize: %s exists", p)
		}
	}
	return s.Save(st)
}

// RestoreBackup replaces the primary with a validated backup. Operator action.
func (s *Store) RestoreBackup() (*models.PersistedState, error) {
	st, err := readState(s.backup)
	if err != nil {
		return nil, fmt.Errorf("backup unusable: %w", err)
	}
	if err := atomicio.CopyFile(s.backup, s.primary, 0o644); err != nil {
		return nil, fmt.Errorf("restore backup: %w", err)
	}
	s.log.Warn().Str("backup", s.backup).Msg("primary state restored from backup")
	return st, nil
}

// Verify validates both copies without modifying either.
func (s *Store) Verify() (primaryErr, backupErr error) {
	_, primaryErr = readState(s.primary)
	_, backupErr = readState(s.backup)
	return primaryErr, backupErr
}

// Checksum hashes the state body with the checksum field cleared.
func Checksum(st *models.PersistedState) (string, error) {
	body := *st
	body.Checksum = ""
	data, err := json.Marshal(&body)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func readState(path string) (*models.PersistedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses and structurally validates a state document.
func Decode(data []byte) (*models.PersistedState, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	for _, name := range requiredFields {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("missing required field %q", name)
		}
	}

	var st models.PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if st.SchemaVersion != models.SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d", st.SchemaVersion)
	}
	sum, err := Checksum(&st)
	if err != nil {
		return nil, err
	}
	if sum != st.Checksum {
		return nil, errors.New("checksum mismatch")
	}
	if st.Positions == nil {
		st.Positions = map[int64]*models.Position{}
	}
	if st.Signals == nil {
		st.Signals = []models.Signal{}
	}
	return &st, nil
}
