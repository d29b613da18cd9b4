// Package state persists the version history, the last install record and the
// intervention marker in an embedded badger database.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	keyInstallRecord = "install/record"
	keyIntervention  = "install/intervention"
)

// Store wraps the database. It is safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	path   string
}

// InstallRecord describes the last completed installation.
type InstallRecord struct {
	RunID       string    `json:"runId"`
	VersionID   string    `json:"versionId"`
	Network     string    `json:"network"`
	Profiles    []string  `json:"profiles"`
	CompletedAt time.Time `json:"completedAt"`
}

// InterventionMarker is written when a rollback fails. While it exists, new
// runs are refused unless forced.
type InterventionMarker struct {
	RunID     string    `json:"runId"`
	Phase     string    `json:"phase"`
	Service   string    `json:"service,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// LockedError reports that another process holds the state directory.
type LockedError struct {
	Path string
	Err  error
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("state directory %s is in use by another aioctl process: %v", e.Path, e.Err)
}

func (e *LockedError) Unwrap() error { return e.Err }

// IsLockedError reports whether err is or wraps a LockedError.
func IsLockedError(err error) bool {
	var target *LockedError
	return errors.As(err, &target)
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Open opens the database in dir, creating it when missing. badger holds an
// exclusive lock on dir, so a second process fails with LockedError.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("state directory is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		if strings.Contains(err.Error(), "directory lock") {
			return nil, &LockedError{Path: dir, Err: err}
		}
		return nil, fmt.Errorf("open state database: %w", err)
	}
	return &Store{db: db, logger: logger, path: dir}, nil
}

// OpenInMemory opens a throwaway store. Used by tests and dry runs.
func OpenInMemory(logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory state database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the state directory, empty for in-memory stores.
func (s *Store) Path() string { return s.path }

// Update runs fn in a read-write transaction.
func (s *Store) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// GetJSON decodes the value at key into v. It reports false when the key is absent.
func GetJSON(txn *badger.Txn, key string, v any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

// Scan calls fn for every key with prefix, in key order.
func Scan(txn *badger.Txn, prefix string, fn func(key string, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := string(item.Key())
		if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
			return err
		}
	}
	return nil
}

// InstallRecord returns the last completed install, or nil when none exists.
func (s *Store) InstallRecord(ctx context.Context) (*InstallRecord, error) {
	var rec InstallRecord
	var found bool
	err := s.View(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = GetJSON(txn, keyInstallRecord, &rec)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// SaveInstallRecord replaces the install record.
func (s *Store) SaveInstallRecord(ctx context.Context, rec InstallRecord) error {
	return s.Update(ctx, func(txn *badger.Txn) error {
		return PutJSON(txn, keyInstallRecord, rec)
	})
}

// Intervention returns the pending intervention marker, or nil.
func (s *Store) Intervention(ctx context.Context) (*InterventionMarker, error) {
	var m InterventionMarker
	var found bool
	err := s.View(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = GetJSON(txn, keyIntervention, &m)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &m, nil
}

// SetIntervention records that manual intervention is needed.
func (s *Store) SetIntervention(ctx context.Context, m InterventionMarker) error {
	s.logger.Error("manual intervention required", "run_id", m.RunID, "phase", m.Phase, "service", m.Service, "reason", m.Reason)
	return s.Update(ctx, func(txn *badger.Txn) error {
		return PutJSON(txn, keyIntervention, m)
	})
}

// ClearIntervention removes the marker. Called after a forced run completes.
func (s *Store) ClearIntervention(ctx context.Context) error {
	return s.Update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyIntervention))
	})
}
