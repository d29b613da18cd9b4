// Package versions keeps the append-only history of configurations and the
// pointer to the one currently installed.
package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/kaspa-aio/aioctl/internal/catalog"
	"github.com/kaspa-aio/aioctl/internal/settings"
	"github.com/kaspa-aio/aioctl/internal/state"
)

const (
	prefixVersion = "versions/seq/"
	prefixID      = "versions/id/"
	keyCurrent    = "versions/current"
	keySeq        = "versions/last-seq"
)

// Kind tells why a version was created.
type Kind string

const (
	// KindAuto is recorded automatically before a run starts.
	KindAuto Kind = "auto"
	// KindSnapshot is taken on user request.
	KindSnapshot Kind = "snapshot"
	// KindCheckpoint is a restore point taken before a run mutates anything.
	KindCheckpoint Kind = "checkpoint"
	// KindInstalled is committed when a run completes.
	KindInstalled Kind = "installed"
)

// ConfigVersion is an immutable configuration snapshot.
type ConfigVersion struct {
	ID        string                 `json:"id"`
	Seq       uint64                 `json:"seq"`
	Kind      Kind                   `json:"kind"`
	Label     string                 `json:"label,omitempty"`
	RunID     string                 `json:"runId,omitempty"`
	Profiles  []string               `json:"profiles"`
	Config    settings.Configuration `json:"config"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Restorable reports whether the version is a checkpoint.
func (v *ConfigVersion) Restorable() bool { return v.Kind == KindCheckpoint }

// Redacted returns a copy with password values masked.
func (v *ConfigVersion) Redacted(cat *catalog.Catalog) *ConfigVersion {
	cp := *v
	cp.Config = v.Config.Redacted(cat)
	return &cp
}

// Entry is the content of a new version.
type Entry struct {
	Label    string
	RunID    string
	Profiles []string
	Config   settings.Configuration
}

// NotFoundError reports an unknown version id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("config version %q not found", e.ID)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// Store is the only writer of version history. History entries are never
// modified; restoring moves the current pointer.
type Store struct {
	st     *state.Store
	cat    *catalog.Catalog
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// New constructs a Store on st. cat identifies password settings for Diff.
func New(st *state.Store, cat *catalog.Catalog, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{st: st, cat: cat, logger: logger, now: time.Now}
}

// Record appends an automatic history entry.
func (s *Store) Record(ctx context.Context, e Entry) (*ConfigVersion, error) {
	return s.appendVersion(ctx, KindAuto, e, false)
}

// Snapshot appends a copy of the current configuration under label. With
// nothing installed yet the snapshot is empty.
func (s *Store) Snapshot(ctx context.Context, label string) (*ConfigVersion, error) {
	return s.copyCurrent(ctx, KindSnapshot, label)
}

// Checkpoint appends a restore point holding the current configuration.
func (s *Store) Checkpoint(ctx context.Context, label string) (*ConfigVersion, error) {
	return s.copyCurrent(ctx, KindCheckpoint, label)
}

// Commit appends e as the installed configuration and moves the pointer to it.
func (s *Store) Commit(ctx context.Context, e Entry) (*ConfigVersion, error) {
	return s.appendVersion(ctx, KindInstalled, e, true)
}

func (s *Store) copyCurrent(ctx context.Context, kind Kind, label string) (*ConfigVersion, error) {
	cur, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	e := Entry{Label: label, Config: settings.Configuration{}}
	if cur != nil {
		e.Profiles = cur.Profiles
		e.Config = cur.Config
	}
	return s.appendVersion(ctx, kind, e, false)
}

func (s *Store) appendVersion(ctx context.Context, kind Kind, e Entry, makeCurrent bool) (*ConfigVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := e.Config.Clone()
	if cfg == nil {
		cfg = settings.Configuration{}
	}
	v := &ConfigVersion{
		ID:        uuid.NewString(),
		Kind:      kind,
		Label:     e.Label,
		RunID:     e.RunID,
		Profiles:  append([]string{}, e.Profiles...),
		Config:    cfg,
		CreatedAt: s.now().UTC(),
	}
	err := s.st.Update(ctx, func(txn *badger.Txn) error {
		var last uint64
		if _, err := state.GetJSON(txn, keySeq, &last); err != nil {
			return err
		}
		v.Seq = last + 1
		if err := state.PutJSON(txn, keySeq, v.Seq); err != nil {
			return err
		}
		if err := state.PutJSON(txn, seqKey(v.Seq), v); err != nil {
			return err
		}
		if err := state.PutJSON(txn, prefixID+v.ID, v.Seq); err != nil {
			return err
		}
		if makeCurrent {
			return state.PutJSON(txn, keyCurrent, v.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store %s version: %w", kind, err)
	}
	s.logger.Info("config version recorded", "version", v.ID, "seq", v.Seq, "kind", kind, "label", v.Label, "current", makeCurrent)
	return v, nil
}

// SetCurrent moves the current pointer to an existing version.
func (s *Store) SetCurrent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.st.Update(ctx, func(txn *badger.Txn) error {
		if _, err := getByID(txn, id); err != nil {
			return err
		}
		return state.PutJSON(txn, keyCurrent, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info("current config version moved", "version", id)
	return nil
}

// Current returns the version the pointer names, or nil before the first install.
func (s *Store) Current(ctx context.Context) (*ConfigVersion, error) {
	var out *ConfigVersion
	err := s.st.View(ctx, func(txn *badger.Txn) error {
		var id string
		found, err := state.GetJSON(txn, keyCurrent, &id)
		if err != nil || !found {
			return err
		}
		out, err = getByID(txn, id)
		return err
	})
	return out, err
}

// Get returns the version with id.
func (s *Store) Get(ctx context.Context, id string) (*ConfigVersion, error) {
	var out *ConfigVersion
	err := s.st.View(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = getByID(txn, id)
		return err
	})
	return out, err
}

// List returns the whole history, oldest first.
func (s *Store) List(ctx context.Context) ([]*ConfigVersion, error) {
	var out []*ConfigVersion
	err := s.st.View(ctx, func(txn *badger.Txn) error {
		return state.Scan(txn, prefixVersion, func(key string, val []byte) error {
			var v ConfigVersion
			if err := json.Unmarshal(val, &v); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, &v)
			return nil
		})
	})
	return out, err
}

// Checkpoints returns the restore points, oldest first.
func (s *Store) Checkpoints(ctx context.Context) ([]*ConfigVersion, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, v := range all {
		if v.Restorable() {
			out = append(out, v)
		}
	}
	return out, nil
}

// Diff compares two stored versions.
func (s *Store) Diff(ctx context.Context, fromID, toID string) ([]Change, error) {
	from, err := s.Get(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.Get(ctx, toID)
	if err != nil {
		return nil, err
	}
	return Diff(from, to, s.isSecret), nil
}

func (s *Store) isSecret(key string) bool {
	if s.cat == nil {
		return false
	}
	st, ok := s.cat.Setting(key)
	return ok && st.Kind == catalog.KindPassword
}

func getByID(txn *badger.Txn, id string) (*ConfigVersion, error) {
	var seq uint64
	found, err := state.GetJSON(txn, prefixID+id, &seq)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{ID: id}
	}
	var v ConfigVersion
	found, err = state.GetJSON(txn, seqKey(seq), &v)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &NotFoundError{ID: id}
	}
	return &v, nil
}

// Zero padding keeps badger's lexical key order equal to append order.
func seqKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", prefixVersion, seq)
}

// ChangeKind classifies one difference.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeChanged ChangeKind = "changed"
)

// Change is one entry of a structured diff. Field is "profile" or "setting".
type Change struct {
	Field string     `json:"field"`
	Key   string     `json:"key"`
	Kind  ChangeKind `json:"kind"`
	Old   string     `json:"old,omitempty"`
	New   string     `json:"new,omitempty"`
}

func (c Change) String() string {
	switch c.Kind {
	case ChangeAdded:
		return fmt.Sprintf("+ %s %s=%s", c.Field, c.Key, c.New)
	case ChangeRemoved:
		return fmt.Sprintf("- %s %s=%s", c.Field, c.Key, c.Old)
	default:
		return fmt.Sprintf("~ %s %s: %s -> %s", c.Field, c.Key, c.Old, c.New)
	}
}

// Diff lists what changes going from a to b: profiles first, then settings,
// each sorted by key. Values of keys for which secret returns true are masked.
func Diff(a, b *ConfigVersion, secret func(key string) bool) []Change {
	var out []Change

	profilesA := toSet(a.Profiles)
	profilesB := toSet(b.Profiles)
	for _, p := range sortedUnion(profilesA, profilesB) {
		_, inA := profilesA[p]
		_, inB := profilesB[p]
		switch {
		case inA && !inB:
			out = append(out, Change{Field: "profile", Key: p, Kind: ChangeRemoved})
		case inB && !inA:
			out = append(out, Change{Field: "profile", Key: p, Kind: ChangeAdded})
		}
	}

	valuesA := a.Config.Values()
	valuesB := b.Config.Values()
	keys := make(map[string]struct{}, len(valuesA)+len(valuesB))
	for k := range valuesA {
		keys[k] = struct{}{}
	}
	for k := range valuesB {
		keys[k] = struct{}{}
	}
	for _, k := range sortedKeys(keys) {
		oldV, inA := valuesA[k]
		newV, inB := valuesB[k]
		if secret != nil && secret(k) {
			if inA {
				oldV = settings.Mask
			}
			if inB {
				newV = settings.Mask
			}
		}
		switch {
		case inA && !inB:
			out = append(out, Change{Field: "setting", Key: k, Kind: ChangeRemoved, Old: oldV})
		case inB && !inA:
			out = append(out, Change{Field: "setting", Key: k, Kind: ChangeAdded, New: newV})
		case valuesA[k] != valuesB[k]:
			out = append(out, Change{Field: "setting", Key: k, Kind: ChangeChanged, Old: oldV, New: newV})
		}
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func sortedUnion(a, b map[string]struct{}) []string {
	all := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		all[k] = struct{}{}
	}
	for k := range b {
		all[k] = struct{}{}
	}
	return sortedKeys(all)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
