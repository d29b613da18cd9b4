package state

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaspa-aio/aioctl/internal/logging"
)

func TestInstallRecordPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, logging.Discard())
	require.NoError(t, err)

	rec, err := s.InstallRecord(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	want := InstallRecord{
		RunID:       "run-1",
		VersionID:   "v-1",
		Network:     "mainnet",
		Profiles:    []string{"core", "explorer"},
		CompletedAt: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveInstallRecord(ctx, want))
	require.NoError(t, s.Close())

	s, err = Open(dir, logging.Discard())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.InstallRecord(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Profiles, got.Profiles)
	assert.True(t, want.CompletedAt.Equal(got.CompletedAt))
	assert.Equal(t, "mainnet", got.Network)
}

func TestSecondOpenIsLocked(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, logging.Discard())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = Open(dir, logging.Discard())
	require.Error(t, err)
	assert.True(t, IsLockedError(err), "got %v", err)
}

func TestInterventionMarker(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(logging.Discard())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	m, err := s.Intervention(ctx)
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, s.SetIntervention(ctx, InterventionMarker{RunID: "r", Phase: "RollingBack", Reason: "stop failed"}))
	m, err = s.Intervention(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "stop failed", m.Reason)

	require.NoError(t, s.ClearIntervention(ctx))
	m, err = s.Intervention(ctx)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestScanInKeyOrder(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(logging.Discard())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Update(ctx, func(txn *badger.Txn) error {
		for _, k := range []string{"p/2", "p/1", "q/1", "p/3"} {
			if err := PutJSON(txn, k, k); err != nil {
				return err
			}
		}
		return nil
	}))

	var keys []string
	require.NoError(t, s.View(ctx, func(txn *badger.Txn) error {
		return Scan(txn, "p/", func(key string, _ []byte) error {
			keys = append(keys, key)
			return nil
		})
	}))
	assert.Equal(t, []string{"p/1", "p/2", "p/3"}, keys)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, s.View(cancelled, func(*badger.Txn) error { return nil }))
}
