package installer_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaspa-aio/aioctl/internal/installer"
	"github.com/kaspa-aio/aioctl/internal/installer/installertest"
	"github.com/kaspa-aio/aioctl/internal/orchestrator"
	"github.com/kaspa-aio/aioctl/internal/progress"
	"github.com/kaspa-aio/aioctl/internal/settings"
	"github.com/kaspa-aio/aioctl/internal/versions"
)

func userConfig(kv ...string) settings.Configuration {
	cfg := settings.Configuration{}
	for i := 0; i+1 < len(kv); i += 2 {
		cfg[kv[i]] = settings.Value{Value: kv[i+1], Source: settings.SourceUser}
	}
	return cfg
}

func install(t *testing.T, inst *installer.Installer, req installer.StartRequest) *orchestrator.Run {
	t.Helper()
	run, err := inst.Start(context.Background(), req)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done, err := inst.Wait(ctx, run.ID)
	require.NoError(t, err)
	return done
}

func TestStartRecordsRequestBeforeRun(t *testing.T) {
	inst := installertest.New(t, installertest.NewRuntime())
	dataDir := filepath.Join(t.TempDir(), "node")

	run := install(t, inst, installer.StartRequest{
		Profiles: []string{"core"},
		Config:   userConfig("KASPA_NODE_DATA_DIR", dataDir),
	})
	require.Equal(t, progress.PhaseComplete, run.Phase, "failure: %+v", run.Failure)

	history, err := inst.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, versions.KindAuto, history[0].Kind)
	assert.Equal(t, versions.KindCheckpoint, history[1].Kind)
	assert.Equal(t, versions.KindInstalled, history[2].Kind)
	assert.Equal(t, run.VersionID, history[2].ID)

	cur, err := inst.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, run.VersionID, cur.ID)
}

func TestRestoreReinstallsEarlierVersion(t *testing.T) {
	rt := installertest.NewRuntime()
	inst := installertest.New(t, rt)
	dataDir := filepath.Join(t.TempDir(), "node")
	ctx := context.Background()

	first := install(t, inst, installer.StartRequest{
		Profiles: []string{"core"},
		Config:   userConfig("KASPA_NODE_DATA_DIR", dataDir),
	})
	require.Equal(t, progress.PhaseComplete, first.Phase)
	snap, err := inst.Snapshot(ctx, "core only")
	require.NoError(t, err)

	second := install(t, inst, installer.StartRequest{
		Profiles: []string{"core", "mining"},
		Config:   userConfig("KASPA_NODE_DATA_DIR", dataDir, "STRATUM_MINING_ADDRESS", "kaspa:qzrestore"),
	})
	require.Equal(t, progress.PhaseComplete, second.Phase)

	changes, err := inst.Diff(ctx, snap.ID, second.VersionID)
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	assert.Equal(t, versions.Change{Field: "profile", Key: "mining", Kind: versions.ChangeAdded}, changes[0])

	restored, err := inst.Restore(ctx, snap.ID, false)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	restored, err = inst.Wait(waitCtx, restored.ID)
	require.NoError(t, err)
	require.Equal(t, progress.PhaseComplete, restored.Phase)
	assert.Equal(t, []string{"kaspa-node"}, restored.Services)

	cur, err := inst.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"core"}, cur.Profiles)
	_, hasAddress := cur.Config.Get("STRATUM_MINING_ADDRESS")
	assert.False(t, hasAddress)

	again, err := inst.Snapshot(ctx, "after restore")
	require.NoError(t, err)
	changes, err = inst.Diff(ctx, snap.ID, again.ID)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestRestoreRejectsUnknownAndEmptyVersions(t *testing.T) {
	inst := installertest.New(t, installertest.NewRuntime())
	ctx := context.Background()

	_, err := inst.Restore(ctx, "missing", false)
	assert.True(t, versions.IsNotFound(err))

	empty, err := inst.Snapshot(ctx, "nothing installed")
	require.NoError(t, err)
	_, err = inst.Restore(ctx, empty.ID, false)
	assert.True(t, errors.Is(err, installer.ErrNothingToRestore))
	assert.Nil(t, inst.Status())
}

func TestValidateReportsWithoutTouchingRuntime(t *testing.T) {
	rt := installertest.NewRuntime()
	inst := installertest.New(t, rt)

	v, err := inst.Validate(context.Background(), []string{"core", "mining"}, userConfig(
		"KASPA_NODE_DATA_DIR", filepath.Join(t.TempDir(), "node"),
		"STRATUM_MINING_ADDRESS", "kaspa:qzvalidate",
		"STRATUM_PORT", "80",
		"UNRELATED_KEY", "x",
	))
	require.NoError(t, err)
	assert.False(t, v.Valid())
	assert.Equal(t, []string{"UNRELATED_KEY"}, v.Dropped)
	var keys []string
	for _, issue := range v.Errors {
		keys = append(keys, issue.Key)
	}
	assert.Contains(t, keys, "STRATUM_PORT")
	assert.Equal(t, []string{"kaspa-node", "kaspa-stratum"}, v.Services)
	assert.Empty(t, rt.Ups)
	assert.Empty(t, rt.Pulls)

	history, err := inst.History(context.Background())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStartWhileActiveConflicts(t *testing.T) {
	rt := installertest.NewRuntime()
	release := rt.Hold("kaspa-node")
	defer release()
	inst := installertest.New(t, rt)
	req := installer.StartRequest{
		Profiles: []string{"core"},
		Config:   userConfig("KASPA_NODE_DATA_DIR", filepath.Join(t.TempDir(), "node")),
	}

	run, err := inst.Start(context.Background(), req)
	require.NoError(t, err)
	_, err = inst.Start(context.Background(), req)
	assert.True(t, orchestrator.IsConflict(err))

	release()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done, err := inst.Wait(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.PhaseComplete, done.Phase)
}

func TestConcurrentStartsRecordOneRequest(t *testing.T) {
	rt := installertest.NewRuntime()
	release := rt.Hold("kaspa-node")
	defer release()
	inst := installertest.New(t, rt)
	req := installer.StartRequest{
		Profiles: []string{"core"},
		Config:   userConfig("KASPA_NODE_DATA_DIR", filepath.Join(t.TempDir(), "node")),
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		accepted  []*orchestrator.Run
		conflicts int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := inst.Start(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted = append(accepted, run)
			case orchestrator.IsConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected start error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, accepted, 1)
	assert.Equal(t, 15, conflicts)

	release()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done, err := inst.Wait(ctx, accepted[0].ID)
	require.NoError(t, err)
	require.Equal(t, progress.PhaseComplete, done.Phase)

	history, err := inst.History(context.Background())
	require.NoError(t, err)
	auto := 0
	for _, v := range history {
		if v.Kind == versions.KindAuto {
			auto++
		}
	}
	assert.Equal(t, 1, auto)
}

func TestResourceCheckWithoutHost(t *testing.T) {
	inst := installertest.New(t, installertest.NewRuntime())
	report, err := inst.ResourceCheck([]string{"core"}, false)
	require.NoError(t, err)
	assert.Nil(t, report.Host)
	assert.Empty(t, report.Checks)
	assert.Equal(t, []string{"core"}, report.Profiles)
}

func TestStateServicesAndDown(t *testing.T) {
	rt := installertest.NewRuntime()
	inst := installertest.New(t, rt)
	ctx := context.Background()

	hs, err := inst.State(ctx)
	require.NoError(t, err)
	assert.Nil(t, hs.Record)
	assert.Nil(t, hs.Current)
	ids, err := inst.Down(ctx, true, io.Discard)
	require.NoError(t, err)
	assert.Empty(t, ids)

	run := install(t, inst, installer.StartRequest{
		Profiles: []string{"core", "mining"},
		Config: userConfig(
			"KASPA_NODE_DATA_DIR", filepath.Join(t.TempDir(), "node"),
			"STRATUM_MINING_ADDRESS", "kaspa:qzdown",
		),
	})
	require.Equal(t, progress.PhaseComplete, run.Phase)

	hs, err = inst.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, hs.Record)
	assert.Equal(t, run.ID, hs.Record.RunID)
	assert.Nil(t, hs.Intervention)

	services, err := inst.Services(ctx)
	require.NoError(t, err)
	assert.Equal(t, []installer.ServiceState{
		{ID: "kaspa-node", Status: "healthy"},
		{ID: "kaspa-stratum", Status: "healthy"},
	}, services)

	ids, err = inst.Down(ctx, true, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"kaspa-stratum", "kaspa-node"}, ids)
	assert.Equal(t, []string{"kaspa-stratum", "kaspa-node"}, rt.Removed)

	services, err = inst.Services(ctx)
	require.NoError(t, err)
	assert.Equal(t, "missing", services[0].Status)
}

func TestDownOnlyNamedServices(t *testing.T) {
	rt := installertest.NewRuntime()
	inst := installertest.New(t, rt)
	ctx := context.Background()

	run := install(t, inst, installer.StartRequest{
		Profiles: []string{"core", "mining"},
		Config: userConfig(
			"KASPA_NODE_DATA_DIR", filepath.Join(t.TempDir(), "node"),
			"STRATUM_MINING_ADDRESS", "kaspa:qzonly",
		),
	})
	require.Equal(t, progress.PhaseComplete, run.Phase)
	stops := len(rt.Stops)

	_, err := inst.Down(ctx, false, io.Discard, "portainer")
	assert.ErrorIs(t, err, installer.ErrUnknownService)
	_, err = inst.Down(ctx, false, io.Discard, "kaspa-explorer")
	assert.ErrorIs(t, err, installer.ErrNotInstalled)
	assert.Len(t, rt.Stops, stops)

	ids, err := inst.Down(ctx, false, io.Discard, "kaspa-stratum")
	require.NoError(t, err)
	assert.Equal(t, []string{"kaspa-stratum"}, ids)
	require.Len(t, rt.Stops, stops+1)
	assert.Equal(t, []string{"kaspa-stratum"}, rt.Stops[stops])

	services, err := inst.Services(ctx)
	require.NoError(t, err)
	assert.Equal(t, []installer.ServiceState{
		{ID: "kaspa-node", Status: "healthy"},
		{ID: "kaspa-stratum", Status: "missing"},
	}, services)
}
