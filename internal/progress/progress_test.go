package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaspa-aio/aioctl/internal/logging"
)

func phase(run string, p Phase) Event { return Event{RunID: run, Kind: KindPhase, Phase: p} }

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	return Event{}
}

func TestSubscribeStartsWithSnapshot(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	b.Publish(phase("r1", PhaseValidating))
	b.Publish(phase("r1", PhaseGeneratingConfig))
	b.Publish(Event{RunID: "r1", Kind: KindService, Service: "kaspa-node", Status: "pulled"})

	sub := b.Subscribe(8)
	defer sub.Close()

	first := recv(t, sub)
	assert.Equal(t, KindSnapshot, first.Kind)
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, PhaseGeneratingConfig, first.Snapshot.Phase)
	assert.Equal(t, "pulled", first.Snapshot.Services["kaspa-node"])
	assert.Equal(t, uint64(3), first.Seq)

	b.Publish(phase("r1", PhaseAcquiringImages))
	next := recv(t, sub)
	assert.Equal(t, KindPhase, next.Kind)
	assert.Equal(t, PhaseAcquiringImages, next.Phase)
	assert.Equal(t, uint64(4), next.Seq)
}

func TestPhaseRegressionDropped(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	sub := b.Subscribe(8)
	defer sub.Close()
	recv(t, sub)

	assert.True(t, b.Publish(phase("r1", PhaseStartingApplications)))
	assert.False(t, b.Publish(phase("r1", PhaseAcquiringImages)))
	assert.True(t, b.Publish(phase("r1", PhaseFailed)))

	assert.Equal(t, PhaseStartingApplications, recv(t, sub).Phase)
	assert.Equal(t, PhaseFailed, recv(t, sub).Phase)
	assert.Equal(t, PhaseFailed, b.Snapshot().Phase)
}

func TestNewRunResetsSnapshot(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	b.Publish(phase("r1", PhaseComplete))
	b.Publish(Event{RunID: "r1", Kind: KindService, Service: "a", Status: "healthy"})

	assert.True(t, b.Publish(phase("r2", PhaseValidating)))
	snap := b.Snapshot()
	assert.Equal(t, "r2", snap.RunID)
	assert.Equal(t, PhaseValidating, snap.Phase)
	assert.Empty(t, snap.Services)
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	slow := b.Subscribe(2)
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		b.Publish(phase("r1", PhaseValidating))
		for i := 0; i < 1000; i++ {
			b.Publish(Event{RunID: "r1", Kind: KindLog, Service: "timescaledb", Message: fmt.Sprintf("line %d", i)})
		}
		b.Publish(phase("r1", PhaseAcquiringImages))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked")
	}

	// The stale backlog was replaced by a snapshot, followed by at most one live event.
	var queued []Event
	for len(slow.C) > 0 {
		queued = append(queued, <-slow.C)
	}
	require.NotEmpty(t, queued)
	require.LessOrEqual(t, len(queued), 2)
	assert.Equal(t, KindSnapshot, queued[0].Kind)

	last := queued[len(queued)-1]
	if last.Kind == KindSnapshot {
		assert.Equal(t, PhaseAcquiringImages, last.Snapshot.Phase)
	} else {
		assert.Equal(t, PhaseAcquiringImages, last.Phase)
	}

	snap := b.Snapshot()
	assert.Len(t, snap.Logs, snapshotLogLines)
	assert.Equal(t, "timescaledb | line 999", snap.Logs[snapshotLogLines-1])
}

func TestSubscriberNeverSeesPhaseGoBackwards(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	sub := b.Subscribe(4)
	defer sub.Close()

	phases := []Phase{
		PhaseValidating, PhaseGeneratingConfig, PhaseValidating, PhaseAcquiringImages,
		PhaseStartingInfrastructure, PhaseGeneratingConfig, PhaseFailed, PhaseRollingBack, PhaseRolledBack,
	}
	go func() {
		for _, p := range phases {
			b.Publish(phase("r1", p))
		}
	}()

	highest := 0
	for {
		ev := recv(t, sub)
		p := ev.Phase
		assert.GreaterOrEqual(t, p.Rank(), highest, "phase went backwards to %s", p)
		if p.Rank() > highest {
			highest = p.Rank()
		}
		if p == PhaseRolledBack {
			break
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := NewBroadcaster(logging.Discard())
	sub := b.Subscribe(2)
	recv(t, sub)
	sub.Close()
	sub.Close()
	_, ok := <-sub.C
	assert.False(t, ok)

	other := b.Subscribe(2)
	b.Close()
	recv(t, other)
	_, ok = <-other.C
	assert.False(t, ok)
	assert.True(t, b.Publish(phase("r1", PhaseValidating)))
}

func TestTerminalPhases(t *testing.T) {
	assert.True(t, PhaseComplete.Terminal())
	assert.True(t, PhaseRolledBack.Terminal())
	assert.True(t, PhaseNeedsIntervention.Terminal())
	assert.False(t, PhaseFailed.Terminal())
	assert.Less(t, PhaseAwaitingApplicationHealth.Rank(), PhaseFailed.Rank())
}
