// Package progress fans installation events out to subscribers without ever
// blocking the publisher.
package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Phase is an installation run state.
type Phase string

const (
	PhaseValidating                   Phase = "Validating"
	PhaseGeneratingConfig             Phase = "GeneratingConfig"
	PhaseAcquiringImages              Phase = "AcquiringImages"
	PhaseStartingInfrastructure       Phase = "StartingInfrastructure"
	PhaseAwaitingInfrastructureHealth Phase = "AwaitingInfrastructureHealth"
	PhaseStartingApplications         Phase = "StartingApplications"
	PhaseAwaitingApplicationHealth    Phase = "AwaitingApplicationHealth"
	PhaseVerifying                    Phase = "Verifying"
	PhaseComplete                     Phase = "Complete"
	PhaseFailed                       Phase = "Failed"
	PhaseRollingBack                  Phase = "RollingBack"
	PhaseRolledBack                   Phase = "RolledBack"
	PhaseNeedsIntervention            Phase = "NeedsIntervention"
)

var phaseRank = map[Phase]int{
	PhaseValidating:                   1,
	PhaseGeneratingConfig:             2,
	PhaseAcquiringImages:              3,
	PhaseStartingInfrastructure:       4,
	PhaseAwaitingInfrastructureHealth: 5,
	PhaseStartingApplications:         6,
	PhaseAwaitingApplicationHealth:    7,
	PhaseVerifying:                    8,
	PhaseComplete:                     9,
	PhaseFailed:                       10,
	PhaseRollingBack:                  11,
	PhaseRolledBack:                   12,
	PhaseNeedsIntervention:            13,
}

// Rank orders phases along every legal path through a run. Unknown phases rank 0.
func (p Phase) Rank() int { return phaseRank[p] }

// Terminal reports whether a run in phase p has ended.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseComplete, PhaseRolledBack, PhaseNeedsIntervention:
		return true
	}
	return false
}

// Kind distinguishes events.
type Kind string

const (
	KindPhase    Kind = "phase"
	KindService  Kind = "service"
	KindLog      Kind = "log"
	KindStep     Kind = "step"
	KindSnapshot Kind = "snapshot"
)

// Event is one progress update.
type Event struct {
	Seq     uint64    `json:"seq"`
	RunID   string    `json:"runId"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Phase   Phase     `json:"phase,omitempty"`
	Service string    `json:"service,omitempty"`
	Status  string    `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
	Error   string    `json:"error,omitempty"`
	// Snapshot is set on KindSnapshot events.
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// Snapshot is the accumulated state of the current run.
type Snapshot struct {
	RunID    string            `json:"runId"`
	Phase    Phase             `json:"phase"`
	Services map[string]string `json:"services"`
	// Logs holds the most recent log lines.
	Logs      []string  `json:"logs"`
	Error     string    `json:"error,omitempty"`
	Seq       uint64    `json:"seq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Services = make(map[string]string, len(s.Services))
	for k, v := range s.Services {
		out.Services[k] = v
	}
	out.Logs = append([]string(nil), s.Logs...)
	return out
}

const snapshotLogLines = 50

// Subscription receives events on C until Close is called.
type Subscription struct {
	C <-chan Event

	ch chan Event
	b  *Broadcaster
}

// Close stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.unsubscribe(s)
}

// Broadcaster keeps the current run snapshot and delivers events to subscribers.
type Broadcaster struct {
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seq  uint64
	snap Snapshot
	subs map[*Subscription]struct{}
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger: logger,
		now:    time.Now,
		snap:   Snapshot{Services: map[string]string{}},
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber whose first event is the current snapshot.
// buffer bounds the events held for a slow reader; when it overflows, the
// pending events are replaced by a fresh snapshot.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer < 2 {
		buffer = 2
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	ch <- b.snapshotEvent()
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Snapshot returns a copy of the current state.
func (b *Broadcaster) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap.clone()
}

// Publish records ev and delivers it. It never blocks. A phase event that
// would move the current run backwards is dropped and Publish returns false.
// An event for a different run resets the snapshot.
func (b *Broadcaster) Publish(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.RunID != b.snap.RunID {
		b.snap = Snapshot{RunID: ev.RunID, Services: map[string]string{}}
	}
	if ev.Kind == KindPhase && ev.Phase.Rank() < b.snap.Phase.Rank() {
		b.logger.Warn("dropping phase regression", "run_id", ev.RunID, "phase", ev.Phase, "current", b.snap.Phase)
		return false
	}

	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	b.apply(ev)

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.resync(sub)
		}
	}
	return true
}

func (b *Broadcaster) apply(ev Event) {
	s := &b.snap
	s.Seq = ev.Seq
	s.UpdatedAt = ev.Time
	switch ev.Kind {
	case KindPhase:
		s.Phase = ev.Phase
		if ev.Error != "" {
			s.Error = ev.Error
		}
	case KindService:
		s.Services[ev.Service] = ev.Status
	case KindLog:
		line := ev.Message
		if ev.Service != "" {
			line = ev.Service + " | " + line
		}
		s.Logs = append(s.Logs, line)
		if len(s.Logs) > snapshotLogLines {
			s.Logs = append([]string(nil), s.Logs[len(s.Logs)-snapshotLogLines:]...)
		}
	}
}

// resync drops what a lagging subscriber has not read yet and queues a snapshot instead.
func (b *Broadcaster) resync(sub *Subscription) {
	dropped := 0
drain:
	for {
		select {
		case <-sub.ch:
			dropped++
		default:
			break drain
		}
	}
	select {
	case sub.ch <- b.snapshotEvent():
	default:
	}
	b.logger.Debug("subscriber lagged, sent snapshot", "dropped", dropped)
}

func (b *Broadcaster) snapshotEvent() Event {
	snap := b.snap.clone()
	return Event{
		Seq:      b.snap.Seq,
		RunID:    b.snap.RunID,
		Kind:     KindSnapshot,
		Time:     b.now(),
		Phase:    b.snap.Phase,
		Snapshot: &snap,
	}
}
