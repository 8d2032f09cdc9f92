package transcendence

import (
	"sync"

	"github.com/rs/zerolog"
)

// Store is the authoritative in-memory state of a session. All mutation goes
// through Apply/ApplySnapshot/Reset, which serialize the reconciler and
// publish one change event per mutating call.
type Store struct {
	applyMu sync.Mutex // serializes apply+publish so observers see changes in order
	mu      sync.RWMutex
	state   *State

	// Messages applied while a snapshot fetch is in flight. They are replayed
	// over the snapshot, which may predate them.
	marks   int
	journal []Envelope

	self       func() string
	dispatcher *Dispatcher
	metrics    *Metrics
	log        zerolog.Logger
}

func NewStore(self func() string, d *Dispatcher, m *Metrics, log zerolog.Logger) *Store {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Store{
		state:      NewState(),
		self:       self,
		dispatcher: d,
		metrics:    m,
		log:        log.With().Str("component", "store").Logger(),
	}
}

// Apply reconciles one inbound message.
func (s *Store) Apply(env Envelope) Outcome {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	out := Reconcile(s.state, env, s.self())
	if s.marks > 0 && !out.Unknown {
		s.journal = append(s.journal, env)
	}
	var view StateView
	if out.Changed {
		view = s.state.View()
	}
	s.mu.Unlock()

	if out.Unknown {
		s.metrics.MessagesDropped.WithLabelValues("unknown").Inc()
		s.log.Warn().Str("type", env.Type).Msg("ignoring message of unknown type")
		return out
	}
	s.metrics.MessagesApplied.WithLabelValues(env.Type).Inc()
	if out.Changed {
		s.log.Debug().Str("type", env.Type).Msg("state changed")
	}
	s.dispatcher.publish(view, out)
	return out
}

// ApplySnapshot replaces the collections with a REST snapshot.
func (s *Store) ApplySnapshot(snap *Snapshot) Outcome {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	out := ApplySnapshot(s.state, snap, s.self())
	view := s.state.View()
	s.mu.Unlock()

	s.publishSnapshot(view, out, 0)
	return out
}

// BeginSnapshot starts journaling applied messages and returns a mark for
// ApplySnapshotSince. Every mark must be released by ApplySnapshotSince or
// EndSnapshot.
func (s *Store) BeginSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks++
	return len(s.journal)
}

// EndSnapshot releases a mark whose fetch failed.
func (s *Store) EndSnapshot() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

// ApplySnapshotSince applies snap, then replays every message applied since
// mark so newer streamed events win over the older snapshot. Replayed
// messages already produced their notices and game starts.
func (s *Store) ApplySnapshotSince(snap *Snapshot, mark int) Outcome {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	out := ApplySnapshot(s.state, snap, s.self())
	if mark > len(s.journal) {
		mark = len(s.journal)
	}
	replay := s.journal[mark:]
	for _, env := range replay {
		if Reconcile(s.state, env, s.self()).Changed {
			out.Changed = true
		}
	}
	s.releaseLocked()
	view := s.state.View()
	s.mu.Unlock()

	s.publishSnapshot(view, out, len(replay))
	return out
}

func (s *Store) releaseLocked() {
	if s.marks > 0 {
		s.marks--
	}
	if s.marks == 0 {
		s.journal = nil
	}
}

func (s *Store) publishSnapshot(view StateView, out Outcome, replayed int) {
	s.log.Debug().
		Int("friends", len(view.Friends)).
		Int("received", len(view.PendingReceived)).
		Int("sent", len(view.PendingSent)).
		Int("invites", len(view.Invites)).
		Int("replayed", replayed).
		Msg("snapshot applied")
	s.dispatcher.publish(view, out)
}

// View returns an immutable copy of the current state.
func (s *Store) View() StateView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.View()
}

// Reset clears every collection (session teardown).
func (s *Store) Reset() {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	s.state = NewState()
	view := s.state.View()
	s.mu.Unlock()
	s.dispatcher.publish(view, Outcome{Changed: true})
}
