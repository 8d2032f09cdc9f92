package transcendence

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultQueueCapacity is the number of actions buffered while offline.
const DefaultQueueCapacity = 256

// Action is the send half of a caller operation. It runs once the channel is
// open; waiting for the reply is the caller's business.
type Action func(ctx context.Context) error

type pendingAction struct {
	id     uuid.UUID
	ctx    context.Context
	action Action
	done   chan error
}

// ActionQueue runs actions immediately while the channel is open and buffers
// them in submission order otherwise.
type ActionQueue struct {
	mu       sync.Mutex
	pending  []*pendingAction
	capacity int

	open    func() bool
	connect func() error

	metrics *Metrics
	log     zerolog.Logger
}

func NewActionQueue(open func() bool, connect func() error, capacity int, m *Metrics, log zerolog.Logger) *ActionQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &ActionQueue{
		capacity: capacity,
		open:     open,
		connect:  connect,
		metrics:  m,
		log:      log.With().Str("component", "queue").Logger(),
	}
}

// Run executes a now if the channel is open and nothing is queued ahead of
// it. Otherwise a is queued, a connection is requested and Run blocks until
// the action has run, the queue is cleared or ctx is done.
func (q *ActionQueue) Run(ctx context.Context, a Action) error {
	q.mu.Lock()
	if len(q.pending) == 0 && q.open() {
		q.mu.Unlock()
		return a(ctx)
	}
	if len(q.pending) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	p := &pendingAction{id: uuid.New(), ctx: ctx, action: a, done: make(chan error, 1)}
	q.pending = append(q.pending, p)
	q.metrics.QueueDepth.Set(float64(len(q.pending)))
	q.mu.Unlock()

	q.log.Debug().Str("action_id", p.id.String()).Msg("action queued")
	if err := q.connect(); err != nil {
		if q.remove(p) {
			return err
		}
		return <-p.done
	}
	// The channel may have opened between the check above and the enqueue.
	if q.open() {
		go q.Drain()
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		if q.remove(p) {
			return ctx.Err()
		}
		return <-p.done
	}
}

// Drain runs queued actions in insertion order while the channel stays
// open. Each action only sends, so no action waits on another's reply.
func (q *ActionQueue) Drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || !q.open() {
			q.mu.Unlock()
			return
		}
		p := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.metrics.QueueDepth.Set(float64(len(q.pending)))
		// Running under the lock keeps concurrent drains in order.
		err := p.action(p.ctx)
		q.mu.Unlock()

		q.log.Debug().Str("action_id", p.id.String()).Err(err).Msg("action replayed")
		p.done <- err
	}
}

// Clear rejects every queued action with err.
func (q *ActionQueue) Clear(err error) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.metrics.QueueDepth.Set(0)
	q.mu.Unlock()

	for _, p := range pending {
		p.done <- err
	}
	if len(pending) > 0 {
		q.log.Info().Int("count", len(pending)).Err(err).Msg("queue cleared")
	}
}

func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *ActionQueue) remove(p *pendingAction) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.pending {
		if cur == p {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			q.metrics.QueueDepth.Set(float64(len(q.pending)))
			return true
		}
	}
	return false
}
