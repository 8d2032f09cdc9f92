package transcendence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ReconnectPolicy bounds automatic reconnection.
type ReconnectPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts is the number of consecutive retries before giving up.
	MaxAttempts int
	// MidSessionLimit is the number of consecutive drops of an established
	// connection tolerated before the session is treated as expired.
	MidSessionLimit int
	// StableWindow is how long a connection must stay open for the drop
	// counter to start over.
	StableWindow time.Duration
	DialTimeout  time.Duration
}

func (p *ReconnectPolicy) defaults() {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 10
	}
	if p.MidSessionLimit <= 0 {
		p.MidSessionLimit = 3
	}
	if p.StableWindow <= 0 {
		p.StableWindow = 60 * time.Second
	}
	if p.DialTimeout <= 0 {
		p.DialTimeout = 10 * time.Second
	}
}

// DialFunc opens the underlying channel. It must return once the channel is
// open or has failed.
type DialFunc func(ctx context.Context) error

// Reconnector drives the channel through Closed → Connecting → Open and
// Open → Backoff → Connecting after unexpected closes.
type Reconnector struct {
	mu         sync.Mutex
	state      ConnectionState
	gen        uint64 // bumped by Stop and give-up to orphan timers and dials
	attempts   int
	midSession int
	openedAt   time.Time
	// earlyClose holds a close reported while a dial was still in flight.
	earlyClose error
	timer      *clock.Timer

	policy   ReconnectPolicy
	identity *Identity
	dial     DialFunc
	clock    clock.Clock
	bo       *backoff.ExponentialBackOff

	onOpen   func()
	onStatus func(StatusEvent)

	metrics *Metrics
	log     zerolog.Logger
}

func NewReconnector(id *Identity, dial DialFunc, policy ReconnectPolicy, clk clock.Clock, m *Metrics, log zerolog.Logger) *Reconnector {
	policy.defaults()
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     policy.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         policy.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clk,
	}
	bo.Reset()
	r := &Reconnector{
		state:    StateClosed,
		policy:   policy,
		identity: id,
		dial:     dial,
		clock:    clk,
		bo:       bo,
		metrics:  m,
		log:      log.With().Str("component", "reconnector").Logger(),
	}
	m.RecordState(StateClosed)
	return r
}

// OnOpen sets the callback run after every successful open.
func (r *Reconnector) OnOpen(h func()) {
	r.mu.Lock()
	r.onOpen = h
	r.mu.Unlock()
}

// OnStatus sets the callback run on every state transition.
func (r *Reconnector) OnStatus(h func(StatusEvent)) {
	r.mu.Lock()
	r.onStatus = h
	r.mu.Unlock()
}

func (r *Reconnector) State() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts returns the number of consecutive retries scheduled so far.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Connect starts connecting unless an attempt is already in flight or the
// channel is open.
func (r *Reconnector) Connect() error {
	r.mu.Lock()
	if !r.identity.Authenticated() {
		r.mu.Unlock()
		return ErrNotAuthenticated
	}
	if r.state != StateClosed {
		r.mu.Unlock()
		return nil
	}
	r.attempts = 0
	r.bo.Reset()
	ev := r.setStateLocked(StateConnecting, nil)
	gen := r.gen
	r.mu.Unlock()

	r.emit(ev...)
	go r.attempt(gen)
	return nil
}

// Closed reports an unexpected close of an open channel. A close that races
// a dial still in flight fails that attempt.
func (r *Reconnector) Closed(err error) {
	r.mu.Lock()
	if r.state == StateConnecting {
		if err == nil {
			err = ErrConnectionClosed
		}
		r.earlyClose = err
		r.mu.Unlock()
		return
	}
	if r.state != StateOpen {
		r.mu.Unlock()
		return
	}
	if r.clock.Since(r.openedAt) >= r.policy.StableWindow {
		r.midSession = 0
	}
	r.midSession++
	r.log.Warn().Err(err).Int("drops", r.midSession).Msg("connection lost")

	var evs []StatusEvent
	if r.midSession > r.policy.MidSessionLimit {
		evs = r.giveUpLocked(ErrSessionExpired)
	} else {
		evs = r.retryLocked(err)
	}
	r.mu.Unlock()
	r.emit(evs...)
}

// Stop cancels any pending retry and leaves the controller Closed.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.attempts = 0
	r.midSession = 0
	var evs []StatusEvent
	if r.state != StateClosed {
		evs = r.setStateLocked(StateClosed, nil)
	}
	r.mu.Unlock()
	r.emit(evs...)
}

func (r *Reconnector) attempt(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.state != StateConnecting {
		r.mu.Unlock()
		return
	}
	if !r.identity.Authenticated() {
		evs := r.giveUpLocked(ErrNotAuthenticated)
		r.mu.Unlock()
		r.emit(evs...)
		return
	}
	r.earlyClose = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.policy.DialTimeout)
	err := r.dial(ctx)
	cancel()

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	if err == nil && r.earlyClose != nil {
		err = r.earlyClose
	}
	r.earlyClose = nil
	var evs []StatusEvent
	var onOpen func()
	switch {
	case errors.Is(err, ErrUnauthorized):
		evs = r.giveUpLocked(ErrNotAuthenticated)
	case err != nil:
		r.log.Warn().Err(err).Int("attempt", r.attempts).Msg("connect failed")
		evs = r.retryLocked(err)
	default:
		r.attempts = 0
		r.bo.Reset()
		r.openedAt = r.clock.Now()
		evs = r.setStateLocked(StateOpen, nil)
		onOpen = r.onOpen
	}
	r.mu.Unlock()

	r.emit(evs...)
	if onOpen != nil {
		onOpen()
	}
}

// retryLocked schedules the next attempt at base * 2^attempts, or gives up
// once the ceiling is reached.
func (r *Reconnector) retryLocked(cause error) []StatusEvent {
	if !r.identity.Authenticated() {
		return r.giveUpLocked(ErrNotAuthenticated)
	}
	if r.attempts >= r.policy.MaxAttempts {
		return r.giveUpLocked(ErrRetriesExhausted)
	}
	delay := r.bo.NextBackOff()
	r.attempts++
	r.metrics.ReconnectAttempts.Inc()
	gen := r.gen
	r.timer = r.clock.AfterFunc(delay, func() { r.fire(gen) })
	r.log.Info().Dur("delay", delay).Int("attempt", r.attempts).Msg("reconnect scheduled")
	return r.setStateLocked(StateBackoff, cause)
}

func (r *Reconnector) fire(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.state != StateBackoff {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	evs := r.setStateLocked(StateConnecting, nil)
	r.mu.Unlock()
	r.emit(evs...)
	r.attempt(gen)
}

func (r *Reconnector) giveUpLocked(err error) []StatusEvent {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.attempts = 0
	r.midSession = 0
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNotAuthenticated) {
		r.identity.SetAuthenticated(false)
	}
	r.log.Error().Err(err).Msg("giving up on connection")
	r.state = StateClosed
	r.metrics.RecordState(StateClosed)
	return []StatusEvent{{State: StateClosed, Terminal: true, Err: err}}
}

func (r *Reconnector) setStateLocked(s ConnectionState, err error) []StatusEvent {
	r.state = s
	r.metrics.RecordState(s)
	return []StatusEvent{{State: s, Err: err}}
}

func (r *Reconnector) emit(evs ...StatusEvent) {
	r.mu.Lock()
	h := r.onStatus
	r.mu.Unlock()
	if h == nil {
		return
	}
	for _, ev := range evs {
		h(ev)
	}
}
