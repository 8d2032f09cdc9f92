package transcendence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// DefaultReplyTimeout bounds how long a correlated call waits for its reply.
const DefaultReplyTimeout = 10 * time.Second

// Expectation describes the replies that complete a call. Every type in
// Types, and in ErrorTypes when Field is set, is indexed under
// (type, Field, Key); an empty Field matches on type alone. A keyless call
// only takes error replies that carry no key another call is waiting on.
type Expectation struct {
	Types      []string
	ErrorTypes []string
	Field      string
	Key        string
}

// Reply is the message that completed a call. Err is set when the server
// answered with an error-typed message; that is a normal outcome, not a Go
// error.
type Reply struct {
	Envelope
	Err *ProtocolError
}

// Failed reports whether the server rejected the request.
func (r *Reply) Failed() bool { return r != nil && r.Err != nil }

type indexKey struct {
	msgType string
	field   string
	key     string
}

// PendingCall is a registered one-shot expectation.
type PendingCall struct {
	c       *Correlator
	exp     Expectation
	started time.Time
	timer   *clock.Timer

	once  sync.Once
	done  chan struct{}
	reply *Reply
	err   error
}

// Wait blocks until the call is resolved, fails, or ctx is done.
func (p *PendingCall) Wait(ctx context.Context) (*Reply, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		p.c.fail(p, ctx.Err(), "cancelled")
		<-p.done
		return p.reply, p.err
	}
}

// Cancel deregisters the call; Wait returns ErrConnectionClosed unless the
// call already completed.
func (p *PendingCall) Cancel() {
	p.c.fail(p, ErrConnectionClosed, "cancelled")
}

func (p *PendingCall) finish(r *Reply, err error) bool {
	finished := false
	p.once.Do(func() {
		p.reply, p.err = r, err
		close(p.done)
		finished = true
	})
	return finished
}

// Correlator matches inbound replies to outstanding calls.
type Correlator struct {
	mu      sync.Mutex
	index   map[indexKey][]*PendingCall
	fields  map[string]map[string]int // msgType → key field → registrations
	waiting map[string][]*PendingCall // error type → calls accepting it, oldest first

	clock   clock.Clock
	timeout time.Duration
	metrics *Metrics
	log     zerolog.Logger
}

func NewCorrelator(clk clock.Clock, timeout time.Duration, m *Metrics, log zerolog.Logger) *Correlator {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Correlator{
		index:   make(map[indexKey][]*PendingCall),
		fields:  make(map[string]map[string]int),
		waiting: make(map[string][]*PendingCall),
		clock:   clk,
		timeout: timeout,
		metrics: m,
		log:     log.With().Str("component", "correlator").Logger(),
	}
}

// Expect registers a call. It must be called before the request is sent so
// a fast reply cannot be missed.
func (c *Correlator) Expect(exp Expectation) *PendingCall {
	p := &PendingCall{
		c:       c,
		exp:     exp,
		started: c.clock.Now(),
		done:    make(chan struct{}),
	}
	p.timer = c.clock.AfterFunc(c.timeout, func() {
		c.fail(p, ErrReplyTimeout, "timeout")
	})

	c.mu.Lock()
	for _, t := range p.indexed() {
		k := indexKey{msgType: t, field: exp.Field, key: exp.Key}
		c.index[k] = append(c.index[k], p)
		if c.fields[t] == nil {
			c.fields[t] = make(map[string]int)
		}
		c.fields[t][exp.Field]++
	}
	for _, t := range exp.ErrorTypes {
		c.waiting[t] = append(c.waiting[t], p)
	}
	c.mu.Unlock()
	return p
}

// Resolve completes the oldest call matching env. It reports whether a call
// was completed.
func (c *Correlator) Resolve(env Envelope) bool {
	c.mu.Lock()
	var match *PendingCall
	for field := range c.fields[env.Type] {
		key := ""
		if field != "" {
			if key = env.Str(field); key == "" {
				continue
			}
		}
		if calls := c.index[indexKey{msgType: env.Type, field: field, key: key}]; len(calls) > 0 {
			if match == nil || calls[0].started.Before(match.started) {
				match = calls[0]
			}
		}
	}
	// Error replies often omit the key; they go to the oldest call that
	// accepts that error type.
	if match == nil && isErrorType(env.Type) {
		keyed := c.carriesKeyLocked(env)
		for _, p := range c.waiting[env.Type] {
			if (p.exp.Field == "" && !keyed) || (p.exp.Field != "" && env.Str(p.exp.Field) == "") {
				match = p
				break
			}
		}
	}
	if match != nil {
		c.removeLocked(match)
	}
	c.mu.Unlock()

	if match == nil {
		return false
	}
	r := &Reply{Envelope: env}
	outcome := "ok"
	if isErrorType(env.Type) {
		r.Err = &ProtocolError{Type: env.Type, Message: env.errorMessage()}
		outcome = "error_reply"
	}
	if match.finish(r, nil) {
		match.timer.Stop()
		c.metrics.Calls.WithLabelValues(outcome).Inc()
		c.metrics.CallDuration.Observe(c.clock.Since(match.started).Seconds())
	}
	return true
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.allLocked())
}

// CancelAll fails every outstanding call with err.
func (c *Correlator) CancelAll(err error) {
	c.mu.Lock()
	all := c.allLocked()
	c.mu.Unlock()
	for _, p := range all {
		c.fail(p, err, "cancelled")
	}
}

func (c *Correlator) fail(p *PendingCall, err error, outcome string) {
	c.mu.Lock()
	c.removeLocked(p)
	c.mu.Unlock()
	if p.finish(nil, err) {
		p.timer.Stop()
		c.metrics.Calls.WithLabelValues(outcome).Inc()
		c.log.Debug().Err(err).Strs("types", p.exp.Types).Str("key", p.exp.Key).Msg("call failed")
	}
}

func (c *Correlator) removeLocked(p *PendingCall) {
	for _, t := range p.indexed() {
		k := indexKey{msgType: t, field: p.exp.Field, key: p.exp.Key}
		calls := c.index[k]
		for i, q := range calls {
			if q == p {
				calls = append(calls[:i:i], calls[i+1:]...)
				if n := c.fields[t][p.exp.Field] - 1; n > 0 {
					c.fields[t][p.exp.Field] = n
				} else {
					delete(c.fields[t], p.exp.Field)
					if len(c.fields[t]) == 0 {
						delete(c.fields, t)
					}
				}
				break
			}
		}
		if len(calls) == 0 {
			delete(c.index, k)
		} else {
			c.index[k] = calls
		}
	}
	for _, t := range p.exp.ErrorTypes {
		calls := c.waiting[t]
		for i, q := range calls {
			if q == p {
				calls = append(calls[:i:i], calls[i+1:]...)
				break
			}
		}
		if len(calls) == 0 {
			delete(c.waiting, t)
		} else {
			c.waiting[t] = calls
		}
	}
}

// carriesKeyLocked reports whether env holds a value for any field that an
// outstanding call of its type is keyed on.
func (c *Correlator) carriesKeyLocked(env Envelope) bool {
	for field := range c.fields[env.Type] {
		if field != "" && env.Str(field) != "" {
			return true
		}
	}
	return false
}

// indexed lists the types p is registered under in the index.
func (p *PendingCall) indexed() []string {
	if p.exp.Field == "" {
		return p.exp.Types
	}
	return append(append([]string(nil), p.exp.Types...), p.exp.ErrorTypes...)
}

// allLocked returns every outstanding call once.
func (c *Correlator) allLocked() []*PendingCall {
	seen := make(map[*PendingCall]struct{})
	var all []*PendingCall
	add := func(calls []*PendingCall) {
		for _, p := range calls {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				all = append(all, p)
			}
		}
	}
	for _, calls := range c.index {
		add(calls)
	}
	for _, calls := range c.waiting {
		add(calls)
	}
	return all
}
