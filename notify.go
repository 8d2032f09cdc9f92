package transcendence

import (
	"sync"

	"github.com/rs/zerolog"
)

// Dispatcher fans state changes, notices, game starts and connection status
// out to observers. It never mutates state. Handlers run synchronously in
// registration order on the goroutine that produced the event; a panicking
// handler is logged and skipped.
type Dispatcher struct {
	mu          sync.RWMutex
	onChange    []func(StateView)
	onNotice    []func(Notice)
	onEnterGame []func(GameStart)
	onStatus    []func(StatusEvent)
	generic     map[string][]func(Envelope)
	log         zerolog.Logger
}

func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		generic: make(map[string][]func(Envelope)),
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// OnChange registers a handler for the application-wide "state changed" event.
func (d *Dispatcher) OnChange(h func(StateView)) {
	d.mu.Lock()
	d.onChange = append(d.onChange, h)
	d.mu.Unlock()
}

// OnNotice registers a handler for one-shot user notices.
func (d *Dispatcher) OnNotice(h func(Notice)) {
	d.mu.Lock()
	d.onNotice = append(d.onNotice, h)
	d.mu.Unlock()
}

// OnEnterGame registers the game layer's "enter game" handler.
func (d *Dispatcher) OnEnterGame(h func(GameStart)) {
	d.mu.Lock()
	d.onEnterGame = append(d.onEnterGame, h)
	d.mu.Unlock()
}

// OnStatus registers a handler for connection status changes.
func (d *Dispatcher) OnStatus(h func(StatusEvent)) {
	d.mu.Lock()
	d.onStatus = append(d.onStatus, h)
	d.mu.Unlock()
}

// On registers a handler for every inbound message of msgType, after it has
// been reconciled.
func (d *Dispatcher) On(msgType string, h func(Envelope)) {
	d.mu.Lock()
	d.generic[msgType] = append(d.generic[msgType], h)
	d.mu.Unlock()
}

func (d *Dispatcher) publish(view StateView, out Outcome) {
	d.mu.RLock()
	change := append([]func(StateView){}, d.onChange...)
	notice := append([]func(Notice){}, d.onNotice...)
	games := append([]func(GameStart){}, d.onEnterGame...)
	d.mu.RUnlock()

	if out.Changed {
		for _, h := range change {
			d.call("change", func() { h(view) })
		}
	}
	for _, n := range out.Notices {
		for _, h := range notice {
			d.call("notice", func() { h(n) })
		}
	}
	for _, g := range out.Games {
		for _, h := range games {
			d.call("enter_game", func() { h(g) })
		}
	}
}

func (d *Dispatcher) emitStatus(ev StatusEvent) {
	d.mu.RLock()
	handlers := append([]func(StatusEvent){}, d.onStatus...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call("status", func() { h(ev) })
	}
}

func (d *Dispatcher) emitNotice(n Notice) {
	d.publish(StateView{}, Outcome{Notices: []Notice{n}})
}

func (d *Dispatcher) emitMessage(env Envelope) {
	d.mu.RLock()
	handlers := append([]func(Envelope){}, d.generic[env.Type]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call(env.Type, func() { h(env) })
	}
}

func (d *Dispatcher) call(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("event", event).Msg("observer panicked")
		}
	}()
	fn()
}
