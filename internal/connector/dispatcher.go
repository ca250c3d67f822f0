package connector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netplay-project/netplay/internal/network"
	"github.com/netplay-project/netplay/internal/protocol"
	"github.com/netplay-project/netplay/internal/telemetry"
	"github.com/netplay-project/netplay/internal/util"
)

// Listener receives one inbound message on the frame loop goroutine.
type Listener func(in *protocol.Inbound)

// anyType registers a listener for every message type.
const anyType protocol.MessageType = "*"

type listenerEntry struct {
	name string
	fn   Listener
}

// Dispatcher drains a client's inbox on the caller's goroutine and hands
// each message to the listeners registered for its type. Listeners never
// run on the network goroutine.
type Dispatcher struct {
	mu        sync.RWMutex
	inbox     *network.Queue[*protocol.Inbound]
	listeners map[protocol.MessageType][]listenerEntry
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher reading from inbox.
func NewDispatcher(inbox *network.Queue[*protocol.Inbound], metrics *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{
		inbox:     inbox,
		listeners: make(map[protocol.MessageType][]listenerEntry),
		metrics:   metrics,
		logger:    util.ComponentLogger("dispatcher"),
	}
}

// On registers fn for msgType under name. Registering the same name twice
// for a type replaces the earlier listener.
func (d *Dispatcher) On(msgType protocol.MessageType, name string, fn Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.listeners[msgType]
	for i, e := range entries {
		if e.name == name {
			entries[i].fn = fn
			return
		}
	}
	d.listeners[msgType] = append(entries, listenerEntry{name: name, fn: fn})
}

// OnAny registers fn for every message, after the type specific listeners.
func (d *Dispatcher) OnAny(name string, fn Listener) {
	d.On(anyType, name, fn)
}

// Off removes every listener registered under name.
func (d *Dispatcher) Off(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for t, entries := range d.listeners {
		kept := entries[:0]
		for _, e := range entries {
			if e.name != name {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(d.listeners, t)
		} else {
			d.listeners[t] = kept
		}
	}
}

// OnMessage registers a listener that receives the decoded message as M.
// Messages of msgType that do not decode to M are ignored.
func OnMessage[M protocol.Message](d *Dispatcher, msgType protocol.MessageType, name string, fn func(M)) {
	d.On(msgType, name, func(in *protocol.Inbound) {
		if m, ok := in.Message.(M); ok {
			fn(m)
		}
	})
}

// Pump dispatches up to max queued messages, or all of them if max <= 0,
// and returns how many were dispatched.
func (d *Dispatcher) Pump(max int) int {
	n := 0
	for max <= 0 || n < max {
		in, ok := d.inbox.Pop()
		if !ok {
			break
		}
		d.dispatch(in)
		n++
	}
	if n > 0 {
		d.metrics.SetInboxDepth(d.inbox.Len())
	}
	return n
}

// Run pumps the inbox every tick until ctx ends. batch bounds the work per
// tick, as Pump's max does.
func (d *Dispatcher) Run(ctx context.Context, tick time.Duration, batch int) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Pump(batch)
		}
	}
}

func (d *Dispatcher) dispatch(in *protocol.Inbound) {
	d.mu.RLock()
	typed := d.listeners[in.Envelope.Type]
	all := d.listeners[anyType]
	entries := make([]listenerEntry, 0, len(typed)+len(all))
	entries = append(entries, typed...)
	entries = append(entries, all...)
	d.mu.RUnlock()

	for _, e := range entries {
		d.invoke(e, in)
	}
}

func (d *Dispatcher) invoke(e listenerEntry, in *protocol.Inbound) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("listener", e.name).
				Str("type", string(in.Envelope.Type)).
				Interface("panic", r).
				Msg("listener panicked")
		}
	}()
	e.fn(in)
}
