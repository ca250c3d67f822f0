package facts

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/netplay-project/netplay/internal/events"
	"github.com/netplay-project/netplay/internal/protocol"
	"github.com/netplay-project/netplay/internal/telemetry"
	"github.com/netplay-project/netplay/internal/util"
)

// Sender is the transport a Relay writes through. connector.Client
// implements it.
type Sender interface {
	IsConnected() bool
	Send(env *protocol.Envelope) error
}

// PendingFact is an outstanding fact as kept by a Journal: its key and
// the serialized frame that reports it.
type PendingFact struct {
	Key   string
	Frame string
}

// Journal keeps outstanding facts across restarts, so a fact reported
// while offline still reaches the server after the process restarts.
// db.FactsDatabase implements it.
type Journal interface {
	LoadPending() ([]PendingFact, error)
	SavePending(key, frame string) error
	DeletePending(keys []string) error
}

// Outcome is what Report did with a fact.
type Outcome int

const (
	// Suppressed: the fact was already known and nothing was sent.
	Suppressed Outcome = iota
	// Sent: the fact was new and written to the server.
	Sent
	// Pending: the fact was new but the transport is down; it goes out on
	// the next snapshot or Flush.
	Pending
)

var outcomeStrings = map[Outcome]string{
	Suppressed: "suppressed",
	Sent:       "sent",
	Pending:    "pending",
}

func (o Outcome) String() string {
	if s, ok := outcomeStrings[o]; ok {
		return s
	}
	return "unknown"
}

type outstanding struct {
	env  *protocol.Envelope
	sent bool
}

// Relay sends facts through a Sender, consulting the Store first. A fact
// stays outstanding until a server snapshot lists it; outstanding facts
// missing from a snapshot are sent again. With a Journal attached,
// outstanding facts also survive restarts.
type Relay struct {
	mu      sync.Mutex
	store   *Store
	sender  Sender
	bus     *events.EventBus
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	order   []string
	out     map[string]*outstanding
	journal Journal
}

// NewRelay creates a relay. bus and metrics may be nil.
func NewRelay(store *Store, sender Sender, bus *events.EventBus, metrics *telemetry.Metrics) *Relay {
	return &Relay{
		store:   store,
		sender:  sender,
		bus:     bus,
		metrics: metrics,
		logger:  util.ComponentLogger("fact_relay"),
		out:     make(map[string]*outstanding),
	}
}

// Store returns the relay's store.
func (r *Relay) Store() *Store {
	return r.store
}

// Report registers key and, if it is new, sends env.
func (r *Relay) Report(key string, env *protocol.Envelope) Outcome {
	if r.store.Register(key) {
		r.logger.Debug().Str("key", key).Msg("fact already known, suppressed")
		r.metrics.FactSuppressed()
		r.emit(events.EventFactSuppressed, events.FactPayload{Key: key})
		return Suppressed
	}

	r.journalSave(key, env)

	r.mu.Lock()
	r.order = append(r.order, key)
	entry := &outstanding{env: env}
	r.out[key] = entry
	sent := r.sendLocked(key, entry)
	r.metrics.SetFactsPending(len(r.out))
	r.mu.Unlock()

	if !sent {
		r.logger.Info().Str("key", key).Msg("transport down, fact parked")
		r.emit(events.EventFactSent, events.FactPayload{Key: key, Pending: true})
		return Pending
	}
	r.emit(events.EventFactSent, events.FactPayload{Key: key})
	return Sent
}

// ReportItemPickup is Report for the item_pickup message.
func (r *Relay) ReportItemPickup(mapID, eventID int) Outcome {
	key := Key(mapID, eventID)
	return r.Report(key, protocol.NewItemPickup(key, mapID, eventID))
}

// ApplySnapshot loads the server's authoritative key list into the store.
// Outstanding facts listed in it are confirmed; the rest stay known locally
// and outstanding, and those not yet written on this connection are sent.
// It returns how many were sent.
func (r *Relay) ApplySnapshot(keys []string) int {
	r.store.LoadSnapshot(keys)

	listed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		listed[k] = struct{}{}
	}

	r.mu.Lock()
	var confirmed []string
	kept := r.order[:0]
	for _, key := range r.order {
		if _, ok := listed[key]; ok {
			delete(r.out, key)
			confirmed = append(confirmed, key)
			continue
		}
		kept = append(kept, key)
	}
	r.order = kept
	journal := r.journal
	r.mu.Unlock()

	if journal != nil && len(confirmed) > 0 {
		if err := journal.DeletePending(confirmed); err != nil {
			r.logger.Warn().Err(err).Msg("failed to clear confirmed facts from the journal")
		}
	}

	for _, key := range kept {
		r.store.Register(key)
	}

	resent := r.Flush()

	r.logger.Info().
		Int("snapshot", len(keys)).
		Int("resent", resent).
		Msg("fact snapshot applied")
	r.emit(events.EventFactsSnapshot, events.FactsSnapshotPayload{Count: len(keys), Resent: resent})
	return resent
}

// Restore attaches journal and reloads the facts that were still
// outstanding when it was last written. They are marked known and sent on
// the next Flush. Call it after Store.Bootstrap and before connecting.
func (r *Relay) Restore(journal Journal) (int, error) {
	r.mu.Lock()
	r.journal = journal
	r.mu.Unlock()

	pending, err := journal.LoadPending()
	if err != nil {
		return 0, fmt.Errorf("failed to load pending facts: %w", err)
	}

	restored := 0
	for _, p := range pending {
		env, err := protocol.ParseEnvelope(p.Frame)
		if err != nil {
			r.logger.Warn().Err(err).Str("key", p.Key).Msg("dropping unreadable pending fact")
			continue
		}
		r.store.Register(p.Key)

		r.mu.Lock()
		if _, ok := r.out[p.Key]; !ok {
			r.order = append(r.order, p.Key)
			r.out[p.Key] = &outstanding{env: env}
			restored++
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.metrics.SetFactsPending(len(r.out))
	r.mu.Unlock()

	if restored > 0 {
		r.logger.Info().Int("count", restored).Msg("pending facts restored")
	}
	return restored, nil
}

// Flush sends every outstanding fact not yet written on the current
// connection. It returns how many were sent.
func (r *Relay) Flush() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sent := 0
	for _, key := range r.order {
		entry := r.out[key]
		if entry.sent {
			continue
		}
		if !r.sendLocked(key, entry) {
			break
		}
		sent++
	}
	r.metrics.SetFactsPending(len(r.out))
	return sent
}

// MarkUnsent flags every outstanding fact for resending, e.g. after the
// connection dropped.
func (r *Relay) MarkUnsent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.out {
		entry.sent = false
	}
}

// Outstanding returns the keys awaiting server confirmation, oldest first.
func (r *Relay) Outstanding() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Relay) sendLocked(key string, entry *outstanding) bool {
	if !r.sender.IsConnected() {
		return false
	}
	if err := r.sender.Send(entry.env); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("failed to send fact")
		return false
	}
	entry.sent = true
	r.metrics.FactSent()
	return true
}

func (r *Relay) journalSave(key string, env *protocol.Envelope) {
	r.mu.Lock()
	journal := r.journal
	r.mu.Unlock()
	if journal == nil {
		return
	}

	frame, err := protocol.Serialize(env)
	if err == nil {
		err = journal.SavePending(key, strings.TrimSuffix(string(frame), "\n"))
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("failed to journal fact, it will not survive a restart")
	}
}

func (r *Relay) emit(t events.EventType, payload interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "facts",
		Payload: payload,
	})
}
