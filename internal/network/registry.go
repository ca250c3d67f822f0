package network

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netplay-project/netplay/internal/protocol"
)

// Registry tracks the peer's live client connections by session id.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
	}
}

// Register adds conn under id, closing any connection already registered
// under the same id.
func (r *Registry) Register(id string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[id]; ok && existing != conn {
		existing.Close()
	}

	r.conns[id] = conn
	log.Debug().Str("session", id).Msg("connection registered")
}

// Unregister removes and closes the connection for id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[id]; ok {
		conn.Close()
		delete(r.conns, id)
		log.Debug().Str("session", id).Msg("connection unregistered")
	}
}

// Get returns the connection for id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and forgets every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		conn.Close()
		delete(r.conns, id)
	}
}

// CleanStale closes connections that have received nothing for longer than
// timeout and returns how many were closed.
func (r *Registry) CleanStale(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleaned := 0
	cutoff := time.Now().Add(-timeout)

	for id, conn := range r.conns {
		if conn.LastRead().Before(cutoff) {
			conn.Close()
			delete(r.conns, id)
			cleaned++
			log.Warn().
				Str("session", id).
				Time("last_read", conn.LastRead()).
				Msg("cleaned stale connection")
		}
	}

	return cleaned
}

// Broadcast sends env to every connection except the one registered under
// except (which may be empty).
func (r *Registry) Broadcast(env *protocol.Envelope, except string) {
	frame, err := protocol.Serialize(env)
	if err != nil {
		log.Warn().Err(err).Str("type", string(env.Type)).Msg("failed to serialize broadcast")
		return
	}
	r.BroadcastRaw(frame, except)
}

// BroadcastRaw writes frame unchanged to every connection except the one
// registered under except, and returns how many writes succeeded.
func (r *Registry) BroadcastRaw(frame []byte, except string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sent := 0
	for id, conn := range r.conns {
		if id == except {
			continue
		}
		if err := conn.WriteRaw(frame); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("failed to broadcast")
			continue
		}
		sent++
	}
	return sent
}
