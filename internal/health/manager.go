// Package health runs periodic checks on the client: inbox backlog, stale
// connections and facts still waiting for server confirmation.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/netplay-project/netplay/internal/config"
	"github.com/netplay-project/netplay/internal/telemetry"
	"github.com/netplay-project/netplay/internal/util"
)

// BacklogWarnRatio is the inbox fill level that triggers a warning.
const BacklogWarnRatio = 0.75

// Connection is the part of connector.Client the checks look at.
type Connection interface {
	IsConnected() bool
	LastRead() time.Time
	Abort(reason string)
}

// Backlog is the inbox as seen by the checks.
type Backlog interface {
	Len() int
	Cap() int
}

// FactRelay reports facts not yet confirmed by a server snapshot.
type FactRelay interface {
	Outstanding() []string
}

// Manager runs the health checks on a fixed interval.
type Manager struct {
	timers  config.TimerConfig
	conn    Connection
	inbox   Backlog
	relay   FactRelay
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	backlogWarned bool
}

// NewManager creates a health check manager. relay and metrics may be nil.
func NewManager(timers config.TimerConfig, conn Connection, inbox Backlog, relay FactRelay, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		timers:  timers,
		conn:    conn,
		inbox:   inbox,
		relay:   relay,
		metrics: metrics,
		logger:  util.ComponentLogger("health"),
	}
}

// Start runs every check once, then on each tick until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	interval := time.Duration(m.timers.HealthCheckInterval) * time.Second
	if interval <= 0 {
		m.logger.Info().Msg("health checks disabled")
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("health check manager started")
	m.RunChecks()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.RunChecks()
		}
	}
}

// RunChecks runs every check once.
func (m *Manager) RunChecks() {
	m.checkBacklog()
	m.checkStale()
	m.checkPendingFacts()
}

// checkBacklog warns once when the frame loop falls behind the network, and
// again after it has caught up and fallen behind anew.
func (m *Manager) checkBacklog() {
	depth, capacity := m.inbox.Len(), m.inbox.Cap()
	m.metrics.SetInboxDepth(depth)

	if capacity <= 0 {
		return
	}
	full := float64(depth) / float64(capacity)

	switch {
	case full >= BacklogWarnRatio && !m.backlogWarned:
		m.backlogWarned = true
		m.logger.Warn().
			Int("depth", depth).
			Int("capacity", capacity).
			Msg("inbox backlog, frame loop is not keeping up")
	case full < BacklogWarnRatio/2 && m.backlogWarned:
		m.backlogWarned = false
		m.logger.Info().Int("depth", depth).Msg("inbox backlog cleared")
	}
}

// checkStale drops a connection that has received nothing for longer than
// the stale timeout. The peer echoes heartbeats, so silence means the
// server or the path to it is gone.
func (m *Manager) checkStale() {
	if m.timers.StaleTimeout <= 0 || !m.conn.IsConnected() {
		return
	}

	timeout := time.Duration(m.timers.StaleTimeout) * time.Second
	last := m.conn.LastRead()
	if last.IsZero() {
		return
	}

	if silent := time.Since(last); silent > timeout {
		m.logger.Warn().
			Dur("silent", silent).
			Dur("timeout", timeout).
			Msg("connection is stale, dropping it")
		m.conn.Abort(fmt.Sprintf("no traffic for %s", silent.Round(time.Second)))
	}
}

func (m *Manager) checkPendingFacts() {
	if m.relay == nil {
		return
	}

	pending := m.relay.Outstanding()
	m.metrics.SetFactsPending(len(pending))
	if len(pending) > 0 {
		m.logger.Debug().Int("pending", len(pending)).Strs("keys", pending).Msg("facts awaiting confirmation")
	}
}
