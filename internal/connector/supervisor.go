package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netplay-project/netplay/internal/config"
	"github.com/netplay-project/netplay/internal/events"
	"github.com/netplay-project/netplay/internal/telemetry"
	"github.com/netplay-project/netplay/internal/util"
)

// SupervisorStatus is the reconnect policy's view for display.
type SupervisorStatus struct {
	Offline       bool   `json:"offline"`
	Attempt       int    `json:"attempt"`
	MaxAttempts   int    `json:"max_attempts"`
	AutoReconnect bool   `json:"auto_reconnect"`
	LastError     string `json:"last_error,omitempty"`
}

// Supervisor owns the reconnect policy around a Client: bounded attempts
// with backoff, then offline until Reconnect is called.
type Supervisor struct {
	client        *Client
	params        func() Params
	backoff       *Backoff
	maxAttempts   int
	autoReconnect bool
	metrics       *telemetry.Metrics
	logger        zerolog.Logger

	// attemptMu serializes connect cycles.
	attemptMu sync.Mutex

	mu      sync.Mutex
	offline bool
	attempt int
	lastErr error

	trigger chan struct{}
}

// NewSupervisor creates a supervisor. params is called before every attempt
// so configuration changes apply on the next reconnect.
func NewSupervisor(client *Client, params func() Params, rc config.ReconnectConfig, autoReconnect bool, metrics *telemetry.Metrics) *Supervisor {
	maxAttempts := rc.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Supervisor{
		client:        client,
		params:        params,
		backoff:       BackoffFromConfig(rc),
		maxAttempts:   maxAttempts,
		autoReconnect: autoReconnect,
		metrics:       metrics,
		logger:        util.ComponentLogger("supervisor"),
		trigger:       make(chan struct{}, 1),
	}
}

// Offline reports whether the supervisor gave up and waits for a manual
// reconnect.
func (s *Supervisor) Offline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// Status returns a snapshot for display.
func (s *Supervisor) Status() SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SupervisorStatus{
		Offline:       s.offline,
		Attempt:       s.attempt,
		MaxAttempts:   s.maxAttempts,
		AutoReconnect: s.autoReconnect,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// ConnectNow runs one connect cycle: up to the configured number of
// attempts, waiting the backoff delay before each retry. It returns nil if
// the client is connected at the end. Invalid usernames and incompatible
// servers are not retried, and a Disconnect during an attempt ends the
// cycle.
func (s *Supervisor) ConnectNow(ctx context.Context) error {
	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()

	if s.client.IsConnected() {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		delay := s.backoff.Delay(attempt)

		s.mu.Lock()
		s.attempt = attempt
		s.mu.Unlock()

		if delay > 0 {
			s.logger.Info().
				Int("attempt", attempt).
				Int("max_attempts", s.maxAttempts).
				Dur("delay", delay).
				Msg("reconnect scheduled")
			s.emit(events.EventReconnectScheduled, events.ReconnectPayload{
				Attempt:     attempt,
				MaxAttempts: s.maxAttempts,
				Delay:       delay,
				LastError:   errString(lastErr),
			})

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if attempt > 1 {
			s.metrics.ReconnectAttempt()
		}

		err := s.client.Connect(ctx, s.params())
		if err == nil || errors.Is(err, ErrAlreadyConnected) {
			s.mu.Lock()
			s.offline = false
			s.attempt = 0
			s.lastErr = nil
			s.mu.Unlock()
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrConnectCanceled) {
			s.logger.Info().Msg("connect cycle stopped by disconnect")
			return err
		}

		var verErr *IncompatibleVersionError
		if errors.Is(err, ErrInvalidUsername) || errors.As(err, &verErr) {
			s.logger.Error().Err(err).Msg("not retrying")
			s.goOffline(err, attempt)
			return err
		}

		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("connect attempt failed")
	}

	s.goOffline(lastErr, s.maxAttempts)
	return fmt.Errorf("gave up after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *Supervisor) goOffline(err error, attempts int) {
	s.mu.Lock()
	s.offline = true
	s.lastErr = err
	s.mu.Unlock()

	s.logger.Warn().Err(err).Int("attempts", attempts).Msg("giving up, offline until manual reconnect")
	s.emit(events.EventReconnectGaveUp, events.ReconnectPayload{
		Attempt:     attempts,
		MaxAttempts: s.maxAttempts,
		LastError:   errString(err),
	})
}

// Reconnect asks Run to start a new connect cycle. It is the manual way out
// of offline mode.
func (s *Supervisor) Reconnect() {
	s.emit(events.EventReconnectRequested, nil)
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drives the policy until ctx ends: an optional initial connect,
// reconnects after connection loss when auto reconnect is on, and manual
// reconnects. The client is disconnected on return.
func (s *Supervisor) Run(ctx context.Context, autoConnect bool) {
	bus := s.client.Bus()
	lost := make(chan struct{}, 1)
	bus.Subscribe(events.EventConnectionLost, "supervisor", func(ctx context.Context, e events.Event) error {
		select {
		case lost <- struct{}{}:
		default:
		}
		return nil
	})
	defer bus.Unsubscribe(events.EventConnectionLost, "supervisor")

	if autoConnect {
		s.cycle(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.client.Disconnect()
			return
		case <-lost:
			if !s.autoReconnect {
				s.logger.Info().Msg("connection lost, auto reconnect disabled")
				s.mu.Lock()
				s.offline = true
				s.lastErr = s.client.LastError()
				s.mu.Unlock()
				continue
			}
			s.cycle(ctx)
		case <-s.trigger:
			s.cycle(ctx)
		}
	}
}

func (s *Supervisor) cycle(ctx context.Context) {
	if err := s.ConnectNow(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("connect cycle failed")
	}
}

func (s *Supervisor) emit(t events.EventType, payload interface{}) {
	s.client.Bus().Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "supervisor",
		Payload: payload,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
