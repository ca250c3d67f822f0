// Package telemetry publishes connection lifecycle events over MQTT and
// exposes Prometheus metrics for the client.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/netplay-project/netplay/internal/config"
	"github.com/netplay-project/netplay/internal/events"
	"github.com/netplay-project/netplay/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicState     = "state"
	TopicReconnect = "reconnect"
	TopicFacts     = "facts"
	TopicStatus    = "status"
)

// ErrMQTTDisabled is returned by NewMQTTHandler when MQTT is switched off.
var ErrMQTTDisabled = errors.New("MQTT is disabled")

// publisher is the part of mqtt.Client the handler publishes through.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler mirrors lifecycle events from the EventBus to an MQTT broker.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher
	logger   zerolog.Logger

	// Included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates the handler and its MQTT client. It does not
// connect until Start.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, appVersion string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrMQTTDisabled
	}

	sysInfo := util.GetSystemInfo()
	metadata := sysInfo.Fields()
	metadata["app_version"] = appVersion

	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		metadata: metadata,
		logger:   util.ComponentLogger("mqtt"),
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("netplay-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		handler.logger.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	handler.pub = handler.client

	return handler, nil
}

// Start connects to the broker, subscribes to the bus and blocks until ctx
// is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.client.Disconnect(2000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventStateChanged, "mqtt.state", h.onStateChanged)
	h.eventBus.Subscribe(events.EventConnected, "mqtt.connected", h.onConnected)
	h.eventBus.Subscribe(events.EventConnectionLost, "mqtt.lost", h.onConnectionLost)
	h.eventBus.Subscribe(events.EventHandshakeFailed, "mqtt.handshake", h.onHandshakeFailed)
	h.eventBus.Subscribe(events.EventIncompatibleVersion, "mqtt.version", h.onHandshakeFailed)
	h.eventBus.Subscribe(events.EventReconnectScheduled, "mqtt.reconnect", h.onReconnect)
	h.eventBus.Subscribe(events.EventReconnectGaveUp, "mqtt.gaveup", h.onReconnect)
	h.eventBus.Subscribe(events.EventFactSent, "mqtt.factSent", h.onFact)
	h.eventBus.Subscribe(events.EventFactSuppressed, "mqtt.factSuppressed", h.onFact)
	h.eventBus.Subscribe(events.EventShutdown, "mqtt.shutdown", h.onShutdown)
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends payload as JSON, wrapped with the host metadata. It is a
// no-op while the broker is unreachable.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	h.mu.Lock()
	pub := h.pub
	h.mu.Unlock()

	if pub == nil || !pub.IsConnected() {
		return
	}

	topic := h.topic(suffix)
	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := pub.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Event handlers

// onShutdown announces the shutdown while the broker connection is still up.
func (h *MQTTHandler) onShutdown(ctx context.Context, event events.Event) error {
	h.publish(TopicStatus, map[string]interface{}{
		"event":  "shutdown",
		"source": event.Source,
	})
	return nil
}

func (h *MQTTHandler) onStateChanged(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.StateChangedPayload)
	if !ok {
		return nil
	}
	h.publish(TopicState, map[string]interface{}{
		"event":   "state_changed",
		"from":    p.From,
		"to":      p.To,
		"session": p.SessionID,
	})
	return nil
}

func (h *MQTTHandler) onConnected(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ConnectedPayload)
	if !ok {
		return nil
	}
	h.publish(TopicState, map[string]interface{}{
		"event":          "connected",
		"host":           p.Host,
		"port":           p.Port,
		"username":       p.Username,
		"session":        p.SessionID,
		"server_version": p.ServerVersion,
	})
	return nil
}

func (h *MQTTHandler) onConnectionLost(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ConnectionLostPayload)
	if !ok {
		return nil
	}
	h.publish(TopicState, map[string]interface{}{
		"event":   "connection_lost",
		"session": p.SessionID,
		"reason":  p.Reason,
		"error":   errString(p.Err),
	})
	return nil
}

func (h *MQTTHandler) onHandshakeFailed(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.HandshakeFailedPayload)
	if !ok {
		return nil
	}
	h.publish(TopicState, map[string]interface{}{
		"event":          string(event.Type),
		"host":           p.Host,
		"port":           p.Port,
		"reason":         p.Reason,
		"server_version": p.ServerVersion,
	})
	return nil
}

func (h *MQTTHandler) onReconnect(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ReconnectPayload)
	if !ok {
		return nil
	}
	h.publish(TopicReconnect, map[string]interface{}{
		"event":        string(event.Type),
		"attempt":      p.Attempt,
		"max_attempts": p.MaxAttempts,
		"delay_ms":     p.Delay.Milliseconds(),
		"last_error":   p.LastError,
	})
	return nil
}

func (h *MQTTHandler) onFact(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.FactPayload)
	if !ok {
		return nil
	}
	h.publish(TopicFacts, map[string]interface{}{
		"event":   string(event.Type),
		"key":     p.Key,
		"pending": p.Pending,
	})
	return nil
}
