package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netplay-project/netplay/internal/config"
	"github.com/netplay-project/netplay/internal/events"
	"github.com/netplay-project/netplay/internal/network"
	"github.com/netplay-project/netplay/internal/protocol"
	"github.com/netplay-project/netplay/internal/telemetry"
	"github.com/netplay-project/netplay/internal/util"
	"github.com/netplay-project/netplay/internal/version"
)

const (
	defaultConnectTimeout    = 5 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultInboxCapacity     = 256

	// goodbyeTimeout bounds the best-effort disconnect frame.
	goodbyeTimeout = time.Second
)

// Settings are the per-client protocol settings.
type Settings struct {
	ClientVersion     string
	GameID            string
	HeartbeatInterval time.Duration
	InboxCapacity     int
	UseTLS            bool
	TLSConfig         *tls.Config
}

// SettingsFromConfig extracts client settings from the configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	conn := cfg.GetConnection()
	return Settings{
		ClientVersion:     conn.ClientVersion,
		GameID:            conn.GameID,
		HeartbeatInterval: cfg.GetTimers().Heartbeat(),
		InboxCapacity:     cfg.GetInbox().Capacity,
		UseTLS:            conn.UseTLS,
	}
}

// Params identify one connect attempt.
type Params struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// ParamsFromConfig builds connect parameters from the connection settings.
func ParamsFromConfig(conn config.ConnectionConfig) Params {
	return Params{
		Host:     conn.Host,
		Port:     conn.Port,
		Username: conn.Username,
		Password: conn.Password,
		Timeout:  conn.ConnectTimeout(),
	}
}

func (p Params) addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Session describes the current connection.
type Session struct {
	ID            string    `json:"id"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Username      string    `json:"username"`
	ServerVersion string    `json:"server_version"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// Status is a point-in-time view of the client for the API and console.
type Status struct {
	State      State     `json:"state"`
	Session    *Session  `json:"session,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	LastRead   time.Time `json:"last_read,omitempty"`
	InboxDepth int       `json:"inbox_depth"`
}

// Client is one multiplayer connection. The network side (read loop and
// heartbeat) runs on background goroutines and only hands decoded messages
// to the inbox; the host drains the inbox through a Dispatcher.
type Client struct {
	// connectMu serializes Connect calls, and Disconnect of an established
	// session. Disconnect during a connect attempt only takes mu.
	connectMu sync.Mutex

	mu      sync.Mutex
	state   State
	conn    *network.Conn
	session *Session
	// cancel stops the connect attempt while connecting or handshaking,
	// and the read loop and heartbeat once connected.
	cancel     context.CancelFunc
	generation uint64
	lastErr    error

	wg sync.WaitGroup

	settings Settings
	inbox    *network.Queue[*protocol.Inbound]
	parser   *protocol.Parser
	bus      *events.EventBus
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewClient creates a disconnected client. bus may be nil, in which case a
// private bus is created; metrics may be nil.
func NewClient(settings Settings, bus *events.EventBus, metrics *telemetry.Metrics) *Client {
	if settings.HeartbeatInterval <= 0 {
		settings.HeartbeatInterval = defaultHeartbeatInterval
	}
	if settings.InboxCapacity <= 0 {
		settings.InboxCapacity = defaultInboxCapacity
	}
	if bus == nil {
		bus = events.NewEventBus()
	}

	return &Client{
		settings: settings,
		inbox:    network.NewQueue[*protocol.Inbound](settings.InboxCapacity),
		parser:   protocol.NewParser(),
		bus:      bus,
		metrics:  metrics,
		logger:   util.ComponentLogger("client"),
	}
}

// Inbox is the queue the read loop fills.
func (c *Client) Inbox() *network.Queue[*protocol.Inbound] {
	return c.inbox
}

// Bus returns the event bus lifecycle events are emitted on.
func (c *Client) Bus() *events.EventBus {
	return c.bus
}

// Settings returns the client settings.
func (c *Client) Settings() Settings {
	return c.settings
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a session is established.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Session returns a copy of the current session, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// LastError returns the error that ended the last session or attempt.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastRead returns when the current session last received a frame, or the
// zero time without a session.
func (c *Client) LastRead() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return time.Time{}
	}
	return c.conn.LastRead()
}

// Status returns a snapshot for display.
func (c *Client) Status() Status {
	c.mu.Lock()
	st := Status{State: c.state}
	if c.session != nil {
		s := *c.session
		st.Session = &s
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if c.conn != nil {
		st.LastRead = c.conn.LastRead()
	}
	c.mu.Unlock()

	st.InboxDepth = c.inbox.Len()
	return st
}

// Connect makes a single connection attempt: dial, send connect, wait for
// the reply and check the server version. The same timeout bounds the
// dial and the reply. On success the read loop and heartbeat are running.
func (c *Client) Connect(ctx context.Context, p Params) error {
	if config.IsPlaceholderUsername(p.Username) {
		c.metrics.HandshakeFailure(reasonOf(ErrInvalidUsername))
		return ErrInvalidUsername
	}
	if p.Timeout <= 0 {
		p.Timeout = defaultConnectTimeout
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.generation++
	gen := c.generation
	c.cancel = cancelAttempt
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	logger := c.logger.With().Str("addr", p.addr()).Str("username", p.Username).Logger()
	logger.Info().Msg("connecting")

	conn, result, err := c.open(attemptCtx, gen, p)
	if err != nil {
		if !c.failAttempt(gen, p, err, result) {
			logger.Info().Msg("connect canceled by disconnect")
			return ErrConnectCanceled
		}
		logger.Warn().Err(err).Msg("connect failed")
		return err
	}

	sessionID := result.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	conn.SetID(sessionID)

	session := &Session{
		ID:            sessionID,
		Host:          p.Host,
		Port:          p.Port,
		Username:      p.Username,
		ServerVersion: result.Version,
		ConnectedAt:   time.Now(),
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		cancel()
		conn.Close()
		logger.Info().Msg("connect canceled by disconnect")
		return ErrConnectCanceled
	}
	c.conn = conn
	c.session = session
	c.cancel = cancel
	c.lastErr = nil
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(loopCtx, gen, conn)
	go c.heartbeat(loopCtx, gen, conn)

	logger.Info().
		Str("session", sessionID).
		Str("server_version", result.Version).
		Msg("connected")

	c.emit(events.EventConnected, events.ConnectedPayload{
		Host:          p.Host,
		Port:          p.Port,
		Username:      p.Username,
		SessionID:     sessionID,
		ServerVersion: result.Version,
	})
	return nil
}

// open dials and runs the handshake. On failure the socket is closed and
// the returned result, if any, carries what the server said. The socket is
// closed as soon as ctx ends, which unblocks the handshake read.
func (c *Client) open(ctx context.Context, gen uint64, p Params) (*network.Conn, *protocol.ConnectResult, error) {
	raw, err := c.dial(ctx, p)
	if err != nil {
		return nil, nil, &TransportError{Op: "dial", Err: err}
	}

	conn := network.NewConn(raw)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		conn.Close()
		return nil, nil, ErrConnectCanceled
	}
	// Published so Disconnect can say goodbye and close it.
	c.conn = conn
	c.setStateLocked(StateHandshaking)
	c.mu.Unlock()

	request := protocol.NewConnect(protocol.ConnectInfo{
		Username: p.Username,
		Password: p.Password,
		Version:  c.settings.ClientVersion,
		GameID:   c.settings.GameID,
	})
	if err := conn.WriteFrame(request); err != nil {
		conn.Close()
		return nil, nil, &TransportError{Op: "handshake write", Err: err}
	}
	c.metrics.FrameSent(string(protocol.TypeConnect))

	line, err := conn.ReadFrame(p.Timeout)
	if err != nil {
		conn.Close()
		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			return nil, nil, &HandshakeError{Reason: "no reply before timeout", Err: err}
		case errors.Is(err, io.EOF):
			return nil, nil, &HandshakeError{Reason: "server closed the connection", Err: err}
		}
		return nil, nil, &TransportError{Op: "handshake read", Err: err}
	}

	in, err := c.parser.ParseLine(line)
	if err != nil {
		conn.Close()
		c.metrics.DecodeFailure()
		return nil, nil, &HandshakeError{Reason: "malformed reply", Err: err}
	}
	c.metrics.FrameReceived(string(in.Envelope.Type))

	var result *protocol.ConnectResult
	switch msg := in.Message.(type) {
	case *protocol.ConnectResult:
		result = msg
	case *protocol.ErrorMessage:
		conn.Close()
		return nil, nil, &HandshakeError{Reason: fmt.Sprintf("server error %s: %s", msg.Code, msg.Message)}
	default:
		conn.Close()
		return nil, nil, &HandshakeError{Reason: fmt.Sprintf("unexpected %s reply", in.Envelope.Type)}
	}

	if !result.Success {
		conn.Close()
		reason := result.Message
		if reason == "" {
			reason = "rejected by server"
		}
		return nil, result, &HandshakeError{Reason: reason}
	}

	if result.Version == "" {
		c.logger.Warn().Msg("server did not report a version, assuming compatible")
	} else if !version.Compatible(c.settings.ClientVersion, result.Version) {
		c.goodbye(conn, "incompatible version")
		conn.Close()
		return nil, result, &IncompatibleVersionError{Client: c.settings.ClientVersion, Server: result.Version}
	}

	// The reply stays visible to listeners, e.g. to show a welcome message.
	if err := c.inbox.Push(ctx, in); err != nil {
		conn.Close()
		return nil, result, &TransportError{Op: "handshake", Err: err}
	}
	if !stop() {
		// ctx ended and the socket is already closed.
		return nil, result, &TransportError{Op: "handshake", Err: context.Cause(ctx)}
	}
	return conn, result, nil
}

func (c *Client) dial(ctx context.Context, p Params) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.Timeout}
	if !c.settings.UseTLS {
		return dialer.DialContext(ctx, "tcp", p.addr())
	}

	cfg := c.settings.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = p.Host
	}
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg}
	return tlsDialer.DialContext(ctx, "tcp", p.addr())
}

// failAttempt records a failed attempt. It returns false when Disconnect
// already ended the attempt.
func (c *Client) failAttempt(gen uint64, p Params, err error, result *protocol.ConnectResult) bool {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return false
	}
	c.lastErr = err
	c.conn = nil
	c.cancel = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.metrics.HandshakeFailure(reasonOf(err))

	payload := events.HandshakeFailedPayload{
		Host:   p.Host,
		Port:   p.Port,
		Reason: err.Error(),
	}
	if result != nil {
		payload.ServerVersion = result.Version
	}

	var verErr *IncompatibleVersionError
	if errors.As(err, &verErr) {
		c.emit(events.EventIncompatibleVersion, payload)
		return true
	}
	c.emit(events.EventHandshakeFailed, payload)
	return true
}

// Disconnect ends the session: a best-effort disconnect frame, then the
// socket is closed and the workers are awaited. A connect attempt in
// progress is abandoned and its Connect returns ErrConnectCanceled.
// Calling it while disconnected does nothing.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateHandshaking:
		c.mu.Unlock()
		c.abandonAttempt()
		return nil
	}
	c.mu.Unlock()

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	conn, cancel, session := c.conn, c.cancel, c.session
	c.generation++
	c.conn = nil
	c.cancel = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		c.goodbye(conn, "client disconnect")
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	sessionID := ""
	if session != nil {
		sessionID = session.ID
	}
	c.logger.Info().Str("session", sessionID).Msg("disconnected")
	c.emit(events.EventDisconnected, events.ConnectionLostPayload{SessionID: sessionID, Reason: "client disconnect"})
	return nil
}

// abandonAttempt ends a connect attempt from outside Connect. The
// generation bump tells Connect to give up quietly.
func (c *Client) abandonAttempt() {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateHandshaking {
		c.mu.Unlock()
		return
	}
	conn, cancel := c.conn, c.cancel
	c.generation++
	c.conn = nil
	c.cancel = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		c.goodbye(conn, "client disconnect")
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}

	c.logger.Info().Msg("connect attempt abandoned")
	c.emit(events.EventDisconnected, events.ConnectionLostPayload{Reason: "client disconnect"})
}

// Abort drops the connection as if the transport had failed, so
// supervisors treat it as a loss. Used for stale connections.
func (c *Client) Abort(reason string) {
	c.mu.Lock()
	gen, conn := c.generation, c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected && conn != nil {
		c.connectionLost(gen, errors.New(reason), "abort")
	}
}

func (c *Client) goodbye(conn *network.Conn, reason string) {
	conn.SetWriteTimeout(goodbyeTimeout)
	if err := conn.WriteFrame(protocol.NewDisconnect(reason)); err != nil {
		c.logger.Debug().Err(err).Msg("disconnect frame not delivered")
		return
	}
	c.metrics.FrameSent(string(protocol.TypeDisconnect))
}

// Send writes env on the current session. A write failure ends the session.
func (c *Client) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen := c.conn, c.generation
	c.mu.Unlock()

	return c.write(gen, conn, env)
}

// SendPosition sends a position update.
func (c *Client) SendPosition(s protocol.PositionState) error {
	return c.Send(protocol.NewPositionUpdate(s))
}

// SendChat sends a chat line.
func (c *Client) SendChat(text string) error {
	return c.Send(protocol.NewChatMessage(text))
}

func (c *Client) write(gen uint64, conn *network.Conn, env *protocol.Envelope) error {
	frame, err := protocol.Serialize(env)
	if err != nil {
		return err
	}
	if err := conn.WriteRaw(frame); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		c.connectionLost(gen, err, "write")
		return terr
	}
	c.metrics.FrameSent(string(env.Type))
	return nil
}

// readLoop decodes one message per line. Undecodable lines are dropped and
// the loop continues; a read error ends the session.
func (c *Client) readLoop(ctx context.Context, gen uint64, conn *network.Conn) {
	defer c.wg.Done()

	for {
		line, err := conn.ReadFrame(0)
		if err != nil {
			c.connectionLost(gen, err, "read")
			return
		}

		in, err := c.parser.ParseLine(line)
		if err != nil {
			c.metrics.DecodeFailure()
			c.logger.Warn().Err(err).Int("len", len(line)).Msg("dropping undecodable frame")
			continue
		}
		c.metrics.FrameReceived(string(in.Envelope.Type))

		if err := c.inbox.Push(ctx, in); err != nil {
			return
		}
		c.metrics.SetInboxDepth(c.inbox.Len())
	}
}

func (c *Client) heartbeat(ctx context.Context, gen uint64, conn *network.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(gen, conn, protocol.NewHeartbeat()); err != nil {
				c.logger.Warn().Err(err).Msg("heartbeat failed")
				return
			}
			c.logger.Trace().Msg("heartbeat sent")
		}
	}
}

// connectionLost tears down session gen after a transport failure. It is a
// no-op if that session already ended.
func (c *Client) connectionLost(gen uint64, err error, op string) {
	c.mu.Lock()
	if c.generation != gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	conn, cancel, session := c.conn, c.cancel, c.session
	c.generation++
	c.conn = nil
	c.cancel = nil
	c.lastErr = &TransportError{Op: op, Err: err}
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	c.logger.Warn().
		Err(err).
		Str("op", op).
		Str("session", session.ID).
		Msg("connection lost")

	c.emit(events.EventConnectionLost, events.ConnectionLostPayload{
		SessionID: session.ID,
		Reason:    op,
		Err:       err,
	})
}

func (c *Client) setStateLocked(next State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.metrics.SetConnectionState(int(next))

	sessionID := ""
	if c.session != nil {
		sessionID = c.session.ID
	}
	c.logger.Debug().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("state changed")

	c.emit(events.EventStateChanged, events.StateChangedPayload{
		From:      prev.String(),
		To:        next.String(),
		SessionID: sessionID,
	})
}

func (c *Client) emit(t events.EventType, payload interface{}) {
	c.bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "client",
		Payload: payload,
	})
}
