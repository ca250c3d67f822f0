// Package peer is a development stand-in for a netplay server. It speaks
// the same line protocol as the client: it acknowledges connects with its
// own version, relays chat, answers position updates with the player list
// and keeps the picked item facts of each user across sessions.
//
// It holds no game rules and is not meant to be deployed.
package peer

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netplay-project/netplay/internal/network"
	"github.com/netplay-project/netplay/internal/protocol"
	"github.com/netplay-project/netplay/internal/util"
)

// DefaultHandshakeTimeout bounds the wait for a client's connect frame.
const DefaultHandshakeTimeout = 5 * time.Second

// Options configure a Server.
type Options struct {
	Addr    string
	Version string

	// GameID, when set, rejects clients announcing a different game.
	GameID string

	// RejectReason, when set, makes every handshake fail with it.
	RejectReason string

	// PushPickedItems sends the user's picked_items right after the
	// handshake.
	PushPickedItems bool

	HandshakeTimeout time.Duration
}

type session struct {
	id     string
	conn   *network.Conn
	player protocol.Player
}

// Server is the development peer.
type Server struct {
	opts     Options
	listener *network.Listener
	registry *network.Registry
	parser   *protocol.Parser
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	picked   map[string]map[string]struct{}
	reject   string
	connects int
}

// NewServer creates a peer. Call Listen and Serve, or Start.
func NewServer(opts Options) *Server {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	s := &Server{
		opts:     opts,
		registry: network.NewRegistry(),
		parser:   protocol.NewParser(),
		logger:   util.ComponentLogger("peer"),
		sessions: make(map[string]*session),
		picked:   make(map[string]map[string]struct{}),
		reject:   opts.RejectReason,
	}
	s.listener = network.NewListener(opts.Addr, s.handle)
	return s
}

// Listen binds the socket.
func (s *Server) Listen(ctx context.Context) error {
	return s.listener.Listen(ctx)
}

// Serve accepts clients until ctx ends, then drops every session.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.registry.CloseAll()
	}()
	return s.listener.Serve(ctx)
}

// Start binds and serves.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listening socket and every session.
func (s *Server) Stop() error {
	err := s.listener.Stop()
	s.registry.CloseAll()
	return err
}

// SetRejectReason changes whether new handshakes are refused. An empty
// reason accepts them again.
func (s *Server) SetRejectReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = reason
}

// Connects returns how many connect frames the server has received.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Players returns the connected players sorted by username.
func (s *Server) Players() []protocol.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playersLocked("")
}

func (s *Server) playersLocked(except string) []protocol.Player {
	players := make([]protocol.Player, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if id == except {
			continue
		}
		players = append(players, sess.player)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].Username < players[j].Username })
	return players
}

// PickedItems returns the fact keys recorded for username, sorted.
func (s *Server) PickedItems(username string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.picked[username]))
	for k := range s.picked[username] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetPickedItems replaces the fact keys recorded for username.
func (s *Server) SetPickedItems(username string, keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	s.picked[username] = set
}

// InjectRaw writes frame, unvalidated, to every connected client and
// returns how many received it. A missing newline is added.
func (s *Server) InjectRaw(frame string) int {
	if len(frame) == 0 || frame[len(frame)-1] != protocol.FrameDelimiter {
		frame += string(protocol.FrameDelimiter)
	}
	return s.registry.BroadcastRaw([]byte(frame), "")
}

// Kick drops username's connection without a goodbye.
func (s *Server) Kick(username string) bool {
	s.mu.Lock()
	var id string
	for sid, sess := range s.sessions {
		if sess.player.Username == username {
			id = sid
			break
		}
	}
	s.mu.Unlock()

	if id == "" {
		return false
	}
	s.registry.Unregister(id)
	return true
}

func (s *Server) handle(ctx context.Context, conn *network.Conn) {
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	sess, err := s.handshake(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("handshake failed")
		return
	}

	logger = logger.With().Str("session", sess.id).Str("username", sess.player.Username).Logger()
	logger.Info().Msg("player joined")

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		s.registry.Unregister(sess.id)
		s.registry.Broadcast(protocol.NewPlayerLeft(sess.id, sess.player.Username), sess.id)
		logger.Info().Msg("player left")
	}()

	for {
		line, err := conn.ReadFrame(0)
		if err != nil {
			logger.Debug().Err(err).Msg("read ended")
			return
		}

		env, err := protocol.ParseEnvelope(line)
		if err != nil {
			logger.Warn().Err(err).Msg("malformed frame")
			conn.WriteFrame(protocol.NewError("malformed_frame", err.Error()))
			continue
		}

		if done := s.dispatch(sess, env, logger); done {
			return
		}
	}
}

// handshake reads the connect frame and answers it. A nil error means the
// session is registered.
func (s *Server) handshake(conn *network.Conn) (*session, error) {
	line, err := conn.ReadFrame(s.opts.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("no connect frame: %w", err)
	}

	env, err := protocol.ParseEnvelope(line)
	if err != nil {
		conn.WriteFrame(protocol.NewError("malformed_frame", err.Error()))
		return nil, err
	}
	if env.Type != protocol.TypeConnect {
		conn.WriteFrame(protocol.NewError("handshake_required", "first frame must be connect"))
		return nil, fmt.Errorf("first frame was %s", env.Type)
	}

	username, _ := env.Data["username"].(string)
	gameID, _ := env.Data["game_id"].(string)

	s.mu.Lock()
	s.connects++
	reject := s.reject
	s.mu.Unlock()

	switch {
	case reject != "":
	case username == "":
		reject = "username is required"
	case s.opts.GameID != "" && gameID != s.opts.GameID:
		reject = fmt.Sprintf("game %q is not served here", gameID)
	}
	if reject != "" {
		conn.WriteFrame(protocol.NewConnectResult(false, s.opts.Version, "", reject))
		return nil, fmt.Errorf("rejected %q: %s", username, reject)
	}

	sess := &session{
		id:     uuid.NewString(),
		conn:   conn,
		player: protocol.Player{Username: username},
	}
	sess.player.ID = sess.id
	conn.SetID(sess.id)

	if err := conn.WriteFrame(protocol.NewConnectResult(true, s.opts.Version, sess.id, "welcome")); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.registry.Register(sess.id, conn)

	if s.opts.PushPickedItems {
		conn.WriteFrame(protocol.NewPickedItems(s.PickedItems(username)))
	}
	s.registry.Broadcast(protocol.NewPlayerJoined(sess.player), sess.id)

	return sess, nil
}

// dispatch handles one frame and reports whether the session should end.
func (s *Server) dispatch(sess *session, env *protocol.Envelope, logger zerolog.Logger) bool {
	msg, err := s.parser.Parse(env)
	if err != nil {
		sess.conn.WriteFrame(protocol.NewError("invalid_payload", err.Error()))
		return false
	}

	switch m := msg.(type) {
	case *protocol.Heartbeat:
		sess.conn.WriteFrame(protocol.NewHeartbeat())

	case *protocol.Disconnect:
		logger.Debug().Str("reason", m.Reason).Msg("client said goodbye")
		return true

	case *protocol.PositionUpdate:
		s.mu.Lock()
		sess.player.MapID = m.MapID
		sess.player.X = m.X
		sess.player.Y = m.Y
		sess.player.Direction = m.Direction
		sess.player.Charset = m.Charset
		others := s.playersLocked(sess.id)
		s.mu.Unlock()

		relayed := protocol.NewPositionUpdate(m.PositionState)
		relayed.Data["username"] = sess.player.Username
		s.registry.Broadcast(relayed, sess.id)
		sess.conn.WriteFrame(protocol.NewPlayerList(others))

	case *protocol.ChatMessage:
		s.registry.Broadcast(protocol.NewRelayedChat(sess.player.Username, m.Text), "")

	case *protocol.ItemPickup:
		s.mu.Lock()
		set, ok := s.picked[sess.player.Username]
		if !ok {
			set = make(map[string]struct{})
			s.picked[sess.player.Username] = set
		}
		set[m.Key] = struct{}{}
		s.mu.Unlock()
		logger.Debug().Str("key", m.Key).Msg("item pickup recorded")

	default:
		sess.conn.WriteFrame(protocol.NewError("unsupported", fmt.Sprintf("%s is not handled here", env.Type)))
	}
	return false
}
