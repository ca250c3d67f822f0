// Package game is the host side of the protocol layer: the state a game
// keeps about its own player and the players the server reports, fed by
// dispatcher listeners on the frame loop.
package game

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netplay-project/netplay/internal/connector"
	"github.com/netplay-project/netplay/internal/events"
	"github.com/netplay-project/netplay/internal/facts"
	"github.com/netplay-project/netplay/internal/protocol"
	"github.com/netplay-project/netplay/internal/util"
)

// chatHistory bounds the kept chat log.
const chatHistory = 50

// ChatLine is one received chat message.
type ChatLine struct {
	Username string    `json:"username"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// Session tracks the local player and the remote players while connected.
type Session struct {
	client *connector.Client
	relay  *facts.Relay
	logger zerolog.Logger

	mu       sync.Mutex
	position protocol.PositionState
	moved    bool
	players  map[string]protocol.Player
	chat     []ChatLine
	onChat   func(ChatLine)
	onNotice func(string)
}

// NewSession creates a session for client. relay may be nil.
func NewSession(client *connector.Client, relay *facts.Relay) *Session {
	return &Session{
		client:  client,
		relay:   relay,
		logger:  util.ComponentLogger("game"),
		players: make(map[string]protocol.Player),
	}
}

// OnChat sets a callback for incoming chat lines. It runs on the frame
// loop.
func (s *Session) OnChat(fn func(ChatLine)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChat = fn
}

// OnNotice sets a callback for player and server notices.
func (s *Session) OnNotice(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNotice = fn
}

// Attach registers the session's listeners.
func (s *Session) Attach(d *connector.Dispatcher, bus *events.EventBus) {
	connector.OnMessage(d, protocol.TypeConnect, "game.welcome", s.onWelcome)
	connector.OnMessage(d, protocol.TypePlayerList, "game.players", s.onPlayerList)
	connector.OnMessage(d, protocol.TypePlayerJoined, "game.joined", s.onPlayerJoined)
	connector.OnMessage(d, protocol.TypePlayerLeft, "game.left", s.onPlayerLeft)
	connector.OnMessage(d, protocol.TypePositionUpdate, "game.position", s.onPosition)
	d.On(protocol.TypeChatMessage, "game.chat", func(in *protocol.Inbound) {
		if m, ok := in.Message.(*protocol.ChatMessage); ok {
			s.onChatMessage(m, sentAt(in.Envelope))
		}
	})
	connector.OnMessage(d, protocol.TypeError, "game.error", s.onServerError)
	connector.OnMessage(d, protocol.TypePickedItems, "game.facts", s.onPickedItems)
	connector.OnMessage(d, protocol.TypeDisconnect, "game.goodbye", s.onGoodbye)

	bus.Subscribe(events.EventConnected, "game.connected", s.onConnected)
	bus.Subscribe(events.EventConnectionLost, "game.lost", s.onLost)
	bus.Subscribe(events.EventDisconnected, "game.disconnected", s.onLost)
}

// Move records the local position and reports it when connected.
func (s *Session) Move(state protocol.PositionState) error {
	s.mu.Lock()
	s.position = state
	s.moved = true
	s.mu.Unlock()

	if !s.client.IsConnected() {
		return nil
	}
	return s.client.SendPosition(state)
}

// Position returns the last local position.
func (s *Session) Position() protocol.PositionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Chat sends a chat line.
func (s *Session) Chat(text string) error {
	return s.client.SendChat(text)
}

// Pickup reports an item pickup fact. Without a relay every pickup is sent
// as is.
func (s *Session) Pickup(mapID, eventID int) (facts.Outcome, error) {
	if s.relay != nil {
		return s.relay.ReportItemPickup(mapID, eventID), nil
	}
	key := facts.Key(mapID, eventID)
	if err := s.client.Send(protocol.NewItemPickup(key, mapID, eventID)); err != nil {
		return facts.Pending, err
	}
	return facts.Sent, nil
}

// Players returns the remote players sorted by username.
func (s *Session) Players() []protocol.Player {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// ChatLog returns the recent chat lines, oldest first.
func (s *Session) ChatLog() []ChatLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatLine(nil), s.chat...)
}

func (s *Session) self() string {
	if sess := s.client.Session(); sess != nil {
		return sess.Username
	}
	return ""
}

func (s *Session) notice(msg string) {
	s.mu.Lock()
	fn := s.onNotice
	s.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (s *Session) onWelcome(m *protocol.ConnectResult) {
	if m.Message != "" {
		s.notice("server: " + m.Message)
	}
}

func (s *Session) onPlayerList(m *protocol.PlayerList) {
	me := s.self()

	s.mu.Lock()
	s.players = make(map[string]protocol.Player, len(m.Players))
	for _, p := range m.Players {
		if p.Username == me {
			continue
		}
		s.players[p.Username] = p
	}
	s.mu.Unlock()
}

func (s *Session) onPlayerJoined(m *protocol.PlayerJoined) {
	if m.Username == s.self() {
		return
	}
	s.mu.Lock()
	s.players[m.Username] = m.Player
	s.mu.Unlock()
	s.notice(m.Username + " joined")
}

func (s *Session) onPlayerLeft(m *protocol.PlayerLeft) {
	s.mu.Lock()
	name := m.Username
	if name == "" {
		for n, p := range s.players {
			if p.ID == m.ID {
				name = n
				break
			}
		}
	}
	delete(s.players, name)
	s.mu.Unlock()

	if name != "" {
		s.notice(name + " left")
	}
}

func (s *Session) onPosition(m *protocol.PositionUpdate) {
	if m.Username == "" || m.Username == s.self() {
		return
	}

	s.mu.Lock()
	p := s.players[m.Username]
	p.Username = m.Username
	p.MapID = m.MapID
	p.X = m.X
	p.Y = m.Y
	p.Direction = m.Direction
	p.Charset = m.Charset
	s.players[m.Username] = p
	s.mu.Unlock()
}

// sentAt is the envelope's timestamp, or now when the sender left it out.
func sentAt(env *protocol.Envelope) time.Time {
	if env == nil || env.Timestamp <= 0 {
		return time.Now()
	}
	return env.Time()
}

func (s *Session) onChatMessage(m *protocol.ChatMessage, at time.Time) {
	line := ChatLine{Username: m.Username, Text: m.Text, At: at}

	s.mu.Lock()
	s.chat = append(s.chat, line)
	if len(s.chat) > chatHistory {
		s.chat = s.chat[len(s.chat)-chatHistory:]
	}
	fn := s.onChat
	s.mu.Unlock()

	if fn != nil {
		fn(line)
	}
}

func (s *Session) onServerError(m *protocol.ErrorMessage) {
	s.logger.Warn().Str("code", m.Code).Str("message", m.Message).Msg("server reported an error")
	s.notice("server error: " + m.Message)
}

func (s *Session) onPickedItems(m *protocol.PickedItems) {
	if s.relay == nil {
		return
	}
	s.relay.ApplySnapshot(m.Keys)
}

func (s *Session) onGoodbye(m *protocol.Disconnect) {
	s.notice("server closed the session: " + m.Reason)
}

// onConnected re-announces the local position and sends the facts parked
// while offline.
func (s *Session) onConnected(ctx context.Context, e events.Event) error {
	s.mu.Lock()
	pos, moved := s.position, s.moved
	s.mu.Unlock()

	if s.relay != nil {
		if n := s.relay.Flush(); n > 0 {
			s.logger.Info().Int("facts", n).Msg("pending facts sent after connect")
		}
	}

	if moved {
		if err := s.client.SendPosition(pos); err != nil {
			s.logger.Debug().Err(err).Msg("could not re-announce position")
		}
	}
	return nil
}

func (s *Session) onLost(ctx context.Context, e events.Event) error {
	s.mu.Lock()
	s.players = make(map[string]protocol.Player)
	s.mu.Unlock()

	if s.relay != nil {
		s.relay.MarkUnsent()
	}
	return nil
}
