package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrInvalidPayload is wrapped by every payload validation failure.
var ErrInvalidPayload = errors.New("invalid payload")

// Message is a decoded payload with its field set checked.
type Message interface {
	Kind() MessageType
}

// Inbound pairs a decoded message with the envelope it arrived in.
type Inbound struct {
	Envelope *Envelope
	Message  Message
}

// ConnectResult is the server's answer to a connect request.
type ConnectResult struct {
	Success   bool
	Version   string
	SessionID string
	Message   string
}

// Disconnect is a goodbye from the peer.
type Disconnect struct {
	Reason string
}

// PositionUpdate is a position report. Username is set when a server relays
// another player's position.
type PositionUpdate struct {
	Username string
	PositionState
}

// PlayerList is the set of players visible to this client.
type PlayerList struct {
	Players []Player
}

// PlayerJoined announces a remote player.
type PlayerJoined struct {
	Player
}

// PlayerLeft announces a remote player's departure.
type PlayerLeft struct {
	ID       string
	Username string
}

// ChatMessage is a chat line.
type ChatMessage struct {
	Username string
	Text     string
}

// Heartbeat is a keepalive.
type Heartbeat struct{}

// ErrorMessage is an error report.
type ErrorMessage struct {
	Code    string
	Message string
}

// ItemPickup is an item pickup fact.
type ItemPickup struct {
	Key      string
	MapID    int
	EventID  int
	Username string
}

// PickedItems is the server's authoritative list of picked up item keys.
type PickedItems struct {
	Keys []string
}

// RawMessage carries a message type this client does not know. It is passed
// through so listeners can decide what to do with it.
type RawMessage struct {
	Type MessageType
	Data Map
}

func (ConnectResult) Kind() MessageType  { return TypeConnect }
func (Disconnect) Kind() MessageType     { return TypeDisconnect }
func (PositionUpdate) Kind() MessageType { return TypePositionUpdate }
func (PlayerList) Kind() MessageType     { return TypePlayerList }
func (PlayerJoined) Kind() MessageType   { return TypePlayerJoined }
func (PlayerLeft) Kind() MessageType     { return TypePlayerLeft }
func (ChatMessage) Kind() MessageType    { return TypeChatMessage }
func (Heartbeat) Kind() MessageType      { return TypeHeartbeat }
func (ErrorMessage) Kind() MessageType   { return TypeError }
func (ItemPickup) Kind() MessageType     { return TypeItemPickup }
func (PickedItems) Kind() MessageType    { return TypePickedItems }
func (m RawMessage) Kind() MessageType   { return m.Type }

// Parser turns envelopes into typed messages.
type Parser struct {
	logger zerolog.Logger
}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{
		logger: log.With().Str("component", "msg_parser").Logger(),
	}
}

// ParseLine decodes one frame and its payload.
func (p *Parser) ParseLine(line string) (*Inbound, error) {
	env, err := ParseEnvelope(line)
	if err != nil {
		return nil, err
	}

	msg, err := p.Parse(env)
	if err != nil {
		return nil, err
	}

	return &Inbound{Envelope: env, Message: msg}, nil
}

// Parse validates the envelope's payload against its type. Unknown types
// yield a *RawMessage rather than an error.
func (p *Parser) Parse(env *Envelope) (Message, error) {
	f := &fields{typ: env.Type, data: env.Data}

	var msg Message
	switch env.Type {
	case TypeConnect:
		msg = p.parseConnectResult(f)
	case TypeDisconnect:
		msg = &Disconnect{Reason: f.str("reason", false)}
	case TypePositionUpdate:
		msg = p.parsePosition(f)
	case TypePlayerList:
		msg = p.parsePlayerList(f)
	case TypePlayerJoined:
		msg = &PlayerJoined{Player: f.player(env.Data, "")}
	case TypePlayerLeft:
		msg = p.parsePlayerLeft(f)
	case TypeChatMessage:
		msg = &ChatMessage{
			Username: f.str("username", false),
			Text:     f.str("text", true),
		}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeError:
		msg = &ErrorMessage{
			Code:    f.str("code", false),
			Message: f.str("message", false),
		}
	case TypeItemPickup:
		msg = &ItemPickup{
			Key:      f.str("key", true),
			MapID:    f.integer("map_id", false),
			EventID:  f.integer("event_id", false),
			Username: f.str("username", false),
		}
	case TypePickedItems:
		msg = &PickedItems{Keys: f.strings("keys", true)}
	default:
		p.logger.Debug().
			Str("type", string(env.Type)).
			Int("fields", len(env.Data)).
			Msg("unrecognized message type, passing through")
		return &RawMessage{Type: env.Type, Data: env.Data}, nil
	}

	if f.err != nil {
		return nil, f.err
	}
	return msg, nil
}

func (p *Parser) parseConnectResult(f *fields) *ConnectResult {
	res := &ConnectResult{
		Success:   f.boolean("success", true),
		Version:   f.str("version", false),
		SessionID: f.str("session_id", false),
		Message:   f.str("message", false),
	}
	if reason, failed := errorField(f.data["error"]); failed {
		res.Success = false
		if res.Message == "" {
			res.Message = reason
		}
	}
	return res
}

// errorField reports whether a reply's error value signals a failure.
// Servers that always send the key use null, false or "" for none.
func errorField(v interface{}) (string, bool) {
	switch e := v.(type) {
	case nil:
		return "", false
	case bool:
		if !e {
			return "", false
		}
		return "rejected by server", true
	case string:
		return e, e != ""
	}
	return fmt.Sprint(v), true
}

func (p *Parser) parsePosition(f *fields) *PositionUpdate {
	var follower Map
	if m, ok := f.data["follower"].(Map); ok {
		follower = m
	}

	return &PositionUpdate{
		Username: f.str("username", false),
		PositionState: PositionState{
			MapID:        f.integer("map_id", true),
			X:            f.integer("x", true),
			Y:            f.integer("y", true),
			RealX:        f.integer("real_x", false),
			RealY:        f.integer("real_y", false),
			Direction:    f.integer("direction", false),
			Pattern:      f.integer("pattern", false),
			MoveSpeed:    f.integer("move_speed", false),
			MovementType: f.integer("movement_type", false),
			Charset:      f.str("charset", false),
			Follower:     follower,
			Money:        f.integer("money", false),
			BadgeCount:   f.integer("badge_count", false),
		},
	}
}

func (p *Parser) parsePlayerList(f *fields) *PlayerList {
	raw, ok := f.data["players"].(List)
	if !ok {
		f.fail("players", "missing or not a list")
		return nil
	}

	players := make([]Player, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(Map)
		if !ok {
			f.fail(fmt.Sprintf("players[%d]", i), "not a mapping")
			return nil
		}
		players = append(players, f.player(m, fmt.Sprintf("players[%d].", i)))
	}
	return &PlayerList{Players: players}
}

func (p *Parser) parsePlayerLeft(f *fields) *PlayerLeft {
	msg := &PlayerLeft{
		ID:       f.str("id", false),
		Username: f.str("username", false),
	}
	if msg.ID == "" && msg.Username == "" {
		f.fail("username", "player_left needs an id or a username")
	}
	return msg
}

// fields reads typed values out of a payload, remembering the first failure.
type fields struct {
	typ  MessageType
	data Map
	err  error
}

func (f *fields) fail(key, reason string) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: %s.%s %s", ErrInvalidPayload, f.typ, key, reason)
	}
}

func (f *fields) str(key string, required bool) string {
	return f.strFrom(f.data, key, key, required)
}

func (f *fields) strFrom(m Map, key, label string, required bool) string {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			f.fail(label, "is required")
		}
		return ""
	}
	s, ok := v.(string)
	if !ok {
		f.fail(label, fmt.Sprintf("is %T, not a string", v))
		return ""
	}
	return s
}

func (f *fields) integer(key string, required bool) int {
	return f.integerFrom(f.data, key, key, required)
}

func (f *fields) integerFrom(m Map, key, label string, required bool) int {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			f.fail(label, "is required")
		}
		return 0
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		if n == math.Trunc(n) {
			return int(n)
		}
	}
	f.fail(label, fmt.Sprintf("is %v, not an integer", v))
	return 0
}

func (f *fields) boolean(key string, def bool) bool {
	v, ok := f.data[key]
	if !ok || v == nil {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		f.fail(key, fmt.Sprintf("is %T, not a boolean", v))
		return def
	}
	return b
}

func (f *fields) strings(key string, required bool) []string {
	v, ok := f.data[key]
	if !ok || v == nil {
		if required {
			f.fail(key, "is required")
		}
		return nil
	}
	list, ok := v.(List)
	if !ok {
		f.fail(key, fmt.Sprintf("is %T, not a list", v))
		return nil
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			f.fail(fmt.Sprintf("%s[%d]", key, i), "is not a string")
			return nil
		}
		out = append(out, s)
	}
	return out
}

func (f *fields) player(m Map, prefix string) Player {
	return Player{
		ID:        f.strFrom(m, "id", prefix+"id", false),
		Username:  f.strFrom(m, "username", prefix+"username", true),
		MapID:     f.integerFrom(m, "map_id", prefix+"map_id", false),
		X:         f.integerFrom(m, "x", prefix+"x", false),
		Y:         f.integerFrom(m, "y", prefix+"y", false),
		Direction: f.integerFrom(m, "direction", prefix+"direction", false),
		Charset:   f.strFrom(m, "charset", prefix+"charset", false),
	}
}
