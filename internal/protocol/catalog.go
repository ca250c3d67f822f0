// Package protocol implements the netplay wire protocol: a small text codec
// for value trees, the newline-framed message envelope, the catalog of
// message types with their constructors, and typed decoding of payloads.
package protocol

// MessageType identifies the payload carried by an envelope.
type MessageType string

// Message types exchanged with the server.
const (
	TypeConnect        MessageType = "connect"         // Handshake request, and the server's reply
	TypeDisconnect     MessageType = "disconnect"      // Graceful goodbye
	TypePositionUpdate MessageType = "position_update" // Player position on the current map
	TypePlayerList     MessageType = "player_list"     // Players visible to this client
	TypePlayerJoined   MessageType = "player_joined"   // Remote player appeared
	TypePlayerLeft     MessageType = "player_left"     // Remote player went away
	TypeChatMessage    MessageType = "chat_message"    // Chat line
	TypeHeartbeat      MessageType = "heartbeat"       // Keepalive
	TypeError          MessageType = "error"           // Server-side failure report

	// Fact messages
	TypeItemPickup  MessageType = "item_pickup"  // Client reports a picked up item
	TypePickedItems MessageType = "picked_items" // Server's authoritative picked item list
)

// KnownTypes lists every message type the catalog builds or parses.
var KnownTypes = []MessageType{
	TypeConnect,
	TypeDisconnect,
	TypePositionUpdate,
	TypePlayerList,
	TypePlayerJoined,
	TypePlayerLeft,
	TypeChatMessage,
	TypeHeartbeat,
	TypeError,
	TypeItemPickup,
	TypePickedItems,
}

// IsKnown reports whether t is part of the catalog.
func (t MessageType) IsKnown() bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}

// ConnectInfo is the client side of the handshake.
type ConnectInfo struct {
	Username string
	Password string
	Version  string
	// GameID distinguishes game builds that share the wire format but cannot
	// play together.
	GameID string
}

// PositionState is a snapshot of the local player's movement state.
type PositionState struct {
	MapID        int    `json:"map_id"`
	X            int    `json:"x"`
	Y            int    `json:"y"`
	RealX        int    `json:"real_x"`
	RealY        int    `json:"real_y"`
	Direction    int    `json:"direction"`
	Pattern      int    `json:"pattern"`
	MoveSpeed    int    `json:"move_speed"`
	MovementType int    `json:"movement_type"`
	Charset      string `json:"charset"`
	Follower     Map    `json:"follower,omitempty"`

	// Optional, sent only when non-zero so the server can tell "unknown"
	// apart from zero.
	Money      int `json:"money,omitempty"`
	BadgeCount int `json:"badge_count,omitempty"`
}

// Player describes a remote player as reported by the server.
type Player struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	MapID     int    `json:"map_id"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Direction int    `json:"direction"`
	Charset   string `json:"charset"`
}

func (p Player) toMap() Map {
	return Map{
		"id":        p.ID,
		"username":  p.Username,
		"map_id":    p.MapID,
		"x":         p.X,
		"y":         p.Y,
		"direction": p.Direction,
		"charset":   p.Charset,
	}
}

// ---- Constructors ----

// NewConnect builds the handshake request. An empty password is sent as null.
func NewConnect(info ConnectInfo) *Envelope {
	var password interface{}
	if info.Password != "" {
		password = info.Password
	}
	return Build(TypeConnect, Map{
		"username": info.Username,
		"password": password,
		"version":  info.Version,
		"game_id":  info.GameID,
	})
}

// NewConnectResult builds the server's reply to a connect request.
func NewConnectResult(success bool, serverVersion, sessionID, message string) *Envelope {
	data := Map{
		"success": success,
		"version": serverVersion,
	}
	if sessionID != "" {
		data["session_id"] = sessionID
	}
	if message != "" {
		data["message"] = message
	}
	return Build(TypeConnect, data)
}

// NewDisconnect builds a goodbye message.
func NewDisconnect(reason string) *Envelope {
	return Build(TypeDisconnect, Map{"reason": reason})
}

// NewPositionUpdate builds a position update. Money and badge count are only
// included when non-zero.
func NewPositionUpdate(s PositionState) *Envelope {
	var follower interface{}
	if s.Follower != nil {
		follower = s.Follower
	}

	data := Map{
		"map_id":        s.MapID,
		"x":             s.X,
		"y":             s.Y,
		"real_x":        s.RealX,
		"real_y":        s.RealY,
		"direction":     s.Direction,
		"pattern":       s.Pattern,
		"move_speed":    s.MoveSpeed,
		"movement_type": s.MovementType,
		"charset":       s.Charset,
		"follower":      follower,
	}
	if s.Money != 0 {
		data["money"] = s.Money
	}
	if s.BadgeCount != 0 {
		data["badge_count"] = s.BadgeCount
	}
	return Build(TypePositionUpdate, data)
}

// NewChatMessage builds an outgoing chat line.
func NewChatMessage(text string) *Envelope {
	return Build(TypeChatMessage, Map{"text": text})
}

// NewRelayedChat builds a chat line attributed to a user, as relayed by a server.
func NewRelayedChat(username, text string) *Envelope {
	return Build(TypeChatMessage, Map{"username": username, "text": text})
}

// NewHeartbeat builds a keepalive.
func NewHeartbeat() *Envelope {
	return Build(TypeHeartbeat, nil)
}

// NewError builds an error report.
func NewError(code, message string) *Envelope {
	return Build(TypeError, Map{"code": code, "message": message})
}

// NewPlayerList builds the list of visible players.
func NewPlayerList(players []Player) *Envelope {
	list := make(List, 0, len(players))
	for _, p := range players {
		list = append(list, p.toMap())
	}
	return Build(TypePlayerList, Map{"players": list})
}

// NewPlayerJoined announces a player.
func NewPlayerJoined(p Player) *Envelope {
	return Build(TypePlayerJoined, p.toMap())
}

// NewPlayerLeft announces a departure.
func NewPlayerLeft(id, username string) *Envelope {
	return Build(TypePlayerLeft, Map{"id": id, "username": username})
}

// NewItemPickup reports an item pickup fact identified by key.
func NewItemPickup(key string, mapID, eventID int) *Envelope {
	return Build(TypeItemPickup, Map{
		"key":      key,
		"map_id":   mapID,
		"event_id": eventID,
	})
}

// NewPickedItems builds the authoritative list of picked up item keys.
func NewPickedItems(keys []string) *Envelope {
	list := make(List, 0, len(keys))
	for _, k := range keys {
		list = append(list, k)
	}
	return Build(TypePickedItems, Map{"keys": list})
}
