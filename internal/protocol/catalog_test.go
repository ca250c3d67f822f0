package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, env *Envelope) *Inbound {
	t.Helper()
	frame, err := Serialize(env)
	if err != nil {
		t.Fatalf("Serialize(%s) returned error: %v", env.Type, err)
	}
	in, err := NewParser().ParseLine(string(frame))
	if err != nil {
		t.Fatalf("ParseLine(%s) returned error: %v", frame, err)
	}
	return in
}

func TestNewConnect(t *testing.T) {
	env := NewConnect(ConnectInfo{Username: "red", Version: "1.2.0", GameID: "essentials-v21"})

	if env.Type != TypeConnect {
		t.Fatalf("Type = %q", env.Type)
	}
	for _, key := range []string{"username", "password", "version", "game_id"} {
		if _, ok := env.Data[key]; !ok {
			t.Errorf("connect payload missing %q", key)
		}
	}
	if env.Data["password"] != nil {
		t.Errorf("empty password should be sent as null, got %v", env.Data["password"])
	}

	withPassword := NewConnect(ConnectInfo{Username: "red", Password: "hunter2"})
	if withPassword.Data["password"] != "hunter2" {
		t.Errorf("password = %v", withPassword.Data["password"])
	}
}

func TestNewPositionUpdateOptionalFields(t *testing.T) {
	env := NewPositionUpdate(PositionState{MapID: 3, X: 7, Y: 6, Direction: 2})

	required := []string{"map_id", "x", "y", "real_x", "real_y", "direction",
		"pattern", "move_speed", "movement_type", "charset", "follower"}
	for _, key := range required {
		if _, ok := env.Data[key]; !ok {
			t.Errorf("position_update missing %q", key)
		}
	}
	if _, ok := env.Data["money"]; ok {
		t.Error("zero money must be omitted")
	}
	if _, ok := env.Data["badge_count"]; ok {
		t.Error("zero badge_count must be omitted")
	}

	rich := NewPositionUpdate(PositionState{MapID: 1, Money: 3000, BadgeCount: 2})
	if rich.Data["money"] != 3000 || rich.Data["badge_count"] != 2 {
		t.Errorf("money/badge_count = %v/%v", rich.Data["money"], rich.Data["badge_count"])
	}
}

func TestParseTypedMessages(t *testing.T) {
	players := []Player{
		{ID: "p1", Username: "blue", MapID: 3, X: 1, Y: 2, Direction: 4, Charset: "trainer_blue"},
		{ID: "p2", Username: "green", MapID: 5},
	}

	tests := []struct {
		name string
		env  *Envelope
		want Message
	}{
		{"chat", NewRelayedChat("blue", "hi"), &ChatMessage{Username: "blue", Text: "hi"}},
		{"heartbeat", NewHeartbeat(), &Heartbeat{}},
		{"error", NewError("version", "too old"), &ErrorMessage{Code: "version", Message: "too old"}},
		{"disconnect", NewDisconnect("bye"), &Disconnect{Reason: "bye"}},
		{"player list", NewPlayerList(players), &PlayerList{Players: players}},
		{"player joined", NewPlayerJoined(players[0]), &PlayerJoined{Player: players[0]}},
		{"player left", NewPlayerLeft("p2", "green"), &PlayerLeft{ID: "p2", Username: "green"}},
		{"item pickup", NewItemPickup("3:7", 3, 7), &ItemPickup{Key: "3:7", MapID: 3, EventID: 7}},
		{"picked items", NewPickedItems([]string{"1:1", "2:4"}), &PickedItems{Keys: []string{"1:1", "2:4"}}},
		{"connect result", NewConnectResult(true, "1.4.0", "abc", ""), &ConnectResult{Success: true, Version: "1.4.0", SessionID: "abc"}},
		{
			"position",
			NewPositionUpdate(PositionState{MapID: 3, X: 7, Y: 6, Direction: 2, Money: 10}),
			&PositionUpdate{PositionState: PositionState{MapID: 3, X: 7, Y: 6, Direction: 2, Money: 10}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := roundTrip(t, tt.env)
			if in.Message.Kind() != tt.env.Type {
				t.Errorf("Kind() = %q, want %q", in.Message.Kind(), tt.env.Type)
			}
			if !reflect.DeepEqual(in.Message, tt.want) {
				t.Errorf("message = %#v, want %#v", in.Message, tt.want)
			}
		})
	}
}

func TestParseUnknownTypePassesThrough(t *testing.T) {
	in := roundTrip(t, Build("trade_request", Map{"offer": "potion"}))

	raw, ok := in.Message.(*RawMessage)
	if !ok {
		t.Fatalf("message = %T, want *RawMessage", in.Message)
	}
	if raw.Kind() != "trade_request" || raw.Data["offer"] != "potion" {
		t.Errorf("raw = %#v", raw)
	}
}

func TestParseRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{"chat without text", Build(TypeChatMessage, Map{})},
		{"chat text not string", Build(TypeChatMessage, Map{"text": 5})},
		{"position without map", Build(TypePositionUpdate, Map{"x": 1, "y": 2})},
		{"position fractional x", Build(TypePositionUpdate, Map{"map_id": 1, "x": 1.5, "y": 2})},
		{"player list not list", Build(TypePlayerList, Map{"players": "none"})},
		{"player list entry without username", Build(TypePlayerList, Map{"players": List{Map{"id": "x"}}})},
		{"player left anonymous", Build(TypePlayerLeft, Map{})},
		{"picked items with number", Build(TypePickedItems, Map{"keys": List{"1:1", 2}})},
		{"item pickup without key", Build(TypeItemPickup, Map{"map_id": 1})},
		{"connect success not bool", Build(TypeConnect, Map{"success": "yes"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().Parse(tt.env)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("Parse error = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestConnectResultErrorField(t *testing.T) {
	msg, err := NewParser().Parse(Build(TypeConnect, Map{"error": "banned"}))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	res := msg.(*ConnectResult)
	if res.Success {
		t.Error("a reply with an error field must not be successful")
	}
	if res.Message != "banned" {
		t.Errorf("Message = %q, want banned", res.Message)
	}
}

func TestConnectResultEmptyErrorField(t *testing.T) {
	tests := []struct {
		name        string
		errValue    interface{}
		wantSuccess bool
		wantMessage string
	}{
		{"null", nil, true, ""},
		{"false", false, true, ""},
		{"empty string", "", true, ""},
		{"true", true, false, "rejected by server"},
		{"code", int64(403), false, "403"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Build(TypeConnect, Map{"success": true, "version": "1.0.0", "error": tt.errValue})
			in := roundTrip(t, env)
			res := in.Message.(*ConnectResult)
			if res.Success != tt.wantSuccess || res.Message != tt.wantMessage {
				t.Errorf("result = %+v, want success=%v message=%q", res, tt.wantSuccess, tt.wantMessage)
			}
		})
	}
}

func TestIsKnown(t *testing.T) {
	if !TypeHeartbeat.IsKnown() {
		t.Error("heartbeat should be known")
	}
	if MessageType("battle_invite").IsKnown() {
		t.Error("battle_invite should not be known")
	}
}
