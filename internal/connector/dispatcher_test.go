package connector

import (
	"context"
	"reflect"
	"testing"

	"github.com/netplay-project/netplay/internal/network"
	"github.com/netplay-project/netplay/internal/protocol"
)

func queueOf(t *testing.T, envs ...*protocol.Envelope) *network.Queue[*protocol.Inbound] {
	t.Helper()
	q := network.NewQueue[*protocol.Inbound](len(envs) + 1)
	parser := protocol.NewParser()
	for _, env := range envs {
		msg, err := parser.Parse(env)
		if err != nil {
			t.Fatalf("Parse(%s): %v", env.Type, err)
		}
		if err := q.Push(context.Background(), &protocol.Inbound{Envelope: env, Message: msg}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	return q
}

func TestDispatcherRoutesByType(t *testing.T) {
	q := queueOf(t,
		protocol.NewRelayedChat("a", "one"),
		protocol.NewHeartbeat(),
		protocol.NewRelayedChat("b", "two"),
	)
	d := NewDispatcher(q, nil)

	var calls []string
	d.On(protocol.TypeChatMessage, "chat", func(in *protocol.Inbound) {
		calls = append(calls, "chat:"+in.Message.(*protocol.ChatMessage).Text)
	})
	d.OnAny("all", func(in *protocol.Inbound) {
		calls = append(calls, "any:"+string(in.Envelope.Type))
	})

	if n := d.Pump(2); n != 2 {
		t.Fatalf("Pump(2) = %d", n)
	}
	if n := d.Pump(0); n != 1 {
		t.Fatalf("Pump(0) = %d", n)
	}
	if n := d.Pump(0); n != 0 {
		t.Fatalf("Pump on empty inbox = %d", n)
	}

	want := []string{
		"chat:one", "any:chat_message",
		"any:heartbeat",
		"chat:two", "any:chat_message",
	}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestDispatcherOffAndReplace(t *testing.T) {
	q := queueOf(t, protocol.NewHeartbeat(), protocol.NewHeartbeat())
	d := NewDispatcher(q, nil)

	var first, second int
	d.On(protocol.TypeHeartbeat, "hb", func(*protocol.Inbound) { first++ })
	d.On(protocol.TypeHeartbeat, "hb", func(*protocol.Inbound) { second++ })

	d.Pump(1)
	if first != 0 || second != 1 {
		t.Fatalf("first=%d second=%d, want replaced listener only", first, second)
	}

	d.Off("hb")
	d.Pump(0)
	if second != 1 {
		t.Fatalf("listener ran after Off")
	}
}

func TestDispatcherRecoversFromPanic(t *testing.T) {
	q := queueOf(t, protocol.NewPlayerLeft("id-1", "pat"), protocol.NewHeartbeat())
	d := NewDispatcher(q, nil)

	var left []string
	d.On(protocol.TypePlayerLeft, "boom", func(*protocol.Inbound) { panic("listener bug") })
	OnMessage(d, protocol.TypePlayerLeft, "left", func(m *protocol.PlayerLeft) {
		left = append(left, m.Username)
	})

	if n := d.Pump(0); n != 2 {
		t.Fatalf("Pump = %d, want 2", n)
	}
	if len(left) != 1 || left[0] != "pat" {
		t.Fatalf("left = %v", left)
	}
}

func TestOnMessageIgnoresOtherShapes(t *testing.T) {
	q := queueOf(t, protocol.Build("custom", protocol.Map{"x": 1}))
	d := NewDispatcher(q, nil)

	called := false
	OnMessage(d, "custom", "typed", func(*protocol.ChatMessage) { called = true })

	var raw *protocol.RawMessage
	OnMessage(d, "custom", "raw", func(m *protocol.RawMessage) { raw = m })

	d.Pump(0)
	if called {
		t.Fatal("typed listener received a raw message")
	}
	if raw == nil || raw.Data["x"] != 1 {
		t.Fatalf("raw = %+v", raw)
	}
}
