package game

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/netplay-project/netplay/internal/connector"
	"github.com/netplay-project/netplay/internal/facts"
	"github.com/netplay-project/netplay/internal/peer"
	"github.com/netplay-project/netplay/internal/protocol"
)

func startPeer(t *testing.T, opts peer.Options) *peer.Server {
	t.Helper()
	opts.Addr = "127.0.0.1:0"
	opts.Version = "1.0.0"

	srv := peer.NewServer(opts)
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Listen(ctx); err != nil {
		cancel()
		t.Fatalf("peer listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

type player struct {
	client  *connector.Client
	relay   *facts.Relay
	session *Session
	params  connector.Params
}

// join builds a client with its session and frame loop, and connects it.
func join(t *testing.T, srv *peer.Server, username string) *player {
	t.Helper()

	client := connector.NewClient(connector.Settings{
		ClientVersion:     "1.0.0",
		HeartbeatInterval: time.Hour,
		InboxCapacity:     64,
	}, nil, nil)
	relay := facts.NewRelay(facts.NewStore(nil), client, client.Bus(), nil)
	session := NewSession(client, relay)

	d := connector.NewDispatcher(client.Inbox(), nil)
	session.Attach(d, client.Bus())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx, 5*time.Millisecond, 0)
	}()
	t.Cleanup(func() {
		client.Disconnect()
		cancel()
		<-done
	})

	p := &player{
		client:  client,
		relay:   relay,
		session: session,
		params: connector.Params{
			Host:     "127.0.0.1",
			Port:     srv.Addr().(*net.TCPAddr).Port,
			Username: username,
			Timeout:  2 * time.Second,
		},
	}
	if err := client.Connect(context.Background(), p.params); err != nil {
		t.Fatalf("%s connect: %v", username, err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasPlayer(s *Session, username string, x int) bool {
	for _, p := range s.Players() {
		if p.Username == username && p.X == x {
			return true
		}
	}
	return false
}

func TestSessionTracksRemotePlayers(t *testing.T) {
	srv := startPeer(t, peer.Options{})
	alice := join(t, srv, "alice")

	var notices []string
	noticeCh := make(chan string, 8)
	alice.session.OnNotice(func(msg string) { noticeCh <- msg })

	bob := join(t, srv, "bob")

	waitFor(t, "bob in alice's list", func() bool { return hasPlayer(alice.session, "bob", 0) })
	select {
	case msg := <-noticeCh:
		notices = append(notices, msg)
	case <-time.After(3 * time.Second):
		t.Fatal("no join notice")
	}
	if notices[0] != "bob joined" {
		t.Errorf("notice = %q, want %q", notices[0], "bob joined")
	}

	if err := bob.session.Move(protocol.PositionState{MapID: 3, X: 7, Y: 9}); err != nil {
		t.Fatalf("Move: %v", err)
	}
	waitFor(t, "bob's position at alice", func() bool { return hasPlayer(alice.session, "bob", 7) })
	waitFor(t, "alice in bob's list", func() bool { return hasPlayer(bob.session, "alice", 0) })

	if got := bob.session.Position(); got.MapID != 3 || got.Y != 9 {
		t.Errorf("Position() = %+v", got)
	}
	for _, p := range bob.session.Players() {
		if p.Username == "bob" {
			t.Error("own player listed as remote")
		}
	}

	srv.Kick("bob")
	waitFor(t, "bob to leave", func() bool { return len(alice.session.Players()) == 0 })
}

func TestSessionChatLog(t *testing.T) {
	srv := startPeer(t, peer.Options{})
	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")

	got := make(chan ChatLine, 4)
	alice.session.OnChat(func(l ChatLine) { got <- l })

	if err := bob.session.Chat("hello there"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	select {
	case line := <-got:
		if line.Username != "bob" || line.Text != "hello there" {
			t.Errorf("line = %+v", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("chat never arrived")
	}

	// The sender sees its own line relayed back.
	waitFor(t, "bob's own chat", func() bool { return len(bob.session.ChatLog()) == 1 })

	if err := alice.client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := alice.session.Chat("anyone?"); err == nil {
		t.Error("Chat while disconnected succeeded")
	}
}

func TestSessionChatLogIsBounded(t *testing.T) {
	s := NewSession(connector.NewClient(connector.Settings{ClientVersion: "1.0.0"}, nil, nil), nil)
	for i := 0; i < chatHistory+10; i++ {
		s.onChatMessage(&protocol.ChatMessage{Username: "x", Text: "line"}, time.Now())
	}
	if got := len(s.ChatLog()); got != chatHistory {
		t.Errorf("ChatLog() has %d lines, want %d", got, chatHistory)
	}
}

func TestChatLineCarriesSendTime(t *testing.T) {
	client := connector.NewClient(connector.Settings{ClientVersion: "1.0.0", InboxCapacity: 4}, nil, nil)
	s := NewSession(client, nil)
	d := connector.NewDispatcher(client.Inbox(), nil)
	s.Attach(d, client.Bus())

	stamped := protocol.NewRelayedChat("ann", "morning")
	stamped.Timestamp = 1700000000
	unstamped := protocol.NewRelayedChat("bob", "hi")
	unstamped.Timestamp = 0

	for _, env := range []*protocol.Envelope{stamped, unstamped} {
		msg, err := protocol.NewParser().Parse(env)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if err := client.Inbox().Push(context.Background(), &protocol.Inbound{Envelope: env, Message: msg}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	d.Pump(0)

	log := s.ChatLog()
	if len(log) != 2 {
		t.Fatalf("ChatLog() = %+v", log)
	}
	if got := log[0].At.Unix(); got != 1700000000 {
		t.Errorf("stamped line At = %d, want 1700000000", got)
	}
	if time.Since(log[1].At) > time.Minute {
		t.Errorf("unstamped line At = %s, want about now", log[1].At)
	}
}

func TestPickupReachesServerOnce(t *testing.T) {
	srv := startPeer(t, peer.Options{PushPickedItems: true})
	alice := join(t, srv, "alice")

	out, err := alice.session.Pickup(4, 12)
	if err != nil || out != facts.Sent {
		t.Fatalf("Pickup = %v, %v; want sent", out, err)
	}
	out, _ = alice.session.Pickup(4, 12)
	if out != facts.Suppressed {
		t.Errorf("second Pickup = %v, want suppressed", out)
	}

	key := facts.Key(4, 12)
	waitFor(t, "server to record the pickup", func() bool {
		keys := srv.PickedItems("alice")
		return len(keys) == 1 && keys[0] == key
	})
}

func TestPendingPickupSentAfterReconnect(t *testing.T) {
	srv := startPeer(t, peer.Options{PushPickedItems: true})
	alice := join(t, srv, "alice")
	srv.SetPickedItems("alice", []string{facts.Key(1, 1)})

	if err := alice.client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	out, err := alice.session.Pickup(2, 5)
	if err != nil || out != facts.Pending {
		t.Fatalf("Pickup offline = %v, %v; want pending", out, err)
	}

	if err := alice.client.Connect(context.Background(), alice.params); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	waitFor(t, "pending fact to reach the server", func() bool {
		return len(srv.PickedItems("alice")) == 2
	})
	if !alice.relay.Store().Contains(facts.Key(1, 1)) {
		t.Error("snapshot key missing from the store")
	}
	// Re-sent but not confirmed by a snapshot yet.
	if got := alice.relay.Outstanding(); len(got) != 1 || got[0] != facts.Key(2, 5) {
		t.Errorf("Outstanding() = %v", got)
	}
}
