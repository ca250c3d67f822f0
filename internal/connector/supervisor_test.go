package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/netplay-project/netplay/internal/config"
	"github.com/netplay-project/netplay/internal/events"
	"github.com/netplay-project/netplay/internal/peer"
)

func TestBackoffDelay(t *testing.T) {
	b := &Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 0},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{5, 800 * time.Millisecond},
		{6, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffSingleFixedRetry(t *testing.T) {
	b := BackoffFromConfig(config.ReconnectConfig{
		MaxAttempts:    2,
		InitialDelayMs: 3000,
		MaxDelayMs:     3000,
		Multiplier:     1,
	})

	if got := b.Delay(1); got != 0 {
		t.Fatalf("first attempt waits %v", got)
	}
	if got := b.Delay(2); got != 3*time.Second {
		t.Fatalf("retry waits %v, want 3s", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := &Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.5}

	for i := 0; i < 200; i++ {
		got := b.Delay(2)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("Delay(2) = %v, want within ±50%% of 100ms", got)
		}
	}
}

func fastPolicy(attempts int) config.ReconnectConfig {
	return config.ReconnectConfig{
		MaxAttempts:    attempts,
		InitialDelayMs: 5,
		MaxDelayMs:     20,
		Multiplier:     2,
	}
}

func TestSupervisorGivesUp(t *testing.T) {
	srv := startPeer(t, peer.Options{RejectReason: "maintenance"})
	client := newTestClient(t)
	gaveUp := subscribe(client.Bus(), events.EventReconnectGaveUp)
	scheduled := subscribe(client.Bus(), events.EventReconnectScheduled)

	sup := NewSupervisor(client, func() Params { return paramsFor(srv, "kim") }, fastPolicy(3), true, nil)

	err := sup.ConnectNow(context.Background())
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("ConnectNow = %v, want wrapped HandshakeError", err)
	}
	if !sup.Offline() {
		t.Fatal("supervisor not offline after giving up")
	}
	if n := srv.Connects(); n != 3 {
		t.Fatalf("server saw %d attempts, want 3", n)
	}

	e := waitEvent(t, gaveUp)
	if p := e.Payload.(events.ReconnectPayload); p.MaxAttempts != 3 || p.LastError == "" {
		t.Fatalf("gave up payload = %+v", p)
	}
	waitEvent(t, scheduled)

	st := sup.Status()
	if !st.Offline || st.LastError == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestSupervisorDoesNotRetryIncompatibleServer(t *testing.T) {
	srv := startPeer(t, peer.Options{Version: "3.1.0"})
	client := newTestClient(t)
	sup := NewSupervisor(client, func() Params { return paramsFor(srv, "lee") }, fastPolicy(5), true, nil)

	var verErr *IncompatibleVersionError
	if err := sup.ConnectNow(context.Background()); !errors.As(err, &verErr) {
		t.Fatalf("ConnectNow = %v, want IncompatibleVersionError", err)
	}
	if n := srv.Connects(); n != 1 {
		t.Fatalf("server saw %d attempts, want 1", n)
	}
	if !sup.Offline() {
		t.Fatal("supervisor not offline")
	}
}

func TestSupervisorManualReconnect(t *testing.T) {
	srv := startPeer(t, peer.Options{RejectReason: "closed"})
	client := newTestClient(t)
	sup := NewSupervisor(client, func() Params { return paramsFor(srv, "max") }, fastPolicy(2), true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx, true)
	}()

	waitFor(t, "offline", sup.Offline)

	srv.SetRejectReason("")
	sup.Reconnect()

	waitFor(t, "manual reconnect", client.IsConnected)
	if sup.Offline() {
		t.Fatal("still offline after reconnecting")
	}

	cancel()
	<-done
	if client.State() != StateDisconnected {
		t.Fatalf("state after Run returned = %s", client.State())
	}
}

func TestSupervisorReconnectsAfterLoss(t *testing.T) {
	srv := startPeer(t, peer.Options{})
	client := newTestClient(t)
	sup := NewSupervisor(client, func() Params { return paramsFor(srv, "nia") }, fastPolicy(3), true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx, true)

	waitFor(t, "initial connect", func() bool { return client.IsConnected() && len(srv.Players()) == 1 })
	first := client.Session().ID

	srv.Kick("nia")

	waitFor(t, "reconnect", func() bool {
		s := client.Session()
		return client.IsConnected() && s != nil && s.ID != first
	})
	if n := srv.Connects(); n != 2 {
		t.Fatalf("server saw %d connects, want 2", n)
	}
}

func TestSupervisorNoAutoReconnect(t *testing.T) {
	srv := startPeer(t, peer.Options{})
	client := newTestClient(t)
	sup := NewSupervisor(client, func() Params { return paramsFor(srv, "oz") }, fastPolicy(3), false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx, true)

	waitFor(t, "initial connect", func() bool { return len(srv.Players()) == 1 })
	srv.Kick("oz")

	waitFor(t, "offline", sup.Offline)
	if client.IsConnected() {
		t.Fatal("client reconnected with auto reconnect off")
	}
	if n := srv.Connects(); n != 1 {
		t.Fatalf("server saw %d connects, want 1", n)
	}
}
