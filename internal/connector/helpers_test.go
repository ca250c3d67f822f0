package connector

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/netplay-project/netplay/internal/events"
	"github.com/netplay-project/netplay/internal/peer"
	"github.com/netplay-project/netplay/internal/protocol"
)

const testClientVersion = "1.0.0"

func startPeer(t *testing.T, opts peer.Options) *peer.Server {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.Version == "" {
		opts.Version = "1.2.0"
	}

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

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(Settings{
		ClientVersion:     testClientVersion,
		GameID:            "test-game",
		HeartbeatInterval: time.Hour,
		InboxCapacity:     64,
	}, nil, nil)
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func paramsFor(srv *peer.Server, username string) Params {
	addr := srv.Addr().(*net.TCPAddr)
	return Params{
		Host:     "127.0.0.1",
		Port:     addr.Port,
		Username: username,
		Timeout:  2 * time.Second,
	}
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

// recorder keeps every message a dispatcher delivers, so tests can wait
// for a type without losing the ones pumped before it.
type recorder struct {
	d    *Dispatcher
	seen []*protocol.Inbound
}

func record(d *Dispatcher) *recorder {
	r := &recorder{d: d}
	d.OnAny("recorder", func(in *protocol.Inbound) {
		r.seen = append(r.seen, in)
	})
	return r
}

// next pumps until a message of msgType arrives that was not returned
// before, and returns it.
func (r *recorder) next(t *testing.T, msgType protocol.MessageType) *protocol.Inbound {
	t.Helper()

	var got *protocol.Inbound
	waitFor(t, string(msgType), func() bool {
		r.d.Pump(0)
		for i, in := range r.seen {
			if in != nil && in.Envelope.Type == msgType {
				got = in
				r.seen[i] = nil
				return true
			}
		}
		return false
	})
	return got
}

func subscribe(bus *events.EventBus, eventType events.EventType) <-chan events.Event {
	ch := make(chan events.Event, 16)
	bus.Subscribe(eventType, "test-"+string(eventType), func(ctx context.Context, e events.Event) error {
		select {
		case ch <- e:
		default:
		}
		return nil
	})
	return ch
}

func waitEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}
