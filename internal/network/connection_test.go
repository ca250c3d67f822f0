package network

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/netplay-project/netplay/internal/protocol"
)

func pipePair(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a), b
}

func TestReadFrameSplitsLines(t *testing.T) {
	conn, remote := pipePair(t)

	go func() {
		io.WriteString(remote, "first\n\n")
		io.WriteString(remote, "sec")
		io.WriteString(remote, "ond\r\n")
		remote.Close()
	}()

	for _, want := range []string{"first", "second"} {
		got, err := conn.ReadFrame(time.Second)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if got != want {
			t.Fatalf("ReadFrame = %q, want %q", got, want)
		}
	}

	if _, err := conn.ReadFrame(time.Second); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadFrame after close = %v, want EOF", err)
	}
}

func TestReadFrameTimeout(t *testing.T) {
	conn, _ := pipePair(t)

	_, err := conn.ReadFrame(20 * time.Millisecond)
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("ReadFrame error = %v, want timeout", err)
	}
}

func TestReadFrameTooLong(t *testing.T) {
	conn, remote := pipePair(t)

	go func() {
		remote.Write([]byte(strings.Repeat("x", protocol.MaxFrameSize+10)))
	}()

	if _, err := conn.ReadFrame(time.Second); err == nil {
		t.Fatal("expected error for oversize frame")
	}
}

func TestWriteFrame(t *testing.T) {
	conn, remote := pipePair(t)

	env := protocol.Build(protocol.TypeHeartbeat, nil)
	errc := make(chan error, 1)
	go func() { errc <- conn.WriteFrame(env) }()

	peer := NewConn(remote)
	line, err := peer.ReadFrame(time.Second)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := protocol.ParseEnvelope(line)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if got.Type != protocol.TypeHeartbeat {
		t.Fatalf("type = %q, want heartbeat", got.Type)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, _ := pipePair(t)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !conn.IsClosed() {
		t.Fatal("IsClosed = false after Close")
	}
	if err := conn.WriteRaw([]byte("x\n")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("WriteRaw after Close = %v, want ErrConnClosed", err)
	}
}
