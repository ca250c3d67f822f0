// Package network implements the newline-framed TCP connection used by the
// client and the development peer, the bounded inbox queue between the
// network worker and the frame loop, and the peer's connection registry.
package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netplay-project/netplay/internal/protocol"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// ErrConnClosed is returned by writes on a closed connection.
var ErrConnClosed = errors.New("connection is closed")

// Conn wraps a stream connection carrying newline-delimited frames.
// ReadFrame must only be called from one goroutine; WriteFrame is safe for
// concurrent use and serializes writers on a single lock.
type Conn struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	conn    net.Conn
	scanner *bufio.Scanner
	logger  zerolog.Logger
	id      string

	writeTimeout time.Duration

	lastRead time.Time

	closed bool
}

// NewConn wraps an established net.Conn.
func NewConn(conn net.Conn) *Conn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxFrameSize)

	return &Conn{
		conn:         conn,
		scanner:      scanner,
		writeTimeout: DefaultWriteTimeout,
		lastRead:     time.Now(),
		logger:       log.With().Str("component", "conn").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// SetID tags the connection with a session id for logging.
func (c *Conn) SetID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.logger = log.With().
		Str("component", "conn").
		Str("remote", c.conn.RemoteAddr().String()).
		Str("session", id).
		Logger()
}

// ID returns the session id set with SetID.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SetWriteTimeout changes the per-frame write deadline. Zero disables it.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeTimeout = d
}

// ReadFrame blocks until a complete non-blank line arrives and returns it
// without the delimiter. A positive timeout bounds the wait; zero waits
// until data arrives or the connection is closed. io.EOF reports a clean
// close by the peer. Any error, a timeout included, is terminal for the
// connection.
func (c *Conn) ReadFrame(timeout time.Duration) (string, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	for {
		if !c.scanner.Scan() {
			err := c.scanner.Err()
			if err == nil {
				return "", io.EOF
			}
			if errors.Is(err, bufio.ErrTooLong) {
				return "", fmt.Errorf("frame exceeds %d bytes: %w", protocol.MaxFrameSize, err)
			}
			return "", err
		}

		line := c.scanner.Text()
		c.mu.Lock()
		c.lastRead = time.Now()
		c.mu.Unlock()

		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

// WriteFrame serializes and sends one envelope.
func (c *Conn) WriteFrame(env *protocol.Envelope) error {
	frame, err := protocol.Serialize(env)
	if err != nil {
		return err
	}
	return c.WriteRaw(frame)
}

// WriteRaw sends bytes as-is. Callers are responsible for framing.
func (c *Conn) WriteRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.IsClosed() {
		return ErrConnClosed
	}

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close closes the underlying connection. A blocked ReadFrame returns
// promptly with an error. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether Close has been called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastRead returns when the last frame was received.
func (c *Conn) LastRead() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRead
}

// RemoteAddr returns the remote address of the connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
