package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler serves one accepted connection. The connection is closed when the
// handler returns.
type Handler func(ctx context.Context, conn *Conn)

// Listener accepts line-framed TCP connections and runs a Handler for each
// one on its own goroutine.
type Listener struct {
	addr    string
	handler Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewListener creates a listener for addr ("host:port"; port 0 picks a free
// port).
func NewListener(addr string, handler Handler) *Listener {
	return &Listener{
		addr:    addr,
		handler: handler,
		logger:  log.With().Str("component", "listener").Logger(),
	}
}

// Listen binds the socket without accepting yet, so callers can read Addr
// before serving.
func (l *Listener) Listen(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.Info().Str("addr", ln.Addr().String()).Msg("listener started")
	return nil
}

// Serve runs the accept loop until ctx is cancelled or Stop is called, then
// waits for in-flight handlers.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return errors.New("listener is not bound")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	defer l.wg.Wait()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Info().Msg("listener stopping")
				return nil
			}
			l.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		l.logger.Debug().Str("remote", raw.RemoteAddr().String()).Msg("new connection")

		conn := NewConn(raw)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer conn.Close()
			l.handler(ctx, conn)
		}()
	}
}

// Start binds and serves.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Stop closes the listening socket. Accepted connections are left to their
// handlers.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}
