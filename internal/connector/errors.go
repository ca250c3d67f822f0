package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidUsername is returned by Connect, before any socket is
	// opened, when the username is empty or the profile placeholder.
	ErrInvalidUsername = errors.New("username is empty or a placeholder")

	// ErrNotConnected is returned when sending without a session.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect while a session exists or
	// is being set up.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrConnectCanceled is returned by Connect when Disconnect ends the
	// attempt.
	ErrConnectCanceled = errors.New("connect canceled by disconnect")
)

// HandshakeError reports a connect attempt the server rejected, or whose
// reply never came or could not be understood.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake failed: %s", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError reports a socket failure: refused, reset, closed or timed
// out.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IncompatibleVersionError reports a server whose major version differs
// from the client's.
type IncompatibleVersionError struct {
	Client string
	Server string
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("incompatible server version %s (client %s)", e.Server, e.Client)
}

// reasonOf maps an error to a short metrics label.
func reasonOf(err error) string {
	var (
		hs  *HandshakeError
		tr  *TransportError
		ver *IncompatibleVersionError
	)
	switch {
	case errors.Is(err, ErrInvalidUsername):
		return "invalid_username"
	case errors.Is(err, ErrConnectCanceled):
		return "canceled"
	case errors.As(err, &ver):
		return "incompatible_version"
	case errors.As(err, &hs):
		return "rejected"
	case errors.As(err, &tr):
		return "transport"
	}
	return "other"
}
