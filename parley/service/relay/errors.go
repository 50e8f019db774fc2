package relay

import (
	"errors"
	"fmt"
)

// ErrPeerClosed reports that one leg reached end of stream. It is the normal
// end of a session.
var ErrPeerClosed = errors.New("peer closed connection")

// BindError is returned when the listening socket cannot be created.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Leg names one side of a session.
type Leg string

const (
	LegClient Leg = "client"
	LegServer Leg = "server"
)

// HandshakeError is a TLS negotiation failure on one leg. It ends only the
// session it occurred in.
type HandshakeError struct {
	Leg  Leg
	Addr string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with %s %s: %v", e.Leg, e.Addr, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
