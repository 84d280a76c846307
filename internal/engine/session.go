// Package engine defines the transformation engine the interceptors drive
// and a default per-leg session implementation.
//
// The engine decides whether a frame is admissible, whether it needs
// rewriting and performs the rewrite in place. Rewrite rules are supplied
// as Protocol steps; none are built in.
package engine

import (
	"errors"
	"fmt"

	"versionbridge/internal/buffer"
)

// ErrCancelled marks a frame that must be dropped without closing the
// transport.
var ErrCancelled = errors.New("engine: packet cancelled")

// CancelFunc builds the error a transform returns to drop the current frame.
// The returned error matches ErrCancelled.
type CancelFunc func(cause error) error

// Cancel is the default CancelFunc.
func Cancel(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// Session is the engine state of one connection leg as seen by the
// interceptors.
type Session interface {
	CheckInbound() bool
	CheckOutbound() bool
	ShouldTransform() bool
	TransformInbound(buf *buffer.Buffer, cancel CancelFunc) error
	TransformOutbound(buf *buffer.Buffer, cancel CancelFunc) error
}

// Role tells which side of a leg the relay plays.
type Role int

const (
	// RoleServerSide is the frontend leg: the relay acts as the server.
	RoleServerSide Role = iota
	// RoleClientSide is the backend leg: the relay acts as the client.
	RoleClientSide
)

func (r Role) String() string {
	if r == RoleClientSide {
		return "client-side"
	}
	return "server-side"
}

// Direction is the protocol direction of a packet.
type Direction int

const (
	Serverbound Direction = iota
	Clientbound
)

func (d Direction) String() string {
	if d == Clientbound {
		return "clientbound"
	}
	return "serverbound"
}

// State is the protocol state of a connection.
type State int

const (
	StateHandshake State = iota
	StateStatus
	StateLogin
	StatePlay
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	case StatePlay:
		return "play"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
