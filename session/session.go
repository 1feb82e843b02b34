// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package session holds the transport-independent pieces of a client session:
// its status state machine, the process registry that maps stream IDs to
// sessions, and the stream ID factory. Transport variants (streaming sockets,
// components and HTTP long polling) implement the Session interface.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of a session.
type Status int32

const (
	StatusClosed        Status = -1
	StatusConnected     Status = 1
	StatusStreaming     Status = 2
	StatusAuthenticated Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusConnected:
		return "connected"
	case StatusStreaming:
		return "streaming"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// CloseReason records who asked for a session to be closed. Closes caused by
// the peer's own close notification or by a shutdown must not send a close
// notification back, otherwise the two ends would bounce closes forever.
type CloseReason int

const (
	// CloseLocal is a close initiated by this process or by the client, such
	// as a terminate request or an inactivity timeout.
	CloseLocal CloseReason = iota

	// CloseRemote is a close triggered by processing the peer's own close
	// notification.
	CloseRemote

	// CloseShutdown is a close caused by the connection manager or the
	// backend server shutting down. No reconnect is attempted for it.
	CloseShutdown

	// CloseUpstreamLost is a close caused by losing the link to the backend
	// server. Like a shutdown, nothing is sent back over that link.
	CloseUpstreamLost
)

func (r CloseReason) String() string {
	switch r {
	case CloseLocal:
		return "local"
	case CloseRemote:
		return "remote"
	case CloseShutdown:
		return "shutdown"
	case CloseUpstreamLost:
		return "upstream-lost"
	default:
		return "unknown"
	}
}

// ErrClosed is returned when delivering to a session that is already closed.
var ErrClosed = errors.New("session closed")

// Session is the capability set every transport variant provides.
type Session interface {
	// ID is the random stream ID. It never changes.
	ID() string
	ServerName() string
	CreatedAt() time.Time
	Status() Status

	// SetStatus moves the session forward in its lifecycle. It has no side
	// effects and reports false when the transition is not allowed.
	SetStatus(Status) bool

	// StreamFeatures returns the features to advertise for the session's
	// current state, or nil when nothing should be added.
	StreamFeatures() []string

	// Deliver hands one outbound stanza to the transport.
	Deliver(stanza []byte) error

	// Close is idempotent. Closing an already closed session does nothing.
	Close(reason CloseReason) error
}

// Base carries the state shared by every Session implementation. Variants
// embed it and provide Deliver, StreamFeatures and Close.
type Base struct {
	id         string
	serverName string
	created    time.Time
	status     atomic.Int32
}

// NewBase returns a Base in the Connected state.
func NewBase(serverName, id string) *Base {
	b := &Base{
		id:         id,
		serverName: serverName,
		created:    time.Now(),
	}
	b.status.Store(int32(StatusConnected))
	return b
}

func (b *Base) ID() string           { return b.id }
func (b *Base) ServerName() string   { return b.serverName }
func (b *Base) CreatedAt() time.Time { return b.created }
func (b *Base) Status() Status       { return Status(b.status.Load()) }

// SetStatus only moves forward: Connected < Streaming < Authenticated, and
// Closed may be entered from anywhere but never left.
func (b *Base) SetStatus(s Status) bool {
	for {
		cur := Status(b.status.Load())
		if cur == StatusClosed {
			return false
		}
		if s != StatusClosed && s < cur {
			return false
		}
		if b.status.CompareAndSwap(int32(cur), int32(s)) {
			return true
		}
	}
}

// MarkClosed flips the status to Closed and reports whether this call did it.
// Close implementations use it to run their side effects exactly once.
func (b *Base) MarkClosed() bool {
	for {
		cur := b.status.Load()
		if Status(cur) == StatusClosed {
			return false
		}
		if b.status.CompareAndSwap(cur, int32(StatusClosed)) {
			return true
		}
	}
}

func (b *Base) String() string {
	return fmt.Sprintf("session id: %s status: %s", b.id, b.Status())
}

// DecodeVersion parses a "major.minor" protocol version.
func DecodeVersion(version string) (major, minor int, err error) {
	parts := strings.Split(version, ".")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid version %q: expected major.minor", version)
	}
	if major, err = parseVersionPart(parts[0]); err != nil {
		return 0, 0, fmt.Errorf("invalid version %q: %w", version, err)
	}
	if minor, err = parseVersionPart(parts[1]); err != nil {
		return 0, 0, fmt.Errorf("invalid version %q: %w", version, err)
	}
	return major, minor, nil
}

func parseVersionPart(s string) (int, error) {
	if s == "" {
		return 0, errors.New("empty version part")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-numeric version part %q", s)
		}
	}
	return strconv.Atoi(s)
}
