// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package bosh

import (
	"context"
	"time"
)

// Connection is one HTTP exchange accepted into a session. It is resolved
// exactly once, with content or an error, and then discarded.
type Connection struct {
	rid     int64
	secure  bool
	session *Session

	// done is closed on resolution. The fields below are written under the
	// session lock before that and only read after it.
	done     chan struct{}
	resolved bool
	content  []byte
	payloads [][]byte
	err      error
}

func newConnection(rid int64, secure bool, s *Session) *Connection {
	return &Connection{
		rid:     rid,
		secure:  secure,
		session: s,
		done:    make(chan struct{}),
	}
}

func (c *Connection) RID() int64        { return c.rid }
func (c *Connection) Secure() bool      { return c.secure }
func (c *Connection) Session() *Session { return c.session }

// Response waits until the exchange is resolved, the session's wait period
// elapses or ctx is done. A wait timeout returns ErrTimeout. When ctx ends
// first, any stanzas handed to the exchange are put back on the session's
// queue for the next request.
func (c *Connection) Response(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return c.content, c.err
	default:
	}

	timer := time.NewTimer(c.session.wait)
	defer timer.Stop()

	select {
	case <-c.done:
	case <-timer.C:
		c.session.expire(c)
	case <-ctx.Done():
		c.session.abandon(c, ctx.Err())
		<-c.done
		return nil, ctx.Err()
	}
	<-c.done
	return c.content, c.err
}

// resolve must be called with the session lock held.
func (c *Connection) resolve(content []byte, payloads [][]byte, err error) bool {
	if c.resolved {
		return false
	}
	c.resolved = true
	c.content = content
	c.payloads = payloads
	c.err = err
	close(c.done)
	return true
}
