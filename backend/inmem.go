// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package backend holds the servers that sessions are bound to. Inmem keeps
// everything in process and is used by dev mode and tests. Upstream forwards
// to a server over TCP.
package backend

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/connmgr/bosh"
	"github.com/hashicorp/connmgr/session"
)

var (
	_ bosh.Backend = (*Inmem)(nil)
	_ bosh.Backend = (*Upstream)(nil)
)

// InmemConfig configures an Inmem backend.
type InmemConfig struct {
	// Features are advertised before authentication.
	Features []string

	// AuthenticatedFeatures are advertised once a session is authenticated.
	AuthenticatedFeatures []string

	// Echo sends every routed stanza straight back to its session.
	Echo bool
}

// Inmem records routed stanzas in memory.
type Inmem struct {
	features
	config InmemConfig
	logger hclog.Logger

	lock     sync.Mutex
	sessions map[string]session.Session
	routed   map[string][][]byte
	closed   []string
}

func NewInmem(config InmemConfig, logger hclog.Logger) *Inmem {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	b := &Inmem{
		config:   config,
		logger:   logger,
		sessions: make(map[string]session.Session),
		routed:   make(map[string][][]byte),
	}
	b.SetFeatures(config.Features, config.AuthenticatedFeatures)
	return b
}

func (b *Inmem) Route(sid string, stanza []byte) error {
	b.lock.Lock()
	s, ok := b.sessions[sid]
	if !ok {
		b.lock.Unlock()
		return fmt.Errorf("unknown session %q", sid)
	}
	b.routed[sid] = append(b.routed[sid], stanza)
	b.lock.Unlock()

	b.logger.Trace("routed stanza", "sid", sid, "bytes", len(stanza))
	if b.config.Echo {
		return s.Deliver(stanza)
	}
	return nil
}

func (b *Inmem) StreamFeatures(s session.Session) []string {
	return b.forSession(s)
}

func (b *Inmem) SessionOpened(s session.Session) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.sessions[s.ID()] = s
}

func (b *Inmem) SessionClosed(sid string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.sessions, sid)
	b.closed = append(b.closed, sid)
}

// Routed returns the stanzas routed for sid, in order.
func (b *Inmem) Routed(sid string) [][]byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([][]byte(nil), b.routed[sid]...)
}

// Closed returns the sids whose close was reported, in order.
func (b *Inmem) Closed() []string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]string(nil), b.closed...)
}

// Send delivers stanza to the open session sid as if the server produced it.
func (b *Inmem) Send(sid string, stanza []byte) error {
	b.lock.Lock()
	s, ok := b.sessions[sid]
	b.lock.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %q", sid)
	}
	return s.Deliver(stanza)
}
