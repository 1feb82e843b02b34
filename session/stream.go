// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"net"
	"sync"
)

const streamClose = "</stream:stream>"

// FeatureFunc supplies the stream features for a session's current state.
type FeatureFunc func(Session) []string

// CloseFunc is notified once after a session has been closed.
type CloseFunc func(s Session, reason CloseReason)

// StreamConfig is the wiring shared by the socket-backed session variants.
type StreamConfig struct {
	ServerName string
	Registry   *Registry
	Features   FeatureFunc
	OnClose    CloseFunc
}

// streamSession writes stanzas straight to a socket.
type streamSession struct {
	*Base
	cfg  StreamConfig
	self Session

	writeLock sync.Mutex
	conn      net.Conn
}

func (s *streamSession) Deliver(stanza []byte) error {
	if s.Status() == StatusClosed {
		return ErrClosed
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	_, err := s.conn.Write(stanza)
	return err
}

func (s *streamSession) Close(reason CloseReason) error {
	if !s.MarkClosed() {
		return nil
	}
	if s.cfg.Registry != nil {
		s.cfg.Registry.Remove(s.ID())
	}

	var werr error
	if reason != CloseRemote {
		s.writeLock.Lock()
		_, werr = s.conn.Write([]byte(streamClose))
		s.writeLock.Unlock()
	}
	cerr := s.conn.Close()

	if s.cfg.OnClose != nil {
		s.cfg.OnClose(s.self, reason)
	}
	if werr != nil {
		return werr
	}
	return cerr
}

// ClientSession is a client connected over a direct streaming socket.
type ClientSession struct {
	*streamSession
}

// NewClientSession wraps conn and registers the session under id.
func NewClientSession(id string, conn net.Conn, cfg StreamConfig) *ClientSession {
	s := &ClientSession{&streamSession{
		Base: NewBase(cfg.ServerName, id),
		cfg:  cfg,
		conn: conn,
	}}
	s.self = s
	if cfg.Registry != nil {
		cfg.Registry.Add(id, s)
	}
	return s
}

func (s *ClientSession) StreamFeatures() []string {
	if s.cfg.Features == nil {
		return nil
	}
	return s.cfg.Features(s)
}

// ComponentSession is an external component attached over a streaming
// socket. Components never negotiate stream features.
type ComponentSession struct {
	*streamSession
}

// NewComponentSession wraps conn and registers the session under id.
func NewComponentSession(id string, conn net.Conn, cfg StreamConfig) *ComponentSession {
	s := &ComponentSession{&streamSession{
		Base: NewBase(cfg.ServerName, id),
		cfg:  cfg,
		conn: conn,
	}}
	s.self = s
	if cfg.Registry != nil {
		cfg.Registry.Add(id, s)
	}
	return s
}

func (s *ComponentSession) StreamFeatures() []string { return nil }
