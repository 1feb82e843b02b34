// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package backend

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/connmgr/session"
)

// routeElement is the wrapper used on the upstream link in both directions.
type routeElement struct {
	XMLName  xml.Name `xml:"route"`
	StreamID string   `xml:"streamid,attr"`
	Inner    []byte   `xml:",innerxml"`
}

// sessionElement announces session lifecycle changes on the upstream link.
type sessionElement struct {
	XMLName  xml.Name `xml:"session"`
	StreamID string   `xml:"streamid,attr"`
	Action   string   `xml:"action,attr"`
}

// UpstreamConfig configures an Upstream backend.
type UpstreamConfig struct {
	Addr        string
	DialTimeout time.Duration
	Features    []string

	// AuthenticatedFeatures are advertised once a session is authenticated.
	AuthenticatedFeatures []string
}

// Upstream forwards stanzas to a server over a single TCP connection, which
// is dialed on first use and redialed after it fails. Stanzas are wrapped as
// <route streamid="...">; replies in the same wrapper are delivered to the
// session they name.
type Upstream struct {
	features
	config   UpstreamConfig
	registry *session.Registry
	logger   hclog.Logger

	lock     sync.Mutex
	conn     net.Conn
	sessions map[string]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewUpstream(config UpstreamConfig, registry *session.Registry, logger hclog.Logger) *Upstream {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}
	u := &Upstream{
		config:   config,
		registry: registry,
		logger:   logger,
		sessions: make(map[string]struct{}),
	}
	u.SetFeatures(config.Features, config.AuthenticatedFeatures)
	return u
}

func (u *Upstream) Route(sid string, stanza []byte) error {
	var buf bytes.Buffer
	buf.WriteString(`<route streamid="`)
	_ = xml.EscapeText(&buf, []byte(sid))
	buf.WriteString(`">`)
	buf.Write(stanza)
	buf.WriteString(`</route>`)
	return u.write(buf.Bytes())
}

func (u *Upstream) StreamFeatures(s session.Session) []string {
	return u.forSession(s)
}

func (u *Upstream) SessionOpened(s session.Session) {
	u.lock.Lock()
	u.sessions[s.ID()] = struct{}{}
	u.lock.Unlock()
	u.announce(s.ID(), "create")
}

func (u *Upstream) SessionClosed(sid string) {
	u.lock.Lock()
	delete(u.sessions, sid)
	u.lock.Unlock()
	u.announce(sid, "close")
}

func (u *Upstream) announce(sid, action string) {
	out, err := xml.Marshal(sessionElement{StreamID: sid, Action: action})
	if err != nil {
		u.logger.Error("failed to encode session notification", "sid", sid, "error", err)
		return
	}
	if err := u.write(out); err != nil {
		u.logger.Warn("failed to notify upstream", "sid", sid, "action", action, "error", err)
	}
}

// Close drops the upstream connection and waits for its reader to exit.
func (u *Upstream) Close() error {
	u.lock.Lock()
	u.closed = true
	conn := u.conn
	u.conn = nil
	u.lock.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	u.wg.Wait()
	return err
}

func (u *Upstream) write(p []byte) error {
	u.lock.Lock()
	defer u.lock.Unlock()

	if u.closed {
		return errors.New("upstream closed")
	}
	if u.conn == nil {
		conn, err := net.DialTimeout("tcp", u.config.Addr, u.config.DialTimeout)
		if err != nil {
			return fmt.Errorf("failed to dial upstream %s: %w", u.config.Addr, err)
		}
		u.logger.Info("connected to upstream", "addr", u.config.Addr)
		u.conn = conn
		u.wg.Add(1)
		go u.read(conn)
	}
	if _, err := u.conn.Write(p); err != nil {
		u.conn.Close()
		u.conn = nil
		return fmt.Errorf("failed to write to upstream: %w", err)
	}
	return nil
}

func (u *Upstream) read(conn net.Conn) {
	defer u.wg.Done()

	d := xml.NewDecoder(conn)
	for {
		tok, err := d.Token()
		if err != nil {
			u.lost(conn, err)
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "route":
			var r routeElement
			if err := d.DecodeElement(&r, &start); err != nil {
				u.lost(conn, err)
				return
			}
			u.dispatch(r.StreamID, r.Inner)
		case "session":
			var s sessionElement
			if err := d.DecodeElement(&s, &start); err != nil {
				u.lost(conn, err)
				return
			}
			if s.Action == "close" {
				u.closeSession(s.StreamID, session.CloseRemote)
			}
		default:
			u.logger.Warn("ignoring unexpected upstream element", "element", start.Name.Local)
			if err := d.Skip(); err != nil {
				u.lost(conn, err)
				return
			}
		}
	}
}

func (u *Upstream) dispatch(sid string, stanza []byte) {
	s, ok := u.registry.Get(sid)
	if !ok {
		u.logger.Debug("dropping stanza for unknown session", "sid", sid)
		return
	}
	if err := s.Deliver(stanza); err != nil {
		u.logger.Warn("failed to deliver stanza", "sid", sid, "error", err)
	}
}

func (u *Upstream) closeSession(sid string, reason session.CloseReason) {
	u.lock.Lock()
	delete(u.sessions, sid)
	u.lock.Unlock()

	if s, ok := u.registry.Get(sid); ok {
		if err := s.Close(reason); err != nil {
			u.logger.Warn("failed to close session", "sid", sid, "error", err)
		}
	}
}

// lost handles a failed upstream link. Sessions bound to it cannot continue
// and their held requests fail with remote-connection-failed.
func (u *Upstream) lost(conn net.Conn, err error) {
	u.lock.Lock()
	if u.conn == conn {
		u.conn = nil
	}
	closing := u.closed
	sids := make([]string, 0, len(u.sessions))
	for sid := range u.sessions {
		sids = append(sids, sid)
	}
	u.sessions = make(map[string]struct{})
	u.lock.Unlock()
	conn.Close()

	if closing {
		return
	}
	if errors.Is(err, io.EOF) {
		u.logger.Warn("upstream closed the connection", "sessions", len(sids))
	} else {
		u.logger.Error("upstream connection failed", "error", err, "sessions", len(sids))
	}
	for _, sid := range sids {
		if s, ok := u.registry.Get(sid); ok {
			_ = s.Close(session.CloseUpstreamLost)
		}
	}
}
