// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package bosh

import (
	"fmt"
	"time"

	"github.com/armon/go-metrics"
	"github.com/eapache/queue"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"github.com/hashicorp/connmgr/session"
)

const (
	// maxVersionMajor and maxVersionMinor are the highest protocol version
	// this manager speaks.
	maxVersionMajor = 1
	maxVersionMinor = 8

	// recentlyClosedSize bounds the cache of sids closed recently, used only
	// to tell terminated sessions from unknown ones in logs.
	recentlyClosedSize = 1024
)

// Backend is the server side of every session. Route is called in rid order
// from a single goroutine per session. StreamFeatures is called while the
// session lock is held and must not call back into the session.
type Backend interface {
	Route(sid string, stanza []byte) error
	StreamFeatures(s session.Session) []string
	SessionOpened(s session.Session)
	SessionClosed(sid string)
}

// Config tunes the manager. Client-requested values are capped by it.
type Config struct {
	ServerName string

	MaxWait    time.Duration
	MaxHold    int
	Inactivity time.Duration
	Polling    time.Duration
	MaxPause   time.Duration

	// RIDWindow is how far past the highest processed rid a request may be
	// before the client is considered out of sync.
	RIDWindow int64

	// Features are advertised when there is no backend to ask.
	Features []string
}

// DefaultConfig returns the defaults used by the agent.
func DefaultConfig() *Config {
	return &Config{
		MaxWait:    60 * time.Second,
		MaxHold:    1,
		Inactivity: 30 * time.Second,
		Polling:    5 * time.Second,
		MaxPause:   300 * time.Second,
		RIDWindow:  5,
	}
}

// Manager creates HTTP bound sessions and correlates their requests.
type Manager struct {
	config   *Config
	registry *session.Registry
	backend  Backend
	logger   hclog.Logger

	timers *session.Timers
	closed *lru.Cache
}

// NewManager returns a Manager registering its sessions in registry.
func NewManager(config *Config, registry *session.Registry, backend Backend, logger hclog.Logger) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if config.RIDWindow <= 0 {
		return nil, fmt.Errorf("rid window must be positive, got %d", config.RIDWindow)
	}
	closed, err := lru.New(recentlyClosedSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		config:   config,
		registry: registry,
		backend:  backend,
		logger:   logger,
		timers:   session.NewTimers(),
		closed:   closed,
	}, nil
}

// CreateSession starts a session for a request without a sid. The returned
// connection is already answered with the session creation body.
func (m *Manager) CreateSession(remoteAddr string, body *Body, secure bool) (*Session, *Connection, error) {
	if body.RID <= 0 {
		return nil, nil, fmt.Errorf("%w: body missing rid", ErrBadRequest)
	}

	major, minor := 1, 5
	if body.Ver != "" {
		var err error
		major, minor, err = session.DecodeVersion(body.Ver)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		if major > maxVersionMajor || (major == maxVersionMajor && minor > maxVersionMinor) {
			major, minor = maxVersionMajor, maxVersionMinor
		}
	}

	id, err := session.NewID()
	if err != nil {
		m.logger.Error("failed to create session", "error", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrInternalServerError, err)
	}

	wait := m.config.MaxWait
	if body.Wait >= 0 && int64(body.Wait) <= int64(wait/time.Second) {
		wait = time.Duration(body.Wait) * time.Second
	}
	hold := 1
	if body.Hold >= 0 {
		hold = body.Hold
	}
	if hold > m.config.MaxHold {
		hold = m.config.MaxHold
	}

	s := &Session{
		Base:         session.NewBase(m.config.ServerName, id),
		mgr:          m,
		logger:       m.logger.With("sid", id),
		wait:         wait,
		hold:         hold,
		inactivity:   m.config.Inactivity,
		polling:      m.config.Polling,
		maxPause:     m.config.MaxPause,
		major:        major,
		minor:        minor,
		secure:       secure || body.Secure,
		lang:         body.Lang,
		to:           body.To,
		remoteAddr:   remoteAddr,
		processedRID: body.RID,
		pending:      make(map[int64][][]byte),
		conns:        make(map[int64]*Connection),
		outbound:     queue.New(),
		inbound:      queue.New(),
		inboundCh:    make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		workerDone:   make(chan struct{}),
		lastRequest:  time.Now(),
	}
	if s.polling > 0 {
		s.limiter = rate.NewLimiter(rate.Every(s.polling), 1)
	}

	m.registry.Add(id, s)
	go s.routeLoop()
	if m.backend != nil {
		m.backend.SessionOpened(s)
	}

	conn := newConnection(body.RID, secure, s)
	s.mu.Lock()
	for _, stanza := range body.Payloads {
		s.inbound.Add(stanza)
	}
	if len(body.Payloads) > 0 {
		s.inboundCh <- struct{}{}
	}
	conn.resolve(creationBody(s, s.StreamFeatures()), nil, nil)
	m.resetInactivityTimeoutLocked(s)
	s.mu.Unlock()

	metrics.IncrCounter([]string{"bosh", "session", "create"}, 1)
	m.logger.Debug("created session", "sid", id, "remote", remoteAddr, "ver", versionString(major, minor),
		"wait", wait, "hold", hold)
	return s, conn, nil
}

// Lookup returns the live session for sid.
func (m *Manager) Lookup(sid string) (*Session, error) {
	if raw, ok := m.registry.Get(sid); ok {
		if s, ok := raw.(*Session); ok {
			return s, nil
		}
	}
	if m.closed.Contains(sid) {
		m.logger.Debug("request for terminated session", "sid", sid)
	} else {
		m.logger.Warn("client provided invalid session", "sid", sid)
	}
	return nil, ErrItemNotFound
}

// HandleRequest runs one request for an existing session: correlation, then
// terminate, restart, pause or an ordinary hold. The session lock is held
// throughout. The returned session is set whenever it was found, so callers
// can render errors for its protocol version.
func (m *Manager) HandleRequest(sid string, body *Body, secure bool) (*Session, *Connection, error) {
	if body.RID <= 0 {
		return nil, nil, fmt.Errorf("%w: body missing rid", ErrBadRequest)
	}
	s, err := m.Lookup(sid)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() == session.StatusClosed {
		return nil, nil, ErrItemNotFound
	}

	conn, err := m.forwardRequestLocked(body.RID, s, secure, body)
	if err != nil {
		return s, nil, err
	}

	switch {
	case body.Terminate():
		s.answer(conn, nil)
		s.closeLocked(session.CloseLocal)

	case body.Restart && len(body.Payloads) == 0:
		delete(s.conns, conn.rid)
		conn.resolve(RestartBody(s.StreamFeatures()), nil, nil)

	case m.pauseLocked(s, body.Pause):
		s.answer(conn, nil)

	default:
		if s.overactive() {
			delete(s.conns, conn.rid)
			m.logger.Warn("client polling too frequently", "sid", sid, "rid", body.RID)
			metrics.IncrCounter([]string{"bosh", "request", "rejected"}, 1)
			return s, nil, ErrPolicyViolation
		}
		m.resetInactivityTimeoutLocked(s)
		s.holdLocked(conn)
	}
	return s, conn, nil
}

// ForwardRequest correlates a request with its session and returns the
// connection that will carry the answer.
func (m *Manager) ForwardRequest(rid int64, s *Session, secure bool, body *Body) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.forwardRequestLocked(rid, s, secure, body)
}

func (m *Manager) forwardRequestLocked(rid int64, s *Session, secure bool, body *Body) (*Connection, error) {
	if s.seen(rid) {
		s.logger.Warn("request replayed", "rid", rid, "processed", s.processedRID)
		metrics.IncrCounter([]string{"bosh", "request", "rejected"}, 1)
		return nil, fmt.Errorf("%w: rid %d already processed", ErrBadRequest, rid)
	}
	if rid > s.processedRID+m.config.RIDWindow {
		s.logger.Warn("request out of window", "rid", rid, "processed", s.processedRID)
		metrics.IncrCounter([]string{"bosh", "request", "rejected"}, 1)
		return nil, fmt.Errorf("%w: rid %d outside window", ErrBadRequest, rid)
	}

	conn := newConnection(rid, secure, s)
	s.conns[rid] = conn
	s.lastRequest = time.Now()
	s.accept(rid, body.Payloads)

	metrics.IncrCounter([]string{"bosh", "request"}, 1)
	return conn, nil
}

// Pause honors a client pause of seconds when it is within the session's
// max pause, and reports whether it did.
func (m *Manager) Pause(s *Session, seconds int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.pauseLocked(s, seconds)
}

func (m *Manager) pauseLocked(s *Session, seconds int) bool {
	if seconds <= 0 || int64(seconds) > int64(s.maxPause/time.Second) {
		return false
	}
	d := time.Duration(seconds) * time.Second
	for _, c := range s.conns {
		s.answer(c, nil)
	}
	s.pausedUntil = time.Now().Add(d)
	m.timers.ResetOrCreate(s.ID(), d, m.expireFunc(s.ID()))
	s.logger.Debug("session paused", "duration", d)
	return true
}

// ResetInactivityTimeout restarts the session's idle timer.
func (m *Manager) ResetInactivityTimeout(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.resetInactivityTimeoutLocked(s)
}

func (m *Manager) resetInactivityTimeoutLocked(s *Session) {
	s.pausedUntil = time.Time{}
	m.timers.ResetOrCreate(s.ID(), s.inactivity+s.wait, m.expireFunc(s.ID()))
}

func (m *Manager) expireFunc(sid string) func() {
	return func() {
		raw, ok := m.registry.Get(sid)
		if !ok {
			return
		}
		m.logger.Info("closing inactive session", "sid", sid)
		if err := raw.Close(session.CloseLocal); err != nil {
			m.logger.Error("failed to close inactive session", "sid", sid, "error", err)
		}
	}
}

// sessionClosed is called once per session from Session.Close.
func (m *Manager) sessionClosed(s *Session, reason session.CloseReason) {
	m.registry.Remove(s.ID())
	m.timers.Stop(s.ID())
	m.closed.Add(s.ID(), struct{}{})
	metrics.IncrCounter([]string{"bosh", "session", "close"}, 1)
	m.logger.Debug("closed session", "sid", s.ID(), "reason", reason)
}

// Shutdown closes every registered session with the shutdown reason.
func (m *Manager) Shutdown() error {
	err := m.registry.CloseAll()
	m.timers.StopAll()
	return err
}
