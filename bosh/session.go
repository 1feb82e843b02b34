// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package bosh

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/eapache/queue"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/hashicorp/connmgr/session"
)

// Session is a client session carried over HTTP long polling. All request
// bookkeeping is guarded by mu; the Manager holds it for the whole of a
// request's correlation step.
type Session struct {
	*session.Base

	mgr    *Manager
	logger hclog.Logger

	// Negotiated at creation and never changed.
	wait       time.Duration
	hold       int
	inactivity time.Duration
	polling    time.Duration
	maxPause   time.Duration
	major      int
	minor      int
	secure     bool
	lang       string
	to         string
	remoteAddr string

	mu sync.Mutex

	// processedRID is the highest rid whose stanzas have been released to
	// the backend; every lower rid has been released too.
	processedRID int64
	// pending holds accepted rids above processedRID with their stanzas.
	pending map[int64][][]byte
	// conns are the exchanges waiting for a response, keyed by rid.
	conns map[int64]*Connection

	outbound          *queue.Queue
	lastResponseEmpty bool
	lastRequest       time.Time
	pausedUntil       time.Time
	limiter           *rate.Limiter

	// inbound is drained by routeLoop, which is the only caller of
	// Backend.Route for this session.
	inbound     *queue.Queue
	inboundCh   chan struct{}
	stopCh      chan struct{}
	workerDone  chan struct{}
	closeReason session.CloseReason
}

// Info is a point-in-time view of a session for the admin endpoints.
type Info struct {
	ID           string
	ServerName   string
	Status       string
	CreatedAt    time.Time
	RemoteAddr   string
	Version      string
	Wait         time.Duration
	Hold         int
	Inactivity   time.Duration
	Polling      time.Duration
	MaxPause     time.Duration
	ProcessedRID int64
	PendingRIDs  []int64
	HeldRIDs     []int64
	Queued       int
	Paused       bool
	LastRequest  time.Time
}

func (s *Session) Version() (major, minor int) { return s.major, s.minor }
func (s *Session) Wait() time.Duration         { return s.wait }
func (s *Session) Hold() int                   { return s.hold }
func (s *Session) MaxPause() time.Duration     { return s.maxPause }
func (s *Session) RemoteAddr() string          { return s.remoteAddr }

// SupportsErrorBody reports whether errors are rendered as XML bodies rather
// than bare HTTP statuses.
func (s *Session) SupportsErrorBody() bool {
	return s.major > 1 || (s.major == 1 && s.minor >= 6)
}

// StreamFeatures asks the backend for the features of the session's current
// state. It is called with mu held, so backends must not call back into the
// session.
func (s *Session) StreamFeatures() []string {
	if s.mgr.backend == nil {
		return s.mgr.config.Features
	}
	return s.mgr.backend.StreamFeatures(s)
}

// Deliver hands a stanza from the backend to the client. It answers the
// oldest held request or queues the stanza until the next one arrives.
func (s *Session) Deliver(stanza []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() == session.StatusClosed {
		return session.ErrClosed
	}
	if c := s.oldestConn(); c != nil {
		s.answer(c, [][]byte{stanza})
		return nil
	}
	s.outbound.Add(stanza)
	return nil
}

// Close ends the session. Every held request is answered with a terminal
// error and the backend is told about closes it did not cause.
func (s *Session) Close(reason session.CloseReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason)
	return nil
}

func (s *Session) closeLocked(reason session.CloseReason) {
	if !s.MarkClosed() {
		return
	}
	s.closeReason = reason

	err := ErrSessionTerminated
	switch reason {
	case session.CloseShutdown:
		err = ErrSystemShutdown
	case session.CloseUpstreamLost:
		err = ErrRemoteConnectionFailed
	}
	for rid, c := range s.conns {
		c.resolve(nil, nil, err)
		delete(s.conns, rid)
	}
	close(s.stopCh)

	s.mgr.sessionClosed(s, reason)
}

// Info returns a snapshot of the session's request state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:           s.ID(),
		ServerName:   s.ServerName(),
		Status:       s.Status().String(),
		CreatedAt:    s.CreatedAt(),
		RemoteAddr:   s.remoteAddr,
		Version:      versionString(s.major, s.minor),
		Wait:         s.wait,
		Hold:         s.hold,
		Inactivity:   s.inactivity,
		Polling:      s.polling,
		MaxPause:     s.maxPause,
		ProcessedRID: s.processedRID,
		Queued:       s.outbound.Length(),
		Paused:       time.Now().Before(s.pausedUntil),
		LastRequest:  s.lastRequest,
	}
	for rid := range s.pending {
		info.PendingRIDs = append(info.PendingRIDs, rid)
	}
	for rid := range s.conns {
		info.HeldRIDs = append(info.HeldRIDs, rid)
	}
	sort.Slice(info.PendingRIDs, func(i, j int) bool { return info.PendingRIDs[i] < info.PendingRIDs[j] })
	sort.Slice(info.HeldRIDs, func(i, j int) bool { return info.HeldRIDs[i] < info.HeldRIDs[j] })
	return info
}

// accept records rid and releases every stanza that is now contiguous with
// what the backend has already seen. Must be called with mu held.
func (s *Session) accept(rid int64, payloads [][]byte) {
	s.pending[rid] = payloads
	released := false
	for {
		next := s.processedRID + 1
		p, ok := s.pending[next]
		if !ok {
			break
		}
		delete(s.pending, next)
		s.processedRID = next
		for _, stanza := range p {
			s.inbound.Add(stanza)
			released = true
		}
	}
	if released {
		select {
		case s.inboundCh <- struct{}{}:
		default:
		}
	}
}

// seen reports whether rid was already accepted.
func (s *Session) seen(rid int64) bool {
	if rid <= s.processedRID {
		return true
	}
	_, ok := s.pending[rid]
	return ok
}

// holdLocked parks c until a stanza arrives, answering it at once when
// stanzas are already queued. Held requests beyond the negotiated hold are
// answered empty, oldest first.
func (s *Session) holdLocked(c *Connection) {
	if s.outbound.Length() > 0 {
		payloads := make([][]byte, 0, s.outbound.Length())
		for s.outbound.Length() > 0 {
			payloads = append(payloads, s.outbound.Remove().([]byte))
		}
		s.answer(c, payloads)
		return
	}
	for len(s.conns) > s.hold {
		s.answer(s.oldestConn(), nil)
	}
}

// answer resolves c with payloads, or with an empty body when there are none.
func (s *Session) answer(c *Connection, payloads [][]byte) {
	delete(s.conns, c.rid)
	if !c.resolve(PayloadBody(payloads), payloads, nil) {
		return
	}
	s.lastResponseEmpty = len(payloads) == 0
	if s.lastResponseEmpty {
		metrics.IncrCounter([]string{"bosh", "response", "empty"}, 1)
	}
}

func (s *Session) oldestConn() *Connection {
	var oldest *Connection
	for _, c := range s.conns {
		if oldest == nil || c.rid < oldest.rid {
			oldest = c
		}
	}
	return oldest
}

// overactive reports whether a request arrived sooner than the polling
// interval allows after an empty answer while nothing else was held.
func (s *Session) overactive() bool {
	if s.limiter == nil {
		return false
	}
	allowed := s.limiter.Allow()
	return !allowed && s.lastResponseEmpty && len(s.conns) <= 1
}

// expire answers c empty after its wait period ran out.
func (s *Session) expire(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.rid)
	if c.resolve(EmptyBody(), nil, ErrTimeout) {
		s.lastResponseEmpty = true
		metrics.IncrCounter([]string{"bosh", "response", "empty"}, 1)
	}
}

// abandon drops c after its client went away. Stanzas already handed to it
// go back to the front of the queue.
func (s *Session) abandon(c *Connection, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.rid)
	if c.resolve(nil, nil, cause) {
		return
	}
	if len(c.payloads) == 0 || s.Status() == session.StatusClosed {
		return
	}
	requeued := queue.New()
	for _, p := range c.payloads {
		requeued.Add(p)
	}
	for s.outbound.Length() > 0 {
		requeued.Add(s.outbound.Remove())
	}
	s.outbound = requeued
	c.payloads = nil
	s.logger.Debug("requeued stanzas from abandoned request", "rid", c.rid, "count", requeued.Length())
}

func (s *Session) routeLoop() {
	defer close(s.workerDone)
	for {
		stopping := false
		select {
		case <-s.inboundCh:
		case <-s.stopCh:
			stopping = true
		}
		s.drainInbound()
		if stopping {
			break
		}
	}

	if s.closeReason == session.CloseLocal && s.mgr.backend != nil {
		s.mgr.backend.SessionClosed(s.ID())
	}
}

func (s *Session) drainInbound() {
	for {
		s.mu.Lock()
		if s.inbound.Length() == 0 {
			s.mu.Unlock()
			return
		}
		stanza := s.inbound.Remove().([]byte)
		s.mu.Unlock()

		if s.mgr.backend == nil {
			continue
		}
		if err := s.mgr.backend.Route(s.ID(), stanza); err != nil {
			s.logger.Error("failed to route stanza", "error", err)
		}
	}
}

func versionString(major, minor int) string {
	return strconv.Itoa(major) + "." + strconv.Itoa(minor)
}
