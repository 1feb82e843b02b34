// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package bosh

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/sdk/testutil"
	"github.com/hashicorp/consul/sdk/testutil/retry"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp/connmgr/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingBackend struct {
	mu       sync.Mutex
	routed   []string
	opened   []string
	closed   []string
	features []string
}

func (b *recordingBackend) Route(sid string, stanza []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routed = append(b.routed, string(stanza))
	return nil
}

func (b *recordingBackend) StreamFeatures(session.Session) []string { return b.features }

func (b *recordingBackend) SessionOpened(s session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, s.ID())
}

func (b *recordingBackend) SessionClosed(sid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, sid)
}

func (b *recordingBackend) Routed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.routed...)
}

func (b *recordingBackend) Closed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.closed...)
}

func testManager(t *testing.T, cb func(*Config)) (*Manager, *session.Registry, *recordingBackend) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ServerName = "example.com"
	cfg.Polling = 0
	cfg.MaxWait = 5 * time.Second
	if cb != nil {
		cb(cfg)
	}
	registry := session.NewRegistry(testutil.Logger(t))
	backend := &recordingBackend{features: []string{`<bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/>`}}
	m, err := NewManager(cfg, registry, backend, testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m, registry, backend
}

func createSession(t *testing.T, m *Manager, rid int64, attrs string) *Session {
	t.Helper()
	body := mustDecode(t, fmt.Sprintf(`<body rid="%d" %s/>`, rid, attrs))
	s, conn, err := m.CreateSession("127.0.0.1", body, false)
	require.NoError(t, err)
	content, err := conn.Response(context.Background())
	require.NoError(t, err)
	require.Contains(t, string(content), `sid="`+s.ID()+`"`)
	return s
}

func mustDecode(t *testing.T, raw string) *Body {
	t.Helper()
	b, err := DecodeBody([]byte(raw))
	require.NoError(t, err)
	return b
}

func request(sid string, rid int64, children ...string) *Body {
	b := &Body{SID: sid, RID: rid, Pause: -1, Wait: -1, Hold: -1}
	for _, c := range children {
		b.Payloads = append(b.Payloads, []byte(c))
	}
	return b
}

func TestManager_CreateSession(t *testing.T) {
	m, registry, backend := testManager(t, nil)

	body := mustDecode(t, `<body rid="10" wait="30" hold="1" ver="1.6" to="example.com" xml:lang="en"/>`)
	s, conn, err := m.CreateSession("10.0.0.1", body, true)
	require.NoError(t, err)

	got, ok := registry.Get(s.ID())
	require.True(t, ok)
	require.Same(t, s, got)
	require.Equal(t, []string{s.ID()}, backend.opened)

	major, minor := s.Version()
	require.Equal(t, 1, major)
	require.Equal(t, 6, minor)
	require.Equal(t, 5*time.Second, s.Wait(), "wait is capped by the server")
	require.Equal(t, 1, s.Hold())
	require.True(t, s.SupportsErrorBody())

	content, err := conn.Response(context.Background())
	require.NoError(t, err)
	for _, want := range []string{
		`sid="` + s.ID() + `"`,
		`wait="5"`,
		`hold="1"`,
		`requests="2"`,
		`ver="1.6"`,
		`secure="true"`,
		`from="example.com"`,
		`<stream:features><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/></stream:features>`,
	} {
		require.Contains(t, string(content), want)
	}
}

func TestManager_CreateSession_Errors(t *testing.T) {
	m, registry, _ := testManager(t, nil)

	_, _, err := m.CreateSession("127.0.0.1", mustDecode(t, `<body/>`), false)
	require.ErrorIs(t, err, ErrBadRequest)

	_, _, err = m.CreateSession("127.0.0.1", mustDecode(t, `<body rid="0"/>`), false)
	require.ErrorIs(t, err, ErrBadRequest)

	_, _, err = m.CreateSession("127.0.0.1", mustDecode(t, `<body rid="5" ver="1"/>`), false)
	require.ErrorIs(t, err, ErrBadRequest)

	require.Equal(t, 0, registry.Len())
}

func TestManager_VersionNegotiation(t *testing.T) {
	m, _, _ := testManager(t, nil)

	cases := map[string]struct {
		attrs        string
		major, minor int
	}{
		"missing":  {"", 1, 5},
		"legacy":   {`ver="1.4"`, 1, 4},
		"current":  {`ver="1.6"`, 1, 6},
		"too new":  {`ver="1.11"`, 1, 8},
		"next gen": {`ver="2.0"`, 1, 8},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := createSession(t, m, 1, tc.attrs)
			major, minor := s.Version()
			require.Equal(t, tc.major, major)
			require.Equal(t, tc.minor, minor)
		})
	}
}

func TestManager_DeliversInRIDOrder(t *testing.T) {
	m, _, backend := testManager(t, func(c *Config) { c.MaxHold = 5 })
	s := createSession(t, m, 1, `hold="5"`)

	for _, rid := range []int64{4, 2, 3} {
		_, _, err := m.HandleRequest(s.ID(), request(s.ID(), rid, fmt.Sprintf("<m%d/>", rid)), false)
		require.NoError(t, err)
		if rid == 4 {
			// Nothing can be released before rid 2 arrives.
			require.Empty(t, backend.Routed())
		}
	}

	retry.Run(t, func(r *retry.R) {
		require.Equal(r, []string{"<m2/>", "<m3/>", "<m4/>"}, backend.Routed())
	})
}

func TestManager_ConcurrentRIDsDeliveredInOrder(t *testing.T) {
	for i := 0; i < 20; i++ {
		m, _, backend := testManager(t, func(c *Config) { c.MaxHold = 5 })
		s := createSession(t, m, 1, `hold="5"`)

		var g errgroup.Group
		for _, rid := range []int64{4, 2, 3} {
			rid := rid
			g.Go(func() error {
				_, _, err := m.HandleRequest(s.ID(), request(s.ID(), rid, fmt.Sprintf("<m%d/>", rid)), false)
				return err
			})
		}
		require.NoError(t, g.Wait())

		retry.Run(t, func(r *retry.R) {
			require.Equal(r, []string{"<m2/>", "<m3/>", "<m4/>"}, backend.Routed())
		})
	}
}

func TestManager_ReplayRejected(t *testing.T) {
	m, _, _ := testManager(t, nil)
	s := createSession(t, m, 1, "")

	_, _, err := m.HandleRequest(s.ID(), request(s.ID(), 2), false)
	require.NoError(t, err)

	sess, _, err := m.HandleRequest(s.ID(), request(s.ID(), 2), false)
	require.ErrorIs(t, err, ErrBadRequest)
	require.Same(t, s, sess)

	// The creation rid counts as processed too.
	_, err = m.ForwardRequest(1, s, false, request(s.ID(), 1))
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestManager_ReplayOfPendingRIDRejected(t *testing.T) {
	m, _, _ := testManager(t, func(c *Config) { c.MaxHold = 5 })
	s := createSession(t, m, 1, `hold="5"`)

	_, _, err := m.HandleRequest(s.ID(), request(s.ID(), 3), false)
	require.NoError(t, err)
	_, _, err = m.HandleRequest(s.ID(), request(s.ID(), 3), false)
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestManager_RIDWindow(t *testing.T) {
	m, _, _ := testManager(t, func(c *Config) { c.RIDWindow = 3 })
	s := createSession(t, m, 10, "")

	_, err := m.ForwardRequest(14, s, false, request(s.ID(), 14))
	require.ErrorIs(t, err, ErrBadRequest)

	_, err = m.ForwardRequest(13, s, false, request(s.ID(), 13))
	require.NoError(t, err)
}

func TestManager_MissingRID(t *testing.T) {
	m, _, _ := testManager(t, nil)
	s := createSession(t, m, 1, "")

	sess, _, err := m.HandleRequest(s.ID(), request(s.ID(), -1), false)
	require.ErrorIs(t, err, ErrBadRequest)
	require.Nil(t, sess)
}

func TestManager_UnknownSession(t *testing.T) {
	m, _, _ := testManager(t, nil)

	sess, _, err := m.HandleRequest("nope", request("nope", 2), false)
	require.ErrorIs(t, err, ErrItemNotFound)
	require.Nil(t, sess)
}

func TestManager_Terminate(t *testing.T) {
	m, registry, backend := testManager(t, nil)
	s := createSession(t, m, 1, "")

	body := request(s.ID(), 2, "<presence type='unavailable'/>")
	body.Type = "terminate"
	_, conn, err := m.HandleRequest(s.ID(), body, false)
	require.NoError(t, err)

	content, err := conn.Response(context.Background())
	require.NoError(t, err)
	require.Equal(t, string(EmptyBody()), string(content))
	require.Equal(t, session.StatusClosed, s.Status())

	_, ok := registry.Get(s.ID())
	require.False(t, ok)

	_, _, err = m.HandleRequest(s.ID(), request(s.ID(), 3), false)
	require.ErrorIs(t, err, ErrItemNotFound)

	// Carried stanzas reach the backend before it hears about the close.
	retry.Run(t, func(r *retry.R) {
		require.Equal(r, []string{"<presence type='unavailable'/>"}, backend.Routed())
		require.Equal(r, []string{s.ID()}, backend.Closed())
	})
}

func TestManager_Restart(t *testing.T) {
	m, _, _ := testManager(t, nil)
	s := createSession(t, m, 1, "")

	body := request(s.ID(), 2)
	body.Restart = true
	_, conn, err := m.HandleRequest(s.ID(), body, false)
	require.NoError(t, err)

	content, err := conn.Response(context.Background())
	require.NoError(t, err)
	require.Equal(t, string(RestartBody([]string{`<bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/>`})), string(content))
	require.Equal(t, session.StatusConnected, s.Status())
}

func TestManager_RestartWithChildrenIsOrdinary(t *testing.T) {
	m, _, backend := testManager(t, nil)
	s := createSession(t, m, 1, "")

	body := request(s.ID(), 2, "<iq/>")
	body.Restart = true
	_, conn, err := m.HandleRequest(s.ID(), body, false)
	require.NoError(t, err)

	select {
	case <-conn.done:
		t.Fatal("request should be held")
	default:
	}
	retry.Run(t, func(r *retry.R) {
		require.Equal(r, []string{"<iq/>"}, backend.Routed())
	})
}

func TestManager_Pause(t *testing.T) {
	m, _, _ := testManager(t, func(c *Config) { c.MaxPause = 60 * time.Second })
	s := createSession(t, m, 1, "")

	// A held request is released by the pause.
	_, held, err := m.HandleRequest(s.ID(), request(s.ID(), 2), false)
	require.NoError(t, err)

	body := request(s.ID(), 3)
	body.Pause = 30
	_, conn, err := m.HandleRequest(s.ID(), body, false)
	require.NoError(t, err)

	content, err := conn.Response(context.Background())
	require.NoError(t, err)
	require.Equal(t, string(EmptyBody()), string(content))

	content, err = held.Response(context.Background())
	require.NoError(t, err)
	require.Equal(t, string(EmptyBody()), string(content))

	require.True(t, s.Info().Paused)
}

func TestManager_PauseBeyondMaxIsOrdinaryHold(t *testing.T) {
	m, _, _ := testManager(t, func(c *Config) { c.MaxPause = 60 * time.Second })
	s := createSession(t, m, 1, "")

	body := request(s.ID(), 2)
	body.Pause = 61
	_, conn, err := m.HandleRequest(s.ID(), body, false)
	require.NoError(t, err)

	select {
	case <-conn.done:
		t.Fatal("pause beyond max must not be acknowledged")
	default:
	}
	require.False(t, s.Info().Paused)
	require.Equal(t, []int64{2}, s.Info().HeldRIDs)

	require.False(t, m.Pause(s, 0))
	require.False(t, m.Pause(s, -5))
	require.True(t, m.Pause(s, 60))
}

func TestManager_HugePauseIsOrdinaryHold(t *testing.T) {
	m, _, _ := testManager(t, func(c *Config) {
		c.MaxPause = 60 * time.Second
		c.MaxHold = 2
	})
	s := createSession(t, m, 1, `hold="2"`)

	body := mustDecode(t, `<body rid="2" sid="`+s.ID()+`" pause="10000000000"/>`)
	_, conn, err := m.HandleRequest(s.ID(), body, false)
	require.NoError(t, err)

	body = request(s.ID(), 3)
	body.Pause = math.MaxInt
	_, conn2, err := m.HandleRequest(s.ID(), body, false)
	require.NoError(t, err)
	require.False(t, m.Pause(s, math.MaxInt))

	time.Sleep(50 * time.Millisecond)
	select {
	case <-conn.done:
		t.Fatal("huge pause must not be acknowledged")
	case <-conn2.done:
		t.Fatal("huge pause must not be acknowledged")
	default:
	}
	require.False(t, s.Info().Paused)
	require.Equal(t, []int64{2, 3}, s.Info().HeldRIDs)
	require.NotEqual(t, session.StatusClosed, s.Status())
}

func TestManager_HugeWaitIsCapped(t *testing.T) {
	m, _, _ := testManager(t, nil)

	s := createSession(t, m, 1, `wait="10000000000"`)
	require.Equal(t, 5*time.Second, s.Wait())

	body := request("", 1)
	body.Wait = math.MaxInt
	s2, conn, err := m.CreateSession("127.0.0.1", body, false)
	require.NoError(t, err)
	_, err = conn.Response(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, s2.Wait())

	_, held, err := m.HandleRequest(s2.ID(), request(s2.ID(), 2), false)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = held.Response(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "held request must wait, not time out at once")

	require.Equal(t, 3*time.Second, createSession(t, m, 1, `wait="3"`).Wait())
}

func TestManager_HoldAnswersOldest(t *testing.T) {
	m, _, _ := testManager(t, nil)
	s := createSession(t, m, 1, `hold="1"`)

	_, first, err := m.HandleRequest(s.ID(), request(s.ID(), 2), false)
	require.NoError(t, err)
	_, second, err := m.HandleRequest(s.ID(), request(s.ID(), 3), false)
	require.NoError(t, err)

	content, err := first.Response(context.Background())
	require.NoError(t, err)
	require.Equal(t, string(EmptyBody()), string(content))

	require.NoError(t, s.Deliver([]byte("<message/>")))
	content, err = second.Response(context.Background())
	require.NoError(t, err)
	require.Equal(t, string(PayloadBody([][]byte{[]byte("<message/>")})), string(content))
}

func TestManager_QueuedStanzasAnswerNextRequest(t *testing.T) {
	m, _, _ := testManager(t, nil)
	s := createSession(t, m, 1, "")

	require.NoError(t, s.Deliver([]byte("<a/>")))
	require.NoError(t, s.Deliver([]byte("<b/>")))
	require.Equal(t, 2, s.Info().Queued)

	_, conn, err := m.HandleRequest(s.ID(), request(s.ID(), 2), false)
	require.NoError(t, err)
	content, err := conn.Response(context.Background())
	require.NoError(t, err)
	require.Equal(t, `<body xmlns="http://jabber.org/protocol/httpbind"><a/><b/></body>`, string(content))
}

func TestConnection_Timeout(t *testing.T) {
	m, _, _ := testManager(t, func(c *Config) { c.MaxWait = 20 * time.Millisecond })
	s := createSession(t, m, 1, "")

	_, conn, err := m.HandleRequest(s.ID(), request(s.ID(), 2), false)
	require.NoError(t, err)

	content, err := conn.Response(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, string(EmptyBody()), string(content))

	s.mu.Lock()
	require.True(t, s.lastResponseEmpty)
	require.Empty(t, s.conns)
	s.mu.Unlock()

	// A late stanza is queued, not lost.
	require.NoError(t, s.Deliver([]byte("<late/>")))
	require.Equal(t, 1, s.Info().Queued)
}

func TestConnection_ClientGone(t *testing.T) {
	m, _, _ := testManager(t, nil)
	s := createSession(t, m, 1, "")

	_, conn, err := m.HandleRequest(s.ID(), request(s.ID(), 2), false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = conn.Response(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, s.Info().HeldRIDs)

	require.NoError(t, s.Deliver([]byte("<kept/>")))
	_, next, err := m.HandleRequest(s.ID(), request(s.ID(), 3), false)
	require.NoError(t, err)
	content, err := next.Response(context.Background())
	require.NoError(t, err)
	require.Contains(t, string(content), "<kept/>")
}

func TestManager_CloseUnblocksHeldRequests(t *testing.T) {
	m, registry, backend := testManager(t, func(c *Config) { c.MaxHold = 3 })
	s := createSession(t, m, 1, `hold="3"`)

	var conns []*Connection
	for rid := int64(2); rid <= 4; rid++ {
		_, c, err := m.HandleRequest(s.ID(), request(s.ID(), rid), false)
		require.NoError(t, err)
		conns = append(conns, c)
	}

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			_, err := c.Response(context.Background())
			if !errors.Is(err, ErrSessionTerminated) {
				return fmt.Errorf("rid %d: unexpected error %v", c.RID(), err)
			}
			return nil
		})
	}

	require.NoError(t, s.Close(session.CloseLocal))
	require.NoError(t, g.Wait())
	require.NoError(t, s.Close(session.CloseLocal))

	_, ok := registry.Get(s.ID())
	require.False(t, ok)
	<-s.workerDone
	require.Equal(t, []string{s.ID()}, backend.Closed())
	require.ErrorIs(t, s.Deliver([]byte("<x/>")), session.ErrClosed)
}

func TestManager_ShutdownUsesSystemShutdown(t *testing.T) {
	m, registry, backend := testManager(t, nil)
	s := createSession(t, m, 1, "")

	_, conn, err := m.HandleRequest(s.ID(), request(s.ID(), 2), false)
	require.NoError(t, err)

	require.NoError(t, m.Shutdown())
	_, err = conn.Response(context.Background())
	require.ErrorIs(t, err, ErrSystemShutdown)
	require.Equal(t, 0, registry.Len())

	<-s.workerDone
	require.Empty(t, backend.Closed(), "backend is not told about shutdown closes")
}

func TestManager_InactivityCloses(t *testing.T) {
	m, registry, backend := testManager(t, func(c *Config) {
		c.Inactivity = 10 * time.Millisecond
		c.MaxWait = 10 * time.Millisecond
	})
	s := createSession(t, m, 1, "")

	retry.Run(t, func(r *retry.R) {
		_, ok := registry.Get(s.ID())
		require.False(r, ok)
		require.Equal(r, []string{s.ID()}, backend.Closed())
	})
	require.Equal(t, session.StatusClosed, s.Status())
}

func TestManager_OveractivePolling(t *testing.T) {
	m, _, _ := testManager(t, func(c *Config) {
		c.Polling = time.Hour
		c.MaxHold = 0
	})
	s := createSession(t, m, 1, `hold="0"`)

	_, conn, err := m.HandleRequest(s.ID(), request(s.ID(), 2), false)
	require.NoError(t, err)
	content, err := conn.Response(context.Background())
	require.NoError(t, err)
	require.Equal(t, string(EmptyBody()), string(content))

	sess, _, err := m.HandleRequest(s.ID(), request(s.ID(), 3), false)
	require.ErrorIs(t, err, ErrPolicyViolation)
	require.Same(t, s, sess)
}
