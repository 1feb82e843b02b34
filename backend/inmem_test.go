// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package backend

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/consul/sdk/testutil"
	"github.com/hashicorp/consul/sdk/testutil/retry"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/connmgr/bosh"
	"github.com/hashicorp/connmgr/session"
)

func testBoshManager(t *testing.T, backend bosh.Backend, registry *session.Registry) *bosh.Manager {
	t.Helper()
	cfg := bosh.DefaultConfig()
	cfg.ServerName = "example.com"
	cfg.Polling = 0
	cfg.MaxWait = 5 * time.Second
	m, err := bosh.NewManager(cfg, registry, backend, testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func newBody(t *testing.T, raw string) *bosh.Body {
	t.Helper()
	b, err := bosh.DecodeBody([]byte(raw))
	require.NoError(t, err)
	return b
}

func TestInmem_RouteAndFeatures(t *testing.T) {
	t.Parallel()

	b := NewInmem(InmemConfig{
		Features:              []string{"<mechanisms/>"},
		AuthenticatedFeatures: []string{"<bind/>"},
	}, testutil.Logger(t))
	registry := session.NewRegistry(testutil.Logger(t))
	m := testBoshManager(t, b, registry)

	s, conn, err := m.CreateSession("127.0.0.1", newBody(t, `<body rid="1"/>`), false)
	require.NoError(t, err)
	content, err := conn.Response(context.Background())
	require.NoError(t, err)
	require.Contains(t, string(content), "<stream:features><mechanisms/></stream:features>")

	require.Equal(t, []string{"<mechanisms/>"}, b.StreamFeatures(s))
	require.True(t, s.SetStatus(session.StatusAuthenticated))
	require.Equal(t, []string{"<bind/>"}, b.StreamFeatures(s))

	_, _, err = m.HandleRequest(s.ID(), newBody(t, `<body rid="2" sid="`+s.ID()+`"><iq id="1"/></body>`), false)
	require.NoError(t, err)
	retry.Run(t, func(r *retry.R) {
		routed := b.Routed(s.ID())
		require.Len(r, routed, 1)
		require.Equal(r, `<iq id="1"/>`, string(routed[0]))
	})

	require.Error(t, b.Route("missing", []byte("<x/>")))
	require.Error(t, b.Send("missing", []byte("<x/>")))
}

func TestInmem_SetFeatures(t *testing.T) {
	t.Parallel()

	b := NewInmem(InmemConfig{Features: []string{"<old/>"}}, nil)
	m := testBoshManager(t, b, session.NewRegistry(nil))
	s, _, err := m.CreateSession("127.0.0.1", newBody(t, `<body rid="1"/>`), false)
	require.NoError(t, err)
	require.Equal(t, []string{"<old/>"}, b.StreamFeatures(s))

	b.SetFeatures([]string{"<new/>"}, []string{"<bound/>"})
	require.Equal(t, []string{"<new/>"}, b.StreamFeatures(s))
	require.True(t, s.SetStatus(session.StatusAuthenticated))
	require.Equal(t, []string{"<bound/>"}, b.StreamFeatures(s))
}

func TestInmem_SendAnswersHeldRequest(t *testing.T) {
	t.Parallel()

	b := NewInmem(InmemConfig{}, testutil.Logger(t))
	registry := session.NewRegistry(testutil.Logger(t))
	m := testBoshManager(t, b, registry)

	s, _, err := m.CreateSession("127.0.0.1", newBody(t, `<body rid="1"/>`), false)
	require.NoError(t, err)
	_, conn, err := m.HandleRequest(s.ID(), newBody(t, `<body rid="2" sid="`+s.ID()+`"/>`), false)
	require.NoError(t, err)

	require.NoError(t, b.Send(s.ID(), []byte("<message>hi</message>")))
	content, err := conn.Response(context.Background())
	require.NoError(t, err)
	require.Equal(t, `<body xmlns="http://jabber.org/protocol/httpbind"><message>hi</message></body>`, string(content))
}

func TestInmem_Echo(t *testing.T) {
	t.Parallel()

	b := NewInmem(InmemConfig{Echo: true}, testutil.Logger(t))
	registry := session.NewRegistry(testutil.Logger(t))
	m := testBoshManager(t, b, registry)

	s, _, err := m.CreateSession("127.0.0.1", newBody(t, `<body rid="1"/>`), false)
	require.NoError(t, err)
	_, conn, err := m.HandleRequest(s.ID(), newBody(t, `<body rid="2" sid="`+s.ID()+`"><ping/></body>`), false)
	require.NoError(t, err)

	content, err := conn.Response(context.Background())
	require.NoError(t, err)
	require.Contains(t, string(content), "<ping/>")
}

func TestInmem_SessionClosed(t *testing.T) {
	t.Parallel()

	b := NewInmem(InmemConfig{}, testutil.Logger(t))
	registry := session.NewRegistry(testutil.Logger(t))
	m := testBoshManager(t, b, registry)

	s, _, err := m.CreateSession("127.0.0.1", newBody(t, `<body rid="1"/>`), false)
	require.NoError(t, err)
	_, _, err = m.HandleRequest(s.ID(), newBody(t, `<body rid="2" type="terminate" sid="`+s.ID()+`"/>`), false)
	require.NoError(t, err)

	retry.Run(t, func(r *retry.R) {
		require.Equal(r, []string{s.ID()}, b.Closed())
	})
	require.Error(t, b.Send(s.ID(), []byte("<x/>")))
}
