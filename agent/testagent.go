// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/consul/sdk/testutil"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/connmgr/agent/config"
	"github.com/hashicorp/connmgr/bosh"
)

// TestAgent encapsulates an Agent with a default configuration and startup
// procedure suitable for testing. It listens on a random local port and is
// shut down when the test ends.
type TestAgent struct {
	*Agent

	// PromRegistry backs the Prometheus format of /v1/agent/metrics.
	PromRegistry *prometheus.Registry
}

// StartTestAgent starts an agent configured with DefaultConfig, the test
// settings below and then hcl, which may be empty.
func StartTestAgent(t testing.TB, hcl string) *TestAgent {
	t.Helper()

	raw, err := config.Parse("test.hcl", []byte(hcl))
	require.NoError(t, err)
	cfg, err := config.Decode(TestConfig(), raw)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	a, err := New(cfg, Deps{
		Logger:   testutil.Logger(t),
		MemSink:  metrics.NewInmemSink(10*time.Second, time.Minute),
		Gatherer: reg,
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	t.Cleanup(func() {
		_ = a.ShutdownAgent()
		a.ShutdownEndpoints()
	})
	return &TestAgent{Agent: a, PromRegistry: reg}
}

// TestConfig returns the base configuration of test agents: a random port,
// a short wait and no polling limit.
func TestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ServerName = "example.com"
	cfg.HTTPPort = 0
	cfg.LogLevel = "DEBUG"
	cfg.MaxWait = 5 * time.Second
	cfg.Polling = 0
	return cfg
}

// URL returns the full URL of path on the agent's HTTP server.
func (a *TestAgent) URL(path string) string {
	return fmt.Sprintf("http://%s%s", a.HTTPAddr(), path)
}

// Client returns an HTTP client suitable for the agent.
func (a *TestAgent) Client() *http.Client {
	return cleanhttp.DefaultClient()
}

// OpenSession creates a session directly on the manager, as a session
// creation request from remoteAddr would, and returns its sid.
func (a *TestAgent) OpenSession(t testing.TB, remoteAddr string) string {
	t.Helper()
	body, err := bosh.DecodeBody([]byte(`<body rid="1" to="example.com" wait="60" hold="1" ver="1.6" xmlns="http://jabber.org/protocol/httpbind"/>`))
	require.NoError(t, err)
	sess, _, err := a.Manager().CreateSession(remoteAddr, body, false)
	require.NoError(t, err)
	return sess.ID()
}
