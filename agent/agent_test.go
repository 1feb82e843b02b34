// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/hashicorp/consul/sdk/testutil"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/connmgr/agent/config"
)

func TestAgent_New_Errors(t *testing.T) {
	_, err := New(nil, Deps{Logger: testutil.Logger(t)})
	require.Error(t, err)

	_, err = New(TestConfig(), Deps{})
	require.Error(t, err)

	cfg := TestConfig()
	cfg.RIDWindow = 0
	_, err = New(cfg, Deps{Logger: testutil.Logger(t)})
	require.Error(t, err)
}

func TestAgent_StartShutdown(t *testing.T) {
	t.Parallel()
	a, err := New(TestConfig(), Deps{Logger: testutil.Logger(t)})
	require.NoError(t, err)
	require.Empty(t, a.HTTPAddr())

	require.NoError(t, a.Start(context.Background()))
	require.NotEmpty(t, a.HTTPAddr())

	resp, err := http.Get("http://" + a.HTTPAddr() + "/")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "Connection Manager Agent", string(data))

	resp, err = http.Get("http://" + a.HTTPAddr() + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, a.ShutdownAgent())
	select {
	case <-a.ShutdownCh():
	default:
		t.Fatal("shutdown channel not closed")
	}
	// Shutting down twice is fine.
	require.NoError(t, a.ShutdownAgent())

	addr := a.HTTPAddr()
	a.ShutdownEndpoints()
	require.Empty(t, a.HTTPAddr())
	_, err = http.Get("http://" + addr + "/")
	require.Error(t, err)
}

func TestAgent_StartBadAddress(t *testing.T) {
	t.Parallel()
	cfg := TestConfig()
	cfg.ClientAddr = "not-an-ip"
	a, err := New(cfg, Deps{Logger: testutil.Logger(t)})
	require.NoError(t, err)
	require.Error(t, a.Start(context.Background()))
}

func TestAgent_ReloadConfig(t *testing.T) {
	t.Parallel()
	a := StartTestAgent(t, `features = ["<old/>"]`)

	_, body := post(t, a, `<body rid="1"/>`)
	require.Contains(t, body, "<stream:features><old/></stream:features>")

	newCfg := TestConfig()
	newCfg.HTTPPort = 7071
	newCfg.LogLevel = "WARN"
	newCfg.Features = []string{"<new/>"}
	newCfg.MaxHold = 4
	require.NoError(t, a.ReloadConfig(newCfg))

	cfg := a.Config()
	require.Equal(t, "WARN", cfg.LogLevel)
	require.Equal(t, []string{"<new/>"}, cfg.Features)
	// Settings read at startup keep their running values.
	require.Equal(t, 0, cfg.HTTPPort)
	require.Equal(t, 1, cfg.MaxHold)
	require.Equal(t, hclog.Warn, a.logger.GetLevel())

	_, body = post(t, a, `<body rid="1"/>`)
	require.Contains(t, body, "<stream:features><new/></stream:features>")

	bad := TestConfig()
	bad.HTTPPort = 7071
	bad.LogLevel = "LOUD"
	require.Error(t, a.ReloadConfig(bad))
	require.Equal(t, "WARN", a.Config().LogLevel)
}

func TestAgent_UpstreamBackend(t *testing.T) {
	t.Parallel()
	cfg := TestConfig()
	cfg.Backend = config.BackendUpstream
	cfg.UpstreamAddr = "127.0.0.1:1"
	a, err := New(cfg, Deps{Logger: testutil.Logger(t)})
	require.NoError(t, err)
	require.NotNil(t, a.upstream)
	require.NoError(t, a.ShutdownAgent())
}

func TestAgent_ConnLimit(t *testing.T) {
	t.Parallel()
	cfg := TestConfig()
	cfg.HTTPMaxConnsPerClient = 10
	a, err := New(cfg, Deps{Logger: testutil.Logger(t)})
	require.NoError(t, err)
	require.NotNil(t, a.limiter)
}
