// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/sdk/freeport"
	"github.com/hashicorp/consul/sdk/testutil/retry"
	mcli "github.com/mitchellh/cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/connmgr/agent"
	"github.com/hashicorp/connmgr/api"
	"github.com/hashicorp/connmgr/command/cli"
)

// lockedBuffer is written by the logger and the UI at the same time.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testUI() (cli.Ui, *lockedBuffer, *lockedBuffer) {
	out, errOut := &lockedBuffer{}, &lockedBuffer{}
	return &cli.BasicUI{BasicUi: mcli.BasicUi{Writer: out, ErrorWriter: errOut}}, out, errOut
}

func writeConfig(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
}

// runningAgent starts the command in the background and returns the agent
// it runs, a client for it and a func that stops it and returns the exit
// code.
func runningAgent(t *testing.T, args ...string) (*agent.Agent, *api.Client, func() int) {
	t.Helper()
	ui, _, errOut := testUI()
	shutdownCh := make(chan struct{})
	c := New(ui, "v0.0.0-test", shutdownCh)
	c.registry = prometheus.NewRegistry()
	c.startedCh = make(chan *agent.Agent, 1)

	port := freeport.GetOne(t)
	args = append([]string{"-http-port=" + strconv.Itoa(port), "-client=127.0.0.1"}, args...)

	codeCh := make(chan int, 1)
	go func() { codeCh <- c.Run(args) }()

	var a *agent.Agent
	select {
	case a = <-c.startedCh:
	case code := <-codeCh:
		t.Fatalf("agent exited with %d: %s", code, errOut.String())
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not start")
	}

	client, err := api.NewClient(&api.Config{Address: a.HTTPAddr()})
	require.NoError(t, err)

	var once sync.Once
	var code int
	stop := func() int {
		once.Do(func() {
			close(shutdownCh)
			select {
			case code = <-codeCh:
			case <-time.After(20 * time.Second):
				t.Fatal("agent did not stop")
			}
		})
		return code
	}
	t.Cleanup(func() { stop() })
	return a, client, stop
}

func TestAgentCommand_noTabs(t *testing.T) {
	t.Parallel()
	ui, _, _ := testUI()
	if strings.ContainsRune(New(ui, "", nil).Help(), '\t') {
		t.Fatal("help has tabs")
	}
}

func TestAgentCommand_badArgs(t *testing.T) {
	t.Parallel()
	cases := map[string][]string{
		"unknown flag":   {"-nope"},
		"extra argument": {"foo"},
		"bad hcl":        {"-hcl", "server_name = "},
		"invalid value":  {"-backend=carrier-pigeon"},
		"missing file":   {"-config-file=/does/not/exist.hcl"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			ui, _, errOut := testUI()
			require.Equal(t, 1, New(ui, "", nil).Run(args))
			require.NotEmpty(t, errOut.String())
		})
	}
}

func TestAgentCommand_unknownConfigKey(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent.hcl")
	writeConfig(t, path, `not_a_key = 1`)

	ui, _, errOut := testUI()
	require.Equal(t, 1, New(ui, "", nil).Run([]string{"-config-file=" + path}))
	require.Contains(t, errOut.String(), "not_a_key")
}

func TestAgentCommand_readConfigPrecedence(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeConfig(t, filepath.Join(dir, "a.hcl"), `
server_name = "file.example.com"
max_hold = 2
log_level = "WARN"
`)
	writeConfig(t, filepath.Join(dir, "b.json"), `{"max_hold": 3, "http_port": 9000}`)

	ui, _, _ := testUI()
	c := New(ui, "", nil)
	require.NoError(t, c.flags.Parse([]string{
		"-config-dir=" + dir,
		"-hcl", `server_name = "hcl.example.com"`,
		"-hcl", `inactivity = "90s"`,
		"-log-level=debug",
		"-script-syntax",
	}))

	cfg, err := c.readConfig()
	require.NoError(t, err)
	require.Equal(t, "hcl.example.com", cfg.ServerName)
	require.Equal(t, 3, cfg.MaxHold)
	require.Equal(t, 9000, cfg.HTTPPort)
	require.Equal(t, 90*time.Second, cfg.Inactivity)
	require.Equal(t, "debug", cfg.LogLevel)
	require.True(t, cfg.ScriptSyntax)

	require.NoError(t, c.flags.Parse([]string{"-server-name=flag.example.com"}))
	cfg, err = c.readConfig()
	require.NoError(t, err)
	require.Equal(t, "flag.example.com", cfg.ServerName)
}

func TestAgentCommand_dev(t *testing.T) {
	t.Parallel()
	ui, _, _ := testUI()
	c := New(ui, "", nil)
	require.NoError(t, c.flags.Parse([]string{"-dev"}))

	cfg, err := c.readConfig()
	require.NoError(t, err)
	require.True(t, cfg.DevMode)
	require.True(t, cfg.ScriptSyntax)
	require.Equal(t, time.Minute, cfg.Telemetry.PrometheusRetentionTime)
}

func TestAgentCommand_runAndShutdown(t *testing.T) {
	t.Parallel()
	a, client, stop := runningAgent(t, "-server-name=run.example.com")

	self, err := client.Agent().Self()
	require.NoError(t, err)
	require.Equal(t, "run.example.com", self.Config["ServerName"])

	require.Equal(t, 0, stop())
	select {
	case <-a.ShutdownCh():
	default:
		t.Fatal("agent was not shut down")
	}
	require.Empty(t, a.HTTPAddr())
}

func TestAgentCommand_reloadViaHTTP(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent.hcl")
	writeConfig(t, path, `log_level = "INFO"`)
	a, client, _ := runningAgent(t, "-config-file="+path)
	require.Equal(t, "INFO", a.Config().LogLevel)

	writeConfig(t, path, `
log_level = "WARN"
features = ["<register xmlns='http://jabber.org/features/iq-register'/>"]
`)
	require.NoError(t, client.Agent().Reload())
	require.Equal(t, "WARN", a.Config().LogLevel)
	require.Equal(t, []string{"<register xmlns='http://jabber.org/features/iq-register'/>"}, a.Config().Features)

	// A broken file is reported and the running configuration is kept.
	writeConfig(t, path, `log_level = "LOUD"`)
	err := client.Agent().Reload()
	require.Error(t, err)
	require.Contains(t, err.Error(), "LOUD")
	require.Equal(t, "WARN", a.Config().LogLevel)
}

func TestAgentCommand_autoReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent.hcl")
	writeConfig(t, path, `
auto_reload_config = true
log_level = "INFO"
`)
	a, _, _ := runningAgent(t, "-config-file="+path)

	writeConfig(t, path, `
auto_reload_config = true
log_level = "ERROR"
`)
	// Some filesystems keep a coarse modification time.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	retry.Run(t, func(r *retry.R) {
		require.Equal(r, "ERROR", a.Config().LogLevel)
	})
}
