// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	mcli "github.com/mitchellh/cli"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hashicorp/connmgr/agent"
	"github.com/hashicorp/connmgr/agent/config"
	"github.com/hashicorp/connmgr/command/cli"
	"github.com/hashicorp/connmgr/command/flags"
	"github.com/hashicorp/connmgr/lib/telemetry"
	"github.com/hashicorp/connmgr/logging"
)

// gracefulTimeout controls how long we wait before forcefully terminating
var gracefulTimeout = 15 * time.Second

// flagKeys maps the command line flags that override a configuration key to
// that key.
var flagKeys = map[string]string{
	"server-name":        "server_name",
	"client":             "client_addr",
	"http-port":          "http_port",
	"log-level":          "log_level",
	"log-json":           "log_json",
	"syslog":             "enable_syslog",
	"backend":            "backend",
	"upstream-addr":      "upstream_addr",
	"script-syntax":      "script_syntax",
	"auto-reload-config": "auto_reload_config",
}

func New(ui cli.Ui, versionHuman string, shutdownCh <-chan struct{}) *cmd {
	c := &cmd{
		UI: &mcli.PrefixedUi{
			OutputPrefix: "==> ",
			InfoPrefix:   "    ",
			ErrorPrefix:  "==> ",
			Ui:           ui,
		},
		rawUI:        ui,
		versionHuman: versionHuman,
		shutdownCh:   shutdownCh,
	}
	c.init()
	return c
}

// cmd is a Command implementation that runs an agent. The command will not
// end unless a shutdown message is sent on the shutdownCh or a signal is
// caught. A second signal during a graceful shutdown forces the exit.
type cmd struct {
	UI           mcli.Ui
	rawUI        cli.Ui
	flags        *flag.FlagSet
	help         string
	versionHuman string
	shutdownCh   <-chan struct{}
	logger       hclog.InterceptLogger

	configFiles []string
	hcl         []string
	dev         bool

	// registry receives the Prometheus collectors. Nil means the default
	// registry.
	registry *prometheus.Registry

	// startedCh receives the agent once it serves, for tests.
	startedCh chan *agent.Agent
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.Var((*flags.AppendSliceValue)(&c.configFiles), "config-file",
		"Path to a file to read configuration from. HCL, JSON and TOML are "+
			"accepted. This can be specified multiple times.")
	c.flags.Var((*flags.AppendSliceValue)(&c.configFiles), "config-dir",
		"Path to a directory to read configuration files from. This will read "+
			"every file ending in '.hcl', '.json' or '.toml' in this directory in "+
			"alphabetical order. This can be specified multiple times.")
	c.flags.Var((*flags.AppendSliceValue)(&c.hcl), "hcl",
		"A configuration fragment in HCL. It is applied after the files. This "+
			"can be specified multiple times.")
	c.flags.BoolVar(&c.dev, "dev", false, "Starts the agent in development mode.")

	c.flags.String("server-name", "", "The `name` of the XMPP service this agent fronts.")
	c.flags.String("client", "", "Sets the `address` the HTTP server binds to.")
	c.flags.Int("http-port", 0, "Sets the HTTP `port` to listen on.")
	c.flags.String("log-level", "", "Log level of the agent.")
	c.flags.Bool("log-json", false, "Output logs in JSON format.")
	c.flags.Bool("syslog", false, "Enables logging to syslog.")
	c.flags.String("backend", "", "Where stanzas are routed: inmem or upstream.")
	c.flags.String("upstream-addr", "", "The `address` of the XMPP server for the upstream backend.")
	c.flags.Bool("script-syntax", false, "Serves GET binding requests answered as script calls.")
	c.flags.Bool("auto-reload-config", false, "Watches the configuration files and reloads on change.")

	c.help = flags.Usage(help, c.flags)
}

func (c *cmd) Run(args []string) int {
	code := c.run(args)
	if c.logger != nil {
		c.logger.Info("Exit code", "code", code)
	}
	return code
}

// overrides collects the flags set on the command line and the -hcl
// fragments, which win over configuration files.
func (c *cmd) overrides() (config.Raw, error) {
	result := make(config.Raw)
	for i, frag := range c.hcl {
		raw, err := config.Parse("flag.hcl", []byte(frag))
		if err != nil {
			return nil, fmt.Errorf("Error parsing -hcl fragment %d: %w", i+1, err)
		}
		result = config.Merge(result, raw)
	}

	fromFlags := make(config.Raw)
	c.flags.Visit(func(f *flag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if g, ok := f.Value.(flag.Getter); ok {
			fromFlags[key] = g.Get()
		}
	})
	return config.Merge(result, fromFlags), nil
}

// readConfig is responsible for setup of our configuration using
// the command line and any file configs
func (c *cmd) readConfig() (*config.Config, error) {
	base := config.DefaultConfig()
	if c.dev {
		base = config.DevConfig()
	}
	overrides, err := c.overrides()
	if err != nil {
		return nil, err
	}
	return config.Load(base, c.configFiles, overrides)
}

func (c *cmd) run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		if !strings.Contains(err.Error(), "help requested") {
			c.UI.Error(fmt.Sprintf("error parsing flags: %v", err))
		}
		return 1
	}
	if c.flags.NArg() > 0 {
		c.UI.Error(fmt.Sprintf("Unexpected arguments: %v", c.flags.Args()))
		return 1
	}

	cfg, err := c.readConfig()
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	logger, err := logging.Setup(cfg.LoggingConfig(), c.rawUI.Stdout())
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}
	c.logger = logger

	telemetryCfg := telemetry.Config{
		MetricsPrefix:           cfg.Telemetry.MetricsPrefix,
		DisableHostname:         cfg.Telemetry.DisableHostname,
		StatsiteAddr:            cfg.Telemetry.StatsiteAddr,
		StatsdAddr:              cfg.Telemetry.StatsdAddr,
		PrometheusRetentionTime: cfg.Telemetry.PrometheusRetentionTime,
		Gauges:                  agent.Gauges,
		Counters:                agent.Counters,
	}
	deps := agent.Deps{Logger: logger}
	if c.registry != nil {
		telemetryCfg.Registerer = c.registry
		deps.Gatherer = c.registry
	}
	m, err := telemetry.Init(telemetryCfg)
	if err != nil {
		c.logger.Error("Error initializing telemetry", "error", err)
		return 1
	}
	defer m.Stop()
	if m != nil {
		deps.MemSink = m.InmemSink
	}

	c.UI.Output("Starting connection manager agent...")
	a, err := agent.New(cfg, deps)
	if err != nil {
		c.logger.Error("Error creating agent", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		c.logger.Error("Error starting agent", "error", err)
		a.ShutdownAgent()
		a.ShutdownEndpoints()
		return 1
	}

	// shutdown agent before endpoints
	defer a.ShutdownEndpoints()
	defer a.ShutdownAgent()

	var watchCh <-chan string
	if cfg.AutoReloadConfig && len(c.configFiles) > 0 {
		w, err := config.NewWatcher(c.configFiles, c.logger)
		if err != nil {
			c.logger.Error("Error watching configuration", "error", err)
			return 1
		}
		w.Start(ctx)
		defer w.Stop()
		watchCh = w.EventsCh
	}

	c.UI.Info(fmt.Sprintf("       Version: '%s'", c.versionHuman))
	c.UI.Info(fmt.Sprintf("   Server Name: '%s'", cfg.ServerName))
	c.UI.Info(fmt.Sprintf("   Client Addr: %s (HTTP: %s)", cfg.ClientAddr, a.HTTPAddr()))
	c.UI.Info(fmt.Sprintf("       Backend: %s", cfg.Backend))
	c.UI.Info(fmt.Sprintf("  Binding Path: /http-bind/ (script syntax: %t)", cfg.ScriptSyntax))
	c.UI.Output("")
	c.UI.Output("Log data will now stream in as it occurs:\n")

	if c.startedCh != nil {
		c.startedCh <- a
	}
	return c.handleSignals(a, cfg, watchCh)
}

// handleSignals blocks until we get an exit-causing signal
func (c *cmd) handleSignals(a *agent.Agent, cfg *config.Config, watchCh <-chan string) int {
	signalCh := make(chan os.Signal, 10)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)
	defer signal.Stop(signalCh)

	for {
		var sig os.Signal
		var reloadErrCh chan error
		select {
		case s := <-signalCh:
			sig = s
		case ch := <-a.ReloadCh():
			sig = syscall.SIGHUP
			reloadErrCh = ch
		case path, ok := <-watchCh:
			if !ok {
				watchCh = nil
				continue
			}
			c.logger.Info("Configuration changed", "path", path)
			sig = syscall.SIGHUP
		case <-c.shutdownCh:
			sig = os.Interrupt
		case <-a.ShutdownCh():
			// agent is already down!
			return 0
		}

		switch sig {
		case syscall.SIGPIPE:
			continue

		case syscall.SIGHUP:
			c.logger.Info("Caught", "signal", sig)

			conf, err := c.handleReload(a, cfg)
			if conf != nil {
				cfg = conf
			}
			if err != nil {
				c.logger.Error("Reload config failed", "error", err)
			}
			// Send result back if reload was called via HTTP
			if reloadErrCh != nil {
				reloadErrCh <- err
			}

		default:
			c.logger.Info("Caught", "signal", sig)
			c.logger.Info("Gracefully shutting down agent...")

			gracefulCh := make(chan struct{})
			go func() {
				if err := a.ShutdownAgent(); err != nil {
					c.logger.Error("Error on shutdown", "error", err)
				}
				a.ShutdownEndpoints()
				close(gracefulCh)
			}()

			select {
			case <-signalCh:
				c.logger.Info("Caught second signal, Exiting", "signal", sig)
				return 1
			case <-time.After(gracefulTimeout):
				c.logger.Info("Timeout on graceful shutdown. Exiting")
				return 1
			case <-gracefulCh:
				c.logger.Info("Graceful exit completed")
				return 0
			}
		}
	}
}

// handleReload is invoked when we should reload our configs, e.g. SIGHUP
func (c *cmd) handleReload(a *agent.Agent, cfg *config.Config) (*config.Config, error) {
	c.logger.Info("Reloading configuration...")
	newCfg, err := c.readConfig()
	if err != nil {
		return cfg, fmt.Errorf("Failed to reload configs: %w", err)
	}
	if err := a.ReloadConfig(newCfg); err != nil {
		return cfg, fmt.Errorf("Failed to reload configs: %w", err)
	}
	return newCfg, nil
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const synopsis = "Runs a connection manager agent"
const help = `
Usage: connmgr agent [options]

  Starts the connection manager agent and runs until an interrupt is
  received. The agent serves HTTP bound XMPP sessions on /http-bind/ and
  an admin API under /v1/.
`
