// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package config loads the agent configuration from HCL, JSON and TOML
// files and command line flags.
package config

import (
	"fmt"
	"net"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/connmgr/bosh"
	"github.com/hashicorp/connmgr/logging"
)

const (
	BackendInmem    = "inmem"
	BackendUpstream = "upstream"
)

// Config is the configuration that can be set for an Agent. Some of this is
// configurable as CLI flags, but most must be set using a configuration file.
type Config struct {
	// ServerName is the domain the sessions belong to. It is reported as
	// the from attribute of session creation responses.
	ServerName string `mapstructure:"server_name"`

	// ClientAddr is the address the HTTP listener binds to.
	ClientAddr string `mapstructure:"client_addr"`

	// HTTPPort serves both the binding endpoint and the admin API.
	HTTPPort int `mapstructure:"http_port"`

	LogLevel       string `mapstructure:"log_level"`
	LogJSON        bool   `mapstructure:"log_json"`
	LogColor       string `mapstructure:"log_color"`
	EnableSyslog   bool   `mapstructure:"enable_syslog"`
	SyslogFacility string `mapstructure:"syslog_facility"`

	// ScriptSyntax enables GET requests answered as _BOSH_("...") calls.
	ScriptSyntax bool `mapstructure:"script_syntax"`

	// ClientNoCache adds no-cache headers to script syntax responses.
	ClientNoCache bool `mapstructure:"client_no_cache"`

	// MaxWait caps how long a request is held waiting for stanzas.
	MaxWait time.Duration `mapstructure:"max_wait"`

	// MaxHold caps how many requests a client may have held at once.
	MaxHold int `mapstructure:"max_hold"`

	// Inactivity is how long a session may go without requests.
	Inactivity time.Duration `mapstructure:"inactivity"`

	// Polling is the shortest allowed interval between empty polls.
	Polling time.Duration `mapstructure:"polling"`

	// MaxPause is the longest pause a client may ask for.
	MaxPause time.Duration `mapstructure:"max_pause"`

	// RIDWindow is how far past the highest processed rid a request may be.
	RIDWindow int64 `mapstructure:"rid_window"`

	// Features are advertised to sessions that have not authenticated.
	Features []string `mapstructure:"features"`

	// AuthenticatedFeatures are advertised once a session authenticates.
	AuthenticatedFeatures []string `mapstructure:"authenticated_features"`

	// Backend selects where stanzas go: inmem or upstream.
	Backend string `mapstructure:"backend"`

	// UpstreamAddr is the host:port of the server for the upstream backend.
	UpstreamAddr string `mapstructure:"upstream_addr"`

	// UpstreamDialTimeout bounds connecting to the upstream server.
	UpstreamDialTimeout time.Duration `mapstructure:"upstream_dial_timeout"`

	// HTTPMaxConnsPerClient limits concurrent connections from one IP.
	// Zero disables the limit.
	HTTPMaxConnsPerClient int `mapstructure:"http_max_conns_per_client"`

	// EnableGzip compresses POST responses for clients that accept it.
	EnableGzip bool `mapstructure:"enable_gzip"`

	// EnableDebug exposes the pprof endpoints.
	EnableDebug bool `mapstructure:"enable_debug"`

	// AutoReloadConfig reloads the configuration when a config file changes,
	// the same way SIGHUP does.
	AutoReloadConfig bool `mapstructure:"auto_reload_config"`

	Telemetry Telemetry `mapstructure:",squash"`

	// DevMode echoes routed stanzas back to their session and pretty prints
	// the admin API. It is only set by the -dev flag.
	DevMode bool `mapstructure:"-"`
}

// Telemetry configures the metrics sinks.
type Telemetry struct {
	PrometheusRetentionTime time.Duration `mapstructure:"telemetry_prometheus_retention"`
	StatsiteAddr            string        `mapstructure:"telemetry_statsite_addr"`
	StatsdAddr              string        `mapstructure:"telemetry_statsd_addr"`
	DisableHostname         bool          `mapstructure:"telemetry_disable_hostname"`
	MetricsPrefix           string        `mapstructure:"telemetry_metrics_prefix"`
}

// DefaultConfig is used to return a sane default configuration
func DefaultConfig() *Config {
	boshDefaults := bosh.DefaultConfig()
	return &Config{
		ServerName:          "localhost",
		ClientAddr:          "127.0.0.1",
		HTTPPort:            7070,
		LogLevel:            "INFO",
		LogColor:            "auto",
		SyslogFacility:      "LOCAL0",
		ClientNoCache:       true,
		MaxWait:             boshDefaults.MaxWait,
		MaxHold:             boshDefaults.MaxHold,
		Inactivity:          boshDefaults.Inactivity,
		Polling:             boshDefaults.Polling,
		MaxPause:            boshDefaults.MaxPause,
		RIDWindow:           boshDefaults.RIDWindow,
		Backend:             BackendInmem,
		UpstreamDialTimeout: 10 * time.Second,
		Telemetry: Telemetry{
			MetricsPrefix: "connmgr",
		},
	}
}

// DevConfig is the configuration used by -dev: a local agent with script
// syntax, no polling limit and debug logging.
func DevConfig() *Config {
	conf := DefaultConfig()
	conf.DevMode = true
	conf.LogLevel = "DEBUG"
	conf.ScriptSyntax = true
	conf.Polling = 0
	conf.EnableDebug = true
	conf.Telemetry.PrometheusRetentionTime = time.Minute
	conf.Features = []string{
		`<mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>PLAIN</mechanism></mechanisms>`,
	}
	conf.AuthenticatedFeatures = []string{
		`<bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/>`,
		`<session xmlns="urn:ietf:params:xml:ns:xmpp-session"/>`,
	}
	return conf
}

// ClientListener is used to format a listener for a
// port on a ClientAddr
func (c *Config) ClientListener(port int) (*net.TCPAddr, error) {
	ip := net.ParseIP(c.ClientAddr)
	if ip == nil {
		return nil, fmt.Errorf("Failed to parse IP: %v", c.ClientAddr)
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// BoshConfig returns the session manager settings.
func (c *Config) BoshConfig() *bosh.Config {
	return &bosh.Config{
		ServerName: c.ServerName,
		MaxWait:    c.MaxWait,
		MaxHold:    c.MaxHold,
		Inactivity: c.Inactivity,
		Polling:    c.Polling,
		MaxPause:   c.MaxPause,
		RIDWindow:  c.RIDWindow,
		Features:   c.Features,
	}
}

// LoggingConfig returns the logger settings.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		LogLevel:       c.LogLevel,
		LogJSON:        c.LogJSON,
		Color:          c.LogColor,
		Name:           "connmgr",
		EnableSyslog:   c.EnableSyslog,
		SyslogFacility: c.SyslogFacility,
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var result error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.ServerName == "" {
		add("server_name must be set")
	}
	if net.ParseIP(c.ClientAddr) == nil {
		add("client_addr %q is not an IP address", c.ClientAddr)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		add("http_port %d is out of range", c.HTTPPort)
	}
	if !logging.ValidateLogLevel(c.LogLevel) {
		add("log_level %q is invalid, valid levels are: %v", c.LogLevel, logging.AllowedLogLevels())
	}
	if _, err := logging.NewColorOption(c.LogColor); err != nil {
		add("log_color: %v", err)
	}
	if c.MaxWait <= 0 {
		add("max_wait must be positive")
	}
	if c.MaxHold < 0 {
		add("max_hold must not be negative")
	}
	if c.Inactivity <= 0 {
		add("inactivity must be positive")
	}
	if c.Polling < 0 {
		add("polling must not be negative")
	}
	if c.MaxPause < 0 {
		add("max_pause must not be negative")
	}
	if c.RIDWindow <= 0 {
		add("rid_window must be positive")
	}
	if c.HTTPMaxConnsPerClient < 0 {
		add("http_max_conns_per_client must not be negative")
	}
	switch c.Backend {
	case BackendInmem:
	case BackendUpstream:
		if c.UpstreamAddr == "" {
			add("upstream_addr must be set for the upstream backend")
		} else if _, _, err := net.SplitHostPort(c.UpstreamAddr); err != nil {
			add("upstream_addr %q: %v", c.UpstreamAddr, err)
		}
	default:
		add("backend %q is unknown, expected %s or %s", c.Backend, BackendInmem, BackendUpstream)
	}
	return result
}
