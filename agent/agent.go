// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package agent wires the session registry, the BOSH manager and a backend
// behind an HTTP server.
package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	connlimit "github.com/hashicorp/go-connlimit"
	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hashicorp/connmgr/agent/config"
	"github.com/hashicorp/connmgr/backend"
	"github.com/hashicorp/connmgr/bosh"
	"github.com/hashicorp/connmgr/lib/routine"
	"github.com/hashicorp/connmgr/logging"
	"github.com/hashicorp/connmgr/session"
)

// gaugeInterval is how often the session gauges are refreshed.
const gaugeInterval = time.Second

// Backend is a bosh.Backend whose advertised features can be replaced on
// reload.
type Backend interface {
	bosh.Backend
	SetFeatures(unauth, authenticated []string)
}

// Deps are the process wide pieces built before the agent.
type Deps struct {
	Logger hclog.InterceptLogger

	// MemSink backs /v1/agent/metrics. It may be nil when telemetry is
	// disabled.
	MemSink *metrics.InmemSink

	// Gatherer serves the Prometheus format of /v1/agent/metrics. It
	// defaults to the default Prometheus registry.
	Gatherer prometheus.Gatherer
}

// Agent is the long running process that owns every session.
type Agent struct {
	// config is the agent configuration. It is replaced on reload.
	config     *config.Config
	configLock sync.RWMutex

	logger   hclog.InterceptLogger
	MemSink  *metrics.InmemSink
	gatherer prometheus.Gatherer

	registry *session.Registry
	backend  Backend
	upstream *backend.Upstream
	manager  *bosh.Manager
	routines *routine.Manager
	limiter  *connlimit.Limiter

	httpServers []*HTTPServer
	wgServers   sync.WaitGroup

	// reloadCh is used to trigger a reload of the configuration through the
	// HTTP API. The caller owns the loop that reads it.
	reloadCh chan chan error

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// New builds an agent that is not yet serving.
func New(cfg *config.Config, deps Deps) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("must provide a config")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("must provide a logger")
	}
	a := &Agent{
		config:     cfg,
		logger:     deps.Logger,
		MemSink:    deps.MemSink,
		gatherer:   deps.Gatherer,
		routines:   routine.NewManager(deps.Logger.Named(logging.Routine)),
		reloadCh:   make(chan chan error),
		shutdownCh: make(chan struct{}),
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	a.registry = session.NewRegistry(a.logger.Named(logging.Registry))

	switch cfg.Backend {
	case config.BackendUpstream:
		a.upstream = backend.NewUpstream(backend.UpstreamConfig{
			Addr:                  cfg.UpstreamAddr,
			DialTimeout:           cfg.UpstreamDialTimeout,
			Features:              cfg.Features,
			AuthenticatedFeatures: cfg.AuthenticatedFeatures,
		}, a.registry, a.logger.Named(logging.Upstream))
		a.backend = a.upstream
	default:
		a.backend = backend.NewInmem(backend.InmemConfig{
			Features:              cfg.Features,
			AuthenticatedFeatures: cfg.AuthenticatedFeatures,
			Echo:                  cfg.DevMode,
		}, a.logger.Named(logging.Backend))
	}

	mgr, err := bosh.NewManager(cfg.BoshConfig(), a.registry, a.backend, a.logger.Named(logging.BOSH))
	if err != nil {
		return nil, err
	}
	a.manager = mgr

	if cfg.HTTPMaxConnsPerClient > 0 {
		a.limiter = connlimit.NewLimiter(connlimit.Config{
			MaxConnsPerClientIP: cfg.HTTPMaxConnsPerClient,
		})
	}
	return a, nil
}

// Start binds the HTTP listener and starts the background routines.
func (a *Agent) Start(ctx context.Context) error {
	cfg := a.Config()

	addr, err := cfg.ClientListener(cfg.HTTPPort)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", addr.String())
	if err != nil {
		return fmt.Errorf("failed to start HTTP listener: %w", err)
	}
	l = &tcpKeepAliveListener{l.(*net.TCPListener)}

	srv := &HTTPServer{
		Server: &http.Server{Addr: l.Addr().String()},
		ln:     l,
		agent:  a,
	}
	srv.Server.Handler = srv.handler(cfg.EnableDebug)
	if a.limiter != nil {
		srv.Server.ConnState = a.limiter.HTTPConnStateFunc()
	}
	if err := a.serveHTTP(srv); err != nil {
		l.Close()
		return err
	}
	a.shutdownLock.Lock()
	a.httpServers = append(a.httpServers, srv)
	a.shutdownLock.Unlock()

	return a.routines.Start(ctx, "session-gauges", routine.Every(gaugeInterval, a.emitSessionGauges))
}

func (a *Agent) serveHTTP(srv *HTTPServer) error {
	// Shutdown called before the Serve goroutine is scheduled would leave
	// Serve running forever, so wait for it to start.
	notif := make(chan net.Addr)
	a.wgServers.Add(1)
	go func() {
		defer a.wgServers.Done()
		notif <- srv.ln.Addr()
		err := srv.Serve(srv.ln)
		if err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()

	select {
	case addr := <-notif:
		a.logger.Info("Started HTTP server", "address", addr.String(), "network", addr.Network())
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("agent: timeout starting HTTP servers")
	}
}

func (a *Agent) emitSessionGauges(context.Context) {
	metrics.SetGauge([]string{"bosh", "sessions", "active"}, float32(a.registry.Len()))
}

// Config returns the configuration currently in use.
func (a *Agent) Config() *config.Config {
	a.configLock.RLock()
	defer a.configLock.RUnlock()
	return a.config
}

// HTTPAddr is the address the HTTP server is bound to, or empty before
// Start.
func (a *Agent) HTTPAddr() string {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if len(a.httpServers) == 0 {
		return ""
	}
	return a.httpServers[0].ln.Addr().String()
}

// Manager is the BOSH session manager.
func (a *Agent) Manager() *bosh.Manager {
	return a.manager
}

// Registry holds every live session.
func (a *Agent) Registry() *session.Registry {
	return a.registry
}

// Stats is used to get various debugging state from the sub-systems
func (a *Agent) Stats() map[string]map[string]string {
	cfg := a.Config()
	return map[string]map[string]string{
		"agent": {
			"sessions": strconv.Itoa(a.registry.Len()),
			"backend":  cfg.Backend,
		},
		"runtime": runtimeStats(),
	}
}

func runtimeStats() map[string]string {
	return map[string]string{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"version":    runtime.Version(),
		"max_procs":  strconv.FormatInt(int64(runtime.GOMAXPROCS(0)), 10),
		"goroutines": strconv.FormatInt(int64(runtime.NumGoroutine()), 10),
		"cpu_count":  strconv.FormatInt(int64(runtime.NumCPU()), 10),
	}
}

// ReloadConfig applies the reloadable settings of newCfg: the log level and
// the advertised stream features. Changes to anything else need a restart
// and are reported as warnings.
func (a *Agent) ReloadConfig(newCfg *config.Config) error {
	if err := newCfg.Validate(); err != nil {
		return err
	}

	a.configLock.Lock()
	defer a.configLock.Unlock()
	old := a.config

	a.logger.SetLevel(logging.LevelFromString(newCfg.LogLevel))
	a.backend.SetFeatures(newCfg.Features, newCfg.AuthenticatedFeatures)

	if newCfg.ClientAddr != old.ClientAddr || newCfg.HTTPPort != old.HTTPPort {
		a.logger.Warn("HTTP address changes need a restart to take effect")
	}
	if newCfg.Backend != old.Backend || newCfg.UpstreamAddr != old.UpstreamAddr {
		a.logger.Warn("backend changes need a restart to take effect")
	}

	// Settings only read at startup keep their running values.
	applied := *old
	applied.LogLevel = newCfg.LogLevel
	applied.Features = newCfg.Features
	applied.AuthenticatedFeatures = newCfg.AuthenticatedFeatures
	a.config = &applied

	a.logger.Info("configuration reloaded", "log_level", newCfg.LogLevel)
	return nil
}

// ReloadCh is used to return a channel that can be
// used for triggering reloads and returning a response.
func (a *Agent) ReloadCh() chan chan error {
	return a.reloadCh
}

// ShutdownAgent closes every session with the shutdown reason and stops the
// background routines and the backend. The HTTP server keeps running until
// ShutdownEndpoints so held requests can be answered.
func (a *Agent) ShutdownAgent() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}
	a.logger.Info("Requesting shutdown")

	a.routines.StopAll()
	a.routines.Wait()

	var result error
	if err := a.manager.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	if a.upstream != nil {
		if err := a.upstream.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close upstream: %w", err))
		}
	}

	a.logger.Info("shutdown complete")
	a.shutdown = true
	close(a.shutdownCh)
	return result
}

// ShutdownEndpoints terminates the HTTP servers. Should be preceded by
// ShutdownAgent.
func (a *Agent) ShutdownEndpoints() {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if len(a.httpServers) == 0 {
		return
	}

	for _, srv := range a.httpServers {
		addr := srv.ln.Addr()
		a.logger.Info("Stopping HTTP server", "address", addr.String(), "network", addr.Network())
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		srv.Shutdown(ctx)
		if ctx.Err() == context.DeadlineExceeded {
			a.logger.Warn("Timeout stopping HTTP server", "address", addr.String(), "network", addr.Network())
		}
		cancel()
	}
	a.httpServers = nil

	a.logger.Info("Waiting for endpoints to shut down")
	a.wgServers.Wait()
	a.logger.Info("Endpoints down")
}

// ShutdownCh is used to return a channel that can be
// selected to wait for the agent to perform a shutdown.
func (a *Agent) ShutdownCh() <-chan struct{} {
	return a.shutdownCh
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// connections. It's used so dead TCP connections eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(30 * time.Second)
	return tc, nil
}
