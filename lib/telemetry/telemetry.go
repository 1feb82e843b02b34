// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package telemetry configures the process wide go-metrics sinks.
package telemetry

import (
	"time"

	"github.com/armon/go-metrics"
	"github.com/armon/go-metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Config is embedded in the agent configuration.
type Config struct {
	// Disable turns off metrics collection entirely.
	Disable bool

	// MetricsPrefix is prepended to every key.
	MetricsPrefix string

	// DisableHostname leaves the hostname out of gauge keys.
	DisableHostname bool

	// StatsiteAddr and StatsdAddr enable the matching UDP/TCP sinks.
	StatsiteAddr string
	StatsdAddr   string

	// PrometheusRetentionTime enables the Prometheus sink when positive.
	PrometheusRetentionTime time.Duration

	// Registerer overrides the default Prometheus registry.
	Registerer prom.Registerer

	// Definitions give help text to known metrics and export them before
	// their first sample. Names exclude MetricsPrefix.
	Gauges   []prometheus.GaugeDefinition
	Counters []prometheus.CounterDefinition
}

// Metrics is what Init sets up. The in-memory sink backs the metrics
// endpoint and is dumped to stderr on SIGUSR1.
type Metrics struct {
	InmemSink *metrics.InmemSink
	signal    *metrics.InmemSignal
	prom      *prometheus.PrometheusSink
	registry  prom.Registerer
}

// Stop releases the signal handler and unregisters the Prometheus sink.
func (m *Metrics) Stop() {
	if m == nil {
		return
	}
	if m.signal != nil {
		m.signal.Stop()
	}
	if m.prom != nil {
		m.registry.Unregister(m.prom)
	}
}

// sinkFn takes Config and builds a sink to be composed in the FanoutSink
type sinkFn func(Config) (metrics.MetricSink, error)

func statsiteSink(cfg Config) (metrics.MetricSink, error) {
	if cfg.StatsiteAddr == "" {
		return nil, nil
	}
	return metrics.NewStatsiteSink(cfg.StatsiteAddr)
}

func statsdSink(cfg Config) (metrics.MetricSink, error) {
	if cfg.StatsdAddr == "" {
		return nil, nil
	}
	return metrics.NewStatsdSink(cfg.StatsdAddr)
}

func prometheusSink(cfg Config) (metrics.MetricSink, error) {
	if cfg.PrometheusRetentionTime.Nanoseconds() < 1 {
		return nil, nil
	}
	opts := prometheus.PrometheusOpts{
		Expiration: cfg.PrometheusRetentionTime,
		Registerer: cfg.Registerer,
	}
	for _, g := range cfg.Gauges {
		g.Name = prefixed(cfg.MetricsPrefix, g.Name)
		opts.GaugeDefinitions = append(opts.GaugeDefinitions, g)
	}
	for _, c := range cfg.Counters {
		c.Name = prefixed(cfg.MetricsPrefix, c.Name)
		opts.CounterDefinitions = append(opts.CounterDefinitions, c)
	}
	return prometheus.NewPrometheusSinkFrom(opts)
}

func prefixed(prefix string, name []string) []string {
	if prefix == "" {
		return name
	}
	return append([]string{prefix}, name...)
}

// initSinks composes every configured external sink. All sink inits must
// succeed; setup aborts if any of the configuration is invalid.
func initSinks(cfg Config) (metrics.FanoutSink, error) {
	var sinks metrics.FanoutSink
	for _, fn := range []sinkFn{statsiteSink, statsdSink, prometheusSink} {
		s, err := fn(cfg)
		if err != nil {
			return nil, err
		}
		if s != nil {
			sinks = append(sinks, s)
		}
	}
	return sinks, nil
}

// Init installs the global metrics client. It returns nil when metrics are
// disabled.
func Init(cfg Config) (*Metrics, error) {
	if cfg.Disable {
		return nil, nil
	}
	// Aggregate on 10 second intervals for 1 minute.
	memSink := metrics.NewInmemSink(10*time.Second, time.Minute)

	mCfg := metrics.DefaultConfig(cfg.MetricsPrefix)
	mCfg.EnableHostname = !cfg.DisableHostname

	sinks, err := initSinks(cfg)
	if err != nil {
		return nil, err
	}

	m := &Metrics{InmemSink: memSink, registry: cfg.Registerer}
	if m.registry == nil {
		m.registry = prom.DefaultRegisterer
	}
	for _, s := range sinks {
		if p, ok := s.(*prometheus.PrometheusSink); ok {
			m.prom = p
		}
	}

	if len(sinks) == 0 {
		// Hostname is irrelevant for on-host telemetry
		mCfg.EnableHostname = false
		_, err = metrics.NewGlobal(mCfg, memSink)
	} else {
		sinks = append(sinks, memSink)
		_, err = metrics.NewGlobal(mCfg, sinks)
	}
	if err != nil {
		m.Stop()
		return nil, err
	}
	m.signal = metrics.DefaultInmemSignal(memSink)
	return m, nil
}
