// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hashicorp/connmgr/version"
)

// Self is the response of /v1/agent/self.
type Self struct {
	Config map[string]interface{}
	Stats  map[string]map[string]string
}

func (s *HTTPServer) AgentSelf(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	cfg := s.agent.Config()
	return Self{
		Config: map[string]interface{}{
			"ServerName":      cfg.ServerName,
			"Version":         version.GetHumanVersion(),
			"Revision":        version.GitCommit,
			"ProtocolVersion": version.ProtocolVersion,
			"Backend":         cfg.Backend,
			"ScriptSyntax":    cfg.ScriptSyntax,
			"MaxWait":         cfg.MaxWait.String(),
			"MaxHold":         cfg.MaxHold,
			"Inactivity":      cfg.Inactivity.String(),
			"Polling":         cfg.Polling.String(),
			"MaxPause":        cfg.MaxPause.String(),
			"RIDWindow":       cfg.RIDWindow,
			"LogLevel":        cfg.LogLevel,
		},
		Stats: s.agent.Stats(),
	}, nil
}

// acceptsOpenMetricsMimeType returns true if mime type is Prometheus-compatible
func acceptsOpenMetricsMimeType(acceptHeader string) bool {
	mimeTypes := strings.Split(acceptHeader, ",")
	for _, v := range mimeTypes {
		mimeInfo := strings.Split(v, ";")
		if len(mimeInfo) > 0 {
			rawMime := strings.ToLower(strings.Trim(mimeInfo[0], " "))
			if rawMime == "application/openmetrics-text" {
				return true
			}
			if rawMime == "text/plain" && (len(mimeInfo) > 1 && strings.Trim(mimeInfo[1], " ") == "version=0.4.0") {
				return true
			}
		}
	}
	return false
}

// enablePrometheusOutput will look for Prometheus mime-type or format Query parameter the same way as Nomad
func enablePrometheusOutput(req *http.Request) bool {
	if format := req.URL.Query().Get("format"); format == "prometheus" {
		return true
	}
	return acceptsOpenMetricsMimeType(req.Header.Get("Accept"))
}

func (s *HTTPServer) AgentMetrics(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if enablePrometheusOutput(req) {
		if s.agent.Config().Telemetry.PrometheusRetentionTime < 1 {
			resp.WriteHeader(http.StatusUnsupportedMediaType)
			fmt.Fprint(resp, "Prometheus is not enabled since its retention time is not positive")
			return nil, nil
		}
		handlerOptions := promhttp.HandlerOpts{
			ErrorLog: s.agent.logger.StandardLogger(&hclog.StandardLoggerOptions{
				InferLevels: true,
			}),
			ErrorHandling: promhttp.ContinueOnError,
		}

		handler := promhttp.HandlerFor(s.agent.gatherer, handlerOptions)
		handler.ServeHTTP(resp, req)
		return nil, nil
	}
	if s.agent.MemSink == nil {
		return nil, NotFoundError{Reason: "Telemetry is disabled"}
	}
	return s.agent.MemSink.DisplayMetrics(resp, req)
}

func (s *HTTPServer) AgentReload(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	// Trigger the reload
	errCh := make(chan error)
	select {
	case <-s.agent.shutdownCh:
		return nil, fmt.Errorf("Agent was shutdown before reload could be completed")
	case s.agent.reloadCh <- errCh:
	}

	// Wait for the result of the reload, or for the agent to shutdown
	select {
	case <-s.agent.shutdownCh:
		return nil, fmt.Errorf("Agent was shutdown before reload could be completed")
	case err := <-errCh:
		return nil, err
	}
}
