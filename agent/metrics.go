// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"github.com/armon/go-metrics/prometheus"
)

// Gauges are the gauges the agent emits, with Prometheus help text.
var Gauges = []prometheus.GaugeDefinition{
	{
		Name: []string{"bosh", "sessions", "active"},
		Help: "Number of live sessions. Updated every second.",
	},
}

// Counters are the counters the agent emits, with Prometheus help text.
var Counters = []prometheus.CounterDefinition{
	{
		Name: []string{"bosh", "session", "create"},
		Help: "Sessions created.",
	},
	{
		Name: []string{"bosh", "session", "close"},
		Help: "Sessions closed for any reason.",
	},
	{
		Name: []string{"bosh", "request"},
		Help: "Requests correlated with a session.",
	},
	{
		Name: []string{"bosh", "request", "rejected"},
		Help: "Requests rejected as replayed, out of window or polling too frequently.",
	},
	{
		Name: []string{"bosh", "response", "empty"},
		Help: "Requests answered without stanzas.",
	},
}
