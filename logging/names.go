// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package logging

// Names of the subsystem loggers.
const (
	Agent    string = "agent"
	Backend  string = "backend"
	BOSH     string = "bosh"
	HTTP     string = "http"
	Registry string = "registry"
	Routine  string = "routine"
	Upstream string = "upstream"
)
