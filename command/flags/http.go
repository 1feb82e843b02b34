// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package flags

import (
	"flag"
	"time"

	"github.com/hashicorp/connmgr/api"
)

// HTTPFlags are the flags of every command that talks to a running agent.
type HTTPFlags struct {
	address string
	timeout time.Duration
}

// ClientFlags returns the flag set of the agent connection.
func (f *HTTPFlags) ClientFlags() *flag.FlagSet {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.StringVar(&f.address, "http-addr", "",
		"The `address` and port of the agent HTTP server. This can also be "+
			"specified via the "+api.HTTPAddrEnvName+" environment variable. The "+
			"default value is "+api.DefaultAddress+".")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Second,
		"Bounds each request to the agent.")
	return fs
}

// Addr is the address the flags resolve to.
func (f *HTTPFlags) Addr() string {
	return f.config().Address
}

// APIClient builds a client from the flags, the environment and the
// defaults, in that order of precedence.
func (f *HTTPFlags) APIClient() (*api.Client, error) {
	return api.NewClient(f.config())
}

func (f *HTTPFlags) config() *api.Config {
	c := api.DefaultConfig()
	if f.address != "" {
		c.Address = f.address
	}
	c.WaitTime = f.timeout
	return c
}
