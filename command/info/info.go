// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package info

import (
	"flag"
	"fmt"
	"sort"

	"github.com/mitchellh/cli"

	"github.com/hashicorp/connmgr/command/flags"
)

func New(ui cli.Ui) *cmd {
	c := &cmd{UI: ui}
	c.init()
	return c
}

type cmd struct {
	UI    cli.Ui
	flags *flag.FlagSet
	http  *flags.HTTPFlags
	help  string
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.http = &flags.HTTPFlags{}
	flags.Merge(c.flags, c.http.ClientFlags())
	c.help = flags.Usage(help, c.flags)
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	client, err := c.http.APIClient()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error connecting to agent: %s", err))
		return 1
	}

	self, err := client.Agent().Self()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error querying agent: %s", err))
		return 1
	}

	// Get the keys in sorted order
	keys := make([]string, 0, len(self.Stats))
	for key := range self.Stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	// Iterate over each top-level key
	for _, key := range keys {
		c.UI.Output(key + ":")

		subvals := self.Stats[key]
		subkeys := make([]string, 0, len(subvals))
		for k := range subvals {
			subkeys = append(subkeys, k)
		}
		sort.Strings(subkeys)

		for _, subkey := range subkeys {
			c.UI.Output(fmt.Sprintf("\t%s = %s", subkey, subvals[subkey]))
		}
	}
	return 0
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const (
	synopsis = "Provides debugging information for operators."
	help     = `
Usage: connmgr info [options]

  Provides debugging information for operators: the number of live
  sessions, the backend in use and runtime statistics.
`
)
