// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package destroy

import (
	"flag"
	"fmt"

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

	var id string
	switch c.flags.NArg() {
	case 0:
		c.UI.Error("Must specify a session ID.")
		return 1
	case 1:
		id = c.flags.Arg(0)
	default:
		c.UI.Error("Extra arguments after the session ID.")
		return 1
	}

	client, err := c.http.APIClient()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error connecting to agent: %s", err))
		return 1
	}

	if err := client.Session().Destroy(id); err != nil {
		c.UI.Error(fmt.Sprintf("Error destroying session: %s", err))
		return 1
	}

	c.UI.Output(fmt.Sprintf("Session %q terminated", id))
	return 0
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const (
	synopsis = "Terminate a session"
	help     = `
Usage: connmgr session destroy [options] SESSIONID

    Terminates the given session as if its client had sent a terminate
    request. Requests held on it are released.

        $ connmgr session destroy 6f2a0c61e4a9d3b8f1c7e05d2b9a4f3c68d1e7a0
`
)
