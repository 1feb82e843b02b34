// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"github.com/mitchellh/cli"

	"github.com/hashicorp/connmgr/command/flags"
)

func New(ui cli.Ui) *cmd {
	return &cmd{}
}

type cmd struct{}

func (c *cmd) Run(args []string) int {
	return cli.RunResultHelp
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return flags.Usage(help, nil)
}

const (
	synopsis = "Inspect and terminate HTTP bound sessions"

	help = `
Usage: connmgr session <subcommand> [options] [args]

    This command has subcommands for inspecting the sessions held by a
    running agent.

    List all live sessions:

        $ connmgr session list

    Read one session:

        $ connmgr session read 6f2a0c61e4a9d3b8f1c7e05d2b9a4f3c68d1e7a0

    Terminate a session:

        $ connmgr session destroy 6f2a0c61e4a9d3b8f1c7e05d2b9a4f3c68d1e7a0

    For more examples, ask for subcommand help or view the documentation.
`
)
