// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package validate

import (
	"flag"

	"github.com/mitchellh/cli"

	"github.com/hashicorp/connmgr/agent/config"
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
	help  string
	quiet bool
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.BoolVar(&c.quiet, "quiet", false,
		"When given, a successful run will produce no output.")
	c.help = flags.Usage(help, c.flags)
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	configFiles := c.flags.Args()
	if len(configFiles) < 1 {
		c.UI.Error("Must specify at least one config file or directory")
		return 1
	}

	if _, err := config.Load(config.DefaultConfig(), configFiles, nil); err != nil {
		c.UI.Error("Config validation failed: " + err.Error())
		return 1
	}

	if !c.quiet {
		c.UI.Output("Configuration is valid!")
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
	synopsis = "Validate config files/directories"
	help     = `
Usage: connmgr validate [options] FILE_OR_DIRECTORY...

  Performs a thorough sanity test on configuration files. For each file
  or directory given, the validate command will attempt to parse the
  contents just as the "connmgr agent" command would, and catch as many
  errors as possible.

  This is useful to do a test of the configuration only, without actually
  starting the agent.

  Returns 0 if the configuration is valid, or 1 if there are problems.
`
)
