// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package version

import (
	"encoding/json"
	"flag"
	"fmt"

	"github.com/mitchellh/cli"

	"github.com/hashicorp/connmgr/command/flags"
	"github.com/hashicorp/connmgr/version"
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

	format string
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.StringVar(&c.format, "format", "pretty",
		"Output format {pretty|json}.")
	c.help = flags.Usage(help, c.flags)
}

// Info is the json output of the version command.
type Info struct {
	Version         string
	Revision        string
	Prerelease      string
	ProtocolVersion string
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	info := Info{
		Version:         version.Version,
		Revision:        version.GitCommit,
		Prerelease:      version.VersionPrerelease,
		ProtocolVersion: version.ProtocolVersion,
	}

	switch c.format {
	case "json":
		out, err := json.MarshalIndent(info, "", "    ")
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error encoding version: %s", err))
			return 1
		}
		c.UI.Output(string(out))
	case "pretty":
		c.UI.Output(fmt.Sprintf("Connection Manager %s", version.GetHumanVersion()))
		if info.Revision != "" {
			c.UI.Output(fmt.Sprintf("Revision %s", info.Revision))
		}
		c.UI.Output(fmt.Sprintf("BOSH protocol %s spoken", info.ProtocolVersion))
	default:
		c.UI.Error(fmt.Sprintf("Invalid format %q.", c.format))
		return 1
	}
	return 0
}

func (c *cmd) Synopsis() string {
	return "Prints the version"
}

func (c *cmd) Help() string {
	return c.help
}

const help = `
Usage: connmgr version [options]

  Prints the connection manager version and the BOSH protocol version it
  speaks.
`
