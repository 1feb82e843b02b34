// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package list

import (
	"encoding/json"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/mitchellh/cli"
	"github.com/ryanuber/columnize"

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

	format string
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.StringVar(&c.format, "format", "pretty",
		"Output format {pretty|json}.")

	c.http = &flags.HTTPFlags{}
	flags.Merge(c.flags, c.http.ClientFlags())
	c.help = flags.Usage(help, c.flags)
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}
	if c.flags.NArg() > 0 {
		c.UI.Error("Too many arguments (expected 0).")
		return 1
	}
	if c.format != "pretty" && c.format != "json" {
		c.UI.Error(fmt.Sprintf("Invalid format %q.", c.format))
		return 1
	}

	client, err := c.http.APIClient()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error connecting to agent: %s", err))
		return 1
	}

	entries, err := client.Session().List()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error listing sessions: %s", err))
		return 1
	}

	if c.format == "json" {
		out, err := json.MarshalIndent(entries, "", "    ")
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error encoding sessions: %s", err))
			return 1
		}
		c.UI.Output(string(out))
		return 0
	}

	if len(entries) == 0 {
		c.UI.Info("No sessions")
		return 0
	}

	result := make([]string, 0, len(entries)+1)
	result = append(result, "ID\x1fStatus\x1fRemote\x1fVersion\x1fHeld\x1fQueued\x1fAge")
	for _, e := range entries {
		result = append(result, fmt.Sprintf("%s\x1f%s\x1f%s\x1f%s\x1f%s\x1f%d\x1f%s",
			e.ID, e.Status, e.RemoteAddr, e.Version,
			strconv.Itoa(len(e.HeldRIDs))+"/"+strconv.Itoa(e.Hold),
			e.Queued,
			time.Since(e.CreatedAt).Truncate(time.Second)))
	}
	c.UI.Output(columnize.Format(result, &columnize.Config{Delim: string([]byte{0x1f})}))
	return 0
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const (
	synopsis = "List live sessions"
	help     = `
Usage: connmgr session list [options]

    Lists every session held by the agent, with its status, the number of
    held requests out of its hold and the number of queued payloads.

        $ connmgr session list
`
)
