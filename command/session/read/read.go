// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package read

import (
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/mitchellh/cli"
	"github.com/ryanuber/columnize"

	"github.com/hashicorp/connmgr/api"
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

	entry, err := client.Session().Info(id)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error reading session: %s", err))
		return 1
	}
	if entry == nil {
		c.UI.Error(fmt.Sprintf("Session %q not found", id))
		return 1
	}

	if c.format == "json" {
		out, err := json.MarshalIndent(entry, "", "    ")
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error encoding session: %s", err))
			return 1
		}
		c.UI.Output(string(out))
		return 0
	}

	c.UI.Output(columnize.Format(formatEntry(entry), &columnize.Config{Delim: string([]byte{0x1f})}))
	return 0
}

func formatEntry(e *api.SessionEntry) []string {
	data := []string{
		fmt.Sprintf("ID:\x1f%s", e.ID),
		fmt.Sprintf("Server Name:\x1f%s", e.ServerName),
		fmt.Sprintf("Status:\x1f%s", e.Status),
		fmt.Sprintf("Remote Address:\x1f%s", e.RemoteAddr),
		fmt.Sprintf("Version:\x1f%s", e.Version),
		fmt.Sprintf("Wait:\x1f%s", e.Wait),
		fmt.Sprintf("Hold:\x1f%d", e.Hold),
		fmt.Sprintf("Inactivity:\x1f%s", e.Inactivity),
		fmt.Sprintf("Polling:\x1f%s", e.Polling),
		fmt.Sprintf("Max Pause:\x1f%s", e.MaxPause),
		fmt.Sprintf("Processed RID:\x1f%d", e.ProcessedRID),
		fmt.Sprintf("Held RIDs:\x1f%v", e.HeldRIDs),
		fmt.Sprintf("Pending RIDs:\x1f%v", e.PendingRIDs),
		fmt.Sprintf("Queued:\x1f%d", e.Queued),
		fmt.Sprintf("Paused:\x1f%t", e.Paused),
		fmt.Sprintf("Created At:\x1f%s", e.CreatedAt.Local().Format(time.RFC850)),
	}
	if !e.LastRequest.IsZero() {
		data = append(data, fmt.Sprintf("Last Request:\x1f%s", e.LastRequest.Local().Format(time.RFC850)))
	}
	return data
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const (
	synopsis = "Read a session"
	help     = `
Usage: connmgr session read [options] SESSIONID

    Shows the negotiated parameters and the request state of one session.

        $ connmgr session read 6f2a0c61e4a9d3b8f1c7e05d2b9a4f3c68d1e7a0
`
)
