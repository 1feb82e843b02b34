// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package command holds the registry of the connmgr subcommands.
package command

import (
	mcli "github.com/mitchellh/cli"

	"github.com/hashicorp/connmgr/command/agent"
	"github.com/hashicorp/connmgr/command/cli"
	"github.com/hashicorp/connmgr/command/info"
	"github.com/hashicorp/connmgr/command/reload"
	"github.com/hashicorp/connmgr/command/session"
	sessdestroy "github.com/hashicorp/connmgr/command/session/destroy"
	sesslist "github.com/hashicorp/connmgr/command/session/list"
	sessread "github.com/hashicorp/connmgr/command/session/read"
	"github.com/hashicorp/connmgr/command/validate"
	"github.com/hashicorp/connmgr/command/version"
	ver "github.com/hashicorp/connmgr/version"
)

// factory is a function that returns a new instance of a CLI-sub command.
type factory func(cli.Ui) (mcli.Command, error)

// entry is a struct that contains a command's name and a factory for that command.
type entry struct {
	name string
	fn   factory
}

func createCommands(ui cli.Ui) []entry {
	return []entry{
		{"agent", func(ui cli.Ui) (mcli.Command, error) {
			return agent.New(ui, ver.GetHumanVersion(), nil), nil
		}},
		{"info", func(ui cli.Ui) (mcli.Command, error) { return info.New(ui), nil }},
		{"reload", func(ui cli.Ui) (mcli.Command, error) { return reload.New(ui), nil }},
		{"session", func(ui cli.Ui) (mcli.Command, error) { return session.New(ui), nil }},
		{"session destroy", func(ui cli.Ui) (mcli.Command, error) { return sessdestroy.New(ui), nil }},
		{"session list", func(ui cli.Ui) (mcli.Command, error) { return sesslist.New(ui), nil }},
		{"session read", func(ui cli.Ui) (mcli.Command, error) { return sessread.New(ui), nil }},
		{"validate", func(ui cli.Ui) (mcli.Command, error) { return validate.New(ui), nil }},
		{"version", func(ui cli.Ui) (mcli.Command, error) { return version.New(ui), nil }},
	}
}

// RegisteredCommands returns a realized mapping of available CLI commands in
// a format that the CLI class can consume.
func RegisteredCommands(ui cli.Ui) map[string]mcli.CommandFactory {
	registry := map[string]mcli.CommandFactory{}
	for _, e := range createCommands(ui) {
		registerCommand(ui, registry, e)
	}
	return registry
}

func registerCommand(ui cli.Ui, m map[string]mcli.CommandFactory, cmdEntry entry) {
	thisFn := cmdEntry.fn
	m[cmdEntry.name] = func() (mcli.Command, error) {
		return thisFn(ui)
	}
}
