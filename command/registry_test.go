// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"bytes"
	"sort"
	"strings"
	"testing"

	mcli "github.com/mitchellh/cli"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/connmgr/command/cli"
)

func TestRegisteredCommands(t *testing.T) {
	var buf bytes.Buffer
	ui := &cli.BasicUI{BasicUi: mcli.BasicUi{Writer: &buf, ErrorWriter: &buf}}

	cmds := RegisteredCommands(ui)
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	require.Equal(t, []string{
		"agent", "info", "reload", "session", "session destroy",
		"session list", "session read", "validate", "version",
	}, names)

	for name, fn := range cmds {
		c, err := fn()
		require.NoError(t, err, name)
		require.NotEmpty(t, c.Synopsis(), name)
		require.False(t, strings.ContainsRune(c.Help(), '\t'), "%s help has tabs", name)
	}
}
