// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package validate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand_noTabs(t *testing.T) {
	t.Parallel()
	if strings.ContainsRune(New(cli.NewMockUi()).Help(), '\t') {
		t.Fatal("help has tabs")
	}
}

func TestValidateCommand_noArgs(t *testing.T) {
	t.Parallel()
	ui := cli.NewMockUi()
	require.Equal(t, 1, New(ui).Run(nil))
	require.Contains(t, ui.ErrorWriter.String(), "at least one")
}

func TestValidateCommand_valid(t *testing.T) {
	t.Parallel()
	td := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(td, "a.hcl"), []byte(`server_name = "example.com"`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(td, "b.toml"), []byte("max_hold = 2\n"), 0o644))

	ui := cli.NewMockUi()
	require.Equal(t, 0, New(ui).Run([]string{td}), ui.ErrorWriter.String())
	require.Contains(t, ui.OutputWriter.String(), "Configuration is valid!")
}

func TestValidateCommand_quiet(t *testing.T) {
	t.Parallel()
	fp := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(fp, []byte(`{"server_name": "example.com"}`), 0o644))

	ui := cli.NewMockUi()
	require.Equal(t, 0, New(ui).Run([]string{"-quiet", fp}))
	require.Empty(t, ui.OutputWriter.String())
}

func TestValidateCommand_invalid(t *testing.T) {
	t.Parallel()
	fp := filepath.Join(t.TempDir(), "config.hcl")
	require.NoError(t, os.WriteFile(fp, []byte("max_wait = \"-1s\"\nbackend = \"upstream\"\n"), 0o644))

	ui := cli.NewMockUi()
	require.Equal(t, 1, New(ui).Run([]string{fp}))
	out := ui.ErrorWriter.String()
	require.Contains(t, out, "max_wait must be positive")
	require.Contains(t, out, "upstream_addr must be set")
}
