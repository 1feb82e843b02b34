// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/hcl"
	"github.com/mitchellh/mapstructure"
)

// Raw is an undecoded configuration fragment keyed by config key.
type Raw map[string]interface{}

// Parse decodes a configuration file. Files ending in .toml are TOML;
// everything else is HCL, which also accepts JSON.
func Parse(name string, data []byte) (Raw, error) {
	raw := make(Raw)
	if strings.HasSuffix(name, ".toml") {
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
	if err := hcl.Decode(&raw, string(data)); err != nil {
		return nil, err
	}
	return raw, nil
}

// Merge returns a copy of a with every key of b applied over it.
func Merge(a, b Raw) Raw {
	result := make(Raw, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		result[k] = v
	}
	return result
}

// Decode applies raw onto a copy of base. Unknown keys are errors.
func Decode(base *Config, raw Raw) (*Config, error) {
	result := *base
	result.Features = append([]string(nil), base.Features...)
	result.AuthenticatedFeatures = append([]string(nil), base.AuthenticatedFeatures...)

	var md mapstructure.Metadata
	msdec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		Metadata:         &md,
		Result:           &result,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := msdec.Decode(map[string]interface{}(raw)); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadConfigPaths reads the paths in the given order to load configurations.
// The paths can be to files or directories. If the path is a directory,
// we read one directory deep and read any files ending in ".hcl", ".json"
// or ".toml" in lexical order.
func ReadConfigPaths(paths []string) (Raw, error) {
	result := make(Raw)
	for _, path := range paths {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("Error reading '%s': %s", path, err)
		}

		if !fi.IsDir() {
			raw, err := readFile(path)
			if err != nil {
				return nil, err
			}
			result = Merge(result, raw)
			continue
		}

		contents, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("Error reading '%s': %s", path, err)
		}

		// Sort the contents, ensures lexical order
		sort.Slice(contents, func(i, j int) bool { return contents[i].Name() < contents[j].Name() })

		for _, entry := range contents {
			// Don't recursively read contents
			if entry.IsDir() {
				continue
			}
			if !isConfigFile(entry.Name()) {
				continue
			}

			raw, err := readFile(filepath.Join(path, entry.Name()))
			if err != nil {
				return nil, err
			}
			result = Merge(result, raw)
		}
	}
	return result, nil
}

// Load builds the final configuration: defaults, then files in order, then
// overrides, which come from command line flags.
func Load(base *Config, paths []string, overrides Raw) (*Config, error) {
	raw, err := ReadConfigPaths(paths)
	if err != nil {
		return nil, err
	}
	conf, err := Decode(base, Merge(raw, overrides))
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func isConfigFile(name string) bool {
	switch filepath.Ext(name) {
	case ".hcl", ".json", ".toml":
		return true
	}
	return false
}

func readFile(path string) (Raw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Error reading '%s': %s", path, err)
	}
	raw, err := Parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("Error decoding '%s': %s", path, err)
	}
	return raw, nil
}
