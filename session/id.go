// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-uuid"
)

// NewID returns a random stream ID. IDs are 32 hex characters, which keeps
// them usable as XML attribute values and URL components without escaping.
func NewID() (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("failed to generate stream ID: %w", err)
	}
	return strings.ReplaceAll(id, "-", ""), nil
}
