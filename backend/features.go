// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package backend

import (
	"sync"

	"github.com/hashicorp/connmgr/session"
)

// features holds the stream features a backend advertises. They can be
// replaced at runtime when the agent reloads its configuration.
type features struct {
	lock          sync.RWMutex
	unauth        []string
	authenticated []string
}

// SetFeatures replaces the advertised features. Sessions pick them up on
// their next restart.
func (f *features) SetFeatures(unauth, authenticated []string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.unauth = unauth
	f.authenticated = authenticated
}

func (f *features) forSession(s session.Session) []string {
	f.lock.RLock()
	defer f.lock.RUnlock()
	if s.Status() == session.StatusAuthenticated {
		return f.authenticated
	}
	return f.unauth
}
