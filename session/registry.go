// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
)

// Registry maps stream IDs to live sessions. A single Registry is created at
// startup and handed to every transport that creates sessions.
type Registry struct {
	logger hclog.Logger

	lock     sync.RWMutex
	sessions map[string]Session
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		logger:   logger,
		sessions: make(map[string]Session),
	}
}

// Add registers s under id. The last writer wins if an id is ever reused;
// NewID makes that improbable.
func (r *Registry) Add(id string, s Session) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sessions[id] = s
}

// Remove deregisters id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.sessions, id)
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (Session, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len is the number of registered sessions.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of the registered sessions ordered by creation
// time.
func (r *Registry) Sessions() []Session {
	r.lock.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.lock.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// CloseAll closes every session registered at the time of the call because
// the connection manager or the server is shutting down. Sessions registered
// while the sweep runs are left alone, and each session's own Close guarantees
// its side effects run once.
func (r *Registry) CloseAll() error {
	var result error
	for _, s := range r.Sessions() {
		if err := s.Close(CloseShutdown); err != nil {
			r.logger.Warn("failed to close session", "session", s.ID(), "error", err)
			result = multierror.Append(result, err)
		}
	}
	return result
}
