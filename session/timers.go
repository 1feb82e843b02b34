// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"sync"
	"time"
)

// Timers holds one idle timer per session id. It is safe for concurrent use.
type Timers struct {
	mu sync.Mutex
	m  map[string]*time.Timer
}

func NewTimers() *Timers {
	return &Timers{m: make(map[string]*time.Timer)}
}

// ResetOrCreate restarts the timer for id with ttl, creating it with
// afterFunc when there is none. A nil afterFunc never creates a timer.
func (t *Timers) ResetOrCreate(id string, ttl time.Duration, afterFunc func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tm := t.m[id]; tm != nil {
		tm.Reset(ttl)
		return
	}
	if afterFunc == nil {
		return
	}
	t.m[id] = time.AfterFunc(ttl, afterFunc)
}

// Stop stops and forgets the timer for id.
func (t *Timers) Stop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm := t.m[id]; tm != nil {
		tm.Stop()
		delete(t.m, id)
	}
}

// StopAll stops and forgets every timer.
func (t *Timers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tm := range t.m {
		tm.Stop()
	}
	t.m = make(map[string]*time.Timer)
}
