// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"errors"
	"net/http"
	"net/url"
	"time"
)

// SessionEntry is a snapshot of one HTTP bound session.
type SessionEntry struct {
	ID           string
	ServerName   string
	Status       string
	CreatedAt    time.Time
	RemoteAddr   string
	Version      string
	Wait         time.Duration
	Hold         int
	Inactivity   time.Duration
	Polling      time.Duration
	MaxPause     time.Duration
	ProcessedRID int64
	PendingRIDs  []int64
	HeldRIDs     []int64
	Queued       int
	Paused       bool
	LastRequest  time.Time
}

// Session can be used to query the Session endpoints
type Session struct {
	c *Client
}

// Session returns a handle to the session endpoints
func (c *Client) Session() *Session {
	return &Session{c}
}

// List gets all live sessions.
func (s *Session) List() ([]*SessionEntry, error) {
	var entries []*SessionEntry
	if err := s.c.query("/v1/session/list", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Info looks up a single session. It returns nil without an error when the
// session does not exist.
func (s *Session) Info(id string) (*SessionEntry, error) {
	var entry SessionEntry
	err := s.c.query("/v1/session/info/"+url.PathEscape(id), &entry)
	var se StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Destroy terminates a session as if its client had sent a terminate
// request.
func (s *Session) Destroy(id string) error {
	var ok bool
	return s.c.write("/v1/session/destroy/"+url.PathEscape(id), &ok)
}
