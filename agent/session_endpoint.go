// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/connmgr/bosh"
	"github.com/hashicorp/connmgr/session"
)

// SessionList returns a snapshot of every live session, ordered by id.
func (s *HTTPServer) SessionList(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	sessions := s.agent.Registry().Sessions()
	out := make([]bosh.Info, 0, len(sessions))
	for _, raw := range sessions {
		if bs, ok := raw.(*bosh.Session); ok {
			out = append(out, bs.Info())
		}
	}
	return out, nil
}

// SessionInfo returns one session by id.
func (s *HTTPServer) SessionInfo(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	bs, err := s.sessionFromPath(req, "/v1/session/info/")
	if err != nil {
		return nil, err
	}
	return bs.Info(), nil
}

// SessionDestroy closes one session as if its client had terminated it.
func (s *HTTPServer) SessionDestroy(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	bs, err := s.sessionFromPath(req, "/v1/session/destroy/")
	if err != nil {
		return nil, err
	}
	if err := bs.Close(session.CloseLocal); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *HTTPServer) sessionFromPath(req *http.Request, prefix string) (*bosh.Session, error) {
	sid := strings.TrimPrefix(req.URL.Path, prefix)
	if sid == "" {
		return nil, NotFoundError{Reason: "Missing session ID"}
	}
	raw, ok := s.agent.Registry().Get(sid)
	if !ok {
		return nil, NotFoundError{Reason: fmt.Sprintf("Session %q not found", sid)}
	}
	bs, ok := raw.(*bosh.Session)
	if !ok {
		return nil, NotFoundError{Reason: fmt.Sprintf("Session %q is not an HTTP bound session", sid)}
	}
	return bs, nil
}
