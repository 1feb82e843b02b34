// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/connmgr/bosh"
	"github.com/hashicorp/connmgr/session"
)

const (
	// bindPath is where clients send binding requests.
	bindPath = "/http-bind/"

	// maxBindBody bounds a single POSTed envelope.
	maxBindBody = 1 << 20

	contentTypeXML    = "text/xml; charset=utf-8"
	contentTypeScript = "text/javascript; charset=utf-8"
)

// bindRequest is one binding exchange as it moves through BindHTTP.
type bindRequest struct {
	resp   http.ResponseWriter
	req    *http.Request
	script bool
	body   *bosh.Body
}

// BindHTTP serves the long polling binding. POST carries the envelope as the
// request body. GET carries it URL encoded in the query and is answered as a
// _BOSH_("...") script call; it is only served when script syntax is enabled.
func (s *HTTPServer) BindHTTP(resp http.ResponseWriter, req *http.Request) {
	cfg := s.agent.Config()
	br := &bindRequest{resp: resp, req: req}

	var raw []byte
	switch req.Method {
	case http.MethodGet:
		if !cfg.ScriptSyntax {
			s.legacyError(br, bosh.ErrItemNotFound)
			return
		}
		br.script = true
		query, err := url.QueryUnescape(req.URL.RawQuery)
		if err != nil || query == "" {
			s.legacyError(br, bosh.ErrBadRequest)
			return
		}
		raw = []byte(query)

	case http.MethodPost:
		data, err := io.ReadAll(http.MaxBytesReader(resp, req.Body, maxBindBody))
		if err != nil {
			s.legacyError(br, bosh.ErrBadRequest)
			return
		}
		raw = data

	default:
		resp.Header()["Allow"] = []string{http.MethodGet, http.MethodPost}
		resp.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := bosh.DecodeBody(raw)
	if err != nil {
		s.bindError(br, nil, err)
		return
	}
	br.body = body

	mgr := s.agent.Manager()
	secure := req.TLS != nil
	var (
		sess *bosh.Session
		conn *bosh.Connection
	)
	if body.SID == "" {
		sess, conn, err = mgr.CreateSession(req.RemoteAddr, body, secure)
	} else {
		sess, conn, err = mgr.HandleRequest(body.SID, body, secure)
	}
	if err != nil {
		s.bindError(br, sess, err)
		return
	}

	content, err := conn.Response(req.Context())
	switch {
	case err == nil:
	case errors.Is(err, bosh.ErrTimeout):
		content = bosh.EmptyBody()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client is gone; there is nobody to answer.
		return
	default:
		s.bindError(br, conn.Session(), err)
		return
	}
	s.writeBind(br, http.StatusOK, content)
}

// bindError presents err to the client. Sessions at protocol version 1.6 or
// later get an error body; older ones, and requests that never reached a
// session, get the bare legacy status. Terminal errors close the session.
func (s *HTTPServer) bindError(br *bindRequest, sess *bosh.Session, err error) {
	be := bosh.AsBindingError(err)
	s.agent.logger.Named("http").Debug("binding error",
		"from", br.req.RemoteAddr,
		"condition", be.Condition,
		"error", err,
	)

	if be.Condition != "" && errorBodyAllowed(sess, br.body) {
		s.writeBind(br, http.StatusOK, bosh.ErrorBody(be))
	} else {
		s.legacyError(br, be)
	}

	if sess != nil && be.Terminal() {
		if err := sess.Close(session.CloseLocal); err != nil {
			s.agent.logger.Named("http").Error("failed to close session", "sid", sess.ID(), "error", err)
		}
	}
}

// errorBodyAllowed uses the session's negotiated version, or the version a
// session creation request asked for.
func errorBodyAllowed(sess *bosh.Session, body *bosh.Body) bool {
	if sess != nil {
		return sess.SupportsErrorBody()
	}
	if body == nil || body.SID != "" || body.Ver == "" {
		return false
	}
	major, minor, err := session.DecodeVersion(body.Ver)
	if err != nil {
		return false
	}
	return major > 1 || (major == 1 && minor >= 6)
}

func (s *HTTPServer) legacyError(br *bindRequest, be *bosh.BindingError) {
	if br.script {
		s.noCache(br.resp)
	}
	br.resp.WriteHeader(be.LegacyCode)
}

func (s *HTTPServer) writeBind(br *bindRequest, status int, content []byte) {
	h := br.resp.Header()
	if br.script {
		h.Set("Content-Type", contentTypeScript)
		s.noCache(br.resp)
		content = bosh.ScriptWrap(content)
	} else {
		h.Set("Content-Type", contentTypeXML)
	}
	br.resp.WriteHeader(status)
	br.resp.Write(content)
}

func (s *HTTPServer) noCache(resp http.ResponseWriter) {
	if !s.agent.Config().ClientNoCache {
		return
	}
	h := resp.Header()
	h.Add("Cache-Control", "no-store")
	h.Add("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
}
