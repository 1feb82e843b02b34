// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package api is a client for the connection manager's admin HTTP API.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const (
	// HTTPAddrEnvName defines an environment variable name which sets
	// the HTTP address if there is no -http-addr specified.
	HTTPAddrEnvName = "CONNMGR_HTTP_ADDR"

	// DefaultAddress is the address of a locally running agent.
	DefaultAddress = "127.0.0.1:7070"
)

// StatusError is returned for any response that is not a 200.
type StatusError struct {
	Code int
	Body string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("Unexpected response code: %d (%s)", e.Code, e.Body)
}

// Config is used to configure the creation of a client
type Config struct {
	// Address is the address of the agent, host:port or a full URL.
	Address string

	// Scheme is the URI scheme of the agent.
	Scheme string

	// HttpClient is the client to use. Default will be used if not provided.
	HttpClient *http.Client

	// WaitTime bounds each request.
	WaitTime time.Duration
}

// DefaultConfig returns a default configuration for the client. The
// address is taken from CONNMGR_HTTP_ADDR when it is set.
func DefaultConfig() *Config {
	config := &Config{
		Address:    DefaultAddress,
		Scheme:     "http",
		HttpClient: cleanhttp.DefaultPooledClient(),
	}
	if addr := os.Getenv(HTTPAddrEnvName); addr != "" {
		config.Address = addr
	}
	return config
}

// Client provides a client to the admin API
type Client struct {
	config Config
}

// NewClient returns a new client
func NewClient(config *Config) (*Client, error) {
	defConfig := DefaultConfig()
	if config.Address == "" {
		config.Address = defConfig.Address
	}
	if config.Scheme == "" {
		config.Scheme = defConfig.Scheme
	}
	if config.HttpClient == nil {
		config.HttpClient = defConfig.HttpClient
	}
	if config.WaitTime > 0 {
		config.HttpClient.Timeout = config.WaitTime
	}

	parts := strings.SplitN(config.Address, "://", 2)
	if len(parts) == 2 {
		switch parts[0] {
		case "http", "https":
			config.Scheme = parts[0]
		default:
			return nil, fmt.Errorf("Unknown protocol scheme: %s", parts[0])
		}
		config.Address = parts[1]
	}

	return &Client{config: *config}, nil
}

// request is used to help build up a request
type request struct {
	method string
	url    *url.URL
	params url.Values
	obj    interface{}
}

func (c *Client) newRequest(method, path string) *request {
	return &request{
		method: method,
		url: &url.URL{
			Scheme: c.config.Scheme,
			Host:   c.config.Address,
			Path:   path,
		},
		params: make(map[string][]string),
	}
}

func (r *request) toHTTP() (*http.Request, error) {
	r.url.RawQuery = r.params.Encode()

	var body io.Reader
	if r.obj != nil {
		buf, err := json.Marshal(r.obj)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(r.method, r.url.RequestURI(), body)
	if err != nil {
		return nil, err
	}
	req.URL.Host = r.url.Host
	req.URL.Scheme = r.url.Scheme
	req.Host = r.url.Host
	return req, nil
}

// doRequest runs a request with our client
func (c *Client) doRequest(r *request) (time.Duration, *http.Response, error) {
	req, err := r.toHTTP()
	if err != nil {
		return 0, nil, err
	}
	start := time.Now()
	resp, err := c.config.HttpClient.Do(req)
	return time.Since(start), resp, err
}

// requireOK is used to wrap doRequest and check for a 200
func requireOK(resp *http.Response) error {
	if resp.StatusCode != 200 {
		var buf bytes.Buffer
		io.Copy(&buf, resp.Body)
		return StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(buf.String())}
	}
	return nil
}

func closeResponseBody(resp *http.Response) error {
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// decodeBody is used to JSON decode a body
func decodeBody(resp *http.Response, out interface{}) error {
	dec := json.NewDecoder(resp.Body)
	return dec.Decode(out)
}

// query runs a GET of path and decodes the answer into out.
func (c *Client) query(path string, out interface{}) error {
	r := c.newRequest("GET", path)
	_, resp, err := c.doRequest(r)
	if err != nil {
		return err
	}
	defer closeResponseBody(resp)
	if err := requireOK(resp); err != nil {
		return err
	}
	return decodeBody(resp, out)
}

// write runs a PUT of path and decodes the answer into out when out is not
// nil.
func (c *Client) write(path string, out interface{}) error {
	r := c.newRequest("PUT", path)
	_, resp, err := c.doRequest(r)
	if err != nil {
		return err
	}
	defer closeResponseBody(resp)
	if err := requireOK(resp); err != nil {
		return err
	}
	if out != nil {
		return decodeBody(resp, out)
	}
	return nil
}
