// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

// Agent can be used to query the Agent endpoints
type Agent struct {
	c *Client
}

// Agent returns a handle to the agent endpoints
func (c *Client) Agent() *Agent {
	return &Agent{c}
}

// AgentSelf is the agent's running configuration and its stats.
type AgentSelf struct {
	Config map[string]interface{}
	Stats  map[string]map[string]string
}

// Self is used to query the agent we are speaking to for
// information about itself
func (a *Agent) Self() (*AgentSelf, error) {
	var out AgentSelf
	if err := a.c.query("/v1/agent/self", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reload triggers a configuration reload for the agent we are connected to.
func (a *Agent) Reload() error {
	return a.c.write("/v1/agent/reload", nil)
}
