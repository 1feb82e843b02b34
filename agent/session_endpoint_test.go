// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/connmgr/bosh"
)

func getJSON(t *testing.T, a *TestAgent, path string, out interface{}) int {
	t.Helper()
	resp, err := a.Client().Get(a.URL(path))
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSessionEndpoints(t *testing.T) {
	t.Parallel()
	a := StartTestAgent(t, ``)

	var list []bosh.Info
	require.Equal(t, http.StatusOK, getJSON(t, a, "/v1/session/list", &list))
	require.Empty(t, list)

	first := createSession(t, a, `ver="1.6"`)
	second := createSession(t, a, ``)

	require.Equal(t, http.StatusOK, getJSON(t, a, "/v1/session/list", &list))
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	require.ElementsMatch(t, []string{first, second}, ids)

	var info bosh.Info
	require.Equal(t, http.StatusOK, getJSON(t, a, "/v1/session/info/"+first, &info))
	require.Equal(t, first, info.ID)
	require.Equal(t, "1.6", info.Version)
	require.Equal(t, int64(1), info.ProcessedRID)
	require.Equal(t, "example.com", info.ServerName)

	require.Equal(t, http.StatusNotFound, getJSON(t, a, "/v1/session/info/nope", nil))
	require.Equal(t, http.StatusNotFound, getJSON(t, a, "/v1/session/info/", nil))

	// Destroy requires PUT.
	require.Equal(t, http.StatusMethodNotAllowed, getJSON(t, a, "/v1/session/destroy/"+first, nil))

	req, err := http.NewRequest("PUT", a.URL("/v1/session/destroy/"+first), nil)
	require.NoError(t, err)
	resp, err := a.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, http.StatusNotFound, getJSON(t, a, "/v1/session/info/"+first, nil))
	require.Equal(t, http.StatusOK, getJSON(t, a, "/v1/session/list", &list))
	require.Len(t, list, 1)
	require.Equal(t, second, list[0].ID)

	// The destroyed session's sid is gone for clients too.
	r, _ := post(t, a, envelope(first, 2, ``, ``))
	require.Equal(t, http.StatusNotFound, r.StatusCode)
}
