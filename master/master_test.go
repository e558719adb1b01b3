package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// get fetches path, checks the status and decodes the body into v if given.
func get(t *testing.T, srv *httptest.Server, path string, status int, v any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, status, resp.StatusCode)
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
}

func TestSessionDirectory(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)
	srv := httptest.NewServer(NewMux(reg, slog.Default()))
	defer srv.Close()

	resp := post(t, srv, "/sessions/register", `{"name":"lab","address":"10.0.0.1:7373","maxPeers":8,"version":"v1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created registerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	resp = post(t, srv, "/sessions/heartbeat", `{"id":"`+created.ID+`","peers":3,"replicas":12}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	lab := SessionInfo{
		ID: created.ID, Name: "lab", Address: "10.0.0.1:7373", Peers: 3, MaxPeers: 8, Replicas: 12, Version: "v1",
	}
	var sessions []SessionInfo
	get(t, srv, "/sessions", http.StatusOK, &sessions)
	assert.Equal(t, []SessionInfo{lab}, sessions)

	var one SessionInfo
	get(t, srv, "/sessions/"+created.ID, http.StatusOK, &one)
	assert.Equal(t, lab, one)
	get(t, srv, "/sessions/nope", http.StatusNotFound, nil)

	t.Run("filters", func(t *testing.T) {
		full := post(t, srv, "/sessions/register", `{"name":"full","address":"10.0.0.2:7373","peers":2,"maxPeers":2,"version":"v1","region":"eu"}`)
		require.Equal(t, http.StatusCreated, full.StatusCode)

		var list []SessionInfo
		get(t, srv, "/sessions?open=true", http.StatusOK, &list)
		assert.Equal(t, []SessionInfo{lab}, list)
		get(t, srv, "/sessions?region=eu", http.StatusOK, &list)
		require.Len(t, list, 1)
		assert.Equal(t, "full", list[0].Name)
		get(t, srv, "/sessions?version=v2", http.StatusOK, &list)
		assert.Empty(t, list)
		get(t, srv, "/sessions?open=maybe", http.StatusBadRequest, nil)
	})
	t.Run("bad requests", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post(t, srv, "/sessions/register", `{`).StatusCode)
		assert.Equal(t, http.StatusBadRequest, post(t, srv, "/sessions/register", `{"name":"x"}`).StatusCode)
		assert.Equal(t, http.StatusBadRequest, post(t, srv, "/sessions/register", `{"name":"x","address":"y","maxPeers":-1}`).StatusCode)
		assert.Equal(t, http.StatusNotFound, post(t, srv, "/sessions/heartbeat", `{"id":"nope"}`).StatusCode)
		assert.Equal(t, http.StatusBadRequest, post(t, srv, "/sessions/heartbeat", `{"id":"`+created.ID+`","replicas":-2}`).StatusCode)
	})
	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestRegistryExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	reg := NewRegistry(30*time.Second, nil)
	reg.now = func() time.Time { return now }

	stale := reg.Register(SessionInfo{Name: "b"})
	fresh := reg.Register(SessionInfo{Name: "a"})
	now = now.Add(20 * time.Second)
	require.True(t, reg.Heartbeat(fresh, Occupancy{Peers: 1}))

	now = now.Add(15 * time.Second)
	assert.Equal(t, 1, reg.expire())
	list := reg.List(Filter{})
	require.Len(t, list, 1)
	assert.Equal(t, fresh, list[0].ID)
	assert.False(t, reg.Heartbeat(stale, Occupancy{}))
}

func TestRegistryListOrder(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)
	reg.Register(SessionInfo{Name: "zeta"})
	reg.Register(SessionInfo{Name: "alpha"})
	list := reg.List(Filter{})
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[1].Name)
}

func TestSessionOpen(t *testing.T) {
	assert.True(t, SessionInfo{Peers: 5}.Open(), "no peer limit")
	assert.True(t, SessionInfo{Peers: 1, MaxPeers: 2}.Open())
	assert.False(t, SessionInfo{Peers: 2, MaxPeers: 2}.Open())
}
