package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akorchagin/mailsift/internal/config"
	"github.com/akorchagin/mailsift/internal/resolver"
	"github.com/akorchagin/mailsift/internal/worker"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 0

	return New(cfg, nil, Deps{
		WorkerStats: func() worker.StatsSnapshot {
			return worker.StatsSnapshot{Connections: 7, Checks: 3, DNSBLHits: 1}
		},
		ResolverStats: func() resolver.StatsSnapshot {
			return resolver.StatsSnapshot{Queries: 12, Replies: 11, Timeouts: 1}
		},
		ServerStates: func() []resolver.ServerState {
			return []resolver.ServerState{{Name: "10.0.0.1", Alive: true}}
		},
	})
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStats(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	workerStats, ok := resp["worker"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, workerStats["connections"])
	assert.EqualValues(t, 1, workerStats["dnsbl_hits"])

	resolverStats, ok := resp["resolver"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 12, resolverStats["queries"])

	assert.Contains(t, resp, "uptime_seconds")
	assert.Contains(t, resp, "process")
}

func TestDNSServers(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dns/servers", nil)
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Nameservers []resolver.ServerState `json:"nameservers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Nameservers, 1)
	assert.Equal(t, "10.0.0.1", resp.Nameservers[0].Name)
	assert.True(t, resp.Nameservers[0].Alive)
}
