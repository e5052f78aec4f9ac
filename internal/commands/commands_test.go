package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/api"
	"parley/internal/config"
)

func newAdmin(t *testing.T) *config.Config {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/tokens", func(w http.ResponseWriter, r *http.Request) {
		var req api.TokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.UserID == "" {
			http.Error(w, `{"success":false}`, http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(api.TokenResponse{
			Token:     "tok-" + req.UserID,
			ExpiresAt: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
		})
	})
	mux.HandleFunc("POST /admin/evict", func(w http.ResponseWriter, r *http.Request) {
		var req api.EvictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(api.EvictResponse{UserID: req.UserID, Evicted: 2})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &config.Config{AdminAddr: strings.TrimPrefix(srv.URL, "http://")}
}

func TestIssueToken(t *testing.T) {
	cfg := newAdmin(t)

	var out bytes.Buffer
	require.NoError(t, IssueToken("alice", cfg, &out))
	assert.Contains(t, out.String(), "Token:    tok-alice")
	assert.Contains(t, out.String(), "2030-01-02 03:04:05 UTC")

	err := IssueToken("", cfg, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestEvict(t *testing.T) {
	cfg := newAdmin(t)

	var out bytes.Buffer
	require.NoError(t, Evict("bob", cfg, &out))
	assert.Equal(t, "Closed 2 connection(s) of bob\n", out.String())
}

func TestAdminUnreachable(t *testing.T) {
	cfg := &config.Config{AdminAddr: "127.0.0.1:1"}
	err := Evict("bob", cfg, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Is the server running?")
}
