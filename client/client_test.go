package client_test

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/transitlabs/sirihub/client"
	"github.com/transitlabs/sirihub/models"
)

func newTestClient(t *testing.T, srv *httptest.Server, secret string) *client.Client {
	t.Helper()
	c, err := client.NewClient(&client.Config{
		ConnectionType: client.ConnectionTypeDirect,
		Endpoints: []client.Endpoint{
			{HostPort: strings.TrimPrefix(srv.URL, "http://")},
		},
		InstanceSecret: secret,
		Timeout:        5 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return c
}

func TestClient_Validation(t *testing.T) {
	_, err := client.NewClient(&client.Config{})
	require.Error(t, err)

	_, err = client.NewClient(&client.Config{
		Endpoints: []client.Endpoint{{HostPort: ""}},
	})
	require.Error(t, err)
}

func TestClient_BearerToken(t *testing.T) {
	sum := sha256.Sum256([]byte("hub-secret"))
	wantToken := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer "+wantToken, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(client.Status{Node: "hub-0", Status: "ok"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "hub-secret")
	status, err := c.Status()
	require.NoError(t, err)
	require.Equal(t, "hub-0", status.Node)
	require.Equal(t, "ok", status.Status)
}

func TestClient_FollowsLeaderRedirect(t *testing.T) {
	var leaderBody models.SubscribeRequest

	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&leaderBody))
		json.NewEncoder(w).Encode(models.SubscribeResponse{
			Status:            true,
			SubscriptionID:    leaderBody.SubscriptionID,
			Category:          leaderBody.Category,
			HeartbeatInterval: models.Duration(30 * time.Second),
		})
	}))
	defer leader.Close()

	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, leader.URL+r.URL.Path, http.StatusTemporaryRedirect)
	}))
	defer follower.Close()

	c := newTestClient(t, follower, "")
	resp, err := c.Subscribe(models.SubscribeRequest{
		SubscriptionID:  "sub-1",
		Category:        models.CategoryVehicleMonitoring,
		ConsumerAddress: "http://consumer.example.org/push",
	})
	require.NoError(t, err)
	require.True(t, resp.Status)
	require.Equal(t, "sub-1", resp.SubscriptionID)

	// The body must survive the hop to the leader.
	require.Equal(t, "sub-1", leaderBody.SubscriptionID)
	require.Equal(t, models.CategoryVehicleMonitoring, leaderBody.Category)
}

func TestClient_RedirectLoop(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path, http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")
	_, err := c.Status()
	require.Error(t, err)
	require.Contains(t, err.Error(), "too many redirects")
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown category", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")
	_, err := c.Snapshot("XX", "", models.SubscriptionFilter{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 400")
}

func TestClient_IngestResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/ingest", r.URL.Path)
		require.Equal(t, "VM", r.URL.Query().Get("category"))
		require.Equal(t, "ds-east", r.URL.Query().Get("dataset"))
		json.NewEncoder(w).Encode(models.MergeResult{Accepted: 2, Ignored: 1})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, "")
	result, err := c.Ingest(models.CategoryVehicleMonitoring, "ds-east", []any{})
	require.NoError(t, err)
	require.Equal(t, 2, result.Accepted)
	require.Equal(t, 1, result.Ignored)
}
