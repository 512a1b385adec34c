package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/objectql/sync/internal/common"
	"github.com/objectql/sync/internal/syncwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Push_SetsHeadersAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sync", r.URL.Path)
		assert.Equal(t, common.SyncProtocolVersion, r.Header.Get(common.SyncVersionHeader))
		assert.Equal(t, "Bearer tok", r.Header.Get(common.AuthorizationHeader))

		var req syncwire.PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c1", req.ClientID)

		json.NewEncoder(w).Encode(syncwire.PushResponse{
			Checkpoint: "next",
			Results: []syncwire.MutationResult{
				{MutationID: "m1", Status: syncwire.StatusApplied, NewVersion: 1},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", time.Second)
	resp, err := c.Push(context.Background(), &syncwire.PushRequest{ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "next", resp.Checkpoint)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, syncwire.StatusApplied, resp.Results[0].Status)
}

func TestHTTPClient_Push_ProtocolVersionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUpgradeRequired)
		json.NewEncoder(w).Encode(syncwire.ErrorResponse{Error: "unsupported sync protocol version"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.Push(context.Background(), &syncwire.PushRequest{ClientID: "c1"})
	require.ErrorIs(t, err, common.ErrProtocolVersion)
	assert.False(t, IsTransient(err), "protocol mismatch must not be retried")
}

func TestHTTPClient_Push_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(syncwire.ErrorResponse{Error: "unauthorized"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.Push(context.Background(), &syncwire.PushRequest{ClientID: "c1"})
	require.ErrorIs(t, err, common.ErrUnauthorized)
	assert.False(t, IsTransient(err))
}

func TestHTTPClient_Push_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	_, err := c.Push(context.Background(), &syncwire.PushRequest{ClientID: "c1"})
	require.Error(t, err)
	assert.True(t, IsTransient(err), "5xx must be retryable")
}

func TestHTTPClient_Push_ConnectionRefusedIsTransient(t *testing.T) {
	// Port from a server that is already closed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(url, "", time.Second)
	_, err := c.Push(context.Background(), &syncwire.PushRequest{ClientID: "c1"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestHTTPClient_Push_Cancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewHTTPClient(srv.URL, "", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Push(ctx, &syncwire.PushRequest{ClientID: "c1"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestHTTPClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/ping" {
			w.Write([]byte(`{"status":"ok"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	require.NoError(t, c.Ping(context.Background()))

	srv.Close()
	require.Error(t, c.Ping(context.Background()))
}
