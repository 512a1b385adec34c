// Package transport implements the client side of the sync wire protocol
// over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/objectql/sync/internal/common"
	"github.com/objectql/sync/internal/syncwire"
)

// Pusher is the network boundary the sync engine depends on.
type Pusher interface {
	// Push submits a batch and returns the server's response. The only
	// point in a sync cycle that blocks on network I/O; it honors ctx
	// cancellation.
	Push(ctx context.Context, req *syncwire.PushRequest) (*syncwire.PushResponse, error)

	// Ping probes server reachability.
	Ping(ctx context.Context) error
}

// HTTPClient talks to a sync server at BaseURL.
type HTTPClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewHTTPClient builds a client with the given per-request timeout. The
// timeout aborts an in-flight push as if the network had failed.
func NewHTTPClient(baseURL, authToken string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Push(ctx context.Context, req *syncwire.PushRequest) (*syncwire.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sync", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(common.SyncVersionHeader, common.SyncProtocolVersion)
	if c.authToken != "" {
		httpReq.Header.Set(common.AuthorizationHeader, "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("push failed: %v: %w", err, errTransient)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUpgradeRequired:
		return nil, fmt.Errorf("%w: %s", common.ErrProtocolVersion, readError(resp.Body))
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", common.ErrUnauthorized, readError(resp.Body))
	case http.StatusBadRequest:
		return nil, fmt.Errorf("push rejected: %s", readError(resp.Body))
	default:
		// 5xx and anything unexpected is treated as transient.
		return nil, fmt.Errorf("push failed: %s: %w", resp.Status, errTransient)
	}

	var out syncwire.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return &out, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/ping", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping failed: %s", resp.Status)
	}
	return nil
}

func readError(r io.Reader) string {
	var e syncwire.ErrorResponse
	if err := json.NewDecoder(r).Decode(&e); err != nil || e.Error == "" {
		return "unknown error"
	}
	return e.Error
}

var errTransient = errors.New("transient failure")

// IsTransient classifies an error as retryable: network failures, timeouts
// and server 5xx responses. Protocol, auth and request-shape errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}
	return false
}
