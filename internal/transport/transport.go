// Package transport is the client's abstraction over the wire calls
// to the sync server: a small interface the Push and Pull Services
// (internal/pushpull) depend on, backed by a net/http.Client
// implementation with a configurable request timeout. Keeping it as
// an interface lets tests swap in a fake server without opening a
// real socket.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nsfisis/kioku/internal/crdt"
	"github.com/nsfisis/kioku/internal/syncmanager"
)

// PushRequest is one push batch, ordered parent-first per
// model.PushOrder.
type PushRequest struct {
	Documents []crdt.Document `json:"documents"`
}

// PushResponse acknowledges a push batch: the syncVersion the server
// assigned each pushed document, in request order.
type PushResponse struct {
	SyncVersions []int64 `json:"syncVersions"`
}

// PullRequest asks for everything changed since Cursor.
type PullRequest struct {
	Cursor int64 `json:"cursor"`
	Limit  int   `json:"limit"`
}

// PullResponse is one page of server-side changes. SyncVersions runs
// parallel to Documents: SyncVersions[i] is the authoritative
// syncVersion of Documents[i], so a merged pull always lands a row
// stamped with the server's version rather than whatever it carried
// before (commonly 0, for a row not seen locally until now).
type PullResponse struct {
	Documents    []crdt.Document `json:"documents"`
	SyncVersions []int64         `json:"syncVersions"`
	NextCursor   int64           `json:"nextCursor"`
	HasMore      bool            `json:"hasMore"`
}

// Transport is what the Push/Pull Services need from the network.
type Transport interface {
	Push(ctx context.Context, req PushRequest) (PushResponse, error)
	Pull(ctx context.Context, req PullRequest) (PullResponse, error)
}

// HTTPTransport implements Transport over the sync server's
// /api/sync/push and /api/sync/pull endpoints.
type HTTPTransport struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
}

// NewHTTPTransport builds a transport with the given request timeout.
func NewHTTPTransport(baseURL, authToken string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:   baseURL,
		AuthToken: authToken,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (t *HTTPTransport) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	var resp PushResponse
	if err := t.doJSON(ctx, http.MethodPost, "/api/sync/push", req, &resp); err != nil {
		return PushResponse{}, fmt.Errorf("transport: push: %w", err)
	}
	return resp, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	query := url.Values{
		"cursor": {strconv.FormatInt(req.Cursor, 10)},
		"limit":  {strconv.Itoa(req.Limit)},
	}
	var resp PullResponse
	if err := t.do(ctx, http.MethodGet, "/api/sync/pull?"+query.Encode(), nil, &resp); err != nil {
		return PullResponse{}, fmt.Errorf("transport: pull: %w", err)
	}
	return resp, nil
}

func (t *HTTPTransport) doJSON(ctx context.Context, method, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return t.do(ctx, method, path, bytes.NewReader(buf), out)
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if t.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.AuthToken)
		// The server's placeholder identity middleware keys documents
		// by this header rather than a verified session (see
		// internal/httpapi); the client's auth token doubles as its
		// user id until real authentication exists.
		httpReq.Header.Set("X-User-Id", t.AuthToken)
	}

	resp, err := t.HTTPClient.Do(httpReq)
	if err != nil {
		return syncmanager.WrapOffline(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(msg))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
