// Package httpstore reaches the server's document RPC over HTTP.
package httpstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"collabtext/internal/store"
)

type Client struct {
	baseURL string
	http    *http.Client
}

var _ store.Store = (*Client)(nil)

// New creates a client for the server at baseURL, e.g. http://localhost:8081.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) documentURL(id string, suffix string) string {
	return c.baseURL + "/documents/" + url.PathEscape(id) + suffix
}

func (c *Client) GetDocument(ctx context.Context, id string) (*store.Document, error) {
	var doc store.Document
	if err := c.do(ctx, http.MethodGet, c.documentURL(id, ""), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) UpsertDocument(ctx context.Context, req store.UpsertRequest) (store.UpsertResult, error) {
	if err := req.Validate(); err != nil {
		return store.UpsertResult{}, err
	}
	var res store.UpsertResult
	if err := c.do(ctx, http.MethodPut, c.documentURL(req.DocumentID, ""), req, &res); err != nil {
		return store.UpsertResult{}, err
	}
	return res, nil
}

func (c *Client) ListSnapshots(ctx context.Context, id string) ([]store.Snapshot, error) {
	var snaps []store.Snapshot
	if err := c.do(ctx, http.MethodGet, c.documentURL(id, "/snapshots"), nil, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return store.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: %s", store.ErrInvalidRequest, strings.TrimSpace(string(msg)))
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
