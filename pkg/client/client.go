package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/sequoia/pkg/api"
	"github.com/cuemby/sequoia/pkg/history"
	"github.com/cuemby/sequoia/pkg/types"
)

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a sequoia server over HTTP
type Client struct {
	base string
	http *http.Client
	// stream has no overall timeout; event streams stay open
	stream *http.Client
}

// NewClient creates a client for addr. A bare host:port is treated as http.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base:   strings.TrimRight(addr, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		stream: &http.Client{},
	}
}

// LiveState fetches the current live snapshot
func (c *Client) LiveState(ctx context.Context) (types.Snapshot, error) {
	var snap types.Snapshot
	err := c.getJSON(ctx, "/api/live/state", nil, &snap)
	return snap, err
}

// EventsPage fetches one cursor page of the log
func (c *Client) EventsPage(ctx context.Context, after uint64, limit int) (history.Page, error) {
	q := url.Values{}
	q.Set("after_seq", strconv.FormatUint(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page history.Page
	err := c.getJSON(ctx, "/api/history/events", q, &page)
	return page, err
}

// EventsAfter returns up to limit events with a sequence above after
func (c *Client) EventsAfter(ctx context.Context, after uint64, limit int) ([]types.OwnershipEvent, error) {
	page, err := c.EventsPage(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	return page.Events, nil
}

// Bounds fetches the persisted range of the log
func (c *Client) Bounds(ctx context.Context) (types.Bounds, error) {
	var b types.Bounds
	err := c.getJSON(ctx, "/api/history/bounds", nil, &b)
	return b, err
}

// StateAt reconstructs ownership at a time or a sequence
func (c *Client) StateAt(ctx context.Context, q history.StateQuery) (api.StateResponse, error) {
	v := url.Values{}
	if q.At != nil {
		v.Set("t", q.At.UTC().Format(time.RFC3339))
	}
	if q.Sequence != nil {
		v.Set("seq", strconv.FormatUint(*q.Sequence, 10))
	}
	var out api.StateResponse
	err := c.getJSON(ctx, "/api/history/at", v, &out)
	return out, err
}

// Health fetches the process summary
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.getJSON(ctx, "/api/health", nil, &out)
	return out, err
}

func (c *Client) newRequest(ctx context.Context, path string, q url.Values) (*http.Request, error) {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	req, err := c.newRequest(ctx, path, q)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
