// Package hostapi is the HTTP client for the dashboard's plugin assets and
// state snapshots.
package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/markus-barta/wipboard/internal/widget"
)

// ErrStatus is wrapped by errors for non-2xx responses.
var ErrStatus = errors.New("unexpected HTTP status")

// Client fetches widget assets and snapshots from the dashboard.
type Client struct {
	baseURL string
	token   string
	plugin  string
	http    *http.Client
}

// New creates a client for the dashboard at baseURL. A zero timeout means
// requests wait as long as their context allows.
func New(baseURL, token, plugin string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		plugin:  plugin,
		http:    &http.Client{Timeout: timeout},
	}
}

// Template fetches the widget template text.
func (c *Client) Template(ctx context.Context) (string, error) {
	return c.getText(ctx, fmt.Sprintf("/plugins/%s/wip-widget.html", c.plugin))
}

// Style fetches the widget stylesheet.
func (c *Client) Style(ctx context.Context) (string, error) {
	return c.getText(ctx, fmt.Sprintf("/plugins/%s/wip-widget.css", c.plugin))
}

// Snapshot fetches the stored result states for project, newest first.
func (c *Client) Snapshot(ctx context.Context, project string) ([]widget.Record, error) {
	path := fmt.Sprintf("/api/projects/%s/plugins/%s/states?key=%s",
		url.PathEscape(project), url.PathEscape(c.plugin), url.QueryEscape(widget.ResultKey))

	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	var records []widget.Record
	if err := json.NewDecoder(body).Decode(&records); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	return records, nil
}

// Health checks that the dashboard is reachable and returns the round-trip
// latency.
func (c *Client) Health(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	body, err := c.get(ctx, "/health")
	if err != nil {
		return 0, err
	}
	_ = body.Close()
	return time.Since(start), nil
}

func (c *Client) getText(ctx context.Context, path string) (string, error) {
	body, err := c.get(ctx, path)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", path)
	}
	return string(data), nil
}

func (c *Client) get(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request %s", path)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, errors.Wrapf(ErrStatus, "GET %s: %d", path, resp.StatusCode)
	}
	return resp.Body, nil
}
