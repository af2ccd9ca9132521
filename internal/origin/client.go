package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

var (
	// ErrSegmentUnavailable means the origin answered but has no bytes for
	// that segment (yet). Callers retry later; it is not fatal.
	ErrSegmentUnavailable = errors.New("origin: segment unavailable")

	// ErrNoStatus means a status round produced zero information
	// (timeout, non-2xx, or garbage JSON).
	ErrNoStatus = errors.New("origin: no status information")
)

// Status is one answer from the origin's readiness endpoint.
type Status struct {
	Ready         []int `json:"ready"`
	TotalSegments int   `json:"totalSegments"` // 0 while the origin is still producing
}

// Client talks to the segment origin. All calls honor the passed context, so
// an abandoned download cancels its in-flight requests; the HTTP client's
// timeout bounds each individual request on top of that.
type Client struct {
	BaseURL   string
	HTTP      *http.Client
	UserAgent string
}

func (c *Client) get(ctx context.Context, rawURL string, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return c.HTTP.Do(req)
}

// Status asks which segments are ready. Any failure collapses into
// ErrNoStatus so the poll loop can treat the round as "nothing new" and
// count it against the consecutive-failure bound.
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	u := c.BaseURL + "/status?v=" + url.QueryEscape(id)
	resp, err := c.get(ctx, u, "")
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrNoStatus, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Status{}, fmt.Errorf("%w: status %d", ErrNoStatus, resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("%w: decode: %v", ErrNoStatus, err)
	}
	return st, nil
}

// FetchSegment streams one segment's bytes. The caller owns the body.
func (c *Client) FetchSegment(ctx context.Context, id string, n int) (io.ReadCloser, error) {
	u := c.BaseURL + "/stream?v=" + url.QueryEscape(id) + "&segment=" + strconv.Itoa(n)
	resp, err := c.get(ctx, u, "")
	if err != nil {
		return nil, fmt.Errorf("fetch segment %s/%d: %w", id, n, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("segment %s/%d: status %d: %w", id, n, resp.StatusCode, ErrSegmentUnavailable)
	}
	return resp.Body, nil
}

// OpenStream opens the origin's whole-asset endpoint for the direct-proxy
// fallback, forwarding the client's Range header verbatim.
func (c *Client) OpenStream(ctx context.Context, id string, rangeHeader string) (*http.Response, error) {
	resp, err := c.get(ctx, c.StreamURL(id), rangeHeader)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("origin stream %s: status %d", id, resp.StatusCode)
	}
	return resp, nil
}

// StreamURL is the origin's full-asset URL, used for the last-resort redirect.
func (c *Client) StreamURL(id string) string {
	return c.BaseURL + "/stream?v=" + url.QueryEscape(id)
}
