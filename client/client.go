// Package client is the Go SDK for a running bibd server. It speaks the
// JSON API on the server's loopback port and mirrors the library operations
// one to one.
//
// The client never retries a request and never falls back to opening the
// library file itself. A mutation that failed in transit may or may not
// have been applied; deciding whether to resend is the caller's call, not
// the adapter's.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/bibd/api"
	"pkt.systems/bibd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultRequestTimeout bounds a single API request when the caller's
// context carries no deadline.
const DefaultRequestTimeout = 30 * time.Second

// Client talks to one bibd server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  pslog.Logger
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger supplies a logger for request tracing.
func WithLogger(l pslog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRequestTimeout changes the per-request deadline applied when the
// caller's context has none.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New returns a Client for the server at baseURL
// (e.g. "http://127.0.0.1:49172").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  pslog.NoopLogger(),
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = svcfields.WithSubsystem(c.logger, "client")
	return c
}

// BaseURL returns the server endpoint this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError describes an error response from bibd.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded bibd error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("bibd: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("bibd: status %d", e.Status)
}

// Code returns the stable bibd error identifier, or "" when the server
// sent no envelope.
func (e *APIError) Code() string {
	if e == nil {
		return ""
	}
	return e.Response.ErrorCode
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	c.logger.Trace("post", "path", path)
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	reqCtx := ctx
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("transport error", "path", path, "error", err)
		return fmt.Errorf("bibd: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("bibd: decode %s response: %w", path, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	reqCtx := ctx
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bibd: get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("bibd: decode %s response: %w", path, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			// leave errResp empty, but keep body for diagnostics
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	return &APIError{Status: resp.StatusCode, Response: errResp, Body: data}
}

// Get fetches the record named by citekey or UUID.
func (c *Client) Get(ctx context.Context, key string) (*api.Record, error) {
	var rec api.Record
	if err := c.postJSON(ctx, "/v1/get", api.GetRequest{Key: key}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List fetches one page of records in citekey order plus the total count.
func (c *Client) List(ctx context.Context, limit, offset int) ([]api.Record, int, error) {
	var resp api.ListResponse
	if err := c.postJSON(ctx, "/v1/list", api.ListRequest{Limit: limit, Offset: offset}, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Records, resp.Total, nil
}

// Search runs a query and returns one page of matches plus the total match
// count.
func (c *Client) Search(ctx context.Context, query string, limit, offset int) ([]api.Record, int, error) {
	var resp api.SearchResponse
	if err := c.postJSON(ctx, "/v1/search", api.SearchRequest{Query: query, Limit: limit, Offset: offset}, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Records, resp.Total, nil
}

// Add inserts a record and returns it with server-assigned fields filled
// in.
func (c *Client) Add(ctx context.Context, rec api.Record) (*api.Record, error) {
	var out api.Record
	if err := c.postJSON(ctx, "/v1/add", api.AddRequest{Record: rec}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update applies a partial update and returns the updated record.
func (c *Client) Update(ctx context.Context, key string, patch api.RecordPatch) (*api.Record, error) {
	var out api.Record
	if err := c.postJSON(ctx, "/v1/update", api.UpdateRequest{Key: key, Patch: patch}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Remove deletes the record named by key.
func (c *Client) Remove(ctx context.Context, key string) error {
	return c.postJSON(ctx, "/v1/remove", api.RemoveRequest{Key: key}, nil)
}

// Save asks the server to persist the library now. The server already
// persists every mutation before acknowledging it, so Save only matters
// as the recovery path after a reported persistence failure.
func (c *Client) Save(ctx context.Context) error {
	return c.postJSON(ctx, "/v1/save", struct{}{}, nil)
}

// Cite renders citations for the named records in request order.
func (c *Client) Cite(ctx context.Context, keys []string, style string) ([]api.Citation, error) {
	var resp api.CiteResponse
	if err := c.postJSON(ctx, "/v1/cite", api.CiteRequest{Keys: keys, Style: style}, &resp); err != nil {
		return nil, err
	}
	return resp.Citations, nil
}

// FormattedList renders one line per record; an empty key list formats the
// whole library.
func (c *Client) FormattedList(ctx context.Context, keys []string, style string) ([]string, error) {
	var resp api.FormatResponse
	if err := c.postJSON(ctx, "/v1/format", api.FormatRequest{Keys: keys, Style: style}, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// Attach associates a file on the server's host with a record.
func (c *Client) Attach(ctx context.Context, key, path, name string) (*api.Attachment, error) {
	var out api.Attachment
	if err := c.postJSON(ctx, "/v1/attach", api.AttachRequest{Key: key, Path: path, Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Detach removes an attachment from a record.
func (c *Client) Detach(ctx context.Context, key, attachmentID string) error {
	return c.postJSON(ctx, "/v1/detach", api.DetachRequest{Key: key, AttachmentID: attachmentID}, nil)
}

// Status fetches the server's status report.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var st api.StatusResponse
	if err := c.getJSON(ctx, "/v1/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Healthy reports whether the server answers its liveness probe.
func (c *Client) Healthy(ctx context.Context) bool {
	err := c.getJSON(ctx, "/healthz", nil)
	return err == nil
}
