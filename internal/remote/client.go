package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UpsertResult is the outcome of an upsert attempt. Success=false with a nil
// error is a retryable failure (server error, timeout, transport failure);
// the Detail string explains what happened.
type UpsertResult struct {
	Success bool
	Detail  string
}

// Client talks to a PostgREST-style remote store over HTTP. It is safe for
// concurrent use: the underlying http.Client pools connections and the token
// cache is mutex-guarded.
//
// Error contract: a typed error (*RateLimitError, *APIError) means the caller
// must not blindly retry the same request — 429 carries a backoff hint, other
// 4xx means the payload itself is rejected. A false UpsertResult with a nil
// error is transient; queue it and try again later.
type Client struct {
	baseURL   string
	secret    string
	jwtSecret string
	timeout   time.Duration
	http      *http.Client
	logger    *slog.Logger
	metrics   *Metrics

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithJWTSecret enables minting a short-lived HS256 service JWT for the
// Authorization header instead of sending the raw secret as bearer token.
func WithJWTSecret(secret string) Option {
	return func(c *Client) { c.jwtSecret = secret }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient replaces the underlying HTTP client; used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the store at baseURL authenticated with
// secret (sent in the apikey header on every request).
func NewClient(baseURL, secret string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		timeout: 30 * time.Second,
		logger:  logger,
		metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return c
}

// Metrics returns the client's metrics collector.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Upsert writes one record to table. onConflict names the unique column(s)
// PostgREST merges on; empty means plain insert semantics.
func (c *Client) Upsert(ctx context.Context, table string, record map[string]any, onConflict string) (UpsertResult, error) {
	c.metrics.Upserts.Add(1)
	res, err := c.write(ctx, table, record, onConflict)
	if err != nil || !res.Success {
		c.metrics.UpsertErrors.Add(1)
		return res, err
	}
	c.metrics.RecordsWritten.Add(1)
	return res, nil
}

// UpsertBatch writes records to table in one request. PostgREST applies the
// whole array atomically: either every record lands or none does.
func (c *Client) UpsertBatch(ctx context.Context, table string, records []map[string]any, onConflict string) (UpsertResult, error) {
	if len(records) == 0 {
		return UpsertResult{Success: true}, nil
	}
	c.metrics.BatchUpserts.Add(1)
	res, err := c.write(ctx, table, records, onConflict)
	if err != nil || !res.Success {
		c.metrics.BatchUpsertErrors.Add(1)
		return res, err
	}
	c.metrics.RecordsWritten.Add(int64(len(records)))
	return res, nil
}

// write performs the POST and classifies the response.
func (c *Client) write(ctx context.Context, table string, payload any, onConflict string) (UpsertResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return UpsertResult{Detail: "marshal: " + err.Error()},
			&APIError{Status: 0, Body: "unencodable payload: " + err.Error()}
	}

	endpoint := c.baseURL + "/rest/v1/" + table
	if onConflict != "" {
		endpoint += "?on_conflict=" + url.QueryEscape(onConflict)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return UpsertResult{Detail: err.Error()}, nil
	}
	c.setHeaders(req)
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.Reachable.Store(0)
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return UpsertResult{Detail: "timeout"}, nil
		}
		return UpsertResult{Detail: err.Error()}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.metrics.Reachable.Store(1)
		return UpsertResult{Success: true}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		c.metrics.RateLimited.Add(1)
		return UpsertResult{Detail: "rate limited"},
			&RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return UpsertResult{Detail: fmt.Sprintf("client error %d", resp.StatusCode)},
			&APIError{Status: resp.StatusCode, Body: readBody(resp.Body)}

	default:
		c.metrics.Reachable.Store(0)
		return UpsertResult{Detail: fmt.Sprintf("server %d", resp.StatusCode)}, nil
	}
}

// Select fetches rows from table filtered by the PostgREST query parameters.
func (c *Client) Select(ctx context.Context, table string, query url.Values) ([]map[string]any, error) {
	endpoint := c.baseURL + "/rest/v1/" + table
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: build select: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: select %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: readBody(resp.Body)}
	}

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("remote: decode select response: %w", err)
	}
	return rows, nil
}

// Delete removes rows from table matching the PostgREST query parameters.
// An empty query is rejected locally so a bug can never wipe a whole table.
func (c *Client) Delete(ctx context.Context, table string, query url.Values) error {
	if len(query) == 0 {
		return fmt.Errorf("remote: delete on %s requires a filter", table)
	}

	endpoint := c.baseURL + "/rest/v1/" + table + "?" + query.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("remote: build delete: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: delete %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: readBody(resp.Body)}
	}
	return nil
}

// HealthCheck probes the store's REST root. Any response, including 4xx,
// proves reachability; only transport failures and 5xx count as unhealthy.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.metrics.HealthChecks.Add(1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/v1/", nil)
	if err != nil {
		c.metrics.HealthCheckErrors.Add(1)
		return fmt.Errorf("remote: build health check: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.HealthCheckErrors.Add(1)
		c.metrics.Reachable.Store(0)
		return fmt.Errorf("remote: health check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		c.metrics.HealthCheckErrors.Add(1)
		c.metrics.Reachable.Store(0)
		return fmt.Errorf("remote: health check: server %d", resp.StatusCode)
	}

	c.metrics.Reachable.Store(1)
	return nil
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// setHeaders applies the auth and content headers common to every request.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.secret)
	req.Header.Set("Authorization", "Bearer "+c.bearerToken())
	req.Header.Set("Content-Type", "application/json")
}

// bearerToken returns the Authorization credential. With a JWT secret
// configured it mints an HS256 service token valid for one hour, re-minting
// once fewer than five minutes remain; otherwise the raw secret is used.
func (c *Client) bearerToken() string {
	if c.jwtSecret == "" {
		return c.secret
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Until(c.tokenExp) > 5*time.Minute {
		return c.token
	}

	now := time.Now()
	exp := now.Add(time.Hour)
	claims := jwt.MapClaims{
		"role": "service_role",
		"iss":  "gfx-sync-agent",
		"iat":  now.Unix(),
		"exp":  exp.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.jwtSecret))
	if err != nil {
		// Signing HS256 with a byte key cannot fail in practice; fall back
		// to the raw secret rather than sending nothing.
		c.logger.Error("jwt mint failed", slog.Any("error", err))
		return c.secret
	}

	c.token = signed
	c.tokenExp = exp
	return signed
}

// parseRetryAfter handles the delay-seconds form of the Retry-After header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// readBody drains up to 2 KiB of the response body for error reporting.
func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	return strings.TrimSpace(string(b))
}
