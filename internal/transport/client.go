// Package transport provides the authenticated HTTP client the sync engine
// uses to reach the remote API.
//
// Every outbound request gets the current bearer token attached when one is
// available. A 401 response triggers exactly one token refresh followed by
// exactly one retry of the original request; a second 401 surfaces as an
// auth error. Retrying more than once per request is forbidden to prevent
// refresh loops.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Sykios/JobManager-sub002/internal/syncerr"
)

// DefaultTimeout bounds every network call the client makes.
const DefaultTimeout = 30 * time.Second

// CloudRecord is one record in a pull response. A non-nil DeletedAt marks
// a tombstone: the mapped local row must be removed.
type CloudRecord struct {
	ID        string          `json:"id"`
	LocalID   int64           `json:"local_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// PushRequest is the body shape for create/update/delete pushes.
type PushRequest struct {
	LocalID   int64           `json:"local_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Operation string          `json:"operation"`
	Timestamp time.Time       `json:"timestamp"`
}

// PushResponse carries the remote identifier assigned to a pushed record.
type PushResponse struct {
	ID string `json:"id"`
}

// Config holds client configuration.
type Config struct {
	// Timeout bounds each request including the refresh retry (default 30s).
	Timeout time.Duration

	// Logger for transport activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout: DefaultTimeout,
		Logger:  log.New(os.Stderr, "[transport] ", log.LstdFlags),
	}
}

// Client is the authenticated REST client for the remote sync API.
type Client struct {
	baseURL string
	auth    AuthProvider
	http    *http.Client
	logger  *log.Logger
}

// New creates a client for the API at baseURL.
func New(baseURL string, auth AuthProvider, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		http:    &http.Client{Timeout: config.Timeout},
		logger:  config.Logger,
	}
}

// Auth returns the provider the client authenticates with.
func (c *Client) Auth() AuthProvider {
	return c.auth
}

// Health probes the remote API. Any failure, including a non-2xx status,
// is a connection-level error.
func (c *Client) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, nil); err != nil {
		if syncerr.IsKind(err, syncerr.KindConnection) {
			return err
		}
		return syncerr.Connection("health probe", err)
	}
	return nil
}

// Create pushes a new record and returns the remote identifier.
func (c *Client) Create(ctx context.Context, table string, req PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.do(ctx, http.MethodPost, "/"+table, nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Update pushes a changed record. id is the remote identifier when the row
// is already mapped, otherwise the local id (the body carries local_id so
// the remote can resolve either).
func (c *Client) Update(ctx context.Context, table, id string, req PushRequest) error {
	return c.do(ctx, http.MethodPut, "/"+table+"/"+url.PathEscape(id), nil, req, nil)
}

// Delete removes a record remotely.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	return c.do(ctx, http.MethodDelete, "/"+table+"/"+url.PathEscape(id), nil, nil, nil)
}

// Pull fetches records changed since the given timestamp.
func (c *Client) Pull(ctx context.Context, table string, since time.Time) ([]CloudRecord, error) {
	query := url.Values{}
	query.Set("since", since.UTC().Format(time.RFC3339))

	var records []CloudRecord
	if err := c.do(ctx, http.MethodGet, "/"+table, query, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// do issues one request with bearer injection and the one-shot
// refresh-on-401 policy, then decodes a 2xx body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := fmt.Sprintf("%s %s", method, path)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return syncerr.Validation(op, fmt.Errorf("failed to encode request body: %w", err))
		}
	}

	token, _ := c.auth.AccessToken(ctx)

	resp, err := c.attempt(ctx, method, path, query, payload, token)
	if err != nil {
		return syncerr.Connection(op, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)

		session, refreshErr := c.auth.RefreshSession(ctx)
		if refreshErr != nil || session == nil {
			return syncerr.Auth(op, fmt.Errorf("token refresh failed: %w", nonNil(refreshErr)))
		}
		c.logger.Printf("Refreshed session after 401, retrying %s", op)

		resp, err = c.attempt(ctx, method, path, query, payload, session.AccessToken)
		if err != nil {
			return syncerr.Connection(op, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return syncerr.Auth(op, fmt.Errorf("request rejected again after refresh"))
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return syncerr.Transport(op, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(b))))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return syncerr.Validation(op, fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}

// attempt sends a single request. The body is rebuilt per attempt so the
// refresh retry can replay it.
func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, payload []byte, token string) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.http.Do(req)
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// nonNil substitutes a placeholder for nil errors in wrap sites.
func nonNil(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("no session returned")
}
