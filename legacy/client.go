// Package legacy wraps the legacy platform's REST API for the synchronized
// entity kinds. Every mutating call is idempotent by target state: upserts are
// keyed by entity id and a 409 (already in desired state) is reported as
// ClassConflict, which callers treat as success.
package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hemlock-io/relay/event"
)

const maxErrorBodyBytes = 512

// TokenProvider supplies the bearer token used for sync-path calls.
// Nil provider means unauthenticated requests.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Options configures the legacy platform client
type Options struct {
	BaseURL        string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxIdleConns   int
	Tokens         TokenProvider
}

// Client is a thin HTTP client over the legacy platform REST API
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
}

// NewClient creates a legacy platform client with connection reuse and
// bounded connect/request timeouts.
func NewClient(opts Options) *Client {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 32
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: opts.BaseURL,
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		tokens: opts.Tokens,
	}
}

// UpsertEntity creates or replaces an entity. The id lives in the path, so
// calling twice with the same payload converges to the same platform state.
func (c *Client) UpsertEntity(ctx context.Context, kind event.Kind, id string, body map[string]interface{}) error {
	op := fmt.Sprintf("upsert %s/%s", kind, id)
	return c.do(ctx, op, http.MethodPut, c.entityPath(kind, id), body, nil)
}

// DeleteEntity removes an entity. A 404 means the entity is already gone,
// which is the desired state, so it is reported as ClassConflict.
func (c *Client) DeleteEntity(ctx context.Context, kind event.Kind, id string) error {
	op := fmt.Sprintf("delete %s/%s", kind, id)
	err := c.do(ctx, op, http.MethodDelete, c.entityPath(kind, id), nil, nil)
	if le, ok := err.(*Error); ok && le.Status == http.StatusNotFound {
		le.Class = ClassConflict
	}
	return err
}

// SetAssignment assigns an entity to a customer
func (c *Client) SetAssignment(ctx context.Context, kind event.Kind, id, customerID string) error {
	op := fmt.Sprintf("assign %s/%s -> %s", kind, id, customerID)
	path := fmt.Sprintf("/api/customer/%s/%s/%s", url.PathEscape(customerID), url.PathEscape(string(kind)), url.PathEscape(id))
	return c.do(ctx, op, http.MethodPost, path, nil, nil)
}

// ClearAssignment removes an entity's customer assignment. A 404 means there
// is no assignment to clear, reported as ClassConflict.
func (c *Client) ClearAssignment(ctx context.Context, kind event.Kind, id string) error {
	op := fmt.Sprintf("unassign %s/%s", kind, id)
	path := fmt.Sprintf("/api/customer/%s/%s", url.PathEscape(string(kind)), url.PathEscape(id))
	err := c.do(ctx, op, http.MethodDelete, path, nil, nil)
	if le, ok := err.(*Error); ok && le.Status == http.StatusNotFound {
		le.Class = ClassConflict
	}
	return err
}

// RotateCredentials replaces the entity's platform credentials
func (c *Client) RotateCredentials(ctx context.Context, kind event.Kind, id string, creds map[string]interface{}) error {
	op := fmt.Sprintf("rotate credentials %s/%s", kind, id)
	path := c.entityPath(kind, id) + "/credentials"
	return c.do(ctx, op, http.MethodPost, path, creds, nil)
}

// GetEntity fetches an entity's current platform representation
func (c *Client) GetEntity(ctx context.Context, kind event.Kind, id string) (map[string]interface{}, error) {
	op := fmt.Sprintf("get %s/%s", kind, id)
	var out map[string]interface{}
	if err := c.do(ctx, op, http.MethodGet, c.entityPath(kind, id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Forward sends a pre-built request to the legacy platform unmodified except
// for the target host. Used by the fallback path; the caller's body, headers
// and query are preserved byte for byte.
func (c *Client) Forward(r *http.Request, body []byte) (*http.Response, error) {
	target := c.baseURL + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Class: ClassPermanent, Op: "forward " + r.URL.Path, Err: err}
	}
	req.Header = r.Header.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Class: ClassTransient, Op: "forward " + r.URL.Path, Err: err}
	}
	return resp, nil
}

func (c *Client) entityPath(kind event.Kind, id string) string {
	return fmt.Sprintf("/api/%s/%s", url.PathEscape(string(kind)), url.PathEscape(id))
}

// do executes one request and classifies the outcome. A nil error means the
// platform accepted the operation; *Error carries the class otherwise.
func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &Error{Class: ClassPermanent, Op: op, Err: fmt.Errorf("failed to encode body: %w", err)}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Class: ClassPermanent, Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return &Error{Class: ClassTransient, Op: op, Err: fmt.Errorf("failed to obtain token: %w", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Class: ClassTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return &Error{Class: ClassTransient, Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
			}
		}
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &Error{
		Class:  classifyStatus(resp.StatusCode),
		Status: resp.StatusCode,
		Op:     op,
		Body:   string(snippet),
	}
}
