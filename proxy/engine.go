package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hemlock-io/relay/transform"
)

// EngineError is a structured rejection from the engine. 4xx responses are
// surfaced to the caller directly; everything else triggers fallback.
type EngineError struct {
	Status int
	Body   []byte
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine returned status %d", e.Status)
}

// EngineOptions configures the source engine write client
type EngineOptions struct {
	BaseURL  string
	Package  string
	Protocol string
	Timeout  time.Duration
}

// EngineClient executes write operations against the source engine
type EngineClient struct {
	opts   EngineOptions
	client *http.Client
}

func NewEngineClient(opts EngineOptions) *EngineClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &EngineClient{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Execute posts one engine operation. The caller's bearer header is carried
// through unchanged; the bridge never substitutes its own credentials on a
// caller-initiated write.
func (c *EngineClient) Execute(ctx context.Context, w transform.EngineWrite, authorization string) (map[string]interface{}, error) {
	encoded, err := json.Marshal(w.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode engine payload: %w", err)
	}

	target := fmt.Sprintf("%s/%s/%s/%s/%s",
		c.opts.BaseURL,
		url.PathEscape(c.opts.Package),
		url.PathEscape(c.opts.Protocol),
		url.PathEscape(w.InstanceID),
		url.PathEscape(w.Operation),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, &EngineError{Status: resp.StatusCode, Body: body}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("engine returned status %d", resp.StatusCode)
	}

	var entity map[string]interface{}
	if err := json.Unmarshal(body, &entity); err != nil {
		return nil, fmt.Errorf("failed to decode engine response: %w", err)
	}

	return entity, nil
}
