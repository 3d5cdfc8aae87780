package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hemlock-io/relay/transform"
)

// QueryOptions configures the query service client
type QueryOptions struct {
	BaseURL string
	Timeout time.Duration
}

// QueryClient executes structured queries against the read-side projection
// service.
type QueryClient struct {
	opts   QueryOptions
	client *http.Client
}

func NewQueryClient(opts QueryOptions) *QueryClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	return &QueryClient{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Query posts one structured query and returns the raw edge/node result
func (c *QueryClient) Query(ctx context.Context, q transform.QueryRequest) (map[string]interface{}, error) {
	encoded, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/v1/query", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query service returned status %d", resp.StatusCode)
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}

	return out, nil
}
