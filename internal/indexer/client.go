// Package indexer is the HTTP client for the indexing collaborator that
// ingests structured run outputs.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"requiem/pkg/api"
)

// Indexer ingests one structured output file and reports how many records
// landed. The call is synchronous; the caller only deletes the file after a
// successful return.
type Indexer interface {
	Index(ctx context.Context, req api.IndexRequest) (*api.IndexResponse, error)
}

// Client talks to the indexing service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an indexer client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Index submits one file for ingestion and returns the service's counts.
// A non-2xx response is an error; the caller keeps the file in that case.
func (c *Client) Index(ctx context.Context, req api.IndexRequest) (*api.IndexResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal index request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/index", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create index request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("index request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("indexer returned status %d: %s", resp.StatusCode, snippet)
	}

	var out api.IndexResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode index response: %w", err)
	}

	return &out, nil
}
