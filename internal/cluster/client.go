// =============================================================================
// REPLICATION CLIENT - HTTP CLIENT FOR FOLLOWER FETCHES
// =============================================================================
//
// WHAT: The HTTP/JSON client follower fetch loops use to pull records from
// partition leaders.
//
// =============================================================================

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ReplicationClient makes replication requests to peer brokers.
type ReplicationClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewReplicationClient creates a client with the given request timeout.
func NewReplicationClient(timeout time.Duration, logger *slog.Logger) *ReplicationClient {
	return &ReplicationClient{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "replication-client"),
	}
}

// Fetch posts a fetch request to the leader at addr.
func (c *ReplicationClient) Fetch(ctx context.Context, addr string, req *FetchRequest) (*FetchResponse, error) {
	var resp FetchResponse
	if err := c.postJSON(ctx, addr, "/replication/fetch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// postJSON sends body as JSON and decodes the response into out.
func (c *ReplicationClient) postJSON(ctx context.Context, addr, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	url := fmt.Sprintf("http://%s%s", addr, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 256))
		return fmt.Errorf("%s returned %d: %s", url, httpResp.StatusCode, snippet)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
