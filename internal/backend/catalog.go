package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"
)

const (
	catalogMemoTTL    = 30 * time.Second
	catalogMaxRetries = 3
)

// ListTools returns the backend tool catalog. Results are memoized for a
// short window on top of the HTTP cache, so repeated tools/list requests
// from many sessions collapse into one backend read.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.Lock()
	if !c.toolsFetched.IsZero() && time.Since(c.toolsFetched) < catalogMemoTTL {
		tools := c.tools
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	var payload struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := c.getCatalog(ctx, "/tools", &payload); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tools = payload.Tools
	c.toolsFetched = time.Now()
	c.mu.Unlock()

	return payload.Tools, nil
}

// ListProjects returns the backend project catalog. The ACL evaluator calls
// this when auto-provisioning to confirm a project actually exists.
func (c *Client) ListProjects(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if !c.projectsFetched.IsZero() && time.Since(c.projectsFetched) < catalogMemoTTL {
		projects := c.projects
		c.mu.Unlock()
		return projects, nil
	}
	c.mu.Unlock()

	var payload struct {
		Projects []string `json:"projects"`
	}
	if err := c.getCatalog(ctx, "/projects", &payload); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.projects = payload.Projects
	c.projectsFetched = time.Now()
	c.mu.Unlock()

	return payload.Projects, nil
}

// getCatalog fetches a catalog endpoint, retrying transient failures with
// exponential backoff. 4xx responses are permanent and fail immediately.
func (c *Client) getCatalog(ctx context.Context, path string, out any) error {
	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		proof, err := c.gatewayProof("", "")
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set(HeaderGateway, proof)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("backend returned HTTP %d for %s", resp.StatusCode, path)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}

			log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("Backend catalog read failed, retrying")
			return nil, err
		}

		return data, nil
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(catalogMaxRetries),
	)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", path, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}

	return nil
}
