// Package labelbox is a small GraphQL client for the labeling platform: it
// finds or creates ontologies, projects, datasets, models and model runs, and
// imports prediction NDJSON into model runs.
package labelbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when a lookup by id or name finds nothing
var ErrNotFound = errors.New("labelbox: not found")

// DefaultEndpoint is the public GraphQL endpoint
const DefaultEndpoint = "https://api.labelbox.com/graphql"

// Client sends GraphQL requests with an API key
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client

	// PollInterval is the wait between import status checks
	PollInterval time.Duration
	// MaxPolls bounds the number of status checks per import
	MaxPolls int
}

// NewClient creates a client. An empty endpoint uses DefaultEndpoint.
func NewClient(endpoint, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("labelbox: api key is required")
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint:     strings.TrimSuffix(endpoint, "/"),
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: 5 * time.Minute},
		PollInterval: 5 * time.Second,
		MaxPolls:     120,
	}, nil
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// GraphQLError carries the messages of a failed operation
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "labelbox: " + strings.Join(e.Messages, "; ")
}

// query runs a GraphQL operation and decodes its data into out
func (c *Client) query(ctx context.Context, q string, vars map[string]any, out any) error {
	payload, err := json.Marshal(gqlRequest{Query: q, Variables: vars})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("labelbox returned status %d: %s", resp.StatusCode, truncate(body, 300))
	}

	var gr gqlResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(gr.Errors) > 0 {
		ge := &GraphQLError{}
		for _, e := range gr.Errors {
			ge.Messages = append(ge.Messages, e.Message)
		}
		return ge
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
