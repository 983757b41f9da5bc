package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrUnknownAck is returned by Renew and Complete when the server no longer
// knows the lease: it never existed, it expired, or it was completed.
var ErrUnknownAck = errors.New("unknown ack")

// Client talks to a leaseq server over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new leaseq client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Message is a claimed message. Ack is the lease token for Renew and
// Complete.
type Message struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	VisibleAt time.Time       `json:"visible_at"`
	Ack       string          `json:"ack"`
	Done      bool            `json:"done"`
	Tries     int             `json:"tries"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Stats struct {
	Total    int64 `json:"total"`
	Size     int64 `json:"size"`
	InFlight int64 `json:"in_flight"`
	Done     int64 `json:"done"`
}

// EnqueueOptions for customizing message enqueue
type EnqueueOptions struct {
	Delay time.Duration // zero uses the queue's configured delay
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("leaseq: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Enqueue sends one message per body to a queue and returns their ids in
// order. Bodies are marshalled to JSON.
func (c *Client) Enqueue(ctx context.Context, queue string, bodies []any, opts *EnqueueOptions) ([]string, error) {
	if opts == nil {
		opts = &EnqueueOptions{}
	}

	payloads := make([]json.RawMessage, len(bodies))
	for i, b := range bodies {
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal body %d: %w", i, err)
		}
		payloads[i] = raw
	}

	req := map[string]any{"payloads": payloads}
	if opts.Delay > 0 {
		req["delay_ms"] = opts.Delay.Milliseconds()
	}

	var result struct {
		IDs []string `json:"ids"`
	}
	if _, err := c.do(ctx, http.MethodPost, queuePath(queue, "messages"), req, &result); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return result.IDs, nil
}

// EnqueueOne is Enqueue for a single body.
func (c *Client) EnqueueOne(ctx context.Context, queue string, body any, opts *EnqueueOptions) (string, error) {
	ids, err := c.Enqueue(ctx, queue, []any{body}, opts)
	if err != nil {
		return "", err
	}
	if len(ids) != 1 {
		return "", fmt.Errorf("enqueue: expected 1 id, got %d", len(ids))
	}
	return ids[0], nil
}

// Claim leases the oldest available message. It returns nil, nil when the
// queue has nothing to hand out. A zero visibility uses the queue default.
func (c *Client) Claim(ctx context.Context, queue string, visibility time.Duration) (*Message, error) {
	var msg Message
	status, err := c.do(ctx, http.MethodPost, queuePath(queue, "claim"), leaseBody(visibility), &msg)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &msg, nil
}

// Renew extends the lease held under ack and returns the message id.
func (c *Client) Renew(ctx context.Context, queue, ack string, visibility time.Duration) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	_, err := c.do(ctx, http.MethodPost, queuePath(queue, "leases", ack, "renew"), leaseBody(visibility), &result)
	if err != nil {
		return "", fmt.Errorf("renew: %w", leaseError(err))
	}
	return result.ID, nil
}

// Complete marks the message leased under ack as done and returns its id.
func (c *Client) Complete(ctx context.Context, queue, ack string) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	_, err := c.do(ctx, http.MethodPost, queuePath(queue, "leases", ack, "complete"), nil, &result)
	if err != nil {
		return "", fmt.Errorf("complete: %w", leaseError(err))
	}
	return result.ID, nil
}

// Reap deletes the queue's completed messages and returns how many went.
func (c *Client) Reap(ctx context.Context, queue string) (int64, error) {
	var result struct {
		DeletedCount int64 `json:"deleted_count"`
	}
	if _, err := c.do(ctx, http.MethodPost, queuePath(queue, "reap"), nil, &result); err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}
	return result.DeletedCount, nil
}

func (c *Client) Stats(ctx context.Context, queue string) (*Stats, error) {
	var s Stats
	if _, err := c.do(ctx, http.MethodGet, queuePath(queue, "stats"), nil, &s); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &s, nil
}

// do sends body as JSON and decodes a 2xx answer into out. It returns the
// status code so callers can tell 200 from 204.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(reqBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, err
	}
	if rd != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(bodyBytes))}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(bodyBytes, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		}
		return resp.StatusCode, apiErr
	}

	if resp.StatusCode == http.StatusNoContent || out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// leaseError turns a 404 on a lease endpoint into ErrUnknownAck.
func leaseError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrUnknownAck, apiErr.Message)
	}
	return err
}

func leaseBody(visibility time.Duration) any {
	if visibility <= 0 {
		return nil
	}
	return map[string]any{"visibility_ms": visibility.Milliseconds()}
}

func queuePath(queue string, parts ...string) string {
	p := "/v1/queues/" + url.PathEscape(queue)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}
