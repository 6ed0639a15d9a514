// Package delivery is the wire-protocol adapter for the remote collection
// endpoint. It translates a batch into one HTTP request and the response
// into per-event outcomes. It never retries internally; all retry policy
// lives in the controller.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/classkit/beacon/pkg/log"
	"github.com/classkit/beacon/pkg/types"
)

// TransportError indicates the request never produced a usable server
// response: network unreachable, DNS failure, or timeout. Always recoverable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError indicates the server answered with a non-success status.
// Retryable is true for rate limits and 5xx.
type ServerError struct {
	StatusCode int
	Retryable  bool
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected batch: status %d", e.StatusCode)
}

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client sends batches to the collection endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	timeout    time.Duration
	httpClient HTTPClient
	logger     zerolog.Logger
}

// NewClient creates a delivery client. A nil httpClient falls back to a
// default client; timeout zero falls back to 30 seconds.
func NewClient(endpoint, apiKey string, timeout time.Duration, httpClient HTTPClient) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     log.WithComponent("delivery"),
	}
}

// Send delivers a batch and interprets the response. A transport failure is
// reported in Result.TransportErr; a non-retryable server rejection is
// returned as a *ServerError.
func (c *Client) Send(ctx context.Context, batch *types.SyncBatch, events []*types.Event) (*Result, error) {
	payload := BatchPayload{
		BatchID:        batch.ID,
		Kind:           string(batch.Kind),
		EventCount:     len(events),
		EstimatedBytes: batch.EstimatedBytes,
		Events:         make([]EventPayload, 0, len(events)),
	}
	for _, e := range events {
		payload.Events = append(payload.Events, eventPayload(e))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Context cancellation is the caller stopping us, not a network
		// condition; let the controller tell the two apart.
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		c.logger.Debug().Err(err).Str("batch_id", batch.ID).Msg("transport failure")
		return &Result{TransportErr: &TransportError{Err: err}}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Result{TransportErr: &TransportError{Err: err}}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ServerError{
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Body:       string(respBody),
		}
	}

	var parsed BatchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		// A 2xx with an unreadable body gives no per-event outcomes;
		// treat like a transient server fault.
		return nil, &ServerError{StatusCode: resp.StatusCode, Retryable: true, Body: "unparseable response"}
	}

	result := &Result{}
	for _, outcome := range parsed.Events {
		if outcome.Outcome == "accepted" {
			result.AcceptedIDs = append(result.AcceptedIDs, outcome.ID)
		} else {
			result.Rejected = append(result.Rejected, RejectedEvent{ID: outcome.ID, Reason: outcome.Reason})
		}
	}
	return result, nil
}

// retryableStatus reports whether an HTTP status is a transient server
// condition: rate limiting or any 5xx.
func retryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500
}
