// Package upstream talks to the streaming chat completions provider. A Client
// opens one HTTP request per submitted message and exposes the response body
// as a pull-based sequence of line-aligned chunks.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/sserelay/relay/internal/protocol"
)

var (
	// ErrOpen wraps every failure to establish a stream.
	ErrOpen = errors.New("upstream: open failed")

	// ErrStream wraps transport failures after the stream was established.
	ErrStream = errors.New("upstream: stream failed")

	// ErrRequest wraps failures of the non-streamed calls.
	ErrRequest = errors.New("upstream: request failed")
)

const maxErrorBody = 4096

// StatusError reports a non-2xx response from the provider.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, e.Detail())
}

// Detail extracts the provider's error message from the response body,
// falling back to the raw body.
func (e *StatusError) Detail() string {
	if gjson.ValidBytes(e.Body) {
		for _, path := range []string{"error.message", "error", "message", "detail"} {
			if res := gjson.GetBytes(e.Body, path); res.Type == gjson.String && res.Str != "" {
				return res.Str
			}
		}
	}
	detail := strings.TrimSpace(string(e.Body))
	if detail == "" {
		return http.StatusText(e.StatusCode)
	}
	return detail
}

// Client issues requests to the completions provider.
type Client struct {
	opts       options
	httpClient *http.Client
}

// New creates a Client.
func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{opts: o, httpClient: hc}
}

// Open starts a streamed completion for messages. The returned Stream must be
// closed by the caller; cancelling ctx aborts the underlying request.
func (c *Client) Open(ctx context.Context, creds protocol.Credentials, messages []protocol.Message) (*Stream, error) {
	payload, err := buildPayload(creds, messages, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(ctx, http.MethodPost, "/chat/completions", creds.APIKey, payload)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := readStatusError(resp)
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrOpen, serr)
	}

	return newStream(resp.Body, cancel), nil
}

// Complete runs a non-streamed completion and returns the provider's JSON
// response untouched.
func (c *Client) Complete(ctx context.Context, creds protocol.Credentials, messages []protocol.Message) (json.RawMessage, error) {
	payload, err := buildPayload(creds, messages, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	return c.doJSON(ctx, http.MethodPost, "/chat/completions", creds.APIKey, payload)
}

// ListTools returns the provider's tool catalogue for a project.
func (c *Client) ListTools(ctx context.Context, creds protocol.Credentials) (json.RawMessage, error) {
	path := "/projects/" + url.PathEscape(creds.ProjectID) + "/tools"
	return c.doJSON(ctx, http.MethodGet, path, creds.APIKey, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path, apiKey string, payload []byte) (json.RawMessage, error) {
	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	req, err := c.newRequest(ctx, method, path, apiKey, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %w", ErrRequest, readStatusError(resp))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrRequest, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: response is not JSON", ErrRequest)
	}
	return json.RawMessage(data), nil
}

func (c *Client) newRequest(ctx context.Context, method, path, apiKey string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.opts.baseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range c.opts.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// buildPayload shapes the provider request body.
func buildPayload(creds protocol.Credentials, messages []protocol.Message, stream bool) ([]byte, error) {
	msgs, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}

	body := []byte(`{}`)
	if body, err = sjson.SetBytes(body, "project_id", creds.ProjectID); err != nil {
		return nil, err
	}
	if creds.ToolID != "" {
		if body, err = sjson.SetBytes(body, "tool_id", creds.ToolID); err != nil {
			return nil, err
		}
	}
	if body, err = sjson.SetRawBytes(body, "messages", msgs); err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "stream", stream); err != nil {
		return nil, err
	}
	return body, nil
}

func readStatusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: data}
}
