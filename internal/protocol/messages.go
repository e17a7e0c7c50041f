// Package protocol defines the JSON bodies exchanged with relay clients and
// between relay instances. Requests are validated here so that handlers can
// reject malformed input before any session or upstream resource is touched.
package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// ---------------------------------------------------------------------------
// Acknowledgement status values
// ---------------------------------------------------------------------------

const (
	// StatusStreamingStarted is returned by POST /messages once the upstream
	// stream has been opened. Content arrives later on the SSE connection.
	StatusStreamingStarted = "streaming_started"

	// StatusOK is reported by the health endpoint.
	StatusOK = "ok"
)

// ---------------------------------------------------------------------------
// Shared structs
// ---------------------------------------------------------------------------

// Message is one entry of a chat completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Credentials identify the caller to the upstream provider. They are captured
// when the SSE stream opens and reused for every message of the session.
type Credentials struct {
	APIKey    string `json:"api_key"`
	ProjectID string `json:"project_id"`
	ToolID    string `json:"tool_id,omitempty"`
}

// Legacy credential parameter names, accepted wherever api_key and project_id
// are.
const (
	LegacyAPIKeyParam    = "browserbase_api_key"
	LegacyProjectIDParam = "browserbase_project_id"
)

// CredentialsFromQuery reads credentials from query parameters. The plain
// names win over the legacy ones when both are present.
func CredentialsFromQuery(q url.Values) Credentials {
	return Credentials{
		APIKey:    firstNonEmpty(q.Get("api_key"), q.Get(LegacyAPIKeyParam)),
		ProjectID: firstNonEmpty(q.Get("project_id"), q.Get(LegacyProjectIDParam)),
		ToolID:    q.Get("tool_id"),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// Client -> Server request bodies
// ---------------------------------------------------------------------------

// SubmitRequest is the body of POST /messages.
type SubmitRequest struct {
	SessionID string    `json:"session_id"`
	Messages  []Message `json:"messages"`
}

// ExecuteRequest is the body of POST /execute, a non-streamed completion.
type ExecuteRequest struct {
	APIKey    string    `json:"api_key"`
	ProjectID string    `json:"project_id"`
	ToolID    string    `json:"tool_id"`
	Messages  []Message `json:"messages"`
}

// UnmarshalJSON also accepts the legacy credential field names.
func (r *ExecuteRequest) UnmarshalJSON(data []byte) error {
	type plain ExecuteRequest
	var aux struct {
		plain
		LegacyAPIKey    string `json:"browserbase_api_key"`
		LegacyProjectID string `json:"browserbase_project_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ExecuteRequest(aux.plain)
	r.APIKey = firstNonEmpty(r.APIKey, aux.LegacyAPIKey)
	r.ProjectID = firstNonEmpty(r.ProjectID, aux.LegacyProjectID)
	return nil
}

// Credentials returns the upstream credentials carried by the request.
func (r ExecuteRequest) Credentials() Credentials {
	return Credentials{APIKey: r.APIKey, ProjectID: r.ProjectID, ToolID: r.ToolID}
}

// ---------------------------------------------------------------------------
// Server -> Client response bodies
// ---------------------------------------------------------------------------

// SubmitAck acknowledges an accepted POST /messages.
type SubmitAck struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

// ErrorBody is the JSON shape of every non-2xx response.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// HealthBody is returned by GET /health.
type HealthBody struct {
	Status   string `json:"status"`
	Server   string `json:"server"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}

// ---------------------------------------------------------------------------
// Instance -> Instance forwarding
// ---------------------------------------------------------------------------

// ForwardReply is the verdict an owning instance returns for a forwarded
// SubmitRequest. HTTPStatus is the status the receiving instance should
// answer its own caller with.
type ForwardReply struct {
	HTTPStatus int        `json:"http_status"`
	Ack        *SubmitAck `json:"ack,omitempty"`
	Error      *ErrorBody `json:"error,omitempty"`
}

// DecodeSubmitRequest parses and validates a POST /messages body.
func DecodeSubmitRequest(data []byte) (SubmitRequest, error) {
	var req SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, &ValidationError{Field: "body", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// DecodeExecuteRequest parses and validates a POST /execute body.
func DecodeExecuteRequest(data []byte) (ExecuteRequest, error) {
	var req ExecuteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, &ValidationError{Field: "body", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}
