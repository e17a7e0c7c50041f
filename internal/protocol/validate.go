package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxSessionIDBytes = 256
	MaxMessages       = 256
	MaxContentBytes   = 64 * 1024
)

// ErrValidation is matched by every *ValidationError via errors.Is.
var ErrValidation = errors.New("protocol: validation failed")

// ValidationError reports a missing or malformed request parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets callers match any validation failure with errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Missing builds the error returned when required parameters are absent.
func Missing(fields ...string) *ValidationError {
	return &ValidationError{Field: strings.Join(fields, ", "), Reason: "required parameter missing"}
}

// ValidateSessionID checks a client supplied session identifier.
func ValidateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return Missing("session_id")
	}
	if len(id) > MaxSessionIDBytes {
		return &ValidationError{Field: "session_id", Reason: fmt.Sprintf("exceeds %d bytes", MaxSessionIDBytes)}
	}
	if !utf8.ValidString(id) {
		return &ValidationError{Field: "session_id", Reason: "contains invalid UTF-8"}
	}
	return nil
}

// Validate checks that the credentials needed to reach the upstream are present.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.APIKey) == "" {
		missing = append(missing, "api_key")
	}
	if strings.TrimSpace(c.ProjectID) == "" {
		missing = append(missing, "project_id")
	}
	if len(missing) > 0 {
		return Missing(missing...)
	}
	return nil
}

// ValidateMessages checks a conversation before it is sent upstream.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return Missing("messages")
	}
	if len(msgs) > MaxMessages {
		return &ValidationError{Field: "messages", Reason: fmt.Sprintf("more than %d entries", MaxMessages)}
	}
	for i, m := range msgs {
		if strings.TrimSpace(m.Role) == "" {
			return &ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Reason: "required parameter missing"}
		}
		if len(m.Content) > MaxContentBytes {
			return &ValidationError{Field: fmt.Sprintf("messages[%d].content", i), Reason: fmt.Sprintf("exceeds %d bytes", MaxContentBytes)}
		}
		if !utf8.ValidString(m.Content) {
			return &ValidationError{Field: fmt.Sprintf("messages[%d].content", i), Reason: "contains invalid UTF-8"}
		}
	}
	return nil
}

// Validate checks a POST /messages body.
func (r SubmitRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.SessionID) == "" {
		missing = append(missing, "session_id")
	}
	if len(r.Messages) == 0 {
		missing = append(missing, "messages")
	}
	if len(missing) > 0 {
		return Missing(missing...)
	}
	if err := ValidateSessionID(r.SessionID); err != nil {
		return err
	}
	return ValidateMessages(r.Messages)
}

// Validate checks a POST /execute body.
func (r ExecuteRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.APIKey) == "" {
		missing = append(missing, "api_key")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		missing = append(missing, "project_id")
	}
	if strings.TrimSpace(r.ToolID) == "" {
		missing = append(missing, "tool_id")
	}
	if len(r.Messages) == 0 {
		missing = append(missing, "messages")
	}
	if len(missing) > 0 {
		return Missing(missing...)
	}
	return ValidateMessages(r.Messages)
}
