package entities

import "fmt"

// ErrorDetail is the structured form of a host error, carried in the data
// field of RPC errors sent to the editor core.
// Types: "config", "sandbox", "persistence", "security", "timeout", "not_found", "internal"
type ErrorDetail struct {
	// Message is a human-readable error description.
	Message string `json:"message"`

	// Type categorizes the error.
	Type string `json:"type"`

	// Code narrows Type, e.g. the sandbox phase or the failed persistence operation.
	Code string `json:"code,omitempty"`

	IsTimeout  bool `json:"is_timeout,omitempty"`
	IsNotFound bool `json:"is_not_found,omitempty"`
}

// Error implements the error interface.
func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Type != "" && e.Type != "internal" {
		msg = fmt.Sprintf("%s: %s", e.Type, msg)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	return msg
}

// NewErrorDetail creates a new ErrorDetail with the given type and message.
func NewErrorDetail(errorType, message string) *ErrorDetail {
	return &ErrorDetail{
		Type:    errorType,
		Message: message,
	}
}
