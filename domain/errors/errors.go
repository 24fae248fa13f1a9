// Package errors provides domain-specific error types for the plugin host.
// All error types support error unwrapping via errors.As() and errors.Is().
package errors

import (
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/wasmproxy/wasmproxy/domain/entities"
)

// ErrorDetail is an alias to entities.ErrorDetail for convenience.
type ErrorDetail = entities.ErrorDetail

var (
	// ErrPluginNotFound is returned when a plugin name or id is not known to the catalog.
	ErrPluginNotFound = stdErrors.New("plugin not found")

	// ErrSandboxStopped is returned when a control message is sent to a stopped sandbox.
	ErrSandboxStopped = stdErrors.New("sandbox stopped")

	// ErrNoArtifact is returned when a descriptor names no bytecode artifact.
	ErrNoArtifact = stdErrors.New("no wasm artifact in plugin descriptor")

	// ErrNoLanguageServer is returned when no language server is attached for a language.
	ErrNoLanguageServer = stdErrors.New("no language server attached")

	// ErrBrokerClosed is returned when a message is queued on a closed broker.
	ErrBrokerClosed = stdErrors.New("broker closed")
)

// DetailedError is an interface for custom error types that can convert themselves
// to a structured ErrorDetail.
type DetailedError interface {
	error
	ToErrorDetail() *entities.ErrorDetail
}

// ToErrorDetail converts a Go error to our structured ErrorDetail.
func ToErrorDetail(err error) *entities.ErrorDetail {
	if err == nil {
		return nil
	}

	var e *entities.ErrorDetail
	if stdErrors.As(err, &e) {
		return e
	}

	var de DetailedError
	if stdErrors.As(err, &de) {
		return de.ToErrorDetail()
	}

	detail := &entities.ErrorDetail{
		Message: err.Error(),
		Type:    "internal",
	}
	if stdErrors.Is(err, ErrPluginNotFound) {
		detail.Type = "not_found"
		detail.IsNotFound = true
	}
	return detail
}

// ToRPCError classifies err for delivery to a request continuation.
func ToRPCError(err error) *entities.RPCError {
	if err == nil {
		return nil
	}
	var rpcErr *entities.RPCError
	if stdErrors.As(err, &rpcErr) {
		return rpcErr
	}
	code := entities.CodeInternalError
	switch {
	case stdErrors.Is(err, ErrNoLanguageServer):
		code = entities.CodeServerNotReady
	case stdErrors.Is(err, ErrPluginNotFound):
		code = entities.CodeInvalidRequest
	}
	return &entities.RPCError{Code: code, Message: err.Error()}
}

// DescriptorError represents a descriptor that could not be parsed or whose artifact is missing.
type DescriptorError struct {
	Err  error
	Path string
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("invalid plugin descriptor %s: %v", e.Path, e.Err)
}

func (e *DescriptorError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *DescriptorError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "config", Code: "descriptor"}
}

// SandboxError represents a failure while compiling, instantiating or calling into a sandbox.
type SandboxError struct {
	Err    error
	Plugin string
	Phase  string // "compile", "instantiate", "initialize", "stop"
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("plugin %s: %s failed: %v", e.Plugin, e.Phase, e.Err)
}

func (e *SandboxError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *SandboxError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "sandbox", Code: e.Phase}
}

// PersistenceError represents a failed write or delete of plugin state on disk.
type PersistenceError struct {
	Err  error
	Op   string
	Path string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *PersistenceError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "persistence", Code: e.Op}
}

// SecurityError represents a request refused because it would escape a confinement boundary.
type SecurityError struct {
	Reason string
	Value  string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("refused %q: %s", e.Value, e.Reason)
}

// ToErrorDetail implements DetailedError.
func (e *SecurityError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "security", Code: e.Reason}
}

// TimeoutError represents a timeout during an operation.
type TimeoutError struct {
	Operation string
	Target    string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s timeout after %v (target: %s)", e.Operation, e.Duration, e.Target)
	}
	return fmt.Sprintf("%s timeout after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

// ToErrorDetail implements DetailedError.
func (e *TimeoutError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "timeout", Code: e.Operation, IsTimeout: true}
}
