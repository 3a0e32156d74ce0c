package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	// Protocol client errors.
	ErrHandshake         = fmt.Errorf("backend handshake failed")
	ErrUnsupportedFormat = fmt.Errorf("unsupported response format")
	ErrBackendProtocol   = fmt.Errorf("backend protocol error")
	ErrEnumeration       = fmt.Errorf("capability enumeration failed")

	// Orchestrator errors.
	ErrNoBackends = fmt.Errorf("no backends available")
	ErrModelCall  = fmt.Errorf("model call failed")
	ErrCancelled  = fmt.Errorf("query cancelled")

	// Registry / gateway errors.
	ErrBackendNotFound  = fmt.Errorf("backend not found")
	ErrBackendDisabled  = fmt.Errorf("backend disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrHistoryStore     = fmt.Errorf("history store failed")
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Session.Initialize")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ProtocolError carries the error object a backend returned in a JSON-RPC
// reply. It wraps ErrBackendProtocol so callers can classify it with
// errors.Is while still reaching the backend-supplied code and message.
type ProtocolError struct {
	Backend string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("backend %s: protocol error %d: %s", e.Backend, e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error { return ErrBackendProtocol }

// ErrorCode is a machine-parseable error category for gateway responses
// and monitoring.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeHandshake         ErrorCode = "HANDSHAKE"
	CodeUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	CodeBackendProtocol   ErrorCode = "BACKEND_PROTOCOL"
	CodeEnumeration       ErrorCode = "ENUMERATION"
	CodeNoBackends        ErrorCode = "NO_BACKENDS"
	CodeModelCall         ErrorCode = "MODEL_CALL"
	CodeCancelled         ErrorCode = "CANCELLED"
	CodeBackendNotFound   ErrorCode = "BACKEND_NOT_FOUND"
	CodeBackendDisabled   ErrorCode = "BACKEND_DISABLED"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeHistoryStore      ErrorCode = "HISTORY_STORE"
)

var codeMap = []struct {
	err  error
	code ErrorCode
}{
	{ErrHandshake, CodeHandshake},
	{ErrUnsupportedFormat, CodeUnsupportedFormat},
	{ErrBackendProtocol, CodeBackendProtocol},
	{ErrEnumeration, CodeEnumeration},
	{ErrNoBackends, CodeNoBackends},
	{ErrModelCall, CodeModelCall},
	{ErrCancelled, CodeCancelled},
	{ErrBackendNotFound, CodeBackendNotFound},
	{ErrBackendDisabled, CodeBackendDisabled},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrHistoryStore, CodeHistoryStore},
}

// ErrorCodeOf maps an error to its machine-parseable code.
func ErrorCodeOf(err error) ErrorCode {
	for _, m := range codeMap {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeUnknown
}
