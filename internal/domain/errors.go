package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrNotConnected    = fmt.Errorf("gateway not connected")
	ErrConnectionLost  = fmt.Errorf("gateway connection lost")
	ErrRequestTimeout  = fmt.Errorf("request timed out")
	ErrAuthFailed      = fmt.Errorf("gateway authentication failed")
	ErrHandshakeFailed = fmt.Errorf("gateway handshake failed")
	ErrClientClosed    = fmt.Errorf("client closed")

	ErrMethodNotAllowed = fmt.Errorf("method not in allowlist")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrGatewayError     = fmt.Errorf("gateway returned error")

	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")
	ErrEncryption = fmt.Errorf("encryption operation failed")
	ErrDeviceKey  = fmt.Errorf("device key operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Client.Request")
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

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrRequestTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotConnected     ErrorCode = "NOT_CONNECTED"
	CodeConnectionLost   ErrorCode = "CONNECTION_LOST"
	CodeRequestTimeout   ErrorCode = "REQUEST_TIMEOUT"
	CodeAuthFailed       ErrorCode = "AUTH_FAILED"
	CodeHandshakeFailed  ErrorCode = "HANDSHAKE_FAILED"
	CodeClientClosed     ErrorCode = "CLIENT_CLOSED"
	CodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeGatewayError     ErrorCode = "GATEWAY_ERROR"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeDecryption       ErrorCode = "DECRYPTION"
	CodeEncryption       ErrorCode = "ENCRYPTION"
	CodeDeviceKey        ErrorCode = "DEVICE_KEY"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotConnected:     CodeNotConnected,
	ErrConnectionLost:   CodeConnectionLost,
	ErrRequestTimeout:   CodeRequestTimeout,
	ErrAuthFailed:       CodeAuthFailed,
	ErrHandshakeFailed:  CodeHandshakeFailed,
	ErrClientClosed:     CodeClientClosed,
	ErrMethodNotAllowed: CodeMethodNotAllowed,
	ErrRateLimit:        CodeRateLimit,
	ErrInvalidInput:     CodeInvalidInput,
	ErrGatewayError:     CodeGatewayError,
	ErrConfigLoad:       CodeConfigLoad,
	ErrDecryption:       CodeDecryption,
	ErrEncryption:       CodeEncryption,
	ErrDeviceKey:        CodeDeviceKey,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
