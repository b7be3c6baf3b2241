package nls

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes as constants
const (
	ErrCodeConnectFailed   = "CONNECT_FAILED"
	ErrCodeDNSFailed       = "DNS_FAILED"
	ErrCodeTLSFailed       = "TLS_FAILED"
	ErrCodeHandshakeFailed = "HANDSHAKE_FAILED"
	ErrCodeFrameInvalid    = "FRAME_INVALID"
	ErrCodeTransport       = "TRANSPORT_FAILED"
	ErrCodeStartTimeout    = "START_TIMEOUT"
	ErrCodeStopTimeout     = "STOP_TIMEOUT"
	ErrCodeServerClosed    = "SERVER_CLOSED"
	ErrCodeTaskFailed      = "TASK_FAILED"
	ErrCodeBufferFull      = "BUFFER_FULL"
	ErrCodeEngineClosed    = "ENGINE_CLOSED"
	ErrCodeSessionClosed   = "SESSION_CLOSED"
	ErrCodeNotStarted      = "NOT_STARTED"
	ErrCodeConfigInvalid   = "CONFIG_INVALID"
)

// Numeric statuses reported in TaskFailed events, in the range the
// gateway SDKs use for client-side failures.
var statusByCode = map[string]int{
	ErrCodeConnectFailed:   10000015,
	ErrCodeDNSFailed:       10000003,
	ErrCodeTLSFailed:       10000002,
	ErrCodeHandshakeFailed: 10000013,
	ErrCodeFrameInvalid:    10000004,
	ErrCodeTransport:       10000010,
	ErrCodeStartTimeout:    10000022,
	ErrCodeStopTimeout:     10000023,
	ErrCodeServerClosed:    10000005,
	ErrCodeBufferFull:      10000030,
	ErrCodeEngineClosed:    10000031,
	ErrCodeSessionClosed:   10000033,
	ErrCodeNotStarted:      10000034,
	ErrCodeConfigInvalid:   10000032,
}

// Error carries a code, a numeric status and optional details.
type Error struct {
	Message   string
	Code      string
	Status    int
	Timestamp time.Time
	Details   map[string]interface{}
	err       error
}

func NewError(message, code string) *Error {
	return &Error{
		Message:   message,
		Code:      code,
		Status:    statusByCode[code],
		Timestamp: time.Now(),
	}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	sb.WriteString(" (")
	sb.WriteString(e.Code)
	sb.WriteString(")")
	if e.err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches any *Error with the same code, so sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Helper to add details to existing Error
func (e *Error) AddDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Helper to get error details
func (e *Error) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	value, exists := e.Details[key]
	return value, exists
}

var (
	ErrBufferFull    = NewError("send buffer full", ErrCodeBufferFull)
	ErrEngineClosed  = NewError("engine closed", ErrCodeEngineClosed)
	ErrSessionClosed = NewError("session closed", ErrCodeSessionClosed)
	ErrNotStarted    = NewError("task not started", ErrCodeNotStarted)
)

func NewConnectError(cause error, attempts int) *Error {
	msg := "connect failed"
	if cause != nil {
		msg = fmt.Sprintf("connect failed after %d attempts: %v", attempts, cause)
	}
	e := NewError(msg, ErrCodeConnectFailed).AddDetail("attempts", attempts)
	e.err = cause
	return e
}

func NewDNSError(host string, cause error) *Error {
	e := NewError(fmt.Sprintf("resolve %s", host), ErrCodeDNSFailed).AddDetail("host", host)
	e.err = cause
	return e
}

func NewTLSError(cause error) *Error {
	e := NewError("tls handshake failed", ErrCodeTLSFailed)
	e.err = cause
	return e
}

func NewHandshakeError(status int, text string) *Error {
	return NewError(text, ErrCodeHandshakeFailed).AddDetail("http_status", status)
}

func NewFrameError(cause error) *Error {
	e := NewError("invalid frame", ErrCodeFrameInvalid)
	e.err = cause
	return e
}

func NewTransportError(cause error) *Error {
	e := NewError("connection lost", ErrCodeTransport)
	e.err = cause
	return e
}

func NewTimeoutError(code, message string) *Error {
	return NewError(message, code)
}

// NewTaskError wraps a failure reported by the service itself. The status
// is the service's own.
func NewTaskError(status int, text string) *Error {
	e := NewError(text, ErrCodeTaskFailed)
	e.Status = status
	return e
}

func NewServerClosedError(code int, reason string) *Error {
	msg := fmt.Sprintf("server closed connection with code %d", code)
	if reason != "" {
		msg += ": " + reason
	}
	return NewError(msg, ErrCodeServerClosed).AddDetail("close_code", code)
}

func NewConfigError(message string) *Error {
	return NewError(message, ErrCodeConfigInvalid)
}

// Helper to wrap any error as Error
func WrapError(err error, code string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	e = NewError(err.Error(), code)
	e.err = err
	return e
}

// Helper to check if error has specific code
func IsErrorCode(err error, code string) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// Helper to check if error is retryable
func IsRetryableError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrCodeConnectFailed, ErrCodeDNSFailed, ErrCodeTLSFailed, ErrCodeTransport, ErrCodeBufferFull:
		return true
	}
	return false
}
