package session

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCategory категория ошибки
type ErrorCategory string

const (
	ErrorCategoryState      ErrorCategory = "STATE"
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
	ErrorCategoryProtocol   ErrorCategory = "PROTOCOL"
	ErrorCategoryTimeout    ErrorCategory = "TIMEOUT"
	ErrorCategoryTransport  ErrorCategory = "TRANSPORT"
)

var (
	// ErrInvalidState операция недопустима в текущем состоянии сессии
	ErrInvalidState = errors.New("invalid session state")
	// ErrInvalidArgument недопустимые аргументы операции
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrTimeout истек таймер сессии или транзакции
	ErrTimeout = errors.New("timeout")
)

// Error структурированная ошибка сессии
type Error struct {
	Code      string
	Message   string
	Category  ErrorCategory
	SessionID string
	Status    Status
	Operation string
	Fields    map[string]any
	Cause     error
}

func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[%s:%s] %s (session: %s)", e.Category, e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithField добавляет поле контекста
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func newInvalidState(id string, status Status, operation string) *Error {
	return &Error{
		Code:      "INVALID_STATE",
		Message:   fmt.Sprintf("%s not allowed in %s", operation, status),
		Category:  ErrorCategoryState,
		SessionID: id,
		Status:    status,
		Operation: operation,
		Cause:     ErrInvalidState,
	}
}

func newInvalidArgument(id, operation, format string, args ...any) *Error {
	return &Error{
		Code:      "INVALID_ARGUMENT",
		Message:   fmt.Sprintf(format, args...),
		Category:  ErrorCategoryValidation,
		SessionID: id,
		Operation: operation,
		Cause:     ErrInvalidArgument,
	}
}

func newProtocolError(id, operation string, cause error) *Error {
	return &Error{
		Code:      "PROTOCOL_ERROR",
		Message:   cause.Error(),
		Category:  ErrorCategoryProtocol,
		SessionID: id,
		Operation: operation,
		Cause:     cause,
	}
}

func newTransportError(id, operation string, cause error) *Error {
	return &Error{
		Code:      "TRANSPORT_ERROR",
		Message:   cause.Error(),
		Category:  ErrorCategoryTransport,
		SessionID: id,
		Operation: operation,
		Cause:     cause,
	}
}

func newTimeoutError(id, operation string) *Error {
	return &Error{
		Code:      "TIMEOUT",
		Message:   operation + " timed out",
		Category:  ErrorCategoryTimeout,
		SessionID: id,
		Operation: operation,
		Cause:     ErrTimeout,
	}
}
