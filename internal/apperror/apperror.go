package apperror

import (
	"errors"
	"net/http"
	"time"
)

type Code string

const (
	InvalidInput       Code = "INVALID_INPUT"
	NotFound           Code = "NOT_FOUND"
	Unauthorized       Code = "UNAUTHORIZED"
	RateLimited        Code = "RATE_LIMITED"
	ProviderError      Code = "PROVIDER_ERROR"
	PersistenceFailure Code = "PERSISTENCE_FAILURE"
	// Unavailable is a transient store condition, such as lock contention.
	Unavailable Code = "UNAVAILABLE"
	Conflict           Code = "CONFLICT"
	Internal           Code = "INTERNAL"
)

type AppError struct {
	code       Code
	message    string
	cause      error
	retryAfter time.Duration
}

func New(code Code, message string) *AppError {
	return &AppError{code: code, message: message}
}

// Wrap attaches a cause so errors.Is/As can see through the AppError.
func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{code: code, message: message, cause: cause}
}

// Limited builds a RateLimited error carrying the suggested wait.
func Limited(message string, retryAfter time.Duration) *AppError {
	return &AppError{code: RateLimited, message: message, retryAfter: retryAfter}
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *AppError) Unwrap() error             { return e.cause }
func (e *AppError) Code() Code                { return e.code }
func (e *AppError) Message() string           { return e.message }
func (e *AppError) RetryAfter() time.Duration { return e.retryAfter }

func (e *AppError) HTTPStatus() int {
	switch e.code {
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case Conflict:
		return http.StatusConflict
	case ProviderError:
		return http.StatusBadGateway
	case PersistenceFailure, Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf returns the code of the first AppError in err's chain, or Internal.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.code
	}
	return Internal
}

// Is reports whether err carries an AppError with the given code.
func Is(err error, code Code) bool {
	var ae *AppError
	return errors.As(err, &ae) && ae.code == code
}
