package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// Class is the failure class of an endpoint call.
type Class string

const (
	ClassTimeout    Class = "timeout"
	ClassAPI        Class = "api"
	ClassConnection Class = "connection"
	ClassRateLimit  Class = "rate_limit"
	ClassServer     Class = "server"
	// ClassFatal covers everything that must not be retried: bad requests,
	// auth failures, unknown models, caller cancellation.
	ClassFatal Class = "fatal"
)

// Retryable reports whether calls failing with c are retried.
func (c Class) Retryable() bool {
	switch c {
	case ClassTimeout, ClassAPI, ClassConnection, ClassRateLimit, ClassServer:
		return true
	}
	return false
}

var (
	// ErrNoChoices is returned when the endpoint answers without any choice.
	ErrNoChoices = errors.New("response has no choices")
	// ErrUnreachable indicates the endpoint could not be reached or answered non-2xx.
	ErrUnreachable = errors.New("completion endpoint unreachable")
)

// StatusError is a non-2xx answer whose body is not an OpenAI JSON error,
// typically from a proxy or gateway in front of the endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Error is a classified endpoint failure. Use errors.As to branch on Class.
type Error struct {
	Class      Class
	StatusCode int // HTTP status when the endpoint answered, else 0
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool { return e.Class.Retryable() }

// IsRetryable reports whether err is, or wraps, a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// Classify maps an error from the OpenAI client to a Class.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var statusErr *StatusError
	var netErr net.Error
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.As(err, &apiErr):
		return classifyStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		return classifyStatus(reqErr.HTTPStatusCode)
	case errors.As(err, &statusErr):
		return classifyStatus(statusErr.StatusCode)
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassConnection
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return ClassConnection
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, ErrNoChoices):
		return ClassAPI
	}
	return ClassFatal
}

func classifyStatus(code int) Class {
	switch {
	case code == 0, code == http.StatusConflict:
		return ClassAPI
	case code == http.StatusRequestTimeout:
		return ClassTimeout
	case code == http.StatusTooManyRequests:
		return ClassRateLimit
	case code >= 500:
		return ClassServer
	}
	return ClassFatal
}

// classify wraps err as *Error. Errors caused by the caller's own context
// (parent) are fatal so the retry loop does not treat them as timeouts.
func classify(parent context.Context, err error) *Error {
	class := Classify(err)
	if parent.Err() != nil {
		class = ClassFatal
	}
	return &Error{Class: class, StatusCode: statusCode(err), Err: err}
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
