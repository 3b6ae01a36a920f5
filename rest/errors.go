package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	ErrUnauthorized = errors.New("improper token was passed")
	ErrNoToken      = errors.New("no token was configured")
)

// NetworkError is returned when no response was received.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network failure: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ThrottleError is returned when a request is still throttled after the
// permitted number of throttle retries.
type ThrottleError struct {
	Bucket     string
	RetryAfter time.Duration
	Global     bool
}

func (e *ThrottleError) Error() string {
	if e.Global {
		return fmt.Sprintf("throttled globally, retry after %s", e.RetryAfter)
	}

	return fmt.Sprintf("throttled on bucket %q, retry after %s", e.Bucket, e.RetryAfter)
}

// ErrorBody is the json error body discord returns with 4xx responses.
type ErrorBody struct {
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors,omitempty"`
	Code    int32           `json:"code"`
}

func (e *ErrorBody) Error() string {
	return strconv.Itoa(int(e.Code)) + ": " + e.Message
}

// TooManyRequests is the body of a 429 response.
type TooManyRequests struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// RequestError is a 4xx response other than 429. It is never retried.
type RequestError struct {
	Discord    *ErrorBody
	Body       []byte
	StatusCode int
}

func (e *RequestError) Error() string {
	if e.Discord != nil && e.Discord.Message != "" {
		return fmt.Sprintf("request failed with %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Discord.Error())
	}

	return fmt.Sprintf("request failed with %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *RequestError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	return nil
}

// ServerError is a 5xx response that persisted through every retry.
type ServerError struct {
	Body       []byte
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}
