package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Error is a non-2xx backend response. Code is the backend's machine-readable `error`
// field; Message is its `message` field. Raw bodies are never kept.
type Error struct {
	Status            int
	Code              string
	Message           string
	RemainingAttempts *int
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: request failed status=%d code=%s", e.Status, e.Code)
	}
	return fmt.Sprintf("api: request failed status=%d", e.Status)
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	return StatusOf(err) == http.StatusUnauthorized
}

// StatusOf returns the HTTP status carried by err, or 0 when err is not an *Error.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// CodeOf returns the backend error code carried by err, or "".
func CodeOf(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RemainingAttempts *int   `json:"remainingAttempts"`
}

func newError(resp *http.Response) *Error {
	e := &Error{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return e
	}
	var body errorBody
	if json.Unmarshal(raw, &body) != nil {
		return e
	}
	e.Code = body.Error
	e.Message = body.Message
	e.RemainingAttempts = body.RemainingAttempts
	return e
}
