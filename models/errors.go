package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrRequestTimeout is returned when a request exceeds the client's
// wall-clock budget.
var ErrRequestTimeout = errors.New("request timed out")

// ErrorBody is the error payload of the conversion API. Detail is either a
// string or a list of validation items.
type ErrorBody struct {
	Detail json.RawMessage `json:"detail"`
}

type ErrorItem struct {
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// APIError is a non-success response from the conversion API. Body keeps the
// raw payload so it can be forwarded unchanged.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return e.Message
}

// NewAPIError extracts a readable message from an error response body,
// falling back to the status line.
func NewAPIError(statusCode int, body []byte) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Message:    DetailMessage(body, fmt.Sprintf("API error: %d %s", statusCode, http.StatusText(statusCode))),
		Body:       body,
	}
}

// DetailMessage returns the message carried by an ErrorBody, or fallback
// when body is not one.
func DetailMessage(body []byte, fallback string) string {
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || len(eb.Detail) == 0 {
		return fallback
	}

	var s string
	if err := json.Unmarshal(eb.Detail, &s); err == nil {
		if s == "" {
			return fallback
		}
		return s
	}

	var items []ErrorItem
	if err := json.Unmarshal(eb.Detail, &items); err == nil && len(items) > 0 {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			msgs = append(msgs, it.Msg)
		}
		return strings.Join(msgs, ", ")
	}

	return fallback
}

// ValidationError is a local input problem detected before any call to the
// conversion API. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
