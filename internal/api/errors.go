package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// NetworkError means no response was received at all. Idempotent reads may
// retry it with backoff; everything else surfaces it to the caller.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("server unreachable during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response with a readable body.
type HTTPError struct {
	Status  int
	Body    []byte
	Message string // extracted from the JSON error/message field when present
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// ProtocolError means the response body was not the expected JSON shape,
// typically an HTML error page from a proxy or a misrouted backend.
type ProtocolError struct {
	Op   string
	Hint string
}

func (e *ProtocolError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("unexpected response format during %s (backend misconfigured?): %s", e.Op, e.Hint)
	}
	return fmt.Sprintf("unexpected response format during %s (backend misconfigured?)", e.Op)
}

// IsUnauthorized reports whether err is an HTTP 401.
func IsUnauthorized(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == 401
}

// IsConflict reports whether err is an HTTP 409.
func IsConflict(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == 409
}

// extractMessage pulls the server-provided error text out of a JSON error
// body. The backend uses both "error" and "message" keys.
func extractMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Error != "" {
		return payload.Error
	}
	return payload.Message
}

// htmlHint extracts a human-readable hint from an HTML error page so the
// caller can report what actually answered instead of a raw parse failure.
func htmlHint(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return ""
	}

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// looksLikeHTML is a cheap structural check applied before parsing a hint.
func looksLikeHTML(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "<")
}
