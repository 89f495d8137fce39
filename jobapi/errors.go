package jobapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/interp/horosafe"
)

// maxReasonRunes bounds server-provided reasons surfaced to the user.
const maxReasonRunes = 200

// NetworkError means no HTTP response was obtained: connection refused,
// reset, DNS failure, timeout, or a body that broke off mid-transfer.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: falha de rede: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response. Message is the server's reason, read
// from the structured body field when there is one, otherwise a readable
// excerpt of the raw body, otherwise the HTTP status line.
type ServerError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Transient reports whether retrying the same request may succeed.
func (e *ServerError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ProtocolError is a 2xx response whose body lacks the fields the protocol
// requires, or carries values outside it.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: resposta inválida do servidor: %s", e.Op, e.Reason)
}

// ValidationError is a parameter rejection, raised locally by
// Params.Validate or returned by the server with 400/422.
type ValidationError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient reports whether err is worth retrying on an idempotent read:
// network failures and 5xx/429 answers are, anything else is not.
func IsTransient(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var se *ServerError
	return errors.As(err, &se) && se.Transient()
}

var (
	htmlStrip  = bluemonday.StrictPolicy()
	whitespace = regexp.MustCompile(`\s+`)
)

// errorBody is the union of the error shapes the server family produces:
// {"code":"ERROR","message":…} from the job API and {"error":…} from the
// upload and legacy endpoints.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// reasonFromBody extracts a bounded, readable reason from an error body.
func reasonFromBody(status int, body []byte) string {
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		if m := strings.TrimSpace(eb.Message); m != "" {
			return horosafe.Truncate(m, maxReasonRunes)
		}
		if m := strings.TrimSpace(eb.Error); m != "" {
			return horosafe.Truncate(m, maxReasonRunes)
		}
	}
	if text := readableText(body); text != "" {
		return horosafe.Truncate(text, maxReasonRunes)
	}
	return statusLine(status)
}

// readableText strips markup from a raw body (typically a proxy's HTML 5xx
// page) and collapses whitespace.
func readableText(body []byte) string {
	text := htmlStrip.Sanitize(string(body))
	text = html.UnescapeString(text)
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

func statusLine(status int) string {
	if t := http.StatusText(status); t != "" {
		return fmt.Sprintf("HTTP %d %s", status, t)
	}
	return fmt.Sprintf("HTTP %d", status)
}

// errorFromResponse builds the error for a non-2xx response. The body is
// read up to horosafe.MaxErrorBody. A 400 or 422 on an operation that sends
// parameters is a ValidationError.
func errorFromResponse(op string, resp *http.Response, validates bool) error {
	body, _, err := horosafe.ReadPrefix(resp.Body, horosafe.MaxErrorBody)
	if err != nil {
		body = nil
	}
	reason := reasonFromBody(resp.StatusCode, body)
	if validates && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity) {
		return &ValidationError{Op: op, StatusCode: resp.StatusCode, Message: reason}
	}
	return &ServerError{Op: op, StatusCode: resp.StatusCode, Message: reason}
}

// ErrorFromResponse is errorFromResponse for sibling transports sharing the
// error taxonomy (the legacy streaming client).
func ErrorFromResponse(op string, resp *http.Response) error {
	return errorFromResponse(op, resp, true)
}
