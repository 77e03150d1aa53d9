package models

import (
	"encoding/json"
	"strings"
)

// Default values applied to a descriptor by the page client
const (
	DefaultMethod    = "GET"
	DefaultTimeoutMS = 30000
)

// Methods is the fixed set of HTTP methods a request may use
var Methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH"}

// IsMethod reports whether m is one of Methods, ignoring case
func IsMethod(m string) bool {
	for _, v := range Methods {
		if strings.EqualFold(v, m) {
			return true
		}
	}
	return false
}

// Request describes one cross-origin HTTP call
type Request struct {
	CaseID    string            `json:"caseId,omitempty"`
	RequestID string            `json:"requestId"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Data      any               `json:"data"`
	TaskID    string            `json:"taskId,omitempty"`
	Timeout   int               `json:"timeout"`

	// Files maps a multipart field name to the page file input that
	// supplies it. Resolved on the page side, never sent.
	Files map[string]string `json:"-"`
}

// Header returns the value of a request header, ignoring case
func (r *Request) Header(key string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Response is the normalized result of a completed HTTP call.
// Body holds the response JSON when the text parses as JSON, otherwise
// the raw text encoded as a JSON string.
type Response struct {
	Header     map[string]string `json:"header"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Body       json.RawMessage   `json:"body"`
}

// Text returns the body as a string when it holds raw text
func (r *Response) Text() (string, bool) {
	var s string
	if err := json.Unmarshal(r.Body, &s); err != nil {
		return "", false
	}
	return s, true
}
