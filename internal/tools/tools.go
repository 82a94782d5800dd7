// Package tools defines the uniform result shape returned by every public
// sandbox operation. Callers never see a raw provider error — only a Result
// (or a validation error raised before any remote interaction).
package tools

import (
	"encoding/json"
	"fmt"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Content is a single item in a Result. Exactly one field is set.
type Content struct {
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

// Result is the outcome of a sandbox operation.
type Result struct {
	Status  string    `json:"status"`
	Content []Content `json:"content"`
}

// IsError reports whether the result carries an error status.
func (r *Result) IsError() bool {
	return r != nil && r.Status == StatusError
}

// Text returns all text content items joined with newlines.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	out := ""
	for _, c := range r.Content {
		if c.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

// TextResult returns a success result with a single text content item.
func TextResult(text string) *Result {
	return &Result{Status: StatusSuccess, Content: []Content{{Text: text}}}
}

// Errorf returns an error result with a formatted text message.
func Errorf(format string, args ...any) *Result {
	return &Result{Status: StatusError, Content: []Content{{Text: fmt.Sprintf(format, args...)}}}
}

// JSONResult serializes v and returns a success result with a single JSON
// content item. A marshal failure is a programming error and is surfaced as
// an error result rather than a panic.
func JSONResult(v any) *Result {
	data, err := json.Marshal(v)
	if err != nil {
		return Errorf("encoding result: %v", err)
	}
	return &Result{Status: StatusSuccess, Content: []Content{{JSON: data}}}
}

// MaxOutputBytes is the default cap for captured execution output.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}
