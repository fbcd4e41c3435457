package upstream

import (
	"encoding/json"
	"fmt"
)

// UpstreamError carries the classified outcome of a failed upstream call,
// adapted from provider.APIError.
type UpstreamError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRetryable mirrors provider.APIError.IsRetryable's status-code table,
// generalized to the upstream retry classes in spec.md §4.F: network/5xx
// and 408/429 retry with backoff; everything else is terminal for this
// attempt.
func (e *UpstreamError) IsRetryable() bool {
	switch e.StatusCode {
	case 408, 429:
		return true
	}
	return e.StatusCode >= 500
}

// errorBody is the shape of an upstream JSON error payload.
type errorBody struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// reasonMessages maps known upstream `reason` values to a user-facing
// message, per spec.md §4.F "Error enhancement".
var reasonMessages = map[string]string{
	"CONTENT_LENGTH_EXCEEDS_THRESHOLD":       "Model context limit reached. Please start a new conversation or reduce the size of your request.",
	"MONTHLY_REQUEST_COUNT":                  "Monthly request quota exceeded for this credential.",
	"MONTHLY_REQUEST_LIMIT_REACHED":          "Monthly request quota exceeded for this credential.",
	"CONTENT_LENGTH_EXCEEDS_THRESHOLD_RETRY": "Model context limit reached. Please start a new conversation or reduce the size of your request.",
}

// enhanceMessage parses raw as an upstream JSON error body and remaps a
// known `reason` to a friendlier message; unknown reasons are appended to
// the original message instead of replacing it.
func enhanceMessage(raw []byte) (reason, message string) {
	var body errorBody
	if len(raw) == 0 {
		return "", ""
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Reason == "" {
		return "", string(raw)
	}
	if friendly, ok := reasonMessages[body.Reason]; ok {
		return body.Reason, friendly
	}
	msg := body.Message
	if msg == "" {
		msg = string(raw)
	}
	return body.Reason, fmt.Sprintf("%s (reason: %s)", msg, body.Reason)
}
