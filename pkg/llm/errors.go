package llm

import (
	"encoding/json"
	stderrors "errors"
	"regexp"
	"strconv"
	"strings"

	"google.golang.org/genai"
)

const (
	genericUnavailable = "The AI service is temporarily unavailable. Please try again in a moment."
	genericFailure     = "Something went wrong. Please try again."
)

var retryableCodes = []int{503, 429}

// IsRetryable reports whether err looks like a transient overload of the
// hosted model (503, 429, UNAVAILABLE, RESOURCE_EXHAUSTED).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr genai.APIError
	if stderrors.As(err, &apiErr) {
		for _, c := range retryableCodes {
			if apiErr.Code == c {
				return true
			}
		}
	}
	raw := err.Error()
	for _, c := range retryableCodes {
		if strings.Contains(raw, strconv.Itoa(c)) {
			return true
		}
	}
	upper := strings.ToUpper(raw)
	return strings.Contains(upper, "UNAVAILABLE") || strings.Contains(upper, "RESOURCE_EXHAUSTED")
}

var embeddedJSON = regexp.MustCompile(`\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)

// UserMessage turns a model error into text that can be shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return genericFailure
	}
	var apiErr genai.APIError
	if stderrors.As(err, &apiErr) && strings.TrimSpace(apiErr.Message) != "" {
		if msg := messageFromJSON(apiErr.Message); msg != "" {
			return msg
		}
		return strings.TrimSpace(apiErr.Message)
	}

	raw := strings.TrimSpace(err.Error())
	if raw == "" {
		return genericFailure
	}
	if msg := messageFromJSON(raw); msg != "" {
		return msg
	}
	if m := embeddedJSON.FindString(raw); m != "" {
		if msg := messageFromJSON(m); msg != "" {
			return msg
		}
	}
	if len(raw) < 400 && !strings.Contains(raw, "\n") {
		return raw
	}
	return genericUnavailable
}

func messageFromJSON(raw string) string {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return ""
	}
	if inner, ok := data["error"].(map[string]any); ok {
		if msg, ok := inner["message"].(string); ok {
			return strings.TrimSpace(msg)
		}
	}
	if msg, ok := data["message"].(string); ok {
		return strings.TrimSpace(msg)
	}
	return ""
}
