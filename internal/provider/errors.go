package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Static status-to-message table, tried after the body-derived unwrap steps.
var statusMessages = map[int]string{
	400: "The provider rejected the request as invalid.",
	401: "Invalid OpenRouter API key. Check your key in settings.",
	402: "Insufficient OpenRouter credits. Top up your account.",
	403: "Your OpenRouter key is not allowed to use this model.",
	408: "The provider timed out. Try again.",
	429: "The provider is rate limiting requests. Try again shortly.",
	502: "The upstream model provider returned an error.",
	503: "No provider is currently available for this model.",
}

type apiErrorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Metadata struct {
		Raw string `json:"raw"`
	} `json:"metadata"`
}

// HumanError condenses a provider error response into one user-facing string.
// The body is unwrapped through an ordered chain: the nested raw JSON the
// provider tunnels from upstream, then the top-level error message, then the
// status table, then the raw body itself.
func HumanError(status int, body []byte) string {
	var parsed apiErrorBody
	parseErr := json.Unmarshal(body, &parsed)

	steps := []func() (string, bool){
		func() (string, bool) {
			if parseErr != nil || parsed.Error.Metadata.Raw == "" {
				return "", false
			}
			return fromNestedRaw(parsed.Error.Metadata.Raw)
		},
		func() (string, bool) {
			if parseErr != nil || parsed.Error.Message == "" {
				return "", false
			}
			return parsed.Error.Message, true
		},
		func() (string, bool) {
			msg, ok := statusMessages[status]
			return msg, ok
		},
		func() (string, bool) {
			raw := strings.TrimSpace(string(body))
			return raw, raw != ""
		},
	}

	for _, step := range steps {
		if msg, ok := step(); ok {
			return msg
		}
	}
	return fmt.Sprintf("The provider request failed with status %d.", status)
}

// fromNestedRaw tries to read error.metadata.raw, which is often itself a
// JSON error document from the upstream provider.
func fromNestedRaw(raw string) (string, bool) {
	var nested apiErrorBody
	if err := json.Unmarshal([]byte(raw), &nested); err == nil && nested.Error.Message != "" {
		return nested.Error.Message, true
	}
	var flat struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &flat); err == nil && flat.Message != "" {
		return flat.Message, true
	}
	return "", false
}
