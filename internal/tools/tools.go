// Package tools implements the typed clients for the tools offered to the
// model during a turn: web search, content extraction, and thread hand-off.
// Tool failures are data, not errors: every client returns a union whose
// error arm is marshaled back to the model as a structured result, so a
// failing tool never kills the turn.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// ErrorCode classifies a tool failure for the model.
type ErrorCode string

const (
	CodeInvalidKey           ErrorCode = "invalid_key"
	CodeForbidden            ErrorCode = "forbidden"
	CodeRateLimited          ErrorCode = "rate_limited"
	CodeRequestFailed        ErrorCode = "request_failed"
	CodeGenerationFailed     ErrorCode = "generation_failed"
	CodeThreadCreationFailed ErrorCode = "thread_creation_failed"
)

// ErrorOutput is the error arm of every tool's result union. Error is always
// true so the model can discriminate it from a success payload.
type ErrorOutput struct {
	Error   bool      `json:"error"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func newError(code ErrorCode, message string) *ErrorOutput {
	return &ErrorOutput{Error: true, Code: code, Message: message}
}

// Fixed status-to-message table shared by the search and extract clients.
var statusErrors = map[int]ErrorOutput{
	http.StatusUnauthorized: {Error: true, Code: CodeInvalidKey,
		Message: "Invalid API key. Check your Parallel API key in settings."},
	http.StatusForbidden: {Error: true, Code: CodeForbidden,
		Message: "Access to the service was denied for this API key."},
	http.StatusTooManyRequests: {Error: true, Code: CodeRateLimited,
		Message: "The service is rate limiting requests. Try again shortly."},
}

func errorFromStatus(status int) *ErrorOutput {
	if e, ok := statusErrors[status]; ok {
		return &e
	}
	return newError(CodeRequestFailed, fmt.Sprintf("The request failed with status %d. Try again.", status))
}

const defaultBaseURL = "https://api.parallel.ai"

// Client issues authenticated requests against the Parallel API on behalf of
// the search and extract tools. The API key is supplied per call because
// every turn may carry its own client key.
type Client struct {
	baseURL    string
	httpClient *http.Client

	logger *slog.Logger
}

// NewClient creates a Client against the production Parallel API endpoint.
func NewClient(logger *slog.Logger) *Client {
	return NewClientWithBaseURL(defaultBaseURL, logger)
}

// NewClientWithBaseURL creates a Client against a custom endpoint. Used by
// tests to point at a local server.
func NewClientWithBaseURL(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		logger:     logger.With(slog.String("module", "tools")),
	}
}

// post sends a JSON request and decodes a JSON response. A non-nil return is
// the typed error to hand back to the model; cancellation maps to
// request_failed rather than surfacing as a fault.
func (c *Client) post(ctx context.Context, apiKey, path string, body, out any) *ErrorOutput {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return newError(CodeRequestFailed, "The request could not be encoded.")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return newError(CodeRequestFailed, "The request could not be created.")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return newError(CodeRequestFailed, "The request was cancelled before it completed.")
		}
		c.logger.Error("Tool request failed", slog.String("path", path), slog.String("err", err.Error()))
		return newError(CodeRequestFailed, "The request failed. Try again.")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		c.logger.Error("Tool request returned non-2xx",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(respBody)))
		return errorFromStatus(resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newError(CodeRequestFailed, "The response could not be decoded.")
	}
	return nil
}

func marshalPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(newError(CodeRequestFailed, "The result could not be encoded."))
	}
	return raw
}
