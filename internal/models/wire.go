package models

import "encoding/json"

// TurnRequest is the JSON body of a turn invocation. Client-supplied keys
// take precedence over server-stored ones; ModelPricing, when present, is the
// client's cached per-million-token rates for the selected model.
type TurnRequest struct {
	Messages           []Message     `json:"messages"`
	ThreadID           string        `json:"threadId,omitempty"`
	OpenRouterKey      string        `json:"openrouterClientKey,omitempty"`
	ParallelKey        string        `json:"parallelClientKey,omitempty"`
	SearchEnabled      bool          `json:"searchEnabled,omitempty"`
	ReasoningLevel     string        `json:"reasoningLevel,omitempty"`
	ModelID            string        `json:"modelId,omitempty"`
	SupportsNativePDF  bool          `json:"supportsNativePdf,omitempty"`
	SupportsTools      bool          `json:"supportsTools,omitempty"`
	IsRegeneration     bool          `json:"isRegeneration,omitempty"`
	PreferOCR          bool          `json:"preferOcr,omitempty"`
	ModelPricing       *ModelPricing `json:"modelPricing,omitempty"`
	GenerateTitle      bool          `json:"generateTitle,omitempty"`
	GenerateIcon       bool          `json:"generateIcon,omitempty"`
}

// ModelPricing carries per-million-token USD rates as resolved by the
// client's pricing cache.
type ModelPricing struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

// Wire event kinds streamed back to the client. Each SSE event's type is one
// of these and its data is the JSON payload documented on the payload types.
const (
	WireTextStart      = "text-start"
	WireTextDelta      = "text-delta"
	WireReasoningStart = "reasoning-start"
	WireReasoningDelta = "reasoning-delta"
	WireSource         = "source"
	WireToolCall       = "tool-call"
	WireToolResult     = "tool-result"
	WireFinish         = "finish"
	WireError          = "error"
)

// WireEvent is one decoded event of the turn response stream.
type WireEvent struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DeltaPayload is the data of text-delta and reasoning-delta events.
type DeltaPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload is the data of tool-call events.
type ToolCallPayload struct {
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input"`
}

// ToolResultPayload is the data of tool-result events. Output is the tool's
// structured result or error union, exactly as handed back to the model.
type ToolResultPayload struct {
	ToolName string          `json:"toolName"`
	Output   json.RawMessage `json:"output"`
}

// ErrorPayload is the data of error events: a single user-facing string.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StopRequest persists a user-cancelled partial message so the stopped state
// survives a reload. The server treats it as best-effort bookkeeping.
type StopRequest struct {
	ThreadID string  `json:"threadId"`
	Message  Message `json:"message"`
}

// TruncateRequest deletes the message at KeepBefore and everything after it.
// Calling it twice with the same index is a no-op the second time.
type TruncateRequest struct {
	KeepBefore int `json:"keepBefore"`
}
