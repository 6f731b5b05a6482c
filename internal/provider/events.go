// Package provider implements the OpenRouter streaming client. It turns the
// raw SSE stream into the typed event sequence consumed by the chunk
// processor, and condenses the provider's nested error bodies into a single
// user-facing string.
package provider

import (
	"encoding/json"

	"github.com/skiff-chat/skiff/internal/models"
	"github.com/skiff-chat/skiff/internal/pricing"
)

// EventKind discriminates the events of one provider stream.
type EventKind string

const (
	EventTextStart      EventKind = "text-start"
	EventTextDelta      EventKind = "text-delta"
	EventReasoningStart EventKind = "reasoning-start"
	EventReasoningDelta EventKind = "reasoning-delta"
	EventSource         EventKind = "source"
	EventToolCall       EventKind = "tool-call"
	EventFinish         EventKind = "finish"
)

// Event is one element of the provider stream. Kind decides which fields are
// set: Delta for the delta kinds, Source for source events, the tool fields
// for tool-call events, Usage for the finish event.
type Event struct {
	Kind EventKind

	Delta string

	Source models.Source

	ToolCallID string
	ToolName   string
	ToolInput  json.RawMessage

	Usage pricing.Usage
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatOptions configures one streaming call.
type ChatOptions struct {
	Model string
	Tools []ToolDef

	// ReasoningEffort is passed through only when the caller requested a
	// non-default level ("xhigh" ... "minimal"); empty means provider default.
	ReasoningEffort string

	// PDFEngine selects the file-parser plugin engine for models without
	// native PDF support; empty disables the plugin.
	PDFEngine string
}

// PDF parsing engines understood by the provider's file-parser plugin.
const (
	PDFEngineOCR  = "mistral-ocr"
	PDFEngineText = "pdf-text"
)
