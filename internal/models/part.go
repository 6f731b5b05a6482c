package models

import (
	"encoding/json"
	"regexp"
	"strings"
)

// PartKind discriminates the closed set of part types a message can carry.
// New kinds are added here and nowhere else; callers switch exhaustively on it.
type PartKind string

const (
	// PartKindText represents plain assistant or user text.
	PartKindText PartKind = "text"
	// PartKindReasoning represents the model's reasoning trace.
	PartKindReasoning PartKind = "reasoning"
	// PartKindFile represents an attached file.
	PartKindFile PartKind = "file"
	// PartKindToolCall represents a tool invocation and, once resolved, its result.
	PartKindToolCall PartKind = "tool-call"
	// PartKindSource represents a citation discovered during the turn.
	PartKindSource PartKind = "source"
)

// ReasoningState tracks whether a reasoning part is still receiving deltas.
type ReasoningState string

const (
	ReasoningStreaming ReasoningState = "streaming"
	ReasoningDone      ReasoningState = "done"
)

// ToolCallState tracks the lifecycle of a tool-call part. Tool-call parts are
// the only parts that transition state; all other kinds are append-once.
type ToolCallState string

const (
	ToolCallPending ToolCallState = "pending"
	ToolCallResult  ToolCallState = "result"
)

// File describes an attachment referenced by a file part.
type File struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	MediaType   string `json:"mediaType"`
	StoragePath string `json:"storagePath"`
}

// Source describes a citation, either streamed by the provider or extracted
// from a search tool result.
type Source struct {
	ID         string `json:"id"`
	SourceType string `json:"sourceType"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
}

// Part is one typed fragment of a message. Kind decides which fields are
// meaningful; the rest stay at their zero value.
type Part struct {
	Kind PartKind `json:"kind"`

	// Text would be filled if Kind is PartKindText or PartKindReasoning.
	Text string `json:"text,omitempty"`

	// ReasoningState would be filled if Kind is PartKindReasoning.
	ReasoningState ReasoningState `json:"reasoningState,omitempty"`

	// File would be filled if Kind is PartKindFile.
	File File `json:"file,omitempty"`

	// ToolName, ToolInput and ToolState would be filled if Kind is PartKindToolCall.
	// ToolOutput is filled once ToolState transitions to ToolCallResult.
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	ToolState  ToolCallState   `json:"toolState,omitempty"`
	ToolOutput json.RawMessage `json:"toolOutput,omitempty"`

	// Source would be filled if Kind is PartKindSource.
	Source Source `json:"source,omitempty"`
}

// IsText reports whether the part is a text part.
func (p Part) IsText() bool { return p.Kind == PartKindText }

// IsReasoning reports whether the part is a reasoning part.
func (p Part) IsReasoning() bool { return p.Kind == PartKindReasoning }

// IsFile reports whether the part is a file attachment part.
func (p Part) IsFile() bool { return p.Kind == PartKindFile }

// IsToolCall reports whether the part is a tool-call part.
func (p Part) IsToolCall() bool { return p.Kind == PartKindToolCall }

// IsSource reports whether the part is a source citation part.
func (p Part) IsSource() bool { return p.Kind == PartKindSource }

// IsPDF reports whether the part is a PDF file attachment.
func (p Part) IsPDF() bool {
	return p.Kind == PartKindFile && p.File.MediaType == "application/pdf"
}

var blankLineRuns = regexp.MustCompile(`\n{3,}`)

// NormalizeReasoning cleans a raw reasoning trace for display: the provider's
// [REDACTED] markers are stripped together with a preceding newline, literal
// \n escape sequences become real newlines, runs of blank lines collapse to
// one, and the result is trimmed.
func NormalizeReasoning(text string) string {
	text = strings.ReplaceAll(text, "\n[REDACTED]", "")
	text = strings.ReplaceAll(text, "[REDACTED]", "")
	text = strings.ReplaceAll(text, `\n`, "\n")
	text = blankLineRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Renderable reports whether the part carries content worth showing. A
// reasoning part whose normalized text is empty does not render.
func (p Part) Renderable() bool {
	switch p.Kind {
	case PartKindText:
		return p.Text != ""
	case PartKindReasoning:
		return NormalizeReasoning(p.Text) != ""
	case PartKindFile, PartKindToolCall, PartKindSource:
		return true
	}
	return false
}

// HasRenderableContent reports whether any part of the list renders.
func HasRenderableContent(parts []Part) bool {
	for _, p := range parts {
		if p.Renderable() {
			return true
		}
	}
	return false
}
