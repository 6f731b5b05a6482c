package models

import "time"

// Thread represents a conversation container. Threads belong to a single
// user; ownership is checked before any turn may write into one.
type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title,omitempty"`
	Icon      string    `json:"icon,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Role represents the role of a message participant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is an ordered list of parts with a role and a stable id. The part
// list is append-only while a turn streams and frozen once the turn finishes.
// Metadata is attached to assistant messages exactly once, at finish.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`

	Metadata *Metadata `json:"metadata,omitempty"`

	// StoppedByUser marks an assistant message terminated by the user before
	// the provider signaled completion. Such a message never gets Metadata.
	StoppedByUser  bool   `json:"stoppedByUser,omitempty"`
	StoppedModelID string `json:"stoppedModelId,omitempty"`

	// Toggles records, on user messages, the session settings in effect when
	// the message was sent, so an edit can restore them before resending.
	Toggles *Toggles `json:"toggles,omitempty"`
}

// Toggles is the per-message snapshot of the ambient session settings.
type Toggles struct {
	SearchEnabled  bool   `json:"searchEnabled"`
	ReasoningLevel string `json:"reasoningLevel,omitempty"`
	ModelID        string `json:"modelId,omitempty"`
}

// CostBreakdown itemizes the USD cost of one turn.
type CostBreakdown struct {
	Prompt     float64 `json:"promptCost"`
	Completion float64 `json:"completionCost"`
	Search     float64 `json:"search"`
	Extract    float64 `json:"extract"`
	OCR        float64 `json:"ocr"`
	Total      float64 `json:"total"`
}

// Metadata is the per-turn usage summary computed once at the finish event
// and immutable afterwards.
type Metadata struct {
	InputTokens        int           `json:"inputTokens"`
	OutputTokens       int           `json:"outputTokens"`
	TokensPerSecond    float64       `json:"tokensPerSecond"`
	TimeToFirstTokenMs int64         `json:"timeToFirstTokenMs"`
	Cost               CostBreakdown `json:"costUSD"`
	Model              string        `json:"model"`
	Sources            []Source      `json:"sources,omitempty"`
}

// StoppedMessageInfo identifies a message the user cancelled mid-stream and
// the model that was producing it.
type StoppedMessageInfo struct {
	MessageID string `json:"messageId"`
	ModelID   string `json:"modelId"`
}

// LastUserIndex returns the index of the latest user message, or -1.
func LastUserIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// IndexByID returns the index of the message with the given id, or -1.
func IndexByID(messages []Message, id string) int {
	for i := range messages {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}
