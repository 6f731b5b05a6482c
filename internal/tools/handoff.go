package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/skiff-chat/skiff/internal/models"
)

// HandOffToolName is the function name offered to the model.
const HandOffToolName = "handoff"

// HandOffToolDescription tells the model when to spawn a fresh thread.
const HandOffToolDescription = "Hand the conversation off to a new thread. " +
	"Provide an objective describing what the new thread should work on."

// HandOffToolSchema is the JSON schema of the hand-off tool's input.
var HandOffToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"objective": {"type": "string", "maxLength": 500, "description": "Goal of the new thread"}
	},
	"required": ["objective"]
}`)

// PromptSynthesizer turns an objective plus the current conversation into
// the seed prompt of a new thread.
type PromptSynthesizer interface {
	SynthesizePrompt(ctx context.Context, apiKey, objective string, history []models.Message) (string, error)
}

// ThreadSeeder atomically creates a thread together with its seed message.
// Either both exist afterwards or neither does.
type ThreadSeeder interface {
	SeedThread(ctx context.Context, thread models.Thread, seed models.Message) (string, error)
}

// HandOffInput is the hand-off tool's input as produced by the model.
type HandOffInput struct {
	Objective string `json:"objective"`
}

// HandOffOutput is the hand-off tool's result union.
type HandOffOutput struct {
	ThreadID string `json:"threadId,omitempty"`
	Prompt   string `json:"prompt,omitempty"`

	Err *ErrorOutput `json:"-"`
}

// IsError reports whether the call failed.
func (o HandOffOutput) IsError() bool { return o.Err != nil }

// Payload is the JSON handed back to the model.
func (o HandOffOutput) Payload() json.RawMessage {
	if o.Err != nil {
		return marshalPayload(o.Err)
	}
	return marshalPayload(o)
}

// HandOff synthesizes a seed prompt from the current thread's history and
// creates a new thread around it.
type HandOff struct {
	synth PromptSynthesizer
	store ThreadSeeder

	logger *slog.Logger
}

// NewHandOff creates a HandOff tool backed by the given synthesizer and store.
func NewHandOff(synth PromptSynthesizer, store ThreadSeeder, logger *slog.Logger) HandOff {
	return HandOff{
		synth:  synth,
		store:  store,
		logger: logger.With(slog.String("module", "handoff")),
	}
}

// Run executes one hand-off. The new thread is created for userID and seeded
// with the synthesized prompt as its first user message.
func (h HandOff) Run(
	ctx context.Context,
	apiKey string,
	input HandOffInput,
	history []models.Message,
	userID string,
) HandOffOutput {
	objective := input.Objective
	if len(objective) > 500 {
		objective = objective[:500]
	}

	prompt, err := h.synth.SynthesizePrompt(ctx, apiKey, objective, history)
	if err != nil {
		h.logger.Error("Prompt synthesis failed", slog.String("err", err.Error()))
		return HandOffOutput{Err: newError(CodeGenerationFailed,
			"Could not generate a prompt for the new thread.")}
	}

	now := time.Now()
	thread := models.Thread{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
	}
	seed := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Parts:     []models.Part{{Kind: models.PartKindText, Text: prompt}},
		Timestamp: now,
	}

	threadID, err := h.store.SeedThread(ctx, thread, seed)
	if err != nil {
		h.logger.Error("Thread creation failed", slog.String("err", err.Error()))
		return HandOffOutput{Err: newError(CodeThreadCreationFailed,
			"Could not create the new thread.")}
	}

	return HandOffOutput{ThreadID: threadID, Prompt: prompt}
}
