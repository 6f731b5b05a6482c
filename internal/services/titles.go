package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
)

// Titles generates short thread titles and icons from a thread's first user
// message. It goes through OpenRouter's OpenAI-compatible endpoint, so the
// same bring-your-own key works here; the key is supplied per call. Both
// generators are invoked fire-and-forget by the turn orchestrator and their
// failures are logged, never surfaced.
type Titles struct {
	baseURL string
	model   string

	logger *slog.Logger
}

const titlesBaseURL = "https://openrouter.ai/api/v1"

// NewTitles creates a Titles generator using the given model.
func NewTitles(model string, logger *slog.Logger) Titles {
	return NewTitlesWithBaseURL(titlesBaseURL, model, logger)
}

// NewTitlesWithBaseURL creates a Titles generator against a custom endpoint.
// Used by tests to point at a local server.
func NewTitlesWithBaseURL(baseURL, model string, logger *slog.Logger) Titles {
	return Titles{
		baseURL: baseURL,
		model:   model,
		logger:  logger.With(slog.String("module", "titles")),
	}
}

func (t Titles) client(apiKey string) *goopenai.Client {
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = t.baseURL
	return goopenai.NewClientWithConfig(cfg)
}

func (t Titles) complete(ctx context.Context, apiKey, system, user string) (string, error) {
	resp, err := t.client(apiKey).CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: t.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: system},
			{Role: goopenai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// GenerateTitle produces a short title for a thread from its first message.
func (t Titles) GenerateTitle(ctx context.Context, apiKey, message string) (string, error) {
	return t.complete(ctx, apiKey,
		"Write a title of at most five words for a conversation that starts with the "+
			"following message. Reply with the title only, no quotes.",
		message)
}

// GenerateIcon picks a single icon name for a thread from its first message.
func (t Titles) GenerateIcon(ctx context.Context, apiKey, message string) (string, error) {
	return t.complete(ctx, apiKey,
		"Pick the one word from this list that best matches the topic of the following "+
			"message: chat, code, search, travel, food, science, art, music, sports, "+
			"finance. Reply with the word only.",
		message)
}
