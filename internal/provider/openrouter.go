package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/skiff-chat/skiff/internal/models"
	"github.com/skiff-chat/skiff/internal/pricing"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter streams chat completions from the OpenRouter API. The API key
// is supplied per call: every turn may bring its own key.
type OpenRouter struct {
	baseURL string
	client  *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model     string                `json:"model"`
	Messages  []openRouterMessage   `json:"messages"`
	Tools     []openRouterTool      `json:"tools,omitempty"`
	Stream    bool                  `json:"stream"`
	Usage     *openRouterUsageOpt   `json:"usage,omitempty"`
	Reasoning *openRouterReasoning  `json:"reasoning,omitempty"`
	Plugins   []openRouterPlugin    `json:"plugins,omitempty"`
}

type openRouterUsageOpt struct {
	Include bool `json:"include"`
}

type openRouterReasoning struct {
	Effort string `json:"effort"`
}

type openRouterPlugin struct {
	ID  string               `json:"id"`
	PDF *openRouterPDFConfig `json:"pdf,omitempty"`
}

type openRouterPDFConfig struct {
	Engine string `json:"engine"`
}

type openRouterMessage struct {
	Role       string                `json:"role"`
	Content    any                   `json:"content,omitempty"`
	ToolCalls  []openRouterToolCalls `json:"tool_calls,omitempty"`
	ToolCallID string                `json:"tool_call_id,omitempty"`
}

type openRouterContentBlock struct {
	Type string               `json:"type"`
	Text string               `json:"text,omitempty"`
	File *openRouterFileBlock `json:"file,omitempty"`
}

type openRouterFileBlock struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type openRouterToolCalls struct {
	ID       string                     `json:"id"`
	Type     string                     `json:"type"`
	Function openRouterToolCallFunction `json:"function"`
}

type openRouterToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openRouterTool struct {
	Type     string                 `json:"type"`
	Function openRouterToolFunction `json:"function"`
}

type openRouterToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openRouterAnnotation struct {
	Type        string `json:"type"`
	URLCitation struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"url_citation"`
}

type openRouterDelta struct {
	Content     string                 `json:"content,omitempty"`
	Reasoning   string                 `json:"reasoning,omitempty"`
	ToolCalls   []openRouterToolCalls  `json:"tool_calls,omitempty"`
	Annotations []openRouterAnnotation `json:"annotations,omitempty"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
	Usage   *openRouterUsage            `json:"usage,omitempty"`
	Error   *apiError                   `json:"error,omitempty"`
}

type openRouterStreamingChoice struct {
	Delta openRouterDelta `json:"delta"`
}

type openRouterUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
	Error   *apiError          `json:"error,omitempty"`
}

type openRouterChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

const openRouterAPIEndpoint = "https://openrouter.ai/api/v1"

// NewOpenRouter creates a client against the production OpenRouter endpoint.
func NewOpenRouter(logger *slog.Logger) OpenRouter {
	return NewOpenRouterWithBaseURL(openRouterAPIEndpoint, logger)
}

// NewOpenRouterWithBaseURL creates a client against a custom endpoint. Used
// by tests to point at a local server.
func NewOpenRouterWithBaseURL(baseURL string, logger *slog.Logger) OpenRouter {
	return OpenRouter{
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "openrouter")),
	}
}

// Chat streams one model round for the given messages. The iterator yields
// typed events strictly in arrival order. A round ends either with a
// tool-call event (the model wants a tool run) or a finish event carrying the
// usage the provider reported for the round. Context cancellation terminates
// the stream silently; stop is not an error.
func (o OpenRouter) Chat(
	ctx context.Context,
	apiKey string,
	messages []models.Message,
	opts ChatOptions,
) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		resp, err := o.doRequest(ctx, apiKey, messages, opts, true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(Event{}, err)
			return
		}
		defer resp.Body.Close()

		var (
			textStarted      bool
			reasoningStarted bool
			toolUse          bool
			toolArgs         string
			toolCall         Event
			usage            pricing.Usage
		)

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				yield(Event{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			if ev.Data == "[DONE]" {
				break
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(Event{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}

			if res.Error != nil {
				body, _ := json.Marshal(apiErrorBody{Error: *res.Error})
				yield(Event{}, errors.New(HumanError(res.Error.Code, body)))
				return
			}

			if res.Usage != nil {
				usage = pricing.Usage{
					InputTokens:  res.Usage.PromptTokens,
					OutputTokens: res.Usage.CompletionTokens,
				}
			}

			if len(res.Choices) == 0 {
				continue
			}
			delta := res.Choices[0].Delta

			if delta.Reasoning != "" {
				if !reasoningStarted {
					reasoningStarted = true
					if !yield(Event{Kind: EventReasoningStart}, nil) {
						return
					}
				}
				if !yield(Event{Kind: EventReasoningDelta, Delta: delta.Reasoning}, nil) {
					return
				}
			}

			if delta.Content != "" {
				if !textStarted {
					textStarted = true
					if !yield(Event{Kind: EventTextStart}, nil) {
						return
					}
				}
				if !yield(Event{Kind: EventTextDelta, Delta: delta.Content}, nil) {
					return
				}
			}

			for _, ann := range delta.Annotations {
				if ann.Type != "url_citation" {
					continue
				}
				if !yield(Event{Kind: EventSource, Source: models.Source{
					ID:         ann.URLCitation.URL,
					SourceType: "url",
					URL:        ann.URLCitation.URL,
					Title:      ann.URLCitation.Title,
				}}, nil) {
					return
				}
			}

			if len(delta.ToolCalls) > 0 {
				if len(delta.ToolCalls) > 1 {
					o.logger.Warn("Received multiple tool calls, but only the first one is supported",
						slog.Int("count", len(delta.ToolCalls)))
				}
				toolArgs += delta.ToolCalls[0].Function.Arguments
				if !toolUse {
					toolUse = true
					toolCall = Event{
						Kind:       EventToolCall,
						ToolCallID: fmt.Sprintf("%s-%d", delta.ToolCalls[0].ID, time.Now().UnixMilli()),
						ToolName:   delta.ToolCalls[0].Function.Name,
					}
				}
			}
		}

		if toolUse {
			if toolArgs == "" {
				toolArgs = "{}"
			}
			toolCall.ToolInput = json.RawMessage(toolArgs)
			toolCall.Usage = usage
			o.logger.Debug("Call tool",
				slog.String("name", toolCall.ToolName),
				slog.String("args", toolArgs))
			yield(toolCall, nil)
			return
		}

		yield(Event{Kind: EventFinish, Usage: usage}, nil)
	}
}

// SynthesizePrompt asks the model to write a self-contained prompt for a new
// thread from a hand-off objective and the current conversation.
func (o OpenRouter) SynthesizePrompt(
	ctx context.Context,
	apiKey, objective string,
	history []models.Message,
) (string, error) {
	var transcript strings.Builder
	for _, msg := range history {
		for _, part := range msg.Parts {
			if part.Kind == models.PartKindText && part.Text != "" {
				fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, part.Text)
			}
		}
	}

	msgs := []openRouterMessage{
		{
			Role: "system",
			Content: "Write a single self-contained prompt that lets a fresh conversation " +
				"continue the work described by the objective. Reply with the prompt only.",
		},
		{
			Role:    "user",
			Content: fmt.Sprintf("Objective: %s\n\nConversation so far:\n%s", objective, transcript.String()),
		},
	}

	return o.complete(ctx, apiKey, "openrouter/auto", msgs)
}

func (o OpenRouter) complete(
	ctx context.Context,
	apiKey, model string,
	msgs []openRouterMessage,
) (string, error) {
	reqBody := openRouterChatRequest{
		Model:    model,
		Messages: msgs,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	o.setHeaders(req, apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", errors.New(HumanError(resp.StatusCode, body))
	}

	var res openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}
	return res.Choices[0].Message.Content, nil
}

func (o OpenRouter) doRequest(
	ctx context.Context,
	apiKey string,
	messages []models.Message,
	opts ChatOptions,
	stream bool,
) (*http.Response, error) {
	msgs := buildMessages(messages)

	oTools := make([]openRouterTool, len(opts.Tools))
	for i, tool := range opts.Tools {
		oTools[i] = openRouterTool{
			Type: "function",
			Function: openRouterToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}
	}

	reqBody := openRouterChatRequest{
		Model:    opts.Model,
		Messages: msgs,
		Stream:   stream,
		Tools:    oTools,
		Usage:    &openRouterUsageOpt{Include: true},
	}
	if opts.ReasoningEffort != "" {
		reqBody.Reasoning = &openRouterReasoning{Effort: opts.ReasoningEffort}
	}
	if opts.PDFEngine != "" {
		reqBody.Plugins = append(reqBody.Plugins, openRouterPlugin{
			ID:  "file-parser",
			PDF: &openRouterPDFConfig{Engine: opts.PDFEngine},
		})
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	o.setHeaders(req, apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errors.New(HumanError(resp.StatusCode, body))
	}

	return resp, nil
}

func (o OpenRouter) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/skiff-chat/skiff/")
	req.Header.Set("X-Title", "Skiff")
}

// buildMessages converts part-structured messages into the provider's wire
// shape. Reasoning and source parts are never sent back; resolved tool calls
// expand into a tool_calls message plus a tool result message.
func buildMessages(messages []models.Message) []openRouterMessage {
	var msgs []openRouterMessage
	for _, msg := range messages {
		var texts []string
		var files []models.File

		for _, part := range msg.Parts {
			switch part.Kind {
			case models.PartKindText:
				if part.Text != "" {
					texts = append(texts, part.Text)
				}
			case models.PartKindFile:
				files = append(files, part.File)
			case models.PartKindToolCall:
				msgs = append(msgs, openRouterMessage{
					Role: "assistant",
					ToolCalls: []openRouterToolCalls{
						{
							ID:   part.ToolName + "-call",
							Type: "function",
							Function: openRouterToolCallFunction{
								Name:      part.ToolName,
								Arguments: string(part.ToolInput),
							},
						},
					},
				})
				if part.ToolState == models.ToolCallResult {
					msgs = append(msgs, openRouterMessage{
						Role:       "tool",
						ToolCallID: part.ToolName + "-call",
						Content:    string(part.ToolOutput),
					})
				}
			case models.PartKindReasoning, models.PartKindSource:
			}
		}

		if len(files) == 0 {
			for _, text := range texts {
				msgs = append(msgs, openRouterMessage{
					Role:    string(msg.Role),
					Content: text,
				})
			}
			continue
		}

		var blocks []openRouterContentBlock
		for _, text := range texts {
			blocks = append(blocks, openRouterContentBlock{Type: "text", Text: text})
		}
		for _, file := range files {
			blocks = append(blocks, openRouterContentBlock{
				Type: "file",
				File: &openRouterFileBlock{Filename: file.Filename, FileData: file.URL},
			})
		}
		msgs = append(msgs, openRouterMessage{
			Role:    string(msg.Role),
			Content: blocks,
		})
	}
	return msgs
}
