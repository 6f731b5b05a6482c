package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/skiff-chat/skiff/internal/models"
	"github.com/skiff-chat/skiff/internal/pricing"
	"github.com/skiff-chat/skiff/internal/provider"
	"github.com/skiff-chat/skiff/internal/stream"
	"github.com/skiff-chat/skiff/internal/tools"
	"github.com/tmaxmax/go-sse"
)

const errLoggerKey = "err"

// maxToolRounds caps model/tool round trips per turn so a misbehaving model
// cannot loop tools forever.
const maxToolRounds = 8

var reasoningLevels = map[string]bool{
	"xhigh": true, "high": true, "medium": true, "low": true, "minimal": true,
}

// eventWriter encodes wire events onto the streaming HTTP response.
type eventWriter struct {
	w      http.ResponseWriter
	f      http.Flusher
	logger *slog.Logger
}

func (ew eventWriter) send(kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		ew.logger.Error("Failed to marshal wire event",
			slog.String("kind", kind),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: sse.Type(kind)}
	msg.AppendData(string(data))
	if _, err := msg.WriteTo(ew.w); err != nil {
		// The client went away; the turn keeps draining so accumulators and
		// persistence stay consistent.
		ew.logger.Debug("Failed to write wire event", slog.String(errLoggerKey, err.Error()))
		return
	}
	ew.f.Flush()
}

// HandleChat runs one turn: it validates keys and thread ownership, persists
// the inbound user message, streams the provider's events to the client as
// they arrive, runs tool calls between model rounds, and finalizes usage
// metadata exactly once when the provider finishes.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user := userID(r)
	ctx := r.Context()

	modelID := req.ModelID
	if modelID == "" {
		modelID = m.cfg.DefaultModel
	}

	openRouterKey := req.OpenRouterKey
	if openRouterKey == "" {
		openRouterKey = m.cfg.OpenRouterKey
	}
	if openRouterKey == "" {
		writeJSONError(w, http.StatusBadRequest,
			"No API key configured. Add an OpenRouter API key in settings.")
		return
	}

	parallelKey := req.ParallelKey
	if parallelKey == "" {
		parallelKey = m.cfg.ParallelKey
	}
	if req.SearchEnabled && parallelKey == "" {
		writeJSONError(w, http.StatusBadRequest,
			"Web search is enabled but no Parallel API key configured. Add one in settings.")
		return
	}

	threadID := req.ThreadID
	if threadID != "" {
		exists, ok, err := m.checkThreadAccess(ctx, threadID, user)
		if err != nil {
			m.logger.Error("Failed to check thread access", slog.String(errLoggerKey, err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		if !ok {
			writeJSONError(w, http.StatusForbidden, "Thread not found or unauthorized")
			return
		}
		if !exists {
			// Optimistic navigation: the client routed to a fresh thread id
			// before the server ever saw it.
			if err := m.store.AddThread(ctx, models.Thread{
				ID: threadID, UserID: user, CreatedAt: time.Now(),
			}); err != nil {
				m.logger.Error("Failed to lazily create thread",
					slog.String("threadID", threadID),
					slog.String(errLoggerKey, err.Error()))
			}
		}
	} else {
		threadID = uuid.New().String()
		if err := m.store.AddThread(ctx, models.Thread{
			ID: threadID, UserID: user, CreatedAt: time.Now(),
		}); err != nil {
			m.logger.Error("Failed to create thread", slog.String(errLoggerKey, err.Error()))
		}
	}

	stored, err := m.store.Messages(ctx, threadID)
	if err != nil {
		m.logger.Error("Failed to read thread messages", slog.String(errLoggerKey, err.Error()))
	}
	firstMessage := len(stored) == 0

	// The trailing user message is persisted best-effort: a storage hiccup
	// must not keep the turn from streaming. Regenerations skip this, their
	// user message is already stored.
	if !req.IsRegeneration && len(req.Messages) > 0 {
		if last := req.Messages[len(req.Messages)-1]; last.Role == models.RoleUser {
			if _, err := m.store.AddMessage(ctx, threadID, last); err != nil {
				m.logger.Error("Failed to persist user message",
					slog.String("threadID", threadID),
					slog.String(errLoggerKey, err.Error()))
			}
		}
	}

	opts := provider.ChatOptions{Model: modelID}
	if reasoningLevels[req.ReasoningLevel] {
		opts.ReasoningEffort = req.ReasoningLevel
	}

	session := stream.NewSession(threadID, time.Now())
	m.configurePDF(ctx, &req, &opts, session)

	offered := m.buildToolSet(&req, &opts, req.ThreadID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Thread-Id", threadID)
	w.WriteHeader(http.StatusOK)
	ew := eventWriter{w: w, f: flusher, logger: m.logger}

	assistant := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	}
	messages := append([]models.Message(nil), req.Messages...)

	finished := false
	for round := 0; round < maxToolRounds && !finished; round++ {
		var toolCall *provider.Event

		for ev, err := range m.llm.Chat(ctx, openRouterKey, messages, opts) {
			if err != nil {
				m.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
				ew.send(models.WireError, models.ErrorPayload{Message: err.Error()})
				return
			}

			session.Apply(ev, time.Now())
			applyEvent(&assistant, ev)

			switch ev.Kind {
			case provider.EventTextStart:
				ew.send(models.WireTextStart, struct{}{})
			case provider.EventTextDelta:
				ew.send(models.WireTextDelta, models.DeltaPayload{Text: ev.Delta})
			case provider.EventReasoningStart:
				ew.send(models.WireReasoningStart, struct{}{})
			case provider.EventReasoningDelta:
				ew.send(models.WireReasoningDelta, models.DeltaPayload{Text: ev.Delta})
			case provider.EventSource:
				ew.send(models.WireSource, ev.Source)
			case provider.EventToolCall:
				ev := ev
				toolCall = &ev
				ew.send(models.WireToolCall, models.ToolCallPayload{
					ToolName: ev.ToolName, Input: ev.ToolInput,
				})
			case provider.EventFinish:
				finished = true
			}
		}

		if toolCall == nil {
			break
		}

		output := m.runTool(ctx, *toolCall, offered, parallelKey, openRouterKey, req.Messages, user, session)
		resolveToolCall(&assistant, output)
		ew.send(models.WireToolResult, models.ToolResultPayload{
			ToolName: toolCall.ToolName, Output: output,
		})

		messages = append(append([]models.Message(nil), req.Messages...), assistant)
	}

	if !finished {
		// Cancelled mid-stream or the round budget ran out; the stopped state
		// is persisted through the stop endpoint, not here.
		return
	}

	var clientPrompt, clientCompletion float64
	if req.ModelPricing != nil {
		clientPrompt = req.ModelPricing.Prompt
		clientCompletion = req.ModelPricing.Completion
	}
	rates := pricing.Resolve(modelID, clientPrompt, clientCompletion)
	meta := session.Finalize(modelID, rates, time.Now())
	assistant.Metadata = &meta

	ew.send(models.WireFinish, meta)

	if _, err := m.store.AddMessage(ctx, threadID, assistant); err != nil {
		m.logger.Error("Failed to persist assistant message",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
	}

	if firstMessage {
		m.spawnThreadNaming(req, threadID, openRouterKey)
	}
}

// buildToolSet decides which tools this turn offers. Search and extract need
// search enabled plus a resolved key; hand-off needs an existing thread; and
// nothing is offered at all unless the caller declared tool support.
func (m Main) buildToolSet(req *models.TurnRequest, opts *provider.ChatOptions, threadID string) map[string]bool {
	offered := map[string]bool{}
	var defs []provider.ToolDef

	if req.SearchEnabled {
		offered[tools.SearchToolName] = true
		offered[tools.ExtractToolName] = true
		defs = append(defs,
			provider.ToolDef{
				Name:        tools.SearchToolName,
				Description: tools.SearchToolDescription,
				Parameters:  tools.SearchToolSchema,
			},
			provider.ToolDef{
				Name:        tools.ExtractToolName,
				Description: tools.ExtractToolDescription,
				Parameters:  tools.ExtractToolSchema,
			},
		)
	}
	if threadID != "" {
		offered[tools.HandOffToolName] = true
		defs = append(defs, provider.ToolDef{
			Name:        tools.HandOffToolName,
			Description: tools.HandOffToolDescription,
			Parameters:  tools.HandOffToolSchema,
		})
	}

	if !req.SupportsTools {
		return map[string]bool{}
	}
	opts.Tools = defs
	return offered
}

// configurePDF selects the file-parser engine for models without native PDF
// support and, when OCR is chosen, folds attachment page counts into the
// session's cost accumulator.
func (m Main) configurePDF(ctx context.Context, req *models.TurnRequest, opts *provider.ChatOptions, session *stream.Session) {
	var pdfs []models.File
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			if part.IsPDF() {
				pdfs = append(pdfs, part.File)
			}
		}
	}
	if len(pdfs) == 0 || req.SupportsNativePDF {
		return
	}

	if !req.PreferOCR {
		opts.PDFEngine = provider.PDFEngineText
		return
	}

	opts.PDFEngine = provider.PDFEngineOCR
	for _, file := range pdfs {
		pages, err := m.attachments.PageCount(ctx, file.ID)
		if err != nil {
			m.logger.Error("Failed to look up PDF page count",
				slog.String("fileID", file.ID),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		session.AddOCRPages(pages)
	}
}

// runTool executes one tool call and returns the structured payload handed
// back to the model. Failures come back as error payloads, never Go errors.
func (m Main) runTool(
	ctx context.Context,
	call provider.Event,
	offered map[string]bool,
	parallelKey, openRouterKey string,
	history []models.Message,
	user string,
	session *stream.Session,
) json.RawMessage {
	errPayload := func(code tools.ErrorCode, message string) json.RawMessage {
		raw, _ := json.Marshal(tools.ErrorOutput{Error: true, Code: code, Message: message})
		return raw
	}

	if !offered[call.ToolName] {
		return errPayload(tools.CodeRequestFailed, "Tool "+call.ToolName+" is not available in this turn.")
	}

	switch call.ToolName {
	case tools.SearchToolName:
		var input tools.SearchInput
		if err := json.Unmarshal(call.ToolInput, &input); err != nil {
			return errPayload(tools.CodeRequestFailed, "Tool input is not valid JSON.")
		}
		out := m.toolClient.Search(ctx, parallelKey, input)
		session.RecordSearch(out)
		return out.Payload()

	case tools.ExtractToolName:
		var input tools.ExtractInput
		if err := json.Unmarshal(call.ToolInput, &input); err != nil {
			return errPayload(tools.CodeRequestFailed, "Tool input is not valid JSON.")
		}
		out := m.toolClient.Extract(ctx, parallelKey, input)
		session.RecordExtract(out)
		return out.Payload()

	case tools.HandOffToolName:
		var input tools.HandOffInput
		if err := json.Unmarshal(call.ToolInput, &input); err != nil {
			return errPayload(tools.CodeRequestFailed, "Tool input is not valid JSON.")
		}
		handoff := tools.NewHandOff(m.llm, m.store, m.logger)
		return handoff.Run(ctx, openRouterKey, input, history, user).Payload()
	}

	return errPayload(tools.CodeRequestFailed, "Unknown tool "+call.ToolName+".")
}

// applyEvent folds one provider event into the assistant message being
// assembled. Parts are append-only; only tool-call parts mutate later, via
// resolveToolCall.
func applyEvent(msg *models.Message, ev provider.Event) {
	switch ev.Kind {
	case provider.EventTextStart:
		msg.Parts = append(msg.Parts, models.Part{Kind: models.PartKindText})
	case provider.EventTextDelta:
		appendDelta(msg, models.PartKindText, ev.Delta)
	case provider.EventReasoningStart:
		msg.Parts = append(msg.Parts, models.Part{
			Kind:           models.PartKindReasoning,
			ReasoningState: models.ReasoningStreaming,
		})
	case provider.EventReasoningDelta:
		appendDelta(msg, models.PartKindReasoning, ev.Delta)
	case provider.EventSource:
		msg.Parts = append(msg.Parts, models.Part{Kind: models.PartKindSource, Source: ev.Source})
	case provider.EventToolCall:
		msg.Parts = append(msg.Parts, models.Part{
			Kind:      models.PartKindToolCall,
			ToolName:  ev.ToolName,
			ToolInput: ev.ToolInput,
			ToolState: models.ToolCallPending,
		})
	case provider.EventFinish:
		for i := range msg.Parts {
			if msg.Parts[i].Kind == models.PartKindReasoning {
				msg.Parts[i].ReasoningState = models.ReasoningDone
			}
		}
	}
}

func appendDelta(msg *models.Message, kind models.PartKind, delta string) {
	for i := len(msg.Parts) - 1; i >= 0; i-- {
		if msg.Parts[i].Kind == kind {
			msg.Parts[i].Text += delta
			return
		}
	}
	msg.Parts = append(msg.Parts, models.Part{Kind: kind, Text: delta})
}

// resolveToolCall transitions the latest pending tool-call part to its
// result state.
func resolveToolCall(msg *models.Message, output json.RawMessage) {
	for i := len(msg.Parts) - 1; i >= 0; i-- {
		if msg.Parts[i].Kind == models.PartKindToolCall && msg.Parts[i].ToolState == models.ToolCallPending {
			msg.Parts[i].ToolState = models.ToolCallResult
			msg.Parts[i].ToolOutput = output
			return
		}
	}
}

// spawnThreadNaming launches the auto-title/auto-icon side effects for a
// thread's first message. Detached on purpose: never blocks the turn, never
// retries, logs on failure.
func (m Main) spawnThreadNaming(req models.TurnRequest, threadID, apiKey string) {
	if !req.GenerateTitle && !req.GenerateIcon {
		return
	}

	var firstText string
	if idx := models.LastUserIndex(req.Messages); idx >= 0 {
		for _, part := range req.Messages[idx].Parts {
			if part.Kind == models.PartKindText && part.Text != "" {
				firstText = part.Text
				break
			}
		}
	}
	if firstText == "" {
		return
	}

	go func() {
		ctx := context.Background()
		thread, found, err := m.store.Thread(ctx, threadID)
		if err != nil || !found {
			return
		}

		if req.GenerateTitle {
			title, err := m.titles.GenerateTitle(ctx, apiKey, firstText)
			if err != nil {
				m.logger.Error("Error generating thread title", slog.String(errLoggerKey, err.Error()))
			} else {
				thread.Title = title
			}
		}
		if req.GenerateIcon {
			icon, err := m.titles.GenerateIcon(ctx, apiKey, firstText)
			if err != nil {
				m.logger.Error("Error generating thread icon", slog.String(errLoggerKey, err.Error()))
			} else {
				thread.Icon = icon
			}
		}

		if err := m.store.UpdateThread(ctx, thread); err != nil {
			m.logger.Error("Failed to update thread naming", slog.String(errLoggerKey, err.Error()))
		}
	}()
}
