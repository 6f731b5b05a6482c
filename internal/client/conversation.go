package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skiff-chat/skiff/internal/models"
)

// ErrMessageNotFound is returned when a disruption protocol targets an id
// that is not in the conversation.
var ErrMessageNotFound = errors.New("message not found")

// Session is the ambient state assembled by the caller before each dispatch:
// credentials, model selection, and capability flags. Toggles recorded on an
// outgoing user message are snapshotted from here, and an edit restores the
// edited message's recorded toggles back into it.
type Session struct {
	OpenRouterKey string
	ParallelKey   string

	ModelID        string
	SearchEnabled  bool
	ReasoningLevel string

	SupportsNativePDF bool
	SupportsTools     bool
	PreferOCR         bool

	ModelPricing *models.ModelPricing

	GenerateTitle bool
	GenerateIcon  bool
}

// Conversation owns the client-side message list for one thread and keeps it
// consistent with server-side storage across the three disruption protocols.
// After a stop, regenerate, or edit completes, the local list and the
// server's persisted list describe the same conversation prefix.
type Conversation struct {
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	threadID string
	messages []models.Message
	session  Session
	abort    context.CancelFunc
}

// NewConversation creates a conversation. An empty threadID means the server
// assigns one on the first turn; a non-empty id the server has never seen is
// fine too, the thread is created lazily.
func NewConversation(threadID string, transport Transport, session Session, logger *slog.Logger) *Conversation {
	return &Conversation{
		transport: transport,
		logger:    logger.With(slog.String("module", "conversation")),
		threadID:  threadID,
		session:   session,
	}
}

// ThreadID returns the conversation's thread id, which may change once after
// the first turn when the server assigned it.
func (c *Conversation) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// Messages returns a snapshot of the current message list.
func (c *Conversation) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Session returns the current ambient session state.
func (c *Conversation) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession replaces the ambient session state used by subsequent turns.
func (c *Conversation) SetSession(session Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
}

// Restore replaces the local message list, typically with the server's
// persisted messages after a reload.
func (c *Conversation) Restore(messages []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append([]models.Message(nil), messages...)
}

// Send submits a new user message and streams the assistant's reply into the
// conversation. The outgoing message is fully assembled before dispatch,
// including the toggle snapshot an edit later restores from. Send returns
// when the turn finishes, errors, or is stopped; a stop is not an error.
func (c *Conversation) Send(ctx context.Context, text string, files []models.File) error {
	c.mu.Lock()
	session := c.session
	msg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Timestamp: time.Now(),
		Toggles: &models.Toggles{
			SearchEnabled:  session.SearchEnabled,
			ReasoningLevel: session.ReasoningLevel,
			ModelID:        session.ModelID,
		},
	}
	if text != "" {
		msg.Parts = append(msg.Parts, models.Part{Kind: models.PartKindText, Text: text})
	}
	for _, file := range files {
		msg.Parts = append(msg.Parts, models.Part{Kind: models.PartKindFile, File: file})
	}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	return c.runTurn(ctx, false)
}

// Stop terminates the in-flight turn. It marks the first un-stopped
// assistant message after the latest user message as stopped, fires a
// non-blocking persistence call so the stopped state survives a reload, and
// aborts the stream transport. Stopping when nothing is streaming, or
// stopping the same turn twice, is a no-op.
func (c *Conversation) Stop() {
	c.mu.Lock()

	var stopped *models.Message
	if idx := models.LastUserIndex(c.messages); idx >= 0 {
		for i := idx + 1; i < len(c.messages); i++ {
			m := &c.messages[i]
			if m.Role == models.RoleAssistant && !m.StoppedByUser {
				m.StoppedByUser = true
				m.StoppedModelID = c.session.ModelID
				stopped = m
				break
			}
		}
	}

	var stopReq models.StopRequest
	if stopped != nil {
		stopReq = models.StopRequest{ThreadID: c.threadID, Message: *stopped}
	}
	abort := c.abort
	c.mu.Unlock()

	if stopped != nil {
		// Fire-and-forget: a persistence failure must never surface as a
		// failed stop.
		go func() {
			if err := c.transport.PersistStop(context.Background(), stopReq); err != nil {
				c.logger.Error("Failed to persist stopped message",
					slog.String("err", err.Error()))
			}
		}()
	}
	if abort != nil {
		abort()
	}
}

// Regenerate discards the assistant message with the given id and everything
// after it, server-side first, then re-runs the turn from the preceding
// messages. The re-run is flagged as a regeneration so the server does not
// persist the last user message a second time.
func (c *Conversation) Regenerate(ctx context.Context, messageID string) error {
	c.mu.Lock()
	idx := models.IndexByID(c.messages, messageID)
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("regenerate %q: %w", messageID, ErrMessageNotFound)
	}
	if c.messages[idx].Role != models.RoleAssistant {
		c.mu.Unlock()
		return fmt.Errorf("regenerate %q: not an assistant message", messageID)
	}
	threadID := c.threadID
	c.mu.Unlock()

	if err := c.transport.Truncate(ctx, threadID, idx); err != nil {
		return fmt.Errorf("error truncating thread: %w", err)
	}

	c.mu.Lock()
	if idx < len(c.messages) {
		c.messages = c.messages[:idx]
	}
	c.mu.Unlock()

	return c.runTurn(ctx, true)
}

// Edit rewrites the user message with the given id: it truncates server-side
// storage at that position, deletes attachments the edit dropped, restores
// the message's recorded toggles into the session, and resends with the
// edited text plus the kept and newly attached files. Targeting anything but
// a user message is a no-op, rejected before any truncation happens.
func (c *Conversation) Edit(ctx context.Context, messageID, text string, keptFiles, newFiles []models.File) error {
	c.mu.Lock()
	idx := models.IndexByID(c.messages, messageID)
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("edit %q: %w", messageID, ErrMessageNotFound)
	}
	target := c.messages[idx]
	if target.Role != models.RoleUser {
		c.mu.Unlock()
		return nil
	}
	threadID := c.threadID
	c.mu.Unlock()

	if err := c.transport.Truncate(ctx, threadID, idx); err != nil {
		return fmt.Errorf("error truncating thread: %w", err)
	}

	kept := map[string]bool{}
	for _, file := range keptFiles {
		kept[file.ID] = true
	}
	for _, part := range target.Parts {
		if part.Kind != models.PartKindFile || kept[part.File.ID] {
			continue
		}
		if err := c.transport.DeleteAttachment(ctx, part.File.ID); err != nil {
			c.logger.Error("Failed to delete attachment",
				slog.String("fileID", part.File.ID),
				slog.String("err", err.Error()))
		}
	}

	c.mu.Lock()
	if idx < len(c.messages) {
		c.messages = c.messages[:idx]
	}
	if target.Toggles != nil {
		c.session.SearchEnabled = target.Toggles.SearchEnabled
		c.session.ReasoningLevel = target.Toggles.ReasoningLevel
		c.session.ModelID = target.Toggles.ModelID
	}
	c.mu.Unlock()

	return c.Send(ctx, text, append(append([]models.File(nil), keptFiles...), newFiles...))
}

// runTurn dispatches the current message list and folds the server's event
// stream into a new assistant message, part by part, as events arrive.
func (c *Conversation) runTurn(ctx context.Context, isRegeneration bool) error {
	c.mu.Lock()
	session := c.session
	req := models.TurnRequest{
		Messages:          append([]models.Message(nil), c.messages...),
		ThreadID:          c.threadID,
		OpenRouterKey:     session.OpenRouterKey,
		ParallelKey:       session.ParallelKey,
		SearchEnabled:     session.SearchEnabled,
		ReasoningLevel:    session.ReasoningLevel,
		ModelID:           session.ModelID,
		SupportsNativePDF: session.SupportsNativePDF,
		SupportsTools:     session.SupportsTools,
		IsRegeneration:    isRegeneration,
		PreferOCR:         session.PreferOCR,
		ModelPricing:      session.ModelPricing,
		GenerateTitle:     session.GenerateTitle,
		GenerateIcon:      session.GenerateIcon,
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.transport.StartTurn(ctx, req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if stream.ThreadID != "" {
		c.threadID = stream.ThreadID
	}
	c.messages = append(c.messages, models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now(),
	})
	assistantIdx := len(c.messages) - 1
	c.abort = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.abort = nil
		c.mu.Unlock()
	}()

	for ev, err := range stream.Events {
		if err != nil {
			return err
		}
		if ev.Kind == models.WireError {
			var payload models.ErrorPayload
			if jsonErr := json.Unmarshal(ev.Data, &payload); jsonErr != nil || payload.Message == "" {
				return errors.New("the turn failed")
			}
			return errors.New(payload.Message)
		}

		c.mu.Lock()
		if assistantIdx < len(c.messages) {
			applyWire(&c.messages[assistantIdx], ev)
		}
		c.mu.Unlock()
	}

	return nil
}

// applyWire folds one wire event into the assistant message under assembly.
// Mirrors the server's part assembly so both sides persist the same message.
func applyWire(msg *models.Message, ev models.WireEvent) {
	switch ev.Kind {
	case models.WireTextStart:
		msg.Parts = append(msg.Parts, models.Part{Kind: models.PartKindText})
	case models.WireTextDelta:
		var payload models.DeltaPayload
		if json.Unmarshal(ev.Data, &payload) == nil {
			appendDelta(msg, models.PartKindText, payload.Text)
		}
	case models.WireReasoningStart:
		msg.Parts = append(msg.Parts, models.Part{
			Kind:           models.PartKindReasoning,
			ReasoningState: models.ReasoningStreaming,
		})
	case models.WireReasoningDelta:
		var payload models.DeltaPayload
		if json.Unmarshal(ev.Data, &payload) == nil {
			appendDelta(msg, models.PartKindReasoning, payload.Text)
		}
	case models.WireSource:
		var source models.Source
		if json.Unmarshal(ev.Data, &source) == nil {
			msg.Parts = append(msg.Parts, models.Part{Kind: models.PartKindSource, Source: source})
		}
	case models.WireToolCall:
		var payload models.ToolCallPayload
		if json.Unmarshal(ev.Data, &payload) == nil {
			msg.Parts = append(msg.Parts, models.Part{
				Kind:      models.PartKindToolCall,
				ToolName:  payload.ToolName,
				ToolInput: payload.Input,
				ToolState: models.ToolCallPending,
			})
		}
	case models.WireToolResult:
		var payload models.ToolResultPayload
		if json.Unmarshal(ev.Data, &payload) == nil {
			for i := len(msg.Parts) - 1; i >= 0; i-- {
				if msg.Parts[i].Kind == models.PartKindToolCall &&
					msg.Parts[i].ToolState == models.ToolCallPending {
					msg.Parts[i].ToolState = models.ToolCallResult
					msg.Parts[i].ToolOutput = payload.Output
					break
				}
			}
		}
	case models.WireFinish:
		var meta models.Metadata
		if json.Unmarshal(ev.Data, &meta) == nil {
			msg.Metadata = &meta
		}
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
