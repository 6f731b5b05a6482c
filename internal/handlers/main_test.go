package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/skiff-chat/skiff/internal/handlers"
	"github.com/skiff-chat/skiff/internal/models"
	"github.com/skiff-chat/skiff/internal/pricing"
	"github.com/skiff-chat/skiff/internal/provider"
	"github.com/skiff-chat/skiff/internal/tools"
)

type mockLLM struct {
	rounds [][]provider.Event
	err    error

	calls int
}

func (m *mockLLM) Chat(
	_ context.Context, _ string, _ []models.Message, _ provider.ChatOptions,
) iter.Seq2[provider.Event, error] {
	round := m.calls
	m.calls++
	return func(yield func(provider.Event, error) bool) {
		if m.err != nil {
			yield(provider.Event{}, m.err)
			return
		}
		if round >= len(m.rounds) {
			return
		}
		for _, ev := range m.rounds[round] {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (m *mockLLM) SynthesizePrompt(context.Context, string, string, []models.Message) (string, error) {
	return "synthesized prompt", nil
}

type mockStore struct {
	threads  map[string]models.Thread
	messages map[string][]models.Message
	err      error
}

func newMockStore() *mockStore {
	return &mockStore{
		threads:  map[string]models.Thread{},
		messages: map[string][]models.Message{},
	}
}

func (m *mockStore) Threads(_ context.Context, userID string) ([]models.Thread, error) {
	var out []models.Thread
	for _, t := range m.threads {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, m.err
}

func (m *mockStore) Thread(_ context.Context, id string) (models.Thread, bool, error) {
	t, ok := m.threads[id]
	return t, ok, m.err
}

func (m *mockStore) AddThread(_ context.Context, thread models.Thread) error {
	if m.err != nil {
		return m.err
	}
	m.threads[thread.ID] = thread
	return nil
}

func (m *mockStore) UpdateThread(_ context.Context, thread models.Thread) error {
	if m.err != nil {
		return m.err
	}
	m.threads[thread.ID] = thread
	return nil
}

func (m *mockStore) SeedThread(_ context.Context, thread models.Thread, seed models.Message) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.threads[thread.ID] = thread
	m.messages[thread.ID] = []models.Message{seed}
	return thread.ID, nil
}

func (m *mockStore) Messages(_ context.Context, threadID string) ([]models.Message, error) {
	return m.messages[threadID], m.err
}

func (m *mockStore) AddMessage(_ context.Context, threadID string, msg models.Message) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.messages[threadID] = append(m.messages[threadID], msg)
	return msg.ID, nil
}

func (m *mockStore) TruncateMessages(_ context.Context, threadID string, keepBefore int) error {
	if m.err != nil {
		return m.err
	}
	if msgs := m.messages[threadID]; keepBefore < len(msgs) {
		m.messages[threadID] = msgs[:keepBefore]
	}
	return nil
}

type mockTitles struct{}

func (mockTitles) GenerateTitle(context.Context, string, string) (string, error) { return "Title", nil }
func (mockTitles) GenerateIcon(context.Context, string, string) (string, error)  { return "chat", nil }

type mockToolClient struct {
	searchOut  tools.SearchOutput
	extractOut tools.ExtractOutput
}

func (m mockToolClient) Search(context.Context, string, tools.SearchInput) tools.SearchOutput {
	return m.searchOut
}

func (m mockToolClient) Extract(context.Context, string, tools.ExtractInput) tools.ExtractOutput {
	return m.extractOut
}

type mockAttachments struct {
	pages map[string]int
}

func (m mockAttachments) PageCount(_ context.Context, fileID string) (int, error) {
	return m.pages[fileID], nil
}

func (m mockAttachments) Delete(context.Context, string) error { return nil }

func newTestMain(llm handlers.LLM, store handlers.Store, tc handlers.ToolClient) handlers.Main {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return handlers.NewMain(llm, store, mockTitles{}, tc, mockAttachments{}, handlers.Config{
		OpenRouterKey: "sk-server",
		ParallelKey:   "pk-server",
		DefaultModel:  "test/model",
	}, logger)
}

func turnRequest(t *testing.T, req models.TurnRequest) *http.Request {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	r.Header.Set("X-User-ID", "u1")
	return r
}

func userMessage(text string) models.Message {
	return models.Message{
		ID:    "m1",
		Role:  models.RoleUser,
		Parts: []models.Part{{Kind: models.PartKindText, Text: text}},
	}
}

func tokenUsage(in, out int) pricing.Usage {
	return pricing.Usage{InputTokens: in, OutputTokens: out}
}

func TestHandleChatKeyValidation(t *testing.T) {
	tests := []struct {
		name       string
		cfg        handlers.Config
		req        models.TurnRequest
		wantStatus int
		wantError  string
	}{
		{
			name:       "No provider key anywhere",
			cfg:        handlers.Config{DefaultModel: "test/model"},
			req:        models.TurnRequest{Messages: []models.Message{userMessage("hi")}},
			wantStatus: http.StatusBadRequest,
			wantError:  "No API key configured",
		},
		{
			name:       "Search enabled without search key",
			cfg:        handlers.Config{OpenRouterKey: "sk", DefaultModel: "test/model"},
			req:        models.TurnRequest{Messages: []models.Message{userMessage("hi")}, SearchEnabled: true},
			wantStatus: http.StatusBadRequest,
			wantError:  "no Parallel API key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			main := handlers.NewMain(&mockLLM{}, newMockStore(), mockTitles{}, mockToolClient{},
				mockAttachments{}, tt.cfg, logger)

			w := httptest.NewRecorder()
			main.HandleChat(w, turnRequest(t, tt.req))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantError) {
				t.Errorf("body = %q, want to contain %q", w.Body.String(), tt.wantError)
			}
		})
	}
}

func TestHandleChatRejectsForeignThread(t *testing.T) {
	store := newMockStore()
	store.threads["t1"] = models.Thread{ID: "t1", UserID: "someone-else"}
	main := newTestMain(&mockLLM{}, store, mockToolClient{})

	w := httptest.NewRecorder()
	main.HandleChat(w, turnRequest(t, models.TurnRequest{
		ThreadID: "t1",
		Messages: []models.Message{userMessage("hi")},
	}))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Thread not found or unauthorized") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestHandleChatStreamsAndPersists(t *testing.T) {
	llm := &mockLLM{rounds: [][]provider.Event{{
		{Kind: provider.EventReasoningStart},
		{Kind: provider.EventReasoningDelta, Delta: "thinking"},
		{Kind: provider.EventTextStart},
		{Kind: provider.EventTextDelta, Delta: "Hello"},
		{Kind: provider.EventTextDelta, Delta: " there"},
		{Kind: provider.EventFinish, Usage: tokenUsage(12, 5)},
	}}}
	store := newMockStore()
	store.threads["t1"] = models.Thread{ID: "t1", UserID: "u1"}
	main := newTestMain(llm, store, mockToolClient{})

	w := httptest.NewRecorder()
	main.HandleChat(w, turnRequest(t, models.TurnRequest{
		ThreadID: "t1",
		ModelID:  "test/model",
		Messages: []models.Message{userMessage("hi")},
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		"event: reasoning-start", "event: text-delta", "event: finish",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("response missing %q:\n%s", want, body)
		}
	}

	msgs := store.messages["t1"]
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(msgs))
	}
	assistant := msgs[1]
	if assistant.Role != models.RoleAssistant {
		t.Fatalf("second message role = %q", assistant.Role)
	}
	if assistant.Metadata == nil {
		t.Fatal("assistant message has no metadata")
	}
	if assistant.Metadata.InputTokens != 12 || assistant.Metadata.OutputTokens != 5 {
		t.Errorf("metadata usage = %d/%d, want 12/5",
			assistant.Metadata.InputTokens, assistant.Metadata.OutputTokens)
	}
	if got := partText(assistant, models.PartKindText); got != "Hello there" {
		t.Errorf("assistant text = %q", got)
	}
	for _, p := range assistant.Parts {
		if p.Kind == models.PartKindReasoning && p.ReasoningState != models.ReasoningDone {
			t.Errorf("reasoning part state = %q after finish", p.ReasoningState)
		}
	}
}

func TestHandleChatToolRound(t *testing.T) {
	llm := &mockLLM{rounds: [][]provider.Event{
		{
			{Kind: provider.EventToolCall, ToolName: tools.SearchToolName,
				ToolInput: json.RawMessage(`{"objective":"go releases"}`)},
		},
		{
			{Kind: provider.EventTextStart},
			{Kind: provider.EventTextDelta, Delta: "Go 1.23 is out"},
			{Kind: provider.EventFinish, Usage: tokenUsage(20, 10)},
		},
	}}
	store := newMockStore()
	store.threads["t1"] = models.Thread{ID: "t1", UserID: "u1"}
	toolClient := mockToolClient{searchOut: tools.SearchOutput{Results: []tools.SearchResult{
		{URL: "https://go.dev", Title: "Go"},
	}}}
	main := newTestMain(llm, store, toolClient)

	w := httptest.NewRecorder()
	main.HandleChat(w, turnRequest(t, models.TurnRequest{
		ThreadID:      "t1",
		ModelID:       "test/model",
		Messages:      []models.Message{userMessage("what's new in go?")},
		SearchEnabled: true,
		SupportsTools: true,
	}))

	body := w.Body.String()
	for _, want := range []string{"event: tool-call", "event: tool-result", "event: finish"} {
		if !strings.Contains(body, want) {
			t.Errorf("response missing %q:\n%s", want, body)
		}
	}
	if llm.calls != 2 {
		t.Errorf("provider rounds = %d, want 2", llm.calls)
	}

	assistant := store.messages["t1"][len(store.messages["t1"])-1]
	if assistant.Metadata == nil {
		t.Fatal("assistant message has no metadata")
	}
	if assistant.Metadata.Cost.Search != 0.005 {
		t.Errorf("search cost = %v, want base fee", assistant.Metadata.Cost.Search)
	}
	if len(assistant.Metadata.Sources) != 1 {
		t.Errorf("sources = %+v, want one", assistant.Metadata.Sources)
	}
	if assistant.Metadata.InputTokens != 20 {
		t.Errorf("input tokens = %d, want 20", assistant.Metadata.InputTokens)
	}

	var toolPart *models.Part
	for i := range assistant.Parts {
		if assistant.Parts[i].Kind == models.PartKindToolCall {
			toolPart = &assistant.Parts[i]
		}
	}
	if toolPart == nil {
		t.Fatal("no tool-call part on assistant message")
	}
	if toolPart.ToolState != models.ToolCallResult {
		t.Errorf("tool part state = %q, want result", toolPart.ToolState)
	}
}

func TestHandleChatWithoutToolSupportOffersNoTools(t *testing.T) {
	llm := &mockLLM{rounds: [][]provider.Event{{
		{Kind: provider.EventToolCall, ToolName: tools.SearchToolName,
			ToolInput: json.RawMessage(`{"objective":"x"}`)},
		{Kind: provider.EventFinish},
	}}}
	store := newMockStore()
	store.threads["t1"] = models.Thread{ID: "t1", UserID: "u1"}
	main := newTestMain(llm, store, mockToolClient{})

	w := httptest.NewRecorder()
	main.HandleChat(w, turnRequest(t, models.TurnRequest{
		ThreadID:      "t1",
		Messages:      []models.Message{userMessage("hi")},
		SearchEnabled: true,
		SupportsTools: false,
	}))

	// A rogue tool call from the model is answered with an error payload.
	if !strings.Contains(w.Body.String(), "not available") {
		t.Errorf("expected unavailable-tool payload, got:\n%s", w.Body.String())
	}
}

func TestHandleChatFreeModelZeroCost(t *testing.T) {
	llm := &mockLLM{rounds: [][]provider.Event{{
		{Kind: provider.EventTextStart},
		{Kind: provider.EventTextDelta, Delta: "hi"},
		{Kind: provider.EventFinish, Usage: tokenUsage(100, 100)},
	}}}
	store := newMockStore()
	store.threads["t1"] = models.Thread{ID: "t1", UserID: "u1"}
	main := newTestMain(llm, store, mockToolClient{})

	w := httptest.NewRecorder()
	main.HandleChat(w, turnRequest(t, models.TurnRequest{
		ThreadID:     "t1",
		ModelID:      "meta-llama/llama-3-8b:free",
		Messages:     []models.Message{userMessage("hi")},
		ModelPricing: &models.ModelPricing{Prompt: 3, Completion: 15},
	}))

	assistant := store.messages["t1"][len(store.messages["t1"])-1]
	if assistant.Metadata == nil {
		t.Fatal("assistant message has no metadata")
	}
	if assistant.Metadata.Cost.Total != 0 {
		t.Errorf("free model cost = %v, want 0", assistant.Metadata.Cost.Total)
	}
}

func TestHandleChatRegenerationSkipsUserPersist(t *testing.T) {
	llm := &mockLLM{rounds: [][]provider.Event{{
		{Kind: provider.EventTextStart},
		{Kind: provider.EventTextDelta, Delta: "again"},
		{Kind: provider.EventFinish},
	}}}
	store := newMockStore()
	store.threads["t1"] = models.Thread{ID: "t1", UserID: "u1"}
	store.messages["t1"] = []models.Message{userMessage("hi")}
	main := newTestMain(llm, store, mockToolClient{})

	w := httptest.NewRecorder()
	main.HandleChat(w, turnRequest(t, models.TurnRequest{
		ThreadID:       "t1",
		Messages:       []models.Message{userMessage("hi")},
		IsRegeneration: true,
	}))

	msgs := store.messages["t1"]
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want original user + new assistant", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Errorf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
}

func TestHandleStop(t *testing.T) {
	store := newMockStore()
	store.threads["t1"] = models.Thread{ID: "t1", UserID: "u1"}
	main := newTestMain(&mockLLM{}, store, mockToolClient{})

	stopped := models.Message{
		ID:             "a1",
		Role:           models.RoleAssistant,
		Parts:          []models.Part{{Kind: models.PartKindText, Text: "partial answ"}},
		StoppedModelID: "test/model",
	}
	body, _ := json.Marshal(models.StopRequest{ThreadID: "t1", Message: stopped})
	r := httptest.NewRequest(http.MethodPost, "/api/threads/t1/stop", bytes.NewReader(body))
	r.SetPathValue("id", "t1")
	r.Header.Set("X-User-ID", "u1")

	w := httptest.NewRecorder()
	main.HandleStop(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	msgs := store.messages["t1"]
	if len(msgs) != 1 || !msgs[0].StoppedByUser {
		t.Fatalf("stopped message not persisted: %+v", msgs)
	}
	if msgs[0].StoppedModelID != "test/model" {
		t.Errorf("StoppedModelID = %q", msgs[0].StoppedModelID)
	}
}

func TestHandleTruncate(t *testing.T) {
	store := newMockStore()
	store.threads["t1"] = models.Thread{ID: "t1", UserID: "u1"}
	store.messages["t1"] = []models.Message{
		userMessage("one"), {ID: "a1", Role: models.RoleAssistant},
		{ID: "m2", Role: models.RoleUser}, {ID: "a2", Role: models.RoleAssistant},
	}
	main := newTestMain(&mockLLM{}, store, mockToolClient{})

	truncate := func(keepBefore int) *httptest.ResponseRecorder {
		body, _ := json.Marshal(models.TruncateRequest{KeepBefore: keepBefore})
		r := httptest.NewRequest(http.MethodPost, "/api/threads/t1/truncate", bytes.NewReader(body))
		r.SetPathValue("id", "t1")
		r.Header.Set("X-User-ID", "u1")
		w := httptest.NewRecorder()
		main.HandleTruncate(w, r)
		return w
	}

	if w := truncate(1); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if got := len(store.messages["t1"]); got != 1 {
		t.Fatalf("messages after truncate = %d, want 1", got)
	}

	// Idempotent on repeat.
	if w := truncate(1); w.Code != http.StatusNoContent {
		t.Fatalf("repeat status = %d, want 204", w.Code)
	}
	if got := len(store.messages["t1"]); got != 1 {
		t.Errorf("messages after repeat truncate = %d, want 1", got)
	}
}

func partText(msg models.Message, kind models.PartKind) string {
	for _, p := range msg.Parts {
		if p.Kind == kind {
			return p.Text
		}
	}
	return ""
}
