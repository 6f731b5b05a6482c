// Package handlers wires the HTTP surface of the chat server: the streaming
// turn endpoint, the stop/truncate reconciliation endpoints, and the thread
// read endpoints a reloading client rebuilds its state from.
package handlers

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"

	"github.com/skiff-chat/skiff/internal/models"
	"github.com/skiff-chat/skiff/internal/provider"
	"github.com/skiff-chat/skiff/internal/tools"
)

// LLM is the model-provider surface the orchestrator needs: a streaming chat
// call and the non-streaming prompt synthesis backing the hand-off tool.
type LLM interface {
	Chat(ctx context.Context, apiKey string, messages []models.Message, opts provider.ChatOptions) iter.Seq2[provider.Event, error]
	SynthesizePrompt(ctx context.Context, apiKey, objective string, history []models.Message) (string, error)
}

// Store is the thread/message persistence surface.
type Store interface {
	Threads(ctx context.Context, userID string) ([]models.Thread, error)
	Thread(ctx context.Context, id string) (models.Thread, bool, error)
	AddThread(ctx context.Context, thread models.Thread) error
	UpdateThread(ctx context.Context, thread models.Thread) error
	SeedThread(ctx context.Context, thread models.Thread, seed models.Message) (string, error)

	Messages(ctx context.Context, threadID string) ([]models.Message, error)
	AddMessage(ctx context.Context, threadID string, message models.Message) (string, error)
	TruncateMessages(ctx context.Context, threadID string, keepBefore int) error
}

// TitleGenerator produces thread titles and icons. Both calls run
// fire-and-forget: never awaited, never retried, failures logged only.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, apiKey, message string) (string, error)
	GenerateIcon(ctx context.Context, apiKey, message string) (string, error)
}

// ToolClient is the search/extract surface of the Parallel API client.
type ToolClient interface {
	Search(ctx context.Context, apiKey string, input tools.SearchInput) tools.SearchOutput
	Extract(ctx context.Context, apiKey string, input tools.ExtractInput) tools.ExtractOutput
}

// AttachmentStore is the external attachment collaborator: page counts feed
// the OCR cost accumulator, deletion backs the edit protocol.
type AttachmentStore interface {
	PageCount(ctx context.Context, fileID string) (int, error)
	Delete(ctx context.Context, fileID string) error
}

// Config carries the server-stored fallback keys and defaults. Client keys
// in the turn request always win over these.
type Config struct {
	OpenRouterKey string
	ParallelKey   string
	DefaultModel  string
}

// Main handles the core chat endpoints.
type Main struct {
	llm         LLM
	store       Store
	titles      TitleGenerator
	toolClient  ToolClient
	attachments AttachmentStore
	cfg         Config

	logger *slog.Logger
}

// NewMain assembles the handler set.
func NewMain(
	llm LLM,
	store Store,
	titles TitleGenerator,
	toolClient ToolClient,
	attachments AttachmentStore,
	cfg Config,
	logger *slog.Logger,
) Main {
	return Main{
		llm:         llm,
		store:       store,
		titles:      titles,
		toolClient:  toolClient,
		attachments: attachments,
		cfg:         cfg,
		logger:      logger.With(slog.String("module", "handlers")),
	}
}

// Routes returns the server mux.
func (m Main) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", m.HandleChat)
	mux.HandleFunc("GET /api/threads", m.HandleThreads)
	mux.HandleFunc("GET /api/threads/{id}/messages", m.HandleMessages)
	mux.HandleFunc("POST /api/threads/{id}/stop", m.HandleStop)
	mux.HandleFunc("POST /api/threads/{id}/truncate", m.HandleTruncate)
	mux.HandleFunc("DELETE /api/attachments/{id}", m.HandleDeleteAttachment)
	return mux
}

// userID resolves the requesting user. Session lookup is an external
// collaborator; a header stands in for it here.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "local"
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// checkThreadAccess rejects access to a thread owned by another user. A
// thread that does not exist yet is allowed through: clients navigate to new
// thread ids optimistically and the thread is created lazily.
func (m Main) checkThreadAccess(ctx context.Context, threadID, user string) (exists, ok bool, err error) {
	thread, found, err := m.store.Thread(ctx, threadID)
	if err != nil {
		return false, false, err
	}
	if !found {
		return false, true, nil
	}
	return true, thread.UserID == user, nil
}
