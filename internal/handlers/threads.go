package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/skiff-chat/skiff/internal/models"
)

// HandleThreads lists the requesting user's threads, newest first.
func (m Main) HandleThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := m.store.Threads(r.Context(), userID(r))
	if err != nil {
		m.logger.Error("Failed to list threads", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(threads)
}

// HandleMessages returns a thread's persisted messages so a reloading client
// can rebuild its conversation state.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	exists, ok, err := m.checkThreadAccess(r.Context(), threadID, userID(r))
	if err != nil {
		m.logger.Error("Failed to check thread access", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if !exists || !ok {
		writeJSONError(w, http.StatusForbidden, "Thread not found or unauthorized")
		return
	}

	messages, err := m.store.Messages(r.Context(), threadID)
	if err != nil {
		m.logger.Error("Failed to read messages", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(messages)
}

// HandleStop persists a user-cancelled partial assistant message. The client
// fires it without blocking; a failure here never reaches the user, the
// stopped state just does not survive the next reload.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	var req models.StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	exists, ok, err := m.checkThreadAccess(r.Context(), threadID, userID(r))
	if err != nil {
		m.logger.Error("Failed to check thread access", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if !exists || !ok {
		writeJSONError(w, http.StatusForbidden, "Thread not found or unauthorized")
		return
	}

	msg := req.Message
	msg.StoppedByUser = true
	if _, err := m.store.AddMessage(r.Context(), threadID, msg); err != nil {
		m.logger.Error("Failed to persist stopped message",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleTruncate deletes the message at the given index and everything after
// it. Backs the regenerate and edit protocols; idempotent per index.
func (m Main) HandleTruncate(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	var req models.TruncateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.KeepBefore < 0 {
		writeJSONError(w, http.StatusBadRequest, "keepBefore must not be negative")
		return
	}

	exists, ok, err := m.checkThreadAccess(r.Context(), threadID, userID(r))
	if err != nil {
		m.logger.Error("Failed to check thread access", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if !exists || !ok {
		writeJSONError(w, http.StatusForbidden, "Thread not found or unauthorized")
		return
	}

	if err := m.store.TruncateMessages(r.Context(), threadID, req.KeepBefore); err != nil {
		m.logger.Error("Failed to truncate messages",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteAttachment removes an attachment dropped during an edit.
func (m Main) HandleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	if err := m.attachments.Delete(r.Context(), fileID); err != nil {
		m.logger.Error("Failed to delete attachment",
			slog.String("fileID", fileID),
			slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
