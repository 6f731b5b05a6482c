// Package client implements the conversation-side half of the wire protocol:
// a transport that runs turns against the chat server and a Conversation that
// keeps the local message list in step with server-side storage through the
// stop, regenerate, and edit protocols.
package client

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

	"github.com/skiff-chat/skiff/internal/models"
	"github.com/tmaxmax/go-sse"
)

// TurnStream is one in-flight turn. ThreadID echoes the server's resolved
// thread id, which may differ from the request when the thread was created
// lazily on this turn.
type TurnStream struct {
	ThreadID string
	Events   iter.Seq2[models.WireEvent, error]
}

// Transport is the server surface a Conversation needs.
type Transport interface {
	StartTurn(ctx context.Context, req models.TurnRequest) (TurnStream, error)
	PersistStop(ctx context.Context, req models.StopRequest) error
	Truncate(ctx context.Context, threadID string, keepBefore int) error
	DeleteAttachment(ctx context.Context, fileID string) error
}

// HTTPTransport talks to the chat server over HTTP, consuming turn responses
// as SSE streams.
type HTTPTransport struct {
	baseURL string
	userID  string
	client  *http.Client

	logger *slog.Logger
}

// NewHTTPTransport creates a transport for the server at baseURL acting as
// the given user.
func NewHTTPTransport(baseURL, userID string, logger *slog.Logger) HTTPTransport {
	return HTTPTransport{
		baseURL: baseURL,
		userID:  userID,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "transport")),
	}
}

// StartTurn posts a turn request and returns the server's event stream. The
// iterator owns the response body and closes it when iteration ends, whether
// by exhaustion, break, or context cancellation.
func (t HTTPTransport) StartTurn(ctx context.Context, turnReq models.TurnRequest) (TurnStream, error) {
	body, err := json.Marshal(turnReq)
	if err != nil {
		return TurnStream{}, fmt.Errorf("error marshaling turn request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return TurnStream{}, fmt.Errorf("error creating request: %w", err)
	}
	t.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return TurnStream{}, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return TurnStream{}, errors.New(decodeError(resp))
	}

	events := func(yield func(models.WireEvent, error) bool) {
		defer resp.Body.Close()
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				yield(models.WireEvent{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			if !yield(models.WireEvent{Kind: ev.Type, Data: json.RawMessage(ev.Data)}, nil) {
				return
			}
		}
	}

	return TurnStream{
		ThreadID: resp.Header.Get("X-Thread-Id"),
		Events:   events,
	}, nil
}

// PersistStop stores a user-cancelled partial message server-side.
func (t HTTPTransport) PersistStop(ctx context.Context, stopReq models.StopRequest) error {
	path := fmt.Sprintf("/api/threads/%s/stop", stopReq.ThreadID)
	return t.post(ctx, path, stopReq)
}

// Truncate deletes the message at keepBefore and everything after it.
func (t HTTPTransport) Truncate(ctx context.Context, threadID string, keepBefore int) error {
	path := fmt.Sprintf("/api/threads/%s/truncate", threadID)
	return t.post(ctx, path, models.TruncateRequest{KeepBefore: keepBefore})
}

// DeleteAttachment removes an attachment dropped during an edit.
func (t HTTPTransport) DeleteAttachment(ctx context.Context, fileID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		t.baseURL+"/api/attachments/"+fileID, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.New(decodeError(resp))
	}
	return nil
}

func (t HTTPTransport) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	t.setHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.New(decodeError(resp))
	}
	return nil
}

func (t HTTPTransport) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if t.userID != "" {
		req.Header.Set("X-User-ID", t.userID)
	}
}

func decodeError(resp *http.Response) string {
	body, _ := io.ReadAll(resp.Body)
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("server returned status %d", resp.StatusCode)
}
