package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
)

// Timeouts holds the per-call deadlines on Upstream HTTP requests.
type Timeouts struct {
	Metadata time.Duration
	History  time.Duration
	Chat     time.Duration
	Stop     time.Duration
}

// ChatRequest is the prompt envelope forwarded to Upstream's /chat.
type ChatRequest struct {
	UserID             string   `json:"user_id"`
	ChatID             string   `json:"chat_id"`
	SessionID          string   `json:"session_id"`
	LLMModelID         string   `json:"llm_model_id"`
	SummarizeFlag      bool     `json:"summarize_flag"`
	CodebaseSearchFlag bool     `json:"codebase_search_flag"`
	PersonalizeFlag    bool     `json:"personalize_flag"`
	TempFileFlag       bool     `json:"temp_file_flag"`
	FirstChatFlag      bool     `json:"first_chat_flag"`
	WebSearchFlag      bool     `json:"web_search_flag"`
	Prompt             string   `json:"prompt"`
	TempFilePaths      []string `json:"temp_file_paths"`
	RoomID             string   `json:"room_id"`
}

// ChatResult is the explicit outcome of the producer-trigger call.
// Upstream failures are data here, not panics: a transport error or 5xx
// still leaves the Bus consumer running until its idle gate expires.
type ChatResult struct {
	OK          bool
	IsComplete  bool
	Content     string
	SessionName string
	Err         error
}

// StopResult is the explicit outcome of a stop forward. Local cleanup
// proceeds regardless of it.
type StopResult struct {
	OK  bool
	Err error
}

// SessionNameResult carries the synchronous part of a session-index
// re-sync; the authoritative list itself arrives on the Bus.
type SessionNameResult struct {
	OK  bool
	Err error
}

// chatReply is the wire shape of Upstream's /chat HTTP response.
type chatReply struct {
	IsComplete  bool   `json:"is_complete"`
	Content     string `json:"content"`
	SessionName string `json:"SESSION_NAME"`
}

// Client speaks Upstream's HTTP surface. Token delivery happens on the
// Bus; these calls only trigger production and manage session metadata.
type Client struct {
	baseURL  string
	http     *http.Client
	timeouts Timeouts
	logger   *logger.Logger
}

// NewClient creates an Upstream client.
func NewClient(baseURL string, timeouts Timeouts, log *logger.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{},
		timeouts: timeouts,
		logger:   log.WithComponent("upstream"),
	}
}

// Chat POSTs the prompt envelope. The returned result is terminal for the
// HTTP leg only: a timeout here does not abort the Bus consumer.
func (c *Client) Chat(ctx context.Context, req ChatRequest) ChatResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Chat)
	defer cancel()

	body, err := c.post(ctx, "/chat", req)
	if err != nil {
		c.logger.Warn("chat call failed",
			slog.String("chat_id", req.ChatID),
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()))
		return ChatResult{Err: err}
	}

	var reply chatReply
	if err := json.Unmarshal(body, &reply); err != nil {
		// A garbled reply is not fatal: the Bus stream decides completion.
		c.logger.Warn("chat reply not parseable",
			slog.String("chat_id", req.ChatID),
			slog.String("error", err.Error()))
		return ChatResult{OK: true}
	}

	return ChatResult{
		OK:          true,
		IsComplete:  reply.IsComplete,
		Content:     reply.Content,
		SessionName: reply.SessionName,
	}
}

// Stop forwards a stop intent, best-effort with a long deadline.
func (c *Client) Stop(ctx context.Context, userID, sessionID, chatID string) StopResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Stop)
	defer cancel()

	payload := map[string]string{
		"user_id":    userID,
		"session_id": sessionID,
		"chat_id":    chatID,
	}
	if _, err := c.post(ctx, "/stop", payload); err != nil {
		return StopResult{Err: err}
	}
	return StopResult{OK: true}
}

// SessionName asks Upstream to publish the authoritative latest-N session
// list to the user's session-index queue. The caller must have its Bus
// consumer running before making this call.
func (c *Client) SessionName(ctx context.Context, userID string) SessionNameResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Metadata)
	defer cancel()

	if _, err := c.post(ctx, "/session_name", map[string]string{"user_id": userID}); err != nil {
		return SessionNameResult{Err: err}
	}
	return SessionNameResult{OK: true}
}

// SessionHistory asks Upstream to publish a session's transcript to the
// session-history queue.
func (c *Client) SessionHistory(ctx context.Context, userID, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.History)
	defer cancel()

	payload := map[string]string{
		"user_id":    userID,
		"session_id": sessionID,
	}
	_, err := c.post(ctx, "/session_history", payload)
	return err
}

// DeleteSession removes a session on Upstream.
func (c *Client) DeleteSession(ctx context.Context, userID, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Metadata)
	defer cancel()

	url := fmt.Sprintf("%s/delete_session/%s?user_id=%s", c.baseURL, sessionID, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("upstream delete_session returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream %s returned %d: %s", path, resp.StatusCode, truncate(body, 256))
	}

	return body, nil
}

// IsTimeout reports whether an Upstream call error was a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
