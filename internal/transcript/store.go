package transcript

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message types.
const (
	TypePrompt            = "prompt"
	TypeStreamingResponse = "streaming_response"
	TypeCompleteResponse  = "complete_response"
)

// Message is one transcript entry. Once IsComplete is set the message is
// never mutated again.
type Message struct {
	Role                string    `json:"role"`
	Content             string    `json:"content"`
	ThinkingContent     string    `json:"thinking_content,omitempty"`
	HasThinking         bool      `json:"has_thinking,omitempty"`
	ChatID              string    `json:"chat_id"`
	SessionID           string    `json:"session_id"`
	UserID              string    `json:"user_id"`
	Timestamp           time.Time `json:"timestamp"`
	CompletionTimestamp time.Time `json:"completion_timestamp,omitempty"`
	MessageType         string    `json:"message_type"`
	IsComplete          bool      `json:"is_complete"`
	TokenCount          int       `json:"token_count"`
	TempFileName        string    `json:"temp_file_name,omitempty"`
}

// Store keeps per-(user, session) message logs in process memory.
// The Coordinator and Stop paths are the only writers; history endpoints
// read consistent snapshots.
type Store struct {
	// transcripts maps "userID:sessionID" to an ordered message log.
	transcripts map[string][]*Message
	mu          sync.RWMutex
	logger      *logger.Logger
}

// NewStore creates an empty transcript store.
func NewStore(log *logger.Logger) *Store {
	return &Store{
		transcripts: make(map[string][]*Message),
		logger:      log.WithComponent("transcript"),
	}
}

func key(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// AppendUser appends an incomplete user message for a chat.
func (s *Store) AppendUser(userID, sessionID, chatID, content, tempFileName string) {
	msg := &Message{
		Role:         RoleUser,
		Content:      content,
		ChatID:       chatID,
		SessionID:    sessionID,
		UserID:       userID,
		Timestamp:    time.Now(),
		MessageType:  TypePrompt,
		TempFileName: tempFileName,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(userID, sessionID)
	s.transcripts[k] = append(s.transcripts[k], msg)
}

// AppendAssistantToken appends a token to the chat's assistant message,
// creating it lazily on the first delivered token.
func (s *Store) AppendAssistantToken(userID, sessionID, chatID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.openAssistantLocked(userID, sessionID, chatID)
	if msg == nil {
		msg = &Message{
			Role:        RoleAssistant,
			ChatID:      chatID,
			SessionID:   sessionID,
			UserID:      userID,
			Timestamp:   time.Now(),
			MessageType: TypeStreamingResponse,
		}
		k := key(userID, sessionID)
		s.transcripts[k] = append(s.transcripts[k], msg)
	}

	msg.Content += token
	msg.TokenCount++
}

// SetThinking records the extracted thinking interior on the chat's open
// assistant message and removes the optimistically streamed tokens from
// Content: relocated is the exact concatenation the client is told to move
// to the thinking lane.
func (s *Store) SetThinking(userID, sessionID, chatID, thinkingContent, relocated string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.openAssistantLocked(userID, sessionID, chatID)
	if msg == nil {
		msg = &Message{
			Role:        RoleAssistant,
			ChatID:      chatID,
			SessionID:   sessionID,
			UserID:      userID,
			Timestamp:   time.Now(),
			MessageType: TypeStreamingResponse,
		}
		k := key(userID, sessionID)
		s.transcripts[k] = append(s.transcripts[k], msg)
	}

	msg.ThinkingContent = thinkingContent
	msg.HasThinking = true
	if relocated != "" && len(msg.Content) >= len(relocated) &&
		msg.Content[len(msg.Content)-len(relocated):] == relocated {
		msg.Content = msg.Content[:len(msg.Content)-len(relocated)]
	}
}

// openAssistantLocked returns the chat's incomplete assistant message, or
// nil. Caller holds s.mu.
func (s *Store) openAssistantLocked(userID, sessionID, chatID string) *Message {
	msgs := s.transcripts[key(userID, sessionID)]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant && msgs[i].ChatID == chatID && !msgs[i].IsComplete {
			return msgs[i]
		}
	}
	return nil
}

// MarkComplete finalizes the chat's assistant message and its paired user
// message. Returns false when no open assistant message exists.
func (s *Store) MarkComplete(userID, sessionID, chatID string, totalTokens int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.transcripts[key(userID, sessionID)]

	var assistant *Message
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant && msgs[i].ChatID == chatID && !msgs[i].IsComplete {
			assistant = msgs[i]
			break
		}
	}
	if assistant == nil {
		return false
	}

	assistant.IsComplete = true
	assistant.MessageType = TypeCompleteResponse
	assistant.CompletionTimestamp = time.Now()
	if totalTokens > 0 {
		assistant.TokenCount = totalTokens
	}

	// Walk backwards to the unpaired user message of this chat.
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser && msgs[i].ChatID == chatID && !msgs[i].IsComplete {
			msgs[i].IsComplete = true
			break
		}
	}

	return true
}

// Scrub removes every incomplete message of a chat, both user and
// assistant sides, so a late delivery cannot resurrect orphan content.
func (s *Store) Scrub(userID, sessionID, chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(userID, sessionID)
	msgs := s.transcripts[k]
	kept := msgs[:0]
	removed := 0
	for _, m := range msgs {
		if m.ChatID == chatID && !m.IsComplete {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.transcripts[k] = kept

	if removed > 0 {
		s.logger.Info("scrubbed incomplete messages",
			slog.String("user_id", userID),
			slog.String("session_id", sessionID),
			slog.String("chat_id", chatID),
			slog.Int("removed", removed))
	}
	return removed
}

// History returns a snapshot of the transcript for (userID, sessionID).
func (s *Store) History(userID, sessionID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.transcripts[key(userID, sessionID)]
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}

// HasTranscript reports whether any messages exist for (userID, sessionID).
func (s *Store) HasTranscript(userID, sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transcripts[key(userID, sessionID)]) > 0
}

// DropSession removes a session's transcript entirely (eviction path).
func (s *Store) DropSession(userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transcripts, key(userID, sessionID))
}

// FlushAll clears every transcript. Part of the logout flush.
func (s *Store) FlushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = make(map[string][]*Message)
}

// SweepIncomplete removes incomplete messages older than maxAge for chats
// with no live consumer. Scheduled by cron; the stop/timeout paths handle
// the common case, this catches leaks from crashed coordinators.
func (s *Store) SweepIncomplete(maxAge time.Duration, hasLiveConsumer func(userID, sessionID string) bool) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, msgs := range s.transcripts {
		userID, sessionID := splitKey(k)
		if hasLiveConsumer != nil && hasLiveConsumer(userID, sessionID) {
			continue
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if !m.IsComplete && m.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		s.transcripts[k] = kept
	}

	if removed > 0 {
		s.logger.Info("incomplete-message sweep", slog.Int("removed", removed))
	}
	return removed
}

func splitKey(k string) (userID, sessionID string) {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

// SeedHistory replaces a session's transcript with messages fetched from
// Upstream. Fetched entries are complete by definition.
func (s *Store) SeedHistory(userID, sessionID string, msgs []Message) {
	now := time.Now()
	seeded := make([]*Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		m.UserID = userID
		m.SessionID = sessionID
		m.IsComplete = true
		if m.MessageType == "" {
			if m.Role == RoleUser {
				m.MessageType = TypePrompt
			} else {
				m.MessageType = TypeCompleteResponse
			}
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		if m.ThinkingContent != "" {
			m.HasThinking = true
		}
		seeded = append(seeded, &m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[key(userID, sessionID)] = seeded
}
