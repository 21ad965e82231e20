package push

import (
	"fmt"
	"time"
)

// Event types delivered on the push channel.
const (
	EventHistoryStart      = "history_start"
	EventHistory           = "history"
	EventHistoryEnd        = "history_end"
	EventStream            = "stream"
	EventThinkingComplete  = "thinking_complete"
	EventMoveToThinking    = "move_to_thinking"
	EventComplete          = "complete"
	EventError             = "error"
	EventCleanupGeneration = "cleanup-generation"
)

// Completion types reported on terminal events.
const (
	CompletionNormal       = "normal"
	CompletionUserStopped  = "user_stopped"
	CompletionTimeoutStop  = "timeout_stopped"
	CompletionUpstreamFail = "upstream_error"
)

// Event is the push-channel envelope. The first six fields are present on
// every event; the rest are event-specific.
type Event struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	Timestamp  int64  `json:"timestamp"`

	// history
	Role         string `json:"role,omitempty"`
	TempFileName string `json:"temp_file_name,omitempty"`

	// stream
	TokenNumber       int    `json:"token_number,omitempty"`
	MessageID         string `json:"messageId,omitempty"`
	IsPendingThinking bool   `json:"isPendingThinking,omitempty"`

	// move_to_thinking
	PendingTokens []string `json:"pendingTokens,omitempty"`

	// complete
	CompletionType string `json:"completion_type,omitempty"`
	TotalTokens    int    `json:"total_tokens,omitempty"`
	Reason         string `json:"reason,omitempty"`

	// error
	ErrorCode string `json:"error_code,omitempty"`

	// cleanup-generation. The client GC hint names its identifiers in
	// camelCase, unlike the shared envelope fields above.
	UserID            string `json:"userId,omitempty"`
	CleanupSessionID  string `json:"sessionId,omitempty"`
	CleanupChatID     string `json:"chatId,omitempty"`
	CleanupInstanceID string `json:"instanceId,omitempty"`
}

// NewEvent creates an envelope with the shared fields populated.
func NewEvent(eventType, chatID, sessionID, instanceID string) Event {
	return Event{
		Type:       eventType,
		ChatID:     chatID,
		SessionID:  sessionID,
		InstanceID: instanceID,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// NewCleanupEvent creates the room-scoped client GC hint. The envelope's
// snake_case identifier fields stay empty; the hint carries its own
// camelCase set.
func NewCleanupEvent(userID, sessionID, chatID, instanceID, reason string) Event {
	return Event{
		Type:              EventCleanupGeneration,
		Timestamp:         time.Now().UnixMilli(),
		UserID:            userID,
		CleanupSessionID:  sessionID,
		CleanupChatID:     chatID,
		CleanupInstanceID: instanceID,
		Reason:            reason,
	}
}

// Fingerprint is the room address for a chat:
// chat_<userID>_<sessionID>_<chatID> with an optional instance suffix for
// rapid resubmissions of the same triple.
func Fingerprint(userID, sessionID, chatID, instanceID string) string {
	fp := fmt.Sprintf("chat_%s_%s_%s", userID, sessionID, chatID)
	if instanceID != "" {
		fp += "_" + instanceID
	}
	return fp
}
