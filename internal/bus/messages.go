package bus

import (
	"encoding/json"
)

// ChatMessageKind discriminates the payload shapes that share the chat queue.
type ChatMessageKind int

const (
	// KindIgnored is a payload this chat does not care about: malformed
	// JSON, a foreign chat's tokens, or an unrecognized shape. Ignored
	// silently per the protocol-error policy.
	KindIgnored ChatMessageKind = iota

	// KindToken is a text fragment for the client.
	KindToken

	// KindDone is an explicit completion signal.
	KindDone
)

// ChatMessage is the decoded form of one Bus chat-queue payload.
type ChatMessage struct {
	Kind   ChatMessageKind
	Text   string
	ChatID string
}

// chatEnvelope covers every field any producer shape may carry. Decoding is
// structural: the type tag wins when present, otherwise the populated field
// decides. Producers are not unified into one struct on purpose.
type chatEnvelope struct {
	Type    string `json:"type"`
	Data    string `json:"data"`
	Content string `json:"content"`
	Token   string `json:"token"`
	Status  string `json:"status"`
	ChatID  string `json:"chat_id"`
}

// DecodeChatMessage classifies a raw chat-queue payload.
//
// Recognized shapes:
//
//	{"type":"token","data":"<text>","chat_id":...}
//	{"content":"<text>","chat_id":...}
//	{"type":"status","token":"done"}
//	{"type":"completion","status":"done"}
func DecodeChatMessage(payload []byte) ChatMessage {
	var env chatEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ChatMessage{Kind: KindIgnored}
	}

	switch env.Type {
	case "status":
		if env.Token == "done" {
			return ChatMessage{Kind: KindDone, ChatID: env.ChatID}
		}
		return ChatMessage{Kind: KindIgnored}
	case "completion":
		if env.Status == "done" {
			return ChatMessage{Kind: KindDone, ChatID: env.ChatID}
		}
		return ChatMessage{Kind: KindIgnored}
	case "token":
		return ChatMessage{Kind: KindToken, Text: env.Data, ChatID: env.ChatID}
	}

	// Structural fallback for untagged producers.
	if env.Data != "" {
		return ChatMessage{Kind: KindToken, Text: env.Data, ChatID: env.ChatID}
	}
	if env.Content != "" {
		return ChatMessage{Kind: KindToken, Text: env.Content, ChatID: env.ChatID}
	}

	return ChatMessage{Kind: KindIgnored}
}

// SessionEntry is one session in an Upstream-published session index.
type SessionEntry struct {
	ID        string
	Title     string
	CreatedAt string
}

// sessionIndexObject is the object form of the session-index payload.
type sessionIndexObject struct {
	UserID   string `json:"user_id"`
	Sessions []struct {
		SID       string `json:"s_id"`
		SName     string `json:"s_name"`
		CreatedAt string `json:"created_at"`
	} `json:"sessions"`
}

// DecodeSessionIndex parses any of Upstream's session-index payload shapes:
// a direct array of [sid, title] pairs, a single {user_id, sessions} object,
// or an array of such objects. Entries are returned in payload order.
func DecodeSessionIndex(payload []byte) ([]SessionEntry, bool) {
	// Direct array of [sid, title] pairs.
	var pairs [][]json.RawMessage
	if err := json.Unmarshal(payload, &pairs); err == nil && len(pairs) > 0 && len(pairs[0]) >= 2 {
		entries := make([]SessionEntry, 0, len(pairs))
		for _, pair := range pairs {
			if len(pair) < 2 {
				continue
			}
			entry := SessionEntry{
				ID:    decodeStringish(pair[0]),
				Title: decodeStringish(pair[1]),
			}
			if entry.ID != "" {
				entries = append(entries, entry)
			}
		}
		if len(entries) > 0 {
			return entries, true
		}
	}

	// Single object.
	var obj sessionIndexObject
	if err := json.Unmarshal(payload, &obj); err == nil && len(obj.Sessions) > 0 {
		return sessionEntriesFromObject(obj), true
	}

	// Array of objects.
	var objs []sessionIndexObject
	if err := json.Unmarshal(payload, &objs); err == nil {
		var entries []SessionEntry
		for _, o := range objs {
			entries = append(entries, sessionEntriesFromObject(o)...)
		}
		if len(entries) > 0 {
			return entries, true
		}
	}

	return nil, false
}

func sessionEntriesFromObject(obj sessionIndexObject) []SessionEntry {
	entries := make([]SessionEntry, 0, len(obj.Sessions))
	for _, s := range obj.Sessions {
		if s.SID == "" {
			continue
		}
		entries = append(entries, SessionEntry{
			ID:        s.SID,
			Title:     s.SName,
			CreatedAt: s.CreatedAt,
		})
	}
	return entries
}

// decodeStringish accepts either a JSON string or a JSON number and returns
// its textual form. Session ids appear both ways across producers.
func decodeStringish(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// HistoryMessage is one transcript entry in an Upstream-published
// session-history payload.
type HistoryMessage struct {
	Role            string
	Content         string
	ThinkingContent string
	ChatID          string
}

// historyEnvelope covers the object form of the session-history payload.
type historyEnvelope struct {
	UserID    string           `json:"user_id"`
	SessionID string           `json:"session_id"`
	Messages  []historyMessage `json:"messages"`
}

type historyMessage struct {
	Role            string `json:"role"`
	Content         string `json:"content"`
	Message         string `json:"message"`
	ThinkingContent string `json:"thinking_content"`
	ChatID          string `json:"chat_id"`
}

// DecodeSessionHistory parses a session-history payload: either a direct
// array of message objects or a {user_id, session_id, messages} envelope.
func DecodeSessionHistory(payload []byte) ([]HistoryMessage, bool) {
	var raw []historyMessage
	if err := json.Unmarshal(payload, &raw); err == nil && len(raw) > 0 {
		return historyMessages(raw), true
	}

	var env historyEnvelope
	if err := json.Unmarshal(payload, &env); err == nil && len(env.Messages) > 0 {
		return historyMessages(env.Messages), true
	}

	return nil, false
}

func historyMessages(raw []historyMessage) []HistoryMessage {
	out := make([]HistoryMessage, 0, len(raw))
	for _, m := range raw {
		content := m.Content
		if content == "" {
			content = m.Message
		}
		if m.Role == "" && content == "" {
			continue
		}
		out = append(out, HistoryMessage{
			Role:            m.Role,
			Content:         content,
			ThinkingContent: m.ThinkingContent,
			ChatID:          m.ChatID,
		})
	}
	return out
}
