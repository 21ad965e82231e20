package bus

import (
	"testing"
)

func TestDecodeChatMessage_TokenShapes(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		kind    ChatMessageKind
		text    string
		chatID  string
	}{
		{
			name:    "tagged token",
			payload: `{"type":"token","data":"Hel","chat_id":"1"}`,
			kind:    KindToken,
			text:    "Hel",
			chatID:  "1",
		},
		{
			name:    "untagged data fallback",
			payload: `{"data":"lo","chat_id":"1"}`,
			kind:    KindToken,
			text:    "lo",
			chatID:  "1",
		},
		{
			name:    "content fragment",
			payload: `{"content":" world","chat_id":"2"}`,
			kind:    KindToken,
			text:    " world",
			chatID:  "2",
		},
		{
			name:    "status done",
			payload: `{"type":"status","token":"done"}`,
			kind:    KindDone,
		},
		{
			name:    "completion done",
			payload: `{"type":"completion","status":"done","chat_id":"1"}`,
			kind:    KindDone,
			chatID:  "1",
		},
		{
			name:    "status not done",
			payload: `{"type":"status","token":"working"}`,
			kind:    KindIgnored,
		},
		{
			name:    "malformed json",
			payload: `{"type":`,
			kind:    KindIgnored,
		},
		{
			name:    "unrecognized shape",
			payload: `{"foo":"bar"}`,
			kind:    KindIgnored,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := DecodeChatMessage([]byte(tc.payload))
			if msg.Kind != tc.kind {
				t.Fatalf("expected kind %d, got %d", tc.kind, msg.Kind)
			}
			if msg.Text != tc.text {
				t.Errorf("expected text %q, got %q", tc.text, msg.Text)
			}
			if msg.ChatID != tc.chatID {
				t.Errorf("expected chat id %q, got %q", tc.chatID, msg.ChatID)
			}
		})
	}
}

func TestDecodeSessionIndex_PairArray(t *testing.T) {
	payload := `[[15,"Debugging crash"],["14","Bug triage"]]`

	entries, ok := DecodeSessionIndex([]byte(payload))
	if !ok {
		t.Fatal("expected pair array to decode")
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "15" || entries[0].Title != "Debugging crash" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].ID != "14" || entries[1].Title != "Bug triage" {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

func TestDecodeSessionIndex_ObjectShapes(t *testing.T) {
	object := `{"user_id":"u1","sessions":[{"s_id":"13","s_name":"Schema design","created_at":"2026-01-01"}]}`
	entries, ok := DecodeSessionIndex([]byte(object))
	if !ok || len(entries) != 1 {
		t.Fatalf("object shape failed: ok=%v entries=%v", ok, entries)
	}
	if entries[0].ID != "13" || entries[0].Title != "Schema design" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}

	array := `[{"user_id":"u1","sessions":[{"s_id":"12","s_name":"a"}]},{"user_id":"u1","sessions":[{"s_id":"11","s_name":"b"}]}]`
	entries, ok = DecodeSessionIndex([]byte(array))
	if !ok || len(entries) != 2 {
		t.Fatalf("object array shape failed: ok=%v entries=%v", ok, entries)
	}
}

func TestDecodeSessionIndex_Garbage(t *testing.T) {
	for _, payload := range []string{`"nope"`, `{}`, `[]`, `not json`} {
		if _, ok := DecodeSessionIndex([]byte(payload)); ok {
			t.Errorf("payload %q must not decode", payload)
		}
	}
}

func TestDecodeSessionHistory(t *testing.T) {
	direct := `[{"role":"user","content":"hi","chat_id":"1"},{"role":"assistant","message":"hello","thinking_content":"hm","chat_id":"1"}]`
	msgs, ok := DecodeSessionHistory([]byte(direct))
	if !ok || len(msgs) != 2 {
		t.Fatalf("direct array failed: ok=%v msgs=%v", ok, msgs)
	}
	if msgs[1].Content != "hello" {
		t.Errorf("message field must backfill content, got %q", msgs[1].Content)
	}
	if msgs[1].ThinkingContent != "hm" {
		t.Errorf("expected thinking content, got %q", msgs[1].ThinkingContent)
	}

	envelope := `{"user_id":"u1","session_id":"19","messages":[{"role":"user","content":"hi"}]}`
	msgs, ok = DecodeSessionHistory([]byte(envelope))
	if !ok || len(msgs) != 1 {
		t.Fatalf("envelope failed: ok=%v msgs=%v", ok, msgs)
	}

	if _, ok := DecodeSessionHistory([]byte(`{}`)); ok {
		t.Error("empty envelope must not decode")
	}
}

func TestConsumerTagEmbedsIdentifiers(t *testing.T) {
	tag := Tag("conn1", "19", "3")

	prefix := "socket_conn1_19_3_"
	if len(tag) <= len(prefix) || tag[:len(prefix)] != prefix {
		t.Fatalf("tag %q must start with %q and carry an epoch", tag, prefix)
	}

	// Epochs keep rapid resubmissions distinct.
	if Tag("conn1", "19", "3") == tag {
		t.Error("two tags for the same triple must differ")
	}
}

func TestSubjects(t *testing.T) {
	if got := ChatSubject("u1", "19"); got != "chat.tokens.u1.19" {
		t.Errorf("unexpected chat subject %q", got)
	}
	if got := SessionIndexSubject("u1"); got != "chat.sessions.u1" {
		t.Errorf("unexpected session index subject %q", got)
	}
	if got := SessionHistorySubject("u1", "19"); got != "chat.history.u1.19" {
		t.Errorf("unexpected session history subject %q", got)
	}
}
