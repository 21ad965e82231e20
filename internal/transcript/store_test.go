package transcript

import (
	"testing"
	"time"

	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
)

func testStore() *Store {
	return NewStore(logger.New(logger.Config{Format: "text"}))
}

func TestAssistantMessageCreatedLazily(t *testing.T) {
	s := testStore()
	s.AppendUser("u1", "19", "1", "hi", "")

	if msgs := s.History("u1", "19"); len(msgs) != 1 {
		t.Fatalf("expected only the user message, got %d", len(msgs))
	}

	s.AppendAssistantToken("u1", "19", "1", "Hel")
	s.AppendAssistantToken("u1", "19", "1", "lo")

	msgs := s.History("u1", "19")
	if len(msgs) != 2 {
		t.Fatalf("expected user + assistant, got %d", len(msgs))
	}
	assistant := msgs[1]
	if assistant.Role != RoleAssistant || assistant.Content != "Hello" {
		t.Errorf("unexpected assistant message: %+v", assistant)
	}
	if assistant.IsComplete {
		t.Error("streaming assistant message must stay incomplete")
	}
	if assistant.TokenCount != 2 {
		t.Errorf("expected 2 tokens, got %d", assistant.TokenCount)
	}
}

func TestMarkCompletePairsUserMessage(t *testing.T) {
	s := testStore()
	s.AppendUser("u1", "19", "1", "hi", "")
	s.AppendAssistantToken("u1", "19", "1", "Hello world")

	if !s.MarkComplete("u1", "19", "1", 3) {
		t.Fatal("MarkComplete must find the open assistant message")
	}

	msgs := s.History("u1", "19")
	for _, m := range msgs {
		if !m.IsComplete {
			t.Errorf("message %s/%s must be complete", m.Role, m.ChatID)
		}
	}
	assistant := msgs[1]
	if assistant.MessageType != TypeCompleteResponse {
		t.Errorf("expected %s, got %s", TypeCompleteResponse, assistant.MessageType)
	}
	if assistant.TokenCount != 3 {
		t.Errorf("expected totalTokens 3, got %d", assistant.TokenCount)
	}
	if assistant.CompletionTimestamp.IsZero() {
		t.Error("completion timestamp must be set")
	}

	if s.MarkComplete("u1", "19", "1", 3) {
		t.Error("second MarkComplete must report false")
	}
}

func TestSetThinkingRelocatesPendingContent(t *testing.T) {
	s := testStore()
	s.AppendUser("u1", "19", "1", "hi", "")

	// Optimistic phase streamed the thinking tokens into content.
	s.AppendAssistantToken("u1", "19", "1", "why")
	s.AppendAssistantToken("u1", "19", "1", "?")

	s.SetThinking("u1", "19", "1", "why?", "why?")
	s.AppendAssistantToken("u1", "19", "1", "Because")

	msgs := s.History("u1", "19")
	assistant := msgs[1]
	if assistant.Content != "Because" {
		t.Errorf("relocated tokens must leave content, got %q", assistant.Content)
	}
	if assistant.ThinkingContent != "why?" {
		t.Errorf("expected thinking content 'why?', got %q", assistant.ThinkingContent)
	}
	if !assistant.HasThinking {
		t.Error("HasThinking must be set")
	}
}

func TestScrubRemovesIncompletePair(t *testing.T) {
	s := testStore()
	s.AppendUser("u1", "19", "1", "first", "")
	s.AppendAssistantToken("u1", "19", "1", "done")
	s.MarkComplete("u1", "19", "1", 1)

	s.AppendUser("u1", "19", "2", "stopped prompt", "")
	s.AppendAssistantToken("u1", "19", "2", "partial")

	removed := s.Scrub("u1", "19", "2")
	if removed != 2 {
		t.Fatalf("expected 2 messages scrubbed, got %d", removed)
	}

	for _, m := range s.History("u1", "19") {
		if m.ChatID == "2" {
			t.Errorf("chat 2 message survived the scrub: %+v", m)
		}
		if !m.IsComplete {
			t.Errorf("incomplete message survived the scrub: %+v", m)
		}
	}
}

func TestScrubLeavesOtherChatsAlone(t *testing.T) {
	s := testStore()
	s.AppendUser("u1", "19", "1", "in flight", "")
	s.AppendAssistantToken("u1", "19", "1", "tok")

	if removed := s.Scrub("u1", "19", "2"); removed != 0 {
		t.Fatalf("scrub of another chat removed %d messages", removed)
	}
	if len(s.History("u1", "19")) != 2 {
		t.Error("chat 1 messages must survive")
	}
}

func TestSweepIncomplete(t *testing.T) {
	s := testStore()
	s.AppendUser("u1", "19", "1", "orphan", "")
	s.AppendUser("u1", "20", "1", "live", "")

	// Age the orphan past the cutoff.
	s.mu.Lock()
	for _, m := range s.transcripts[key("u1", "19")] {
		m.Timestamp = time.Now().Add(-time.Hour)
	}
	for _, m := range s.transcripts[key("u1", "20")] {
		m.Timestamp = time.Now().Add(-time.Hour)
	}
	s.mu.Unlock()

	removed := s.SweepIncomplete(10*time.Minute, func(userID, sessionID string) bool {
		return sessionID == "20" // session 20 still has a live consumer
	})

	if removed != 1 {
		t.Fatalf("expected 1 message swept, got %d", removed)
	}
	if s.HasTranscript("u1", "19") {
		t.Error("orphan transcript must be emptied")
	}
	if !s.HasTranscript("u1", "20") {
		t.Error("live session must be skipped")
	}
}

func TestSeedHistoryMarksEverythingComplete(t *testing.T) {
	s := testStore()

	s.SeedHistory("u1", "12", []Message{
		{Role: RoleUser, Content: "hi", ChatID: "1"},
		{Role: RoleAssistant, Content: "hello", ThinkingContent: "hm", ChatID: "1"},
	})

	msgs := s.History("u1", "12")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 seeded messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if !m.IsComplete {
			t.Errorf("seeded message must be complete: %+v", m)
		}
	}
	if msgs[0].MessageType != TypePrompt {
		t.Errorf("expected %s, got %s", TypePrompt, msgs[0].MessageType)
	}
	if msgs[1].MessageType != TypeCompleteResponse {
		t.Errorf("expected %s, got %s", TypeCompleteResponse, msgs[1].MessageType)
	}
	if !msgs[1].HasThinking {
		t.Error("seeded thinking content must set HasThinking")
	}
}

func TestDropSessionAndFlush(t *testing.T) {
	s := testStore()
	s.AppendUser("u1", "5", "1", "a", "")
	s.AppendUser("u1", "6", "1", "b", "")

	s.DropSession("u1", "5")
	if s.HasTranscript("u1", "5") {
		t.Error("dropped session transcript must be gone")
	}
	if !s.HasTranscript("u1", "6") {
		t.Error("other sessions must survive a drop")
	}

	s.FlushAll()
	if s.HasTranscript("u1", "6") {
		t.Error("flush must clear every transcript")
	}
}
