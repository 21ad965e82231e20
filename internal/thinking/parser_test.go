package thinking

import (
	"strings"
	"testing"

	"github.com/lunaris-ai/chat-orchestrator/internal/models"
)

var deepseekProfile = models.Profile{
	Name:             "deepseek-r1",
	SupportsThinking: true,
	ThinkStart:       "<think>",
	ThinkEnd:         "</think>",
}

var gptOSSProfile = models.Profile{
	Name:             "gpt-oss",
	SupportsThinking: true,
	ThinkStart:       "<|channel|>analysis<|message|>",
	ResponseStart:    "<|channel|>final<|message|>",
	ResponseEnd:      "<|return|>",
}

func feedAll(p *Parser, tokens []string) []Emission {
	var out []Emission
	for _, tok := range tokens {
		out = append(out, p.Feed(tok)...)
	}
	out = append(out, p.Finish()...)
	return out
}

func streamConcat(emissions []Emission) string {
	var b strings.Builder
	for _, e := range emissions {
		if e.Kind == KindStream {
			b.WriteString(e.Content)
		}
	}
	return b.String()
}

func TestParser_NonThinkingPassthrough(t *testing.T) {
	p := NewParser(models.Profile{Name: "plain"})

	emissions := feedAll(p, []string{"Hel", "lo", " world"})

	if len(emissions) != 3 {
		t.Fatalf("expected 3 emissions, got %d", len(emissions))
	}
	for i, e := range emissions {
		if e.Kind != KindStream {
			t.Errorf("emission %d: expected stream, got %s", i, e.Kind)
		}
		if e.IsPendingThinking {
			t.Errorf("emission %d: pass-through must not be pending", i)
		}
	}
	if got := streamConcat(emissions); got != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", got)
	}
}

func TestParser_RetroactiveMove(t *testing.T) {
	p := NewParser(deepseekProfile)

	var emissions []Emission
	emissions = append(emissions, p.Feed("<think>")...)
	if len(emissions) != 0 {
		t.Fatalf("open tag must produce no emissions, got %d", len(emissions))
	}

	why := p.Feed("why")
	if len(why) != 1 || why[0].Kind != KindStream || !why[0].IsPendingThinking {
		t.Fatalf("expected one pending stream emission, got %+v", why)
	}
	if why[0].MessageID == "" {
		t.Error("pending emissions must carry the thinking message id")
	}

	qm := p.Feed("?")
	if len(qm) != 1 || !qm[0].IsPendingThinking {
		t.Fatalf("expected pending stream emission, got %+v", qm)
	}

	closing := p.Feed("</think>")
	if len(closing) != 2 {
		t.Fatalf("expected move_to_thinking + thinking_complete, got %d emissions", len(closing))
	}
	move := closing[0]
	if move.Kind != KindMoveToThinking {
		t.Fatalf("expected move_to_thinking first, got %s", move.Kind)
	}
	if move.Content != "why?" {
		t.Errorf("expected interior 'why?', got %q", move.Content)
	}
	if len(move.PendingTokens) != 2 || move.PendingTokens[0] != "why" || move.PendingTokens[1] != "?" {
		t.Errorf("expected pending tokens [why ?], got %v", move.PendingTokens)
	}
	if move.MessageID != why[0].MessageID {
		t.Error("move must reference the same message id as the pending emissions")
	}
	if closing[1].Kind != KindThinkingComplete {
		t.Errorf("expected thinking_complete second, got %s", closing[1].Kind)
	}

	answer := p.Feed("Because")
	if len(answer) != 1 || answer[0].Kind != KindStream || answer[0].IsPendingThinking {
		t.Fatalf("post-thinking token must be a plain stream, got %+v", answer)
	}
	if answer[0].Content != "Because" {
		t.Errorf("expected 'Because', got %q", answer[0].Content)
	}
}

func TestParser_EmptyThinkPair(t *testing.T) {
	p := NewParser(deepseekProfile)

	emissions := feedAll(p, []string{"<think>", "</think>", "Hi"})

	for _, e := range emissions {
		if e.Kind != KindStream {
			t.Errorf("empty pair must emit no thinking events, got %s", e.Kind)
		}
		if e.IsPendingThinking {
			t.Error("empty pair must not mark anything pending")
		}
	}
	if got := streamConcat(emissions); got != "Hi" {
		t.Errorf("expected 'Hi', got %q", got)
	}
}

func TestParser_TextBeforeThinkTag(t *testing.T) {
	p := NewParser(deepseekProfile)

	emissions := feedAll(p, []string{"Sure. <think>hm</think>", "Done"})

	var plain []string
	for _, e := range emissions {
		if e.Kind == KindStream && !e.IsPendingThinking {
			plain = append(plain, e.Content)
		}
	}
	if got := strings.Join(plain, ""); got != "Sure. Done" {
		t.Errorf("expected plain stream 'Sure. Done', got %q", got)
	}

	foundMove := false
	for _, e := range emissions {
		if e.Kind == KindMoveToThinking {
			foundMove = true
			if e.Content != "hm" {
				t.Errorf("expected interior 'hm', got %q", e.Content)
			}
		}
	}
	if !foundMove {
		t.Error("expected a move_to_thinking for the non-empty interior")
	}
}

func TestParser_SplitClosingTag(t *testing.T) {
	p := NewParser(deepseekProfile)

	var emissions []Emission
	for _, tok := range []string{"<think>", "why", "</th", "ink>", "Yes"} {
		emissions = append(emissions, p.Feed(tok)...)
	}

	var move *Emission
	for i := range emissions {
		if emissions[i].Kind == KindMoveToThinking {
			move = &emissions[i]
		}
	}
	if move == nil {
		t.Fatal("expected a move_to_thinking despite the split closing tag")
	}
	if move.Content != "why" {
		t.Errorf("expected interior 'why', got %q", move.Content)
	}

	// Soundness: the interior is contained in the concatenation of the
	// pending emissions the client was told to relocate.
	if !strings.Contains(strings.Join(move.PendingTokens, ""), move.Content) {
		t.Errorf("pending tokens %v do not contain interior %q", move.PendingTokens, move.Content)
	}
}

func TestParser_PendingTokensMatchStreamEmissions(t *testing.T) {
	p := NewParser(deepseekProfile)

	var pending []string
	var move *Emission
	for _, tok := range []string{"<think>", "step ", "one", "</think>", "done"} {
		for _, e := range p.Feed(tok) {
			if e.Kind == KindStream && e.IsPendingThinking {
				pending = append(pending, e.Content)
			}
			if e.Kind == KindMoveToThinking {
				m := e
				move = &m
			}
		}
	}

	if move == nil {
		t.Fatal("expected a move_to_thinking")
	}
	if len(move.PendingTokens) != len(pending) {
		t.Fatalf("pending list mismatch: emitted %v, moved %v", pending, move.PendingTokens)
	}
	for i := range pending {
		if move.PendingTokens[i] != pending[i] {
			t.Errorf("pending token %d: emitted %q, moved %q", i, pending[i], move.PendingTokens[i])
		}
	}
}

func TestParser_ResponseStartTerminatesThinking(t *testing.T) {
	p := NewParser(gptOSSProfile)

	tokens := []string{
		"<|channel|>analysis<|message|>",
		"checking",
		"<|channel|>final<|message|>",
		"Answer",
		"<|return|>",
	}

	var emissions []Emission
	for _, tok := range tokens {
		emissions = append(emissions, p.Feed(tok)...)
	}
	emissions = append(emissions, p.Finish()...)

	var move *Emission
	var plain []string
	for i := range emissions {
		switch emissions[i].Kind {
		case KindMoveToThinking:
			move = &emissions[i]
		case KindStream:
			if !emissions[i].IsPendingThinking {
				plain = append(plain, emissions[i].Content)
			}
		}
	}

	if move == nil {
		t.Fatal("responseStart must terminate the thinking region")
	}
	if move.Content != "checking" {
		t.Errorf("expected interior 'checking', got %q", move.Content)
	}
	if got := strings.Join(plain, ""); got != "Answer" {
		t.Errorf("response tags must be stripped, expected 'Answer', got %q", got)
	}
}

func TestParser_SkippedThinkingGoesStraightToAnswer(t *testing.T) {
	p := NewParser(gptOSSProfile)

	var emissions []Emission
	for _, tok := range []string{"<|channel|>final<|message|>", "Direct", "<|return|>"} {
		emissions = append(emissions, p.Feed(tok)...)
	}
	emissions = append(emissions, p.Finish()...)

	for _, e := range emissions {
		if e.Kind != KindStream {
			t.Errorf("no thinking events expected, got %s", e.Kind)
		}
	}
	if got := streamConcat(emissions); got != "Direct" {
		t.Errorf("expected 'Direct', got %q", got)
	}
}

func TestParser_FinishFlushesHeldSuffix(t *testing.T) {
	p := NewParser(deepseekProfile)

	// "<th" could be the start of <think>, so it is held until Finish.
	first := p.Feed("answer <th")
	if got := streamConcat(first); got != "answer " {
		t.Errorf("expected held suffix, streamed %q", got)
	}

	rest := p.Finish()
	if got := streamConcat(rest); got != "<th" {
		t.Errorf("expected Finish to flush '<th', got %q", got)
	}
}
