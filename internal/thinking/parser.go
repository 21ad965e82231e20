package thinking

import (
	"strings"

	"github.com/google/uuid"

	"github.com/lunaris-ai/chat-orchestrator/internal/models"
)

// Emission kinds produced by the parser. Stream emissions go to the main
// lane; MoveToThinking retroactively relocates already-delivered tokens.
const (
	KindStream           = "stream"
	KindMoveToThinking   = "move_to_thinking"
	KindThinkingComplete = "thinking_complete"
)

// Emission is one parser output. For KindStream, Content is the text to
// deliver; IsPendingThinking marks tokens that may later be relocated.
// For KindMoveToThinking, Content is the extracted thinking interior and
// PendingTokens lists the exact optimistic emissions the client must move
// out of the main lane.
type Emission struct {
	Kind              string
	Content           string
	MessageID         string
	IsPendingThinking bool
	PendingTokens     []string
}

// Parser splits one model output stream into answer and thinking lanes
// without holding tokens back: thinking-region tokens are delivered
// optimistically and relocated once the closing tag is seen.
//
// Not safe for concurrent use; each stream owns its parser.
type Parser struct {
	profile models.Profile

	fullContent strings.Builder

	// carry holds text not yet emitted because its tail may be the start
	// of a tag split across tokens.
	carry string

	// thinkBuf accumulates content after thinkStart until the terminator.
	thinkBuf string

	pendingThinkingTokens []string
	thinkingMessageID     string

	hasThinkingStarted bool
	isInThinking       bool
	hasResponseStarted bool
	isInResponseTags   bool
	responseEnded      bool
}

// NewParser creates a parser for one stream under the given model profile.
func NewParser(profile models.Profile) *Parser {
	return &Parser{profile: profile}
}

// Feed processes one Bus token and returns the emissions it produces, in
// delivery order.
func (p *Parser) Feed(token string) []Emission {
	p.fullContent.WriteString(token)

	if !p.profile.SupportsThinking {
		return []Emission{{Kind: KindStream, Content: token}}
	}
	if p.isInThinking {
		return p.feedThinking(token)
	}
	if !p.hasThinkingStarted {
		return p.feedAwaiting(token)
	}
	return p.feedAnswer(token)
}

// Finish flushes any held text at end of stream. Tokens still pending in
// the thinking buffer stay where the client already has them: with no
// closing tag there is nothing sound to relocate.
func (p *Parser) Finish() []Emission {
	if p.carry == "" {
		return nil
	}
	out := []Emission{{Kind: KindStream, Content: p.carry}}
	p.carry = ""
	return out
}

// FullContent returns everything fed so far, tags included.
func (p *Parser) FullContent() string {
	return p.fullContent.String()
}

// feedAwaiting runs before any thinking tag has been seen. Text flows
// through, minus a held suffix that could be the start of thinkStart (or
// responseStart for models that may skip thinking entirely).
func (p *Parser) feedAwaiting(token string) []Emission {
	p.carry += token

	start := p.profile.ThinkStart
	respStart := p.profile.ResponseStart

	startIdx := strings.Index(p.carry, start)
	respIdx := -1
	if respStart != "" {
		respIdx = strings.Index(p.carry, respStart)
	}

	// Model skipped straight to the answer region.
	if respIdx >= 0 && (startIdx < 0 || respIdx < startIdx) {
		var out []Emission
		if before := p.carry[:respIdx]; before != "" {
			out = append(out, Emission{Kind: KindStream, Content: before})
		}
		rest := p.carry[respIdx+len(respStart):]
		p.carry = ""
		p.hasThinkingStarted = true
		p.hasResponseStarted = true
		p.isInResponseTags = true
		if rest != "" {
			out = append(out, p.feedAnswer(rest)...)
		}
		return out
	}

	if startIdx < 0 {
		hold := overlapSuffix(p.carry, start)
		if respStart != "" {
			if h := overlapSuffix(p.carry, respStart); h > hold {
				hold = h
			}
		}
		emit := p.carry[:len(p.carry)-hold]
		p.carry = p.carry[len(p.carry)-hold:]
		if emit == "" {
			return nil
		}
		return []Emission{{Kind: KindStream, Content: emit}}
	}

	var out []Emission
	if before := p.carry[:startIdx]; before != "" {
		out = append(out, Emission{Kind: KindStream, Content: before})
	}
	rest := p.carry[startIdx+len(start):]
	p.carry = ""
	p.hasThinkingStarted = true

	// Empty <think></think> pair: strip it and keep streaming normally.
	if end := p.profile.ThinkEnd; end != "" {
		if endIdx := strings.Index(rest, end); endIdx >= 0 && strings.TrimSpace(rest[:endIdx]) == "" {
			tail := rest[endIdx+len(end):]
			if tail != "" {
				out = append(out, p.feedAnswer(tail)...)
			}
			return out
		}
	}

	p.isInThinking = true
	p.thinkingMessageID = uuid.NewString()
	if rest != "" {
		out = append(out, p.feedThinking(rest)...)
	}
	return out
}

// feedThinking runs inside the thinking region. Every chunk streams to
// the client immediately, tagged pending, until the terminator closes the
// region and the relocation fires.
func (p *Parser) feedThinking(chunk string) []Emission {
	p.thinkBuf += chunk

	term, termIsResponseStart := p.thinkingTerminator()
	if term != "" {
		if idx := strings.Index(p.thinkBuf, term); idx >= 0 {
			interior := p.thinkBuf[:idx]
			rest := p.thinkBuf[idx+len(term):]
			p.thinkBuf = ""
			p.isInThinking = false

			var out []Emission
			if strings.TrimSpace(interior) != "" {
				out = append(out,
					Emission{
						Kind:          KindMoveToThinking,
						Content:       interior,
						MessageID:     p.thinkingMessageID,
						PendingTokens: p.pendingThinkingTokens,
					},
					Emission{Kind: KindThinkingComplete, MessageID: p.thinkingMessageID},
				)
			}
			p.pendingThinkingTokens = nil

			if termIsResponseStart {
				p.hasResponseStarted = true
				p.isInResponseTags = true
			}
			if rest != "" {
				out = append(out, p.feedAnswer(rest)...)
			}
			return out
		}
	}

	p.pendingThinkingTokens = append(p.pendingThinkingTokens, chunk)
	return []Emission{{
		Kind:              KindStream,
		Content:           chunk,
		MessageID:         p.thinkingMessageID,
		IsPendingThinking: true,
	}}
}

// feedAnswer runs after the thinking region. Response tags are stripped
// from the stream; everything else passes through.
func (p *Parser) feedAnswer(chunk string) []Emission {
	p.carry += chunk

	var out []Emission
	for {
		tag := p.nextAnswerTag()
		if tag == "" {
			break
		}
		idx := strings.Index(p.carry, tag)
		if idx < 0 {
			break
		}
		if before := p.carry[:idx]; before != "" {
			out = append(out, Emission{Kind: KindStream, Content: before})
		}
		p.carry = p.carry[idx+len(tag):]
		p.consumeAnswerTag(tag)
	}

	hold := 0
	if tag := p.nextAnswerTag(); tag != "" {
		hold = overlapSuffix(p.carry, tag)
	}
	if emit := p.carry[:len(p.carry)-hold]; emit != "" {
		out = append(out, Emission{Kind: KindStream, Content: emit})
		p.carry = p.carry[len(p.carry)-hold:]
	}
	return out
}

// thinkingTerminator returns the marker that closes the thinking region.
// Profiles without a thinkEnd terminate on responseStart instead.
func (p *Parser) thinkingTerminator() (term string, isResponseStart bool) {
	if p.profile.ThinkEnd != "" {
		return p.profile.ThinkEnd, false
	}
	if p.profile.ResponseStart != "" {
		return p.profile.ResponseStart, true
	}
	return "", false
}

// nextAnswerTag returns the tag the answer phase should strip next.
func (p *Parser) nextAnswerTag() string {
	if p.profile.ResponseStart != "" && !p.hasResponseStarted {
		return p.profile.ResponseStart
	}
	if p.profile.ResponseEnd != "" && p.isInResponseTags && !p.responseEnded {
		return p.profile.ResponseEnd
	}
	return ""
}

func (p *Parser) consumeAnswerTag(tag string) {
	switch tag {
	case p.profile.ResponseStart:
		p.hasResponseStarted = true
		p.isInResponseTags = true
	case p.profile.ResponseEnd:
		p.responseEnded = true
	}
}

// overlapSuffix returns the length of the longest proper prefix of tag
// that is a suffix of s. That many bytes must be held back in case the
// tag is split across tokens.
func overlapSuffix(s, tag string) int {
	if tag == "" {
		return 0
	}
	max := len(tag) - 1
	if len(s) < max {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
