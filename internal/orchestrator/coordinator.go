package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lunaris-ai/chat-orchestrator/internal/bus"
	"github.com/lunaris-ai/chat-orchestrator/internal/catalog"
	"github.com/lunaris-ai/chat-orchestrator/internal/identity"
	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
	"github.com/lunaris-ai/chat-orchestrator/internal/metrics"
	"github.com/lunaris-ai/chat-orchestrator/internal/models"
	"github.com/lunaris-ai/chat-orchestrator/internal/push"
	"github.com/lunaris-ai/chat-orchestrator/internal/thinking"
	"github.com/lunaris-ai/chat-orchestrator/internal/transcript"
	"github.com/lunaris-ai/chat-orchestrator/internal/upstream"
)

// Admission errors returned synchronously before any event is emitted.
var (
	ErrUnauthenticated = errors.New("no user is logged in")
	ErrLimitReached    = errors.New("session chat limit reached")
)

// Timers holds the idle gates governing stream termination.
type Timers struct {
	// Pre-first-token gates.
	IdleBeforeFirstComplete time.Duration // upstream verdict "complete", nothing arrived
	IdleBeforeFirst         time.Duration // upstream replied without a verdict
	NoActivity              time.Duration // upstream still pending, nothing arrived

	// Post-first-token quiescence gates.
	QuiescenceComplete time.Duration
	Quiescence         time.Duration

	// Hard bounds.
	Global     time.Duration
	ErrorDrain time.Duration // grace for Bus tokens after an upstream error
}

// ChatFlags is the feature-flag set forwarded with every prompt.
type ChatFlags struct {
	Summarize      bool
	CodebaseSearch bool
	Personalize    bool
	TempFile       bool
	WebSearch      bool
}

// StreamRequest carries one prompt submission.
type StreamRequest struct {
	Prompt        string
	UserID        string
	SessionID     string
	ChatID        string
	InstanceID    string
	ModelID       string
	ConnID        string
	Flags         ChatFlags
	TempFilePaths []string
}

// streamHandle tracks one in-flight chat so stop and timeout paths can
// coordinate. completeOnce guarantees at most one complete event per chat.
type streamHandle struct {
	cancel    context.CancelFunc
	mu        sync.Mutex
	completed bool
}

// markStopped cancels the coordinator loop. The loop exits without
// emitting complete; whoever took the handle owns the terminal event.
func (h *streamHandle) markStopped() {
	h.cancel()
}

// completeOnce returns true exactly once per handle.
func (h *streamHandle) completeOnce() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.completed {
		return false
	}
	h.completed = true
	return true
}

// Coordinator runs the per-chat streaming state machine: it replays
// history, triggers Upstream, consumes the Bus, filters tokens through
// the thinking parser, and delivers events to the chat's room.
type Coordinator struct {
	timers   Timers
	maxChats int

	upstream  *upstream.Client
	consumers *bus.ConsumerManager
	hub       *push.Hub
	store     *transcript.Store
	catalog   *catalog.Catalog
	identity  *identity.Registry
	models    *models.Registry
	metrics   *metrics.Metrics
	logger    *logger.Logger

	// active maps "userID:sessionID:chatID" to the in-flight stream.
	active map[string]*streamHandle

	// finished records chats whose terminal event has been published, so
	// a repeated stop or a stop after completion cannot re-emit it.
	finished map[string]struct{}

	mu sync.Mutex
}

// NewCoordinator wires the streaming coordinator.
func NewCoordinator(
	timers Timers,
	maxChats int,
	up *upstream.Client,
	consumers *bus.ConsumerManager,
	hub *push.Hub,
	store *transcript.Store,
	cat *catalog.Catalog,
	reg *identity.Registry,
	profiles *models.Registry,
	m *metrics.Metrics,
	log *logger.Logger,
) *Coordinator {
	return &Coordinator{
		timers:    timers,
		maxChats:  maxChats,
		upstream:  up,
		consumers: consumers,
		hub:       hub,
		store:     store,
		catalog:   cat,
		identity:  reg,
		models:    profiles,
		metrics:   m,
		logger:    log.WithComponent("coordinator"),
		active:    make(map[string]*streamHandle),
		finished:  make(map[string]struct{}),
	}
}

func streamKey(userID, sessionID, chatID string) string {
	return userID + ":" + sessionID + ":" + chatID
}

// StartStream admits a prompt and launches the stream machine. Admission
// failures return synchronously; after a nil return, all further outcomes
// are delivered as events on the chat's room. The stream is detached from
// the caller's context: an HTTP client going away does not kill it, since
// websocket members of the room may still be watching.
func (co *Coordinator) StartStream(req StreamRequest) error {
	if !co.identity.Authenticated(req.UserID) {
		return ErrUnauthenticated
	}
	if co.catalog.ChatCount(req.UserID, req.SessionID) >= co.maxChats {
		return ErrLimitReached
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &streamHandle{cancel: cancel}

	key := streamKey(req.UserID, req.SessionID, req.ChatID)
	co.mu.Lock()
	if prior, ok := co.active[key]; ok {
		prior.markStopped()
	}
	co.active[key] = handle
	// A re-run of a finished chat gets a fresh terminal event.
	delete(co.finished, key)
	co.mu.Unlock()

	co.metrics.StreamsStarted.Inc()

	go func() {
		defer func() {
			cancel()
			co.mu.Lock()
			if co.active[key] == handle {
				delete(co.active, key)
			}
			co.mu.Unlock()
		}()
		co.run(ctx, req, handle)
	}()

	return nil
}

// takeHandle removes and returns the in-flight stream for a chat, or for
// any chat of the session when chatID is empty.
func (co *Coordinator) takeHandle(userID, sessionID, chatID string) (*streamHandle, string) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if chatID != "" {
		key := streamKey(userID, sessionID, chatID)
		if h, ok := co.active[key]; ok {
			delete(co.active, key)
			return h, chatID
		}
		return nil, chatID
	}

	prefix := userID + ":" + sessionID + ":"
	for key, h := range co.active {
		if strings.HasPrefix(key, prefix) {
			delete(co.active, key)
			return h, key[len(prefix):]
		}
	}
	return nil, ""
}

// markFinished claims the terminal event for a chat. Returns false when
// it was already published.
func (co *Coordinator) markFinished(key string) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	if _, ok := co.finished[key]; ok {
		return false
	}
	co.finished[key] = struct{}{}
	return true
}

// StopAll cancels every in-flight stream without terminal events.
// Part of the logout flush: handles are claimed before cancellation so
// a racing stream loop cannot publish into the flushed state.
func (co *Coordinator) StopAll() {
	co.mu.Lock()
	handles := make([]*streamHandle, 0, len(co.active))
	for key, h := range co.active {
		handles = append(handles, h)
		delete(co.active, key)
	}
	co.finished = make(map[string]struct{})
	co.mu.Unlock()

	for _, h := range handles {
		h.completeOnce()
		h.markStopped()
	}
}

// ActiveStreams lists the keys of in-flight streams.
func (co *Coordinator) ActiveStreams() []string {
	co.mu.Lock()
	defer co.mu.Unlock()

	keys := make([]string, 0, len(co.active))
	for key := range co.active {
		keys = append(keys, key)
	}
	return keys
}

// run is the stream machine. It owns event ordering for the chat: replay
// first, then live events, then exactly one terminal complete.
func (co *Coordinator) run(ctx context.Context, req StreamRequest, handle *streamHandle) {
	fp := push.Fingerprint(req.UserID, req.SessionID, req.ChatID, req.InstanceID)
	log := co.logger.With(
		slog.String("user_id", req.UserID),
		slog.String("session_id", req.SessionID),
		slog.String("chat_id", req.ChatID),
	)

	co.replayHistory(fp, req)

	co.store.AppendUser(req.UserID, req.SessionID, req.ChatID, req.Prompt, tempFileName(req.TempFilePaths))

	upsert := co.catalog.Upsert(req.UserID, req.SessionID, req.ChatID, "")
	if upsert.Evicted != nil {
		co.metrics.SessionsEvicted.Inc()
	}

	profile := co.models.Resolve(req.ModelID)
	parser := thinking.NewParser(profile)

	// Consumer before producer: no racing token can be missed.
	msgCh := make(chan bus.ChatMessage, 1024)
	tag := bus.Tag(req.ConnID, req.SessionID, req.ChatID)
	consumer, err := co.consumers.AcquireChat(req.UserID, req.SessionID, req.ChatID, tag,
		func(payload []byte) {
			msg := bus.DecodeChatMessage(payload)
			if msg.Kind == bus.KindIgnored {
				co.metrics.BusMessages.WithLabelValues("ignored").Inc()
				return
			}
			// Queue is shared across chats; foreign chat ids are dropped here.
			if msg.ChatID != "" && msg.ChatID != req.ChatID {
				co.metrics.BusMessages.WithLabelValues("foreign").Inc()
				return
			}
			if msg.Kind == bus.KindDone {
				co.metrics.BusMessages.WithLabelValues("done").Inc()
			} else {
				co.metrics.BusMessages.WithLabelValues("token").Inc()
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
			}
		})
	if err != nil {
		log.Warn("bus consumer acquire failed", slog.String("error", err.Error()))
		co.emitError(fp, req, "UNAVAILABLE", "message bus unavailable")
		co.finish(fp, req, handle, push.CompletionUpstreamFail, "bus_unavailable", 0)
		return
	}
	co.metrics.ConsumersActive.Set(float64(co.consumers.ActiveCount()))
	defer func() {
		co.consumers.Cancel(consumer)
		co.metrics.ConsumersActive.Set(float64(co.consumers.ActiveCount()))
	}()

	chatResultCh := make(chan upstream.ChatResult, 1)
	go func() {
		chatResultCh <- co.upstream.Chat(ctx, upstream.ChatRequest{
			UserID:             req.UserID,
			ChatID:             req.ChatID,
			SessionID:          req.SessionID,
			LLMModelID:         req.ModelID,
			SummarizeFlag:      req.Flags.Summarize,
			CodebaseSearchFlag: req.Flags.CodebaseSearch,
			PersonalizeFlag:    req.Flags.Personalize,
			TempFileFlag:       req.Flags.TempFile,
			FirstChatFlag:      req.ChatID == "1",
			WebSearchFlag:      req.Flags.WebSearch,
			Prompt:             req.Prompt,
			TempFilePaths:      req.TempFilePaths,
			RoomID:             fp,
		})
	}()

	var (
		tokensDelivered  int
		firstSeen        bool
		upstreamReturned bool
		upstreamComplete bool
		lastActivity     = time.Now()
		drainCh          <-chan time.Time
	)

	global := time.NewTimer(co.timers.Global)
	defer global.Stop()

	for {
		idle := co.armIdle(drainCh != nil, firstSeen, upstreamReturned, upstreamComplete, lastActivity)
		var idleC <-chan time.Time
		if idle != nil {
			idleC = idle.C
		}

		stopIdle := func() {
			if idle != nil {
				idle.Stop()
			}
		}

		select {
		case msg := <-msgCh:
			stopIdle()
			if ctx.Err() != nil {
				// Stopped with tokens still buffered; nothing may be
				// delivered past the cancellation.
				return
			}
			lastActivity = time.Now()
			switch msg.Kind {
			case bus.KindDone:
				tokensDelivered += co.deliver(fp, req, parser.Finish(), tokensDelivered)
				co.finish(fp, req, handle, push.CompletionNormal, "", tokensDelivered)
				return
			case bus.KindToken:
				firstSeen = true
				tokensDelivered += co.deliver(fp, req, parser.Feed(msg.Text), tokensDelivered)
			}

		case res := <-chatResultCh:
			stopIdle()
			chatResultCh = nil
			upstreamReturned = true
			if res.Err != nil {
				co.metrics.UpstreamErrors.WithLabelValues("chat").Inc()
				log.Warn("upstream chat call failed", slog.String("error", res.Err.Error()))
				co.emitError(fp, req, "UNAVAILABLE", "upstream chat call failed")
				drainCh = time.After(co.timers.ErrorDrain)
				continue
			}
			upstreamComplete = res.IsComplete
			if req.ChatID == "1" && res.SessionName != "" {
				co.catalog.SetTitle(req.UserID, req.SessionID, res.SessionName, catalog.SourceLocalUpdatedFromUpstream)
				// Non-blocking reconciliation against Upstream's own window.
				go co.BackgroundResync(req.UserID)
			}

		case <-drainCh:
			stopIdle()
			tokensDelivered += co.deliver(fp, req, parser.Finish(), tokensDelivered)
			co.finish(fp, req, handle, push.CompletionUpstreamFail, "upstream_error", tokensDelivered)
			return

		case <-idleC:
			if time.Since(lastActivity) < co.idleGate(firstSeen, upstreamReturned, upstreamComplete) {
				continue
			}
			tokensDelivered += co.deliver(fp, req, parser.Finish(), tokensDelivered)
			co.finish(fp, req, handle, push.CompletionNormal, "timeout", tokensDelivered)
			return

		case <-global.C:
			stopIdle()
			tokensDelivered += co.deliver(fp, req, parser.Finish(), tokensDelivered)
			co.finish(fp, req, handle, push.CompletionNormal, "timeout", tokensDelivered)
			return

		case <-ctx.Done():
			stopIdle()
			// Stopped or superseded: the taker owns the terminal event.
			return
		}
	}
}

// armIdle starts the idle-gate timer for the current phase. Returns nil
// while the error drain window is open: the drain alone then closes the
// stream, so an expired idle gate cannot preempt it.
func (co *Coordinator) armIdle(draining, firstSeen, upstreamReturned, upstreamComplete bool, lastActivity time.Time) *time.Timer {
	if draining {
		return nil
	}
	gate := co.idleGate(firstSeen, upstreamReturned, upstreamComplete)
	wait := gate - time.Since(lastActivity)
	if wait < 0 {
		wait = 0
	}
	return time.NewTimer(wait)
}

// idleGate picks the active termination gate for the current phase.
func (co *Coordinator) idleGate(firstSeen, upstreamReturned, upstreamComplete bool) time.Duration {
	if firstSeen {
		if upstreamComplete {
			return co.timers.QuiescenceComplete
		}
		return co.timers.Quiescence
	}
	if upstreamComplete {
		return co.timers.IdleBeforeFirstComplete
	}
	if upstreamReturned {
		return co.timers.IdleBeforeFirst
	}
	return co.timers.NoActivity
}

// replayHistory emits the transcript bracketed by history_start/_end.
// Replay always precedes live events for the chat.
func (co *Coordinator) replayHistory(fp string, req StreamRequest) {
	history := co.store.History(req.UserID, req.SessionID)

	start := push.NewEvent(push.EventHistoryStart, req.ChatID, req.SessionID, req.InstanceID)
	co.hub.Publish(fp, start)

	for _, msg := range history {
		ev := push.NewEvent(push.EventHistory, msg.ChatID, req.SessionID, req.InstanceID)
		ev.Role = msg.Role
		ev.Content = msg.Content
		ev.TempFileName = msg.TempFileName
		co.hub.Publish(fp, ev)
	}

	end := push.NewEvent(push.EventHistoryEnd, req.ChatID, req.SessionID, req.InstanceID)
	co.hub.Publish(fp, end)
}

// deliver publishes parser emissions and mirrors them into the
// transcript. Returns the number of main-lane tokens delivered.
func (co *Coordinator) deliver(fp string, req StreamRequest, emissions []thinking.Emission, delivered int) int {
	count := 0
	for _, em := range emissions {
		switch em.Kind {
		case thinking.KindStream:
			count++
			ev := push.NewEvent(push.EventStream, req.ChatID, req.SessionID, req.InstanceID)
			ev.Content = em.Content
			ev.TokenNumber = delivered + count
			ev.MessageID = em.MessageID
			ev.IsPendingThinking = em.IsPendingThinking
			co.hub.Publish(fp, ev)
			co.store.AppendAssistantToken(req.UserID, req.SessionID, req.ChatID, em.Content)
			co.metrics.TokensDelivered.Inc()

		case thinking.KindMoveToThinking:
			relocated := strings.Join(em.PendingTokens, "")
			co.store.SetThinking(req.UserID, req.SessionID, req.ChatID, em.Content, relocated)
			ev := push.NewEvent(push.EventMoveToThinking, req.ChatID, req.SessionID, req.InstanceID)
			ev.Content = em.Content
			ev.MessageID = em.MessageID
			ev.PendingTokens = em.PendingTokens
			co.hub.Publish(fp, ev)

		case thinking.KindThinkingComplete:
			ev := push.NewEvent(push.EventThinkingComplete, req.ChatID, req.SessionID, req.InstanceID)
			ev.MessageID = em.MessageID
			co.hub.Publish(fp, ev)
		}
	}
	return count
}

// finish marks completion and emits the terminal event, at most once per
// chat.
func (co *Coordinator) finish(fp string, req StreamRequest, handle *streamHandle, completionType, reason string, totalTokens int) {
	if !handle.completeOnce() {
		return
	}
	if !co.markFinished(streamKey(req.UserID, req.SessionID, req.ChatID)) {
		return
	}

	co.store.MarkComplete(req.UserID, req.SessionID, req.ChatID, totalTokens)

	ev := push.NewEvent(push.EventComplete, req.ChatID, req.SessionID, req.InstanceID)
	ev.CompletionType = completionType
	ev.TotalTokens = totalTokens
	ev.Reason = reason
	co.hub.Publish(fp, ev)

	co.metrics.StreamsCompleted.WithLabelValues(completionType).Inc()
	co.logger.Info("stream finished",
		slog.String("chat_id", req.ChatID),
		slog.String("session_id", req.SessionID),
		slog.String("completion_type", completionType),
		slog.String("reason", reason),
		slog.Int("total_tokens", totalTokens))
}

// emitError publishes a non-terminal error event to the chat's room.
func (co *Coordinator) emitError(fp string, req StreamRequest, code, message string) {
	ev := push.NewEvent(push.EventError, req.ChatID, req.SessionID, req.InstanceID)
	ev.ErrorCode = code
	ev.Content = message
	co.hub.Publish(fp, ev)
}

func tempFileName(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}
