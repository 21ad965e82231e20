package orchestrator

import (
	"context"
	"log/slog"

	"github.com/lunaris-ai/chat-orchestrator/internal/push"
	"github.com/lunaris-ai/chat-orchestrator/internal/upstream"
)

// StopRequest targets an in-flight chat. ChatID may be empty: the
// session's active stream is resolved from the consumer slot.
type StopRequest struct {
	UserID     string
	SessionID  string
	ChatID     string
	InstanceID string
}

// StopOutcome reports the local-cleanup side of a stop. The Upstream
// forward runs in the background and never gates this.
type StopOutcome struct {
	CleanupCompleted  bool `json:"cleanup_completed"`
	ConsumerCancelled bool `json:"consumer_cancelled"`
	MessagesScrubbed  int  `json:"messages_scrubbed"`
}

// Stop halts a chat's generation. Local cleanup is synchronous and
// unconditional: the Bus consumer is cancelled and incomplete messages
// are scrubbed whether or not Upstream ever acknowledges the stop. The
// Upstream forward is best-effort with a long deadline; its outcome only
// selects the completion type on the terminal event.
func (co *Coordinator) Stop(req StopRequest) StopOutcome {
	log := co.logger.With(
		slog.String("user_id", req.UserID),
		slog.String("session_id", req.SessionID),
		slog.String("chat_id", req.ChatID),
	)

	// Resolve the chat from the slot occupant when the caller did not
	// name one.
	if req.ChatID == "" {
		if occupant := co.consumers.SlotOccupant(req.UserID, req.SessionID); occupant != nil {
			req.ChatID = occupant.ChatID
		}
	}

	handle, chatID := co.takeHandle(req.UserID, req.SessionID, req.ChatID)
	if chatID != "" {
		req.ChatID = chatID
	}
	if handle != nil {
		// The coordinator loop exits silently; this path owns the
		// terminal event.
		handle.markStopped()
	}

	cancelled := co.consumers.CancelFor(req.UserID, req.SessionID, req.ChatID)
	co.metrics.ConsumersActive.Set(float64(co.consumers.ActiveCount()))

	scrubbed := 0
	if req.ChatID != "" {
		scrubbed = co.store.Scrub(req.UserID, req.SessionID, req.ChatID)
	}

	fp := push.Fingerprint(req.UserID, req.SessionID, req.ChatID, req.InstanceID)

	cleanup := push.NewCleanupEvent(req.UserID, req.SessionID, req.ChatID, req.InstanceID, "stopped")
	co.hub.Publish(fp, cleanup)

	go co.forwardStop(req, fp, handle)

	log.Info("stop cleanup completed",
		slog.Bool("consumer_cancelled", cancelled),
		slog.Int("messages_scrubbed", scrubbed))

	return StopOutcome{
		CleanupCompleted:  true,
		ConsumerCancelled: cancelled,
		MessagesScrubbed:  scrubbed,
	}
}

// forwardStop relays the stop to Upstream and emits the terminal
// complete once the forward resolves. An Upstream timeout or error does
// not undo any cleanup; it only flips the completion type.
func (co *Coordinator) forwardStop(req StopRequest, fp string, handle *streamHandle) {
	res := co.upstream.Stop(context.Background(), req.UserID, req.SessionID, req.ChatID)

	completionType := push.CompletionUserStopped
	if res.Err != nil {
		co.metrics.UpstreamErrors.WithLabelValues("stop").Inc()
		if upstream.IsTimeout(res.Err) {
			completionType = push.CompletionTimeoutStop
		}
		co.logger.Warn("upstream stop forward failed, local cleanup already done",
			slog.String("chat_id", req.ChatID),
			slog.String("session_id", req.SessionID),
			slog.String("error", res.Err.Error()))
	}

	if handle != nil && !handle.completeOnce() {
		return
	}
	// No live handle does not mean no prior terminal event: the chat may
	// have completed normally, or a previous stop may have beaten us.
	if !co.markFinished(streamKey(req.UserID, req.SessionID, req.ChatID)) {
		return
	}

	ev := push.NewEvent(push.EventComplete, req.ChatID, req.SessionID, req.InstanceID)
	ev.CompletionType = completionType
	co.hub.Publish(fp, ev)
	co.metrics.StreamsCompleted.WithLabelValues(completionType).Inc()
}
