package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/lunaris-ai/chat-orchestrator/internal/bus"
	"github.com/lunaris-ai/chat-orchestrator/internal/catalog"
	"github.com/lunaris-ai/chat-orchestrator/internal/transcript"
)

// syncWait bounds how long a caller blocks on a Bus-published payload
// after the triggering Upstream call succeeded.
const syncWait = 10 * time.Second

// FetchSessionIndex pulls Upstream's authoritative latest-N session list.
// The Bus consumer is started before the triggering HTTP call so the
// published payload cannot be missed.
func (co *Coordinator) FetchSessionIndex(ctx context.Context, userID string) ([]bus.SessionEntry, error) {
	entryCh := make(chan []bus.SessionEntry, 1)

	tag := bus.Tag("index", userID, "0")
	consumer, err := co.consumers.Acquire(bus.SessionIndexSubject(userID), userID, "", tag,
		func(payload []byte) {
			if entries, ok := bus.DecodeSessionIndex(payload); ok {
				select {
				case entryCh <- entries:
				default:
				}
			}
		})
	if err != nil {
		return nil, err
	}
	defer co.consumers.Cancel(consumer)

	if res := co.upstream.SessionName(ctx, userID); res.Err != nil {
		co.metrics.UpstreamErrors.WithLabelValues("session_name").Inc()
		return nil, res.Err
	}

	wait := time.NewTimer(syncWait)
	defer wait.Stop()
	select {
	case entries := <-entryCh:
		return entries, nil
	case <-wait.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SyncSessions runs a FIFO re-sync and returns the merged session list,
// Upstream titles taking precedence. The returned list is computed before
// the catalog mutation so the caller can respond immediately; the catalog
// itself is updated in a detached task.
func (co *Coordinator) SyncSessions(ctx context.Context, userID string) ([]catalog.Session, error) {
	entries, err := co.FetchSessionIndex(ctx, userID)
	if err != nil {
		return nil, err
	}

	merged := co.mergeView(userID, entries)

	go co.catalog.ApplySessionIndex(userID, entries)

	return merged, nil
}

// mergeView overlays Upstream entries on the local catalog without
// mutating it: same dedup rule as ApplySessionIndex, Upstream title wins.
func (co *Coordinator) mergeView(userID string, entries []bus.SessionEntry) []catalog.Session {
	local := co.catalog.Sessions(userID)
	byID := make(map[string]catalog.Session, len(local))
	for _, s := range local {
		byID[s.ID] = s
	}

	now := time.Now()
	for _, e := range entries {
		if s, ok := byID[e.ID]; ok {
			s.Title = e.Title
			if s.Source == catalog.SourceLocal {
				s.Source = catalog.SourceLocalUpdatedFromUpstream
			}
			byID[e.ID] = s
			continue
		}
		byID[e.ID] = catalog.Session{
			ID:          e.ID,
			Title:       e.Title,
			OwnerUserID: userID,
			CreatedAt:   now,
			UpdatedAt:   now,
			Source:      catalog.SourceUpstream,
		}
	}

	out := make([]catalog.Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sortSessionsDesc(out)
	return out
}

// BackgroundResync fires the FIFO re-sync without a waiting caller.
// Used after the first chat of a session completes; the chat response
// never blocks on it.
func (co *Coordinator) BackgroundResync(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), syncWait)
	defer cancel()

	entries, err := co.FetchSessionIndex(ctx, userID)
	if err != nil {
		co.logger.Warn("background session re-sync failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return
	}
	co.catalog.ApplySessionIndex(userID, entries)
}

// SessionHistory returns a session's transcript, memory-first. A cache
// miss pulls the transcript from Upstream via the Bus and seeds the
// store so the next read hits memory.
func (co *Coordinator) SessionHistory(ctx context.Context, userID, sessionID string) ([]transcript.Message, error) {
	if co.store.HasTranscript(userID, sessionID) {
		return co.store.History(userID, sessionID), nil
	}

	msgCh := make(chan []bus.HistoryMessage, 1)
	tag := bus.Tag("history", sessionID, "0")
	consumer, err := co.consumers.Acquire(bus.SessionHistorySubject(userID, sessionID), userID, sessionID, tag,
		func(payload []byte) {
			if msgs, ok := bus.DecodeSessionHistory(payload); ok {
				select {
				case msgCh <- msgs:
				default:
				}
			}
		})
	if err != nil {
		return nil, err
	}
	defer co.consumers.Cancel(consumer)

	if err := co.upstream.SessionHistory(ctx, userID, sessionID); err != nil {
		co.metrics.UpstreamErrors.WithLabelValues("session_history").Inc()
		return nil, err
	}

	wait := time.NewTimer(syncWait)
	defer wait.Stop()
	select {
	case raw := <-msgCh:
		msgs := make([]transcript.Message, 0, len(raw))
		for _, m := range raw {
			msgs = append(msgs, transcript.Message{
				Role:            m.Role,
				Content:         m.Content,
				ThinkingContent: m.ThinkingContent,
				ChatID:          m.ChatID,
			})
		}
		co.store.SeedHistory(userID, sessionID, msgs)
		return co.store.History(userID, sessionID), nil
	case <-wait.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sortSessionsDesc orders sessions by id descending, numerically when
// both ids parse.
func sortSessionsDesc(sessions []catalog.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return catalog.IDLess(sessions[j].ID, sessions[i].ID)
	})
}
