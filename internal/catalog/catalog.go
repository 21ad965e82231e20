package catalog

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/lunaris-ai/chat-orchestrator/internal/bus"
	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
)

// Session title/source provenance.
const (
	SourceLocal                    = "local"
	SourceUpstream                 = "upstream"
	SourceLocalUpdatedFromUpstream = "local_updated_from_upstream"
)

// Session is one catalog entry. IDs are monotonic decimal strings.
type Session struct {
	ID            string    `json:"session_id"`
	Title         string    `json:"title"`
	OwnerUserID   string    `json:"owner_user_id"`
	CurrentChatID string    `json:"current_chat_id"`
	TotalChats    int       `json:"total_chats"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Source        string    `json:"source"`
}

// UpsertResult reports what an insert did to the sliding window.
type UpsertResult struct {
	Session    *Session
	Evicted    *Session // session dropped to make room, nil if none
	AtCapacity bool     // the insert filled the window: next insert evicts
}

// Catalog is the per-user session window. Invariant: after any mutation a
// user holds at most maxSessions sessions; overflow evicts the numerically
// smallest id along with its transcript and counters (via the evict hook).
type Catalog struct {
	// sessions maps userID -> sessionID -> Session.
	sessions map[string]map[string]*Session

	// cursors maps userID -> lastUpstreamSessionID recorded at login.
	cursors map[string]int64

	// localCounters maps userID -> highest locally minted id.
	localCounters map[string]int64

	maxSessions int

	// onEvict drops a session's associated state (transcript, buffers).
	onEvict func(userID, sessionID string)

	mu     sync.RWMutex
	logger *logger.Logger
}

// New creates a catalog with the given per-user window size.
func New(maxSessions int, log *logger.Logger) *Catalog {
	return &Catalog{
		sessions:      make(map[string]map[string]*Session),
		cursors:       make(map[string]int64),
		localCounters: make(map[string]int64),
		maxSessions:   maxSessions,
		logger:        log.WithComponent("catalog"),
	}
}

// SetEvictHook registers the callback invoked for every evicted or deleted
// session. Set once at wiring time.
func (c *Catalog) SetEvictHook(hook func(userID, sessionID string)) {
	c.onEvict = hook
}

// SeedCursor records the user's Upstream session cursor at login and
// re-seeds the local counter.
func (c *Catalog) SeedCursor(userID string, lastUpstreamSessionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[userID] = lastUpstreamSessionID
	c.localCounters[userID] = lastUpstreamSessionID
}

// NextLocalID mints the next session id for a user:
// max(lastUpstreamSessionID, currentLocalCounter) + 1, then commits.
func (c *Catalog) NextLocalID(userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cursors[userID]
	if counter := c.localCounters[userID]; counter > next {
		next = counter
	}
	next++
	c.localCounters[userID] = next
	return strconv.FormatInt(next, 10)
}

// Upsert creates or refreshes a session for a prompt. New sessions are
// inserted with local source after the sliding-window policy is applied;
// existing sessions get their chat bookkeeping bumped.
func (c *Catalog) Upsert(userID, sessionID, chatID, title string) UpsertResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	userSessions := c.sessions[userID]
	if userSessions == nil {
		userSessions = make(map[string]*Session)
		c.sessions[userID] = userSessions
	}

	if existing, ok := userSessions[sessionID]; ok {
		existing.UpdatedAt = time.Now()
		if chatID != "" {
			existing.CurrentChatID = chatID
			if n, err := strconv.Atoi(chatID); err == nil && n > existing.TotalChats {
				existing.TotalChats = n
			} else {
				existing.TotalChats++
			}
		}
		return UpsertResult{Session: existing}
	}

	result := UpsertResult{}
	if len(userSessions) >= c.maxSessions {
		result.Evicted = c.evictSmallestLocked(userID)
	}

	now := time.Now()
	if title == "" {
		title = "Chat Session " + sessionID
	}
	totalChats := 0
	if chatID != "" {
		totalChats = 1
	}
	session := &Session{
		ID:            sessionID,
		Title:         title,
		OwnerUserID:   userID,
		CurrentChatID: chatID,
		TotalChats:    totalChats,
		CreatedAt:     now,
		UpdatedAt:     now,
		Source:        SourceLocal,
	}
	userSessions[sessionID] = session
	result.Session = session
	result.AtCapacity = len(userSessions) == c.maxSessions

	if result.AtCapacity {
		c.logger.Info("session window full, next insert will evict",
			slog.String("user_id", userID))
	}

	return result
}

// evictSmallestLocked drops the numerically smallest session id for a
// user. Caller holds c.mu.
func (c *Catalog) evictSmallestLocked(userID string) *Session {
	userSessions := c.sessions[userID]
	var victim *Session
	for _, s := range userSessions {
		if victim == nil || IDLess(s.ID, victim.ID) {
			victim = s
		}
	}
	if victim == nil {
		return nil
	}

	delete(userSessions, victim.ID)
	c.logger.Info("evicted session from sliding window",
		slog.String("user_id", userID),
		slog.String("session_id", victim.ID))

	if c.onEvict != nil {
		// Hook runs inline; it must not call back into the catalog.
		c.onEvict(userID, victim.ID)
	}
	return victim
}

// SetTitle overwrites a session's title, marking where it came from.
func (c *Catalog) SetTitle(userID, sessionID, title, source string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[userID][sessionID]
	if !ok {
		return false
	}
	session.Title = title
	session.Source = source
	session.UpdatedAt = time.Now()
	return true
}

// ApplySessionIndex merges Upstream's authoritative session list into the
// catalog. Upstream titles always win for ids present in the payload;
// missing ids are inserted with upstream source; the window policy is
// re-applied afterwards.
func (c *Catalog) ApplySessionIndex(userID string, entries []bus.SessionEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	userSessions := c.sessions[userID]
	if userSessions == nil {
		userSessions = make(map[string]*Session)
		c.sessions[userID] = userSessions
	}

	now := time.Now()
	for _, entry := range entries {
		if existing, ok := userSessions[entry.ID]; ok {
			existing.Title = entry.Title
			if existing.Source == SourceLocal {
				existing.Source = SourceLocalUpdatedFromUpstream
			}
			existing.UpdatedAt = now
			continue
		}
		userSessions[entry.ID] = &Session{
			ID:          entry.ID,
			Title:       entry.Title,
			OwnerUserID: userID,
			CreatedAt:   now,
			UpdatedAt:   now,
			Source:      SourceUpstream,
		}
	}

	for len(userSessions) > c.maxSessions {
		c.evictSmallestLocked(userID)
	}
}

// Sessions returns the user's sessions sorted by id descending.
func (c *Catalog) Sessions(userID string) []Session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Session, 0, len(c.sessions[userID]))
	for _, s := range c.sessions[userID] {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return IDLess(out[j].ID, out[i].ID)
	})
	return out
}

// Get returns a session snapshot.
func (c *Catalog) Get(userID, sessionID string) (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[userID][sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Count returns the user's catalog size.
func (c *Catalog) Count(userID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions[userID])
}

// ChatCount returns the number of chats recorded on a session.
func (c *Catalog) ChatCount(userID, sessionID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if s, ok := c.sessions[userID][sessionID]; ok {
		return s.TotalChats
	}
	return 0
}

// HasUpstreamEntry reports whether any session for the user came from an
// Upstream sync. A local-only catalog means the user never opened history
// since login, so history reads trigger a fresh fetch.
func (c *Catalog) HasUpstreamEntry(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.sessions[userID] {
		if s.Source == SourceUpstream || s.Source == SourceLocalUpdatedFromUpstream {
			return true
		}
	}
	return false
}

// Delete removes a session locally, firing the evict hook.
func (c *Catalog) Delete(userID, sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sessions[userID][sessionID]; !ok {
		return false
	}
	delete(c.sessions[userID], sessionID)
	if c.onEvict != nil {
		c.onEvict(userID, sessionID)
	}
	return true
}

// FlushAll clears catalogs, cursors, and counters. Part of logout.
func (c *Catalog) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions = make(map[string]map[string]*Session)
	c.cursors = make(map[string]int64)
	c.localCounters = make(map[string]int64)
}

// IDLess compares decimal-string ids numerically, falling back to a
// string compare for non-numeric ids.
func IDLess(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}
