package identity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
)

// User is the authenticated principal for this gateway process. The
// gateway fronts one signed-in user at a time; switching users goes
// through a full logout flush first.
type User struct {
	ID                    string
	Token                 string
	LastUpstreamSessionID int64
	PersonalizedFiles     []string
	LoginAt               time.Time
}

// FlushHook clears one subsystem's per-user state at logout.
type FlushHook func()

// Registry holds the current-user slot and the logout flush chain.
type Registry struct {
	current *User
	hooks   []FlushHook

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{logger: log.WithComponent("identity")}
}

// OnLogout registers a flush hook. Hooks run in registration order.
// Register at wiring time, before the server accepts requests.
func (r *Registry) OnLogout(hook FlushHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Login installs the user in the current slot. A different user already
// occupying the slot is flushed out first, exactly as an explicit logout
// would.
func (r *Registry) Login(user User) {
	r.mu.Lock()
	prev := r.current
	if prev != nil && prev.ID != user.ID {
		r.flushLocked()
	}
	user.LoginAt = time.Now()
	r.current = &user
	r.mu.Unlock()

	r.logger.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.Int64("last_upstream_session_id", user.LastUpstreamSessionID),
		slog.Int("personalized_files", len(user.PersonalizedFiles)))
}

// Logout clears the slot and runs every flush hook. Idempotent.
func (r *Registry) Logout() {
	r.mu.Lock()
	userID := ""
	if r.current != nil {
		userID = r.current.ID
	}
	r.flushLocked()
	r.mu.Unlock()

	if userID != "" {
		r.logger.Info("user logged out", slog.String("user_id", userID))
	}
}

// flushLocked clears the slot and runs hooks. Caller holds r.mu; hooks
// must not call back into the registry.
func (r *Registry) flushLocked() {
	r.current = nil
	for _, hook := range r.hooks {
		hook()
	}
}

// Current returns the signed-in user, if any.
func (r *Registry) Current() (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.current == nil {
		return User{}, false
	}
	return *r.current, true
}

// Authenticated reports whether userID matches the current slot.
func (r *Registry) Authenticated(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current != nil && r.current.ID == userID
}

// PersonalizedFiles returns the file list captured at login for the
// given user, or nil when it is not the signed-in user.
func (r *Registry) PersonalizedFiles(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.current == nil || r.current.ID != userID {
		return nil
	}
	out := make([]string, len(r.current.PersonalizedFiles))
	copy(out, r.current.PersonalizedFiles)
	return out
}
