package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lunaris-ai/chat-orchestrator/internal/apierr"
	"github.com/lunaris-ai/chat-orchestrator/internal/identity"
	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
	"github.com/lunaris-ai/chat-orchestrator/internal/push"
)

// Handler exposes the orchestrator over HTTP.
type Handler struct {
	co     *Coordinator
	logger *logger.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(co *Coordinator, log *logger.Logger) *Handler {
	return &Handler{co: co, logger: log.WithComponent("http")}
}

// RegisterRoutes attaches every endpoint to the router.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/login", h.HandleLogin)
	r.POST("/logout", h.HandleLogout)
	r.POST("/chat", h.HandleChat)
	r.POST("/stop", h.HandleStop)
	r.POST("/sessionName", h.HandleSessionName)
	r.POST("/sessionhistory", h.HandleSessionHistory)
	r.POST("/chatsession", h.HandleNewChatSession)
	r.POST("/nextchatid", h.HandleNextChatID)
	r.GET("/sessioncount", h.HandleSessionCount)
	r.GET("/streams", h.HandleStreams)
	r.DELETE("/deletesession/:id", h.HandleDeleteSession)
}

type loginRequest struct {
	UserID                string   `json:"user_id" binding:"required"`
	Token                 string   `json:"token"`
	LastUpstreamSessionID int64    `json:"last_upstream_session_id"`
	PersonalizedFiles     []string `json:"personalized_files"`
}

// HandleLogin binds the current user and seeds the session-id cursor.
func (h *Handler) HandleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBadRequest(c, "user_id is required", errDetails(err))
		return
	}

	h.co.identity.Login(identity.User{
		ID:                    req.UserID,
		Token:                 req.Token,
		LastUpstreamSessionID: req.LastUpstreamSessionID,
		PersonalizedFiles:     req.PersonalizedFiles,
	})
	h.co.catalog.SeedCursor(req.UserID, req.LastUpstreamSessionID)

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"user_id":     req.UserID,
		"instance_id": logger.GetInstanceID(),
	})
}

// HandleLogout cancels every consumer and flushes all per-user state.
func (h *Handler) HandleLogout(c *gin.Context) {
	cancelled := h.co.consumers.ForceCleanupAll()
	h.co.identity.Logout()

	c.JSON(http.StatusOK, gin.H{
		"status":              "ok",
		"consumers_cancelled": cancelled,
	})
}

type chatRequest struct {
	UserID        string   `json:"user_id" binding:"required"`
	SessionID     string   `json:"session_id" binding:"required"`
	ChatID        string   `json:"chat_id" binding:"required"`
	InstanceID    string   `json:"instance_id"`
	Prompt        string   `json:"prompt" binding:"required"`
	LLMModelID    string   `json:"llm_model_id"`
	ConnectionID  string   `json:"connection_id"`
	TempFilePaths []string `json:"temp_file_paths"`

	SummarizeFlag      bool `json:"summarize_flag"`
	CodebaseSearchFlag bool `json:"codebase_search_flag"`
	PersonalizeFlag    bool `json:"personalize_flag"`
	TempFileFlag       bool `json:"temp_file_flag"`
	WebSearchFlag      bool `json:"web_search_flag"`
}

// HandleChat admits a prompt and streams the chat's events back as
// line-delimited JSON. The same events fan out to websocket members of
// the chat's room; this response is just one more listener.
func (h *Handler) HandleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBadRequest(c, "user_id, session_id, chat_id and prompt are required", errDetails(err))
		return
	}

	fp := push.Fingerprint(req.UserID, req.SessionID, req.ChatID, req.InstanceID)
	events, detach := h.co.hub.Listen(fp)
	defer detach()

	err := h.co.StartStream(StreamRequest{
		Prompt:     req.Prompt,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		ChatID:     req.ChatID,
		InstanceID: req.InstanceID,
		ModelID:    req.LLMModelID,
		ConnID:     req.ConnectionID,
		Flags: ChatFlags{
			Summarize:      req.SummarizeFlag,
			CodebaseSearch: req.CodebaseSearchFlag,
			Personalize:    req.PersonalizeFlag,
			TempFile:       req.TempFileFlag,
			WebSearch:      req.WebSearchFlag,
		},
		TempFilePaths: req.TempFilePaths,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthenticated):
			apierr.AbortWithUnauthorized(c, "no user is logged in", nil)
		case errors.Is(err, ErrLimitReached):
			apierr.AbortWithLimitReached(c, "session chat limit reached", nil)
		default:
			apierr.AbortWithInternal(c, "failed to start stream", errDetails(err))
		}
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	enc := json.NewEncoder(c.Writer)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				h.logger.Debug("chat response writer gone",
					slog.String("chat_id", req.ChatID),
					slog.String("error", err.Error()))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if ev.Type == push.EventComplete {
				return
			}
		case <-c.Request.Context().Done():
			// The stream keeps running for websocket members.
			return
		}
	}
}

type stopRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	SessionID  string `json:"session_id" binding:"required"`
	ChatID     string `json:"chat_id"`
	InstanceID string `json:"instance_id"`
}

// HandleStop halts a chat. Always succeeds when local cleanup completed,
// regardless of what Upstream does with the forwarded stop.
func (h *Handler) HandleStop(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBadRequest(c, "user_id and session_id are required", errDetails(err))
		return
	}

	outcome := h.co.Stop(StopRequest{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		ChatID:     req.ChatID,
		InstanceID: req.InstanceID,
	})

	c.JSON(http.StatusOK, outcome)
}

type userRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// HandleSessionName returns the user's session list. Catalogs that
// already hold an Upstream-sourced entry are served from memory; local
// only catalogs trigger a fresh FIFO re-sync first.
func (h *Handler) HandleSessionName(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBadRequest(c, "user_id is required", errDetails(err))
		return
	}

	if h.co.catalog.HasUpstreamEntry(req.UserID) {
		c.JSON(http.StatusOK, gin.H{
			"sessions": h.co.catalog.Sessions(req.UserID),
			"source":   "memory",
		})
		return
	}

	sessions, err := h.co.SyncSessions(c.Request.Context(), req.UserID)
	if err != nil {
		apierr.AbortWithUnavailable(c, "session re-sync failed", errDetails(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"source":   "upstream",
	})
}

type sessionRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
}

// HandleSessionHistory returns a session's transcript, memory-first.
func (h *Handler) HandleSessionHistory(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBadRequest(c, "user_id and session_id are required", errDetails(err))
		return
	}

	msgs, err := h.co.SessionHistory(c.Request.Context(), req.UserID, req.SessionID)
	if err != nil {
		apierr.AbortWithUnavailable(c, "session history fetch failed", errDetails(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": req.SessionID,
		"messages":   msgs,
	})
}

// HandleNewChatSession mints a local session id. The response carries
// sliding-window metadata when the insert evicted or filled the window.
func (h *Handler) HandleNewChatSession(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBadRequest(c, "user_id is required", errDetails(err))
		return
	}
	if !h.co.identity.Authenticated(req.UserID) {
		apierr.AbortWithUnauthorized(c, "no user is logged in", nil)
		return
	}

	sessionID := h.co.catalog.NextLocalID(req.UserID)
	result := h.co.catalog.Upsert(req.UserID, sessionID, "", "")

	resp := gin.H{
		"session_id":    sessionID,
		"session_count": h.co.catalog.Count(req.UserID),
	}
	if result.Evicted != nil {
		h.co.metrics.SessionsEvicted.Inc()
		resp["window_management"] = gin.H{
			"deleted_session": gin.H{
				"session_id": result.Evicted.ID,
				"title":      result.Evicted.Title,
			},
		}
	}
	if result.AtCapacity {
		resp["warning"] = "session window full, next insert will evict the oldest session"
	}

	c.JSON(http.StatusOK, resp)
}

// HandleNextChatID returns the next chat id for a session.
func (h *Handler) HandleNextChatID(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithBadRequest(c, "user_id and session_id are required", errDetails(err))
		return
	}

	next := h.co.catalog.ChatCount(req.UserID, req.SessionID) + 1
	c.JSON(http.StatusOK, gin.H{
		"session_id":   req.SessionID,
		"next_chat_id": strconv.Itoa(next),
	})
}

// HandleSessionCount returns the user's catalog size.
func (h *Handler) HandleSessionCount(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		apierr.AbortWithBadRequest(c, "user_id query parameter is required", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"count":   h.co.catalog.Count(userID),
	})
}

// HandleStreams reports the in-flight streams and consumer population.
func (h *Handler) HandleStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_streams":   h.co.ActiveStreams(),
		"active_consumers": h.co.consumers.ActiveCount(),
		"bus_healthy":      h.co.consumers.Healthy(),
	})
}

// HandleDeleteSession deletes a session locally and on Upstream. The
// Upstream leg is best-effort: a failure there does not resurrect the
// local copy.
func (h *Handler) HandleDeleteSession(c *gin.Context) {
	sessionID := c.Param("id")
	userID := c.Query("user_id")
	if userID == "" {
		apierr.AbortWithBadRequest(c, "user_id query parameter is required", nil)
		return
	}

	upstreamDeleted := true
	if err := h.co.upstream.DeleteSession(c.Request.Context(), userID, sessionID); err != nil {
		upstreamDeleted = false
		h.co.metrics.UpstreamErrors.WithLabelValues("delete_session").Inc()
		h.logger.Warn("upstream session delete failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}

	deleted := h.co.catalog.Delete(userID, sessionID)
	if !deleted && upstreamDeleted {
		apierr.AbortWithNotFound(c, "session not found", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":       sessionID,
		"deleted":          deleted,
		"upstream_deleted": upstreamDeleted,
	})
}

// errDetails wraps an error for the details field of an API error.
func errDetails(err error) map[string]interface{} {
	if err == nil {
		return nil
	}
	return map[string]interface{}{"error": err.Error()}
}
