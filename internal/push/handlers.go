package push

import (
	"log/slog"
	"net/http"

	"github.com/lunaris-ai/chat-orchestrator/internal/apierr"
	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer; the push channel
		// is addressed by unguessable fingerprints.
		return true
	},
}

// Handler serves the websocket push endpoint.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a push handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, logger: log.WithComponent("push-handler")}
}

// HandleWebSocket upgrades the connection and joins the requested room.
// The connection stays registered until the client disconnects; a stop
// does not force clients out of the room, so late Bus messages can still
// be routed and discarded client-side by instance id.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	fingerprint := c.Query("fingerprint")
	if fingerprint == "" {
		apierr.AbortWithBadRequest(c, "fingerprint query parameter is required", nil)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()))
		return
	}

	h.hub.Register(fingerprint, conn)

	go func() {
		defer func() {
			h.hub.Unregister(conn)
			conn.Close()
		}()
		// Drain control/client frames; the push channel is server->client.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
