package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
	"github.com/nats-io/nats.go"
)

const (
	reconnectWait = 2 * time.Second
)

// Connect establishes the single process-wide Bus connection.
// The connection is shared by every consumer and by Upstream-bound
// publishes; consumer cancellation must never close it.
func Connect(url string, log *logger.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("chat-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus at %s: %w", url, err)
	}

	log.Info("bus connected", slog.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// ChatSubject is the token/status queue for a session. All chats in the
// session share it; consumers disambiguate by chat_id.
func ChatSubject(userID, sessionID string) string {
	return fmt.Sprintf("chat.tokens.%s.%s", userID, sessionID)
}

// SessionIndexSubject carries Upstream's authoritative latest-N session list.
func SessionIndexSubject(userID string) string {
	return fmt.Sprintf("chat.sessions.%s", userID)
}

// SessionHistorySubject carries a full transcript for one session on demand.
func SessionHistorySubject(userID, sessionID string) string {
	return fmt.Sprintf("chat.history.%s.%s", userID, sessionID)
}
