package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lunaris-ai/chat-orchestrator/internal/logger"
	"github.com/nats-io/nats.go"
)

// ErrUnavailable is returned when the Bus connection is not usable.
var ErrUnavailable = errors.New("bus connection not available")

// Handler processes one raw payload from a consumer's queue.
type Handler func(payload []byte)

// Consumer is one live Bus subscription. The tag embeds the identifiers
// CancelFor matches on: socket_<conn>_<session>_<chat>_<epoch>.
type Consumer struct {
	Tag       string
	UserID    string
	SessionID string
	ChatID    string
	CreatedAt time.Time

	sub       *nats.Subscription
	cancelled bool
	mu        sync.Mutex
}

// IsLive reports whether the consumer has not been cancelled yet.
func (c *Consumer) IsLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.cancelled
}

// ConsumerManager guarantees at most one active chat consumer per
// (userID, sessionID) streaming slot, and cleans consumers up on
// completion, stop, timeout, or error.
//
// Cancellation unsubscribes but never closes the underlying Bus
// connection: the connection is shared with Upstream-bound publishing and
// with every other chat's consumer.
type ConsumerManager struct {
	nc     *nats.Conn
	logger *logger.Logger

	// slots maps "userID:sessionID" to the chat consumer occupying it.
	slots map[string]*Consumer

	// consumers holds every live consumer, slotted or not, for
	// CancelFor substring matching and ForceCleanupAll.
	consumers []*Consumer

	mu sync.Mutex
}

// NewConsumerManager creates a consumer manager over a shared Bus connection.
func NewConsumerManager(nc *nats.Conn, log *logger.Logger) *ConsumerManager {
	return &ConsumerManager{
		nc:     nc,
		logger: log.WithComponent("consumer-manager"),
		slots:  make(map[string]*Consumer),
	}
}

// Tag builds a consumer tag. The epoch suffix disambiguates rapid
// resubmissions of the same (conn, session, chat) triple.
func Tag(connID, sessionID, chatID string) string {
	epoch := uuid.New().String()[:8]
	return fmt.Sprintf("socket_%s_%s_%s_%s", connID, sessionID, chatID, epoch)
}

// AcquireChat subscribes to the chat queue for (userID, sessionID),
// occupying that pair's streaming slot. Any prior occupant is cancelled
// first so crossed token streams cannot occur.
func (m *ConsumerManager) AcquireChat(userID, sessionID, chatID, tag string, handler Handler) (*Consumer, error) {
	if !m.connUsable() {
		return nil, ErrUnavailable
	}

	slotKey := userID + ":" + sessionID

	m.mu.Lock()
	if prior, ok := m.slots[slotKey]; ok && prior.IsLive() {
		m.logger.Info("cancelling prior slot occupant",
			slog.String("slot", slotKey),
			slog.String("prior_tag", prior.Tag))
		m.cancelLocked(prior)
	}
	m.mu.Unlock()

	consumer, err := m.subscribe(ChatSubject(userID, sessionID), userID, sessionID, chatID, tag, handler)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.slots[slotKey] = consumer
	m.mu.Unlock()

	return consumer, nil
}

// Acquire subscribes to an arbitrary queue without occupying a streaming
// slot. Used for the session-index and session-history queues, which are
// pulled on demand and cancelled by the caller once the payload arrives.
func (m *ConsumerManager) Acquire(subject, userID, sessionID, tag string, handler Handler) (*Consumer, error) {
	if !m.connUsable() {
		return nil, ErrUnavailable
	}
	return m.subscribe(subject, userID, sessionID, "", tag, handler)
}

func (m *ConsumerManager) subscribe(subject, userID, sessionID, chatID, tag string, handler Handler) (*Consumer, error) {
	consumer := &Consumer{
		Tag:       tag,
		UserID:    userID,
		SessionID: sessionID,
		ChatID:    chatID,
		CreatedAt: time.Now(),
	}

	sub, err := m.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	consumer.sub = sub

	m.mu.Lock()
	m.consumers = append(m.consumers, consumer)
	m.mu.Unlock()

	m.logger.Debug("consumer acquired",
		slog.String("subject", subject),
		slog.String("tag", tag))

	return consumer, nil
}

// Cancel cancels a consumer and frees its slot. Returns false if the
// consumer was already cancelled. Unsubscribe errors are logged and
// swallowed; the slot is freed unconditionally.
func (m *ConsumerManager) Cancel(consumer *Consumer) bool {
	if consumer == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(consumer)
}

func (m *ConsumerManager) cancelLocked(consumer *Consumer) bool {
	consumer.mu.Lock()
	if consumer.cancelled {
		consumer.mu.Unlock()
		return false
	}
	consumer.cancelled = true
	consumer.mu.Unlock()

	if consumer.sub != nil {
		if err := consumer.sub.Unsubscribe(); err != nil {
			m.logger.Warn("consumer unsubscribe failed",
				slog.String("tag", consumer.Tag),
				slog.String("error", err.Error()))
		}
	}

	slotKey := consumer.UserID + ":" + consumer.SessionID
	if m.slots[slotKey] == consumer {
		delete(m.slots, slotKey)
	}

	for i, c := range m.consumers {
		if c == consumer {
			m.consumers = append(m.consumers[:i], m.consumers[i+1:]...)
			break
		}
	}

	m.logger.Debug("consumer cancelled", slog.String("tag", consumer.Tag))
	return true
}

// CancelFor cancels the first live consumer whose tag embeds the given
// session (and chat, when non-empty) for the given user. Returns whether a
// consumer was cancelled.
func (m *ConsumerManager) CancelFor(userID, sessionID, chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.consumers {
		if c.UserID != userID {
			continue
		}
		if !strings.Contains(c.Tag, "_"+sessionID+"_") {
			continue
		}
		if chatID != "" && !strings.Contains(c.Tag, "_"+sessionID+"_"+chatID+"_") {
			continue
		}
		if !c.IsLive() {
			continue
		}
		return m.cancelLocked(c)
	}

	return false
}

// ForceCleanupAll cancels every live consumer. Called on logout and on
// server shutdown.
func (m *ConsumerManager) ForceCleanupAll() int {
	m.mu.Lock()
	live := make([]*Consumer, len(m.consumers))
	copy(live, m.consumers)
	m.mu.Unlock()

	cancelled := 0
	m.mu.Lock()
	for _, c := range live {
		if m.cancelLocked(c) {
			cancelled++
		}
	}
	m.mu.Unlock()

	if cancelled > 0 {
		m.logger.Info("force cleanup cancelled consumers", slog.Int("count", cancelled))
	}
	return cancelled
}

// ActiveCount returns the number of live consumers.
func (m *ConsumerManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumers)
}

// SlotOccupant returns the chat consumer holding the (userID, sessionID)
// streaming slot, or nil.
func (m *ConsumerManager) SlotOccupant(userID, sessionID string) *Consumer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[userID+":"+sessionID]
}

// Healthy reports whether the Bus connection is usable.
func (m *ConsumerManager) Healthy() bool {
	return m.connUsable()
}

func (m *ConsumerManager) connUsable() bool {
	return m.nc != nil && m.nc.Status() == nats.CONNECTED
}
