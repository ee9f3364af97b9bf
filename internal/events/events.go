package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"reward-decision-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventDecisionIssued is emitted when a reward voucher was issued
	EventDecisionIssued EventType = "decision.issued"
	// EventDecisionNoReward is emitted for terminal non-reward decisions
	EventDecisionNoReward EventType = "decision.no_reward"
	// EventDecisionIssueFailed is emitted when issuance failed and can be retried
	EventDecisionIssueFailed EventType = "decision.issue_failed"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// DecisionData is the payload of every decision event.
type DecisionData struct {
	Decision    models.DecisionLog
	Reason      string
	IsDuplicate bool
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	logger   logrus.FieldLogger
	inflight sync.WaitGroup
}

// NewManager creates a new event manager. Handler errors go to logger.
func NewManager(enabled bool, logger logrus.FieldLogger) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   logger,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers. Handlers run
// asynchronously and outlive the caller's cancellation.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	handlers := m.handlers[eventType]
	m.inflight.Add(len(handlers))
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx = context.WithoutCancel(ctx)

	for _, handler := range handlers {
		go func(h Handler) {
			defer m.inflight.Done()
			if err := h(ctx, event); err != nil && m.logger != nil {
				m.logger.WithFields(logrus.Fields{
					"event": string(event.Type),
				}).WithError(err).Warn("event handler failed")
			}
		}(handler)
	}
}

// PublishDecision publishes the event matching the decision's status.
// Decisions still in flight publish nothing.
func (m *Manager) PublishDecision(ctx context.Context, decision models.DecisionLog, reason string, isDuplicate bool) {
	var eventType EventType
	switch decision.Status {
	case models.StatusIssued:
		eventType = EventDecisionIssued
	case models.StatusNoReward:
		eventType = EventDecisionNoReward
	case models.StatusIssueFailed:
		eventType = EventDecisionIssueFailed
	default:
		return
	}
	m.Publish(ctx, eventType, DecisionData{
		Decision:    decision,
		Reason:      reason,
		IsDuplicate: isDuplicate,
	})
}

// Shutdown stops accepting events and waits for running handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.inflight.Wait()
}
