package events

import (
	"sync"
	"time"
)

// EventType names every event the engine emits
type EventType string

const (
	EventPositionOpened  EventType = "position_opened"
	EventPositionClosed  EventType = "position_closed"
	EventBalanceUpdate   EventType = "balance_update"
	EventPhaseTransition EventType = "phase_transition"
	EventFundedSuccess   EventType = "funded_success"
	EventChallengeFailed EventType = "challenge_failed"
	EventDrawdownWarning EventType = "drawdown_warning"
	EventPayoutStatus    EventType = "payout_status"
)

// terminalEvents must never be dropped by a slow push consumer.
var terminalEvents = map[EventType]bool{
	EventPositionClosed:  true,
	EventPhaseTransition: true,
	EventFundedSuccess:   true,
	EventChallengeFailed: true,
	EventPayoutStatus:    true,
}

// IsTerminal reports whether an event type carries a state change that a
// subscriber cannot afford to miss.
func IsTerminal(t EventType) bool { return terminalEvents[t] }

// Event is a single engine event scoped to one challenge.
type Event struct {
	Type        EventType              `json:"type"`
	ChallengeID int64                  `json:"challenge_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions. Per-challenge
// ordering is preserved: Publish invokes subscribers synchronously, and the
// engine publishes for a given challenge from one goroutine at a time.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish delivers an event to subscribers in registration order.
// Subscribers must not block; slow consumers buffer internally.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, sub := range eb.subscribers[event.Type] {
		sub(event)
	}
	for _, sub := range eb.allSubs {
		sub(event)
	}
}

// BroadcastFunc pushes an event to the clients watching one challenge. The
// api package wires it at startup so the engine never imports api.
type BroadcastFunc func(challengeID int64, event Event)

var (
	broadcastMu        sync.RWMutex
	broadcastChallenge BroadcastFunc
)

// SetBroadcastChallenge sets the push-channel callback.
func SetBroadcastChallenge(fn BroadcastFunc) {
	broadcastMu.Lock()
	defer broadcastMu.Unlock()
	broadcastChallenge = fn
}

// BroadcastChallenge forwards an event to the push channel, if wired.
func BroadcastChallenge(challengeID int64, event Event) {
	broadcastMu.RLock()
	fn := broadcastChallenge
	broadcastMu.RUnlock()

	if fn != nil && challengeID != 0 {
		fn(challengeID, event)
	}
}
