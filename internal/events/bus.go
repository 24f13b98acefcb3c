// Package events is the seam between the trading engine and external
// renderers (TUI, chat notifiers). The engine publishes; renderers
// subscribe. Nothing in the engine depends on a subscriber being present.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalGenerated   EventType = "SIGNAL_GENERATED"
	EventOrderFilled       EventType = "ORDER_FILLED"
	EventOrderFailed       EventType = "ORDER_FAILED"
	EventPositionOpened    EventType = "POSITION_OPENED"
	EventPositionPyramided EventType = "POSITION_PYRAMIDED"
	EventPositionClosed    EventType = "POSITION_CLOSED"
	EventStopLossTriggered EventType = "STOP_LOSS_TRIGGERED"
	EventBreakoutDetected  EventType = "BREAKOUT_DETECTED"
	EventCycleCompleted    EventType = "CYCLE_COMPLETED"
	EventDailyReport       EventType = "DAILY_REPORT"
	EventBotStarted        EventType = "BOT_STARTED"
	EventBotStopped        EventType = "BOT_STOPPED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType      `json:"type"`
	Market    string         `json:"market,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
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

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}
