// Package events carries trading lifecycle events from the symbol loops to observers
// such as metrics and the status API.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTradeOpened        EventType = "TRADE_OPENED"
	EventTradeClosed        EventType = "TRADE_CLOSED"
	EventKillSwitch         EventType = "KILL_SWITCH"
	EventProtectionRepaired EventType = "PROTECTION_REPAIRED"
	EventUnprotected        EventType = "UNPROTECTED"
	EventStopTrailed        EventType = "STOP_TRAILED"
	EventDecision           EventType = "DECISION"
	EventCycleError         EventType = "CYCLE_ERROR"
	EventBotStarted         EventType = "BOT_STARTED"
	EventBotStopped         EventType = "BOT_STOPPED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Symbol    string                 `json:"symbol,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(event Event)
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
	wg          sync.WaitGroup
}

var _ Publisher = (*EventBus)(nil)

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[EventType][]Subscriber)}
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

// Publish hands event to every matching subscriber on its own goroutine so a slow
// observer never stalls a trading loop.
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	subs := append([]Subscriber(nil), eb.subscribers[event.Type]...)
	subs = append(subs, eb.allSubs...)
	eb.mu.RUnlock()

	for _, sub := range subs {
		eb.wg.Add(1)
		go func(s Subscriber) {
			defer eb.wg.Done()
			defer func() { _ = recover() }()
			s(event)
		}(sub)
	}
}

// Wait blocks until every delivery started so far has returned.
func (eb *EventBus) Wait() {
	eb.wg.Wait()
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(symbol, side, strategy string, entryPrice, quantity float64, leverage int) {
	eb.Publish(Event{
		Type:   EventTradeOpened,
		Symbol: symbol,
		Data: map[string]interface{}{
			"side":        side,
			"strategy":    strategy,
			"entry_price": entryPrice,
			"quantity":    quantity,
			"leverage":    leverage,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(symbol, strategy, result string, exitPrice, pnl float64) {
	eb.Publish(Event{
		Type:   EventTradeClosed,
		Symbol: symbol,
		Data: map[string]interface{}{
			"strategy":   strategy,
			"result":     result,
			"exit_price": exitPrice,
			"pnl":        pnl,
		},
	})
}

// PublishError publishes a cycle error event
func (eb *EventBus) PublishError(symbol, stage string, err error) {
	data := map[string]interface{}{"stage": stage}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventCycleError, Symbol: symbol, Data: data})
}

// History keeps the most recent events for inspection.
type History struct {
	mu     sync.RWMutex
	events []Event
	size   int
}

// NewHistory creates a ring of the given size.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 100
	}
	return &History{size: size}
}

// Record is a Subscriber.
func (h *History) Record(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	if over := len(h.events) - h.size; over > 0 {
		h.events = append([]Event(nil), h.events[over:]...)
	}
}

// Recent returns up to n events, newest first. n <= 0 returns all.
func (h *History) Recent(n int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.events) {
		n = len(h.events)
	}
	out := make([]Event, 0, n)
	for i := len(h.events) - 1; i >= len(h.events)-n; i-- {
		out = append(out, h.events[i])
	}
	return out
}
