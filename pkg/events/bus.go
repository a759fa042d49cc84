package events

import (
	"sync"
	"time"

	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

// Event kinds published on the bus.
const (
	KindBuyExecuted     = "buy_executed"
	KindSellExecuted    = "sell_executed"
	KindPositionOpened  = "position_opened"
	KindPositionClosed  = "position_closed"
	KindTradingDegraded = "trading_degraded"
	KindConnectionState = "connection_state"
	KindCycleComplete   = "cycle_complete"
)

// TradingEvent carries what happened, where, and at what price.
type TradingEvent struct {
	Kind      string    `json:"kind"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Strategy  string    `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine, in subscription order.
type Handler func(TradingEvent)

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	id   int
	kind string
}

// Bus is a typed publish/subscribe dispatcher. A panicking subscriber is
// recovered and logged so one bad handler cannot take down the publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]busEntry // kind -> handlers; "" subscribes to all kinds
	logger *utilities.Logger
}

type busEntry struct {
	id int
	fn Handler
}

func NewBus(logger *utilities.Logger) *Bus {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}
	return &Bus{
		subs:   make(map[string][]busEntry),
		logger: logger,
	}
}

// Subscribe registers a handler for the given kind. An empty kind receives
// every event.
func (b *Bus) Subscribe(kind string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[kind] = append(b.subs[kind], busEntry{id: b.nextID, fn: fn})
	return Subscription{id: b.nextID, kind: kind}
}

// Unsubscribe removes a previously registered handler. Safe to call more
// than once.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.subs[sub.kind]
	for i, e := range entries {
		if e.id == sub.id {
			b.subs[sub.kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to kind-specific subscribers first, then
// wildcard subscribers, each in subscription order.
func (b *Bus) Publish(ev TradingEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	entries := make([]busEntry, 0, len(b.subs[ev.Kind])+len(b.subs[""]))
	entries = append(entries, b.subs[ev.Kind]...)
	entries = append(entries, b.subs[""]...)
	b.mu.RUnlock()

	for _, e := range entries {
		b.dispatch(e, ev)
	}
}

func (b *Bus) dispatch(e busEntry, ev TradingEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.LogError("events: subscriber panicked on %s: %v", ev.Kind, r)
		}
	}()
	e.fn(ev)
}
