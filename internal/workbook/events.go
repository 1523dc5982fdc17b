package workbook

import (
	"sort"
	"sync"
)

// EventType names a bus notification.
type EventType string

const (
	CellValueChanged   EventType = "cell_value_changed"
	CellFormulaChanged EventType = "cell_formula_changed"
	SheetAdded         EventType = "sheet_added"
	SheetRemoved       EventType = "sheet_removed"

	// Published by the history repository once the commit log is on disk.
	CommitCreated EventType = "version_control_commit"
	CheckedOut    EventType = "version_control_checkout"
)

// MutationEvents lists every event type a persistence service observes.
var MutationEvents = []EventType{CellValueChanged, CellFormulaChanged, SheetAdded, SheetRemoved}

// Event describes one notification. For cell events Cell carries the cell
// state after the mutation; history events set CommitID.
type Event struct {
	Type     EventType
	Sheet    string
	Coord    Coordinate
	Cell     Cell
	CommitID string
}

// Handler receives events synchronously on the publishing goroutine.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	Type EventType
	id   uint64
}

// Bus is a synchronous, unbuffered publish/subscribe hub. Publish returns
// only after every handler subscribed to the event type has run, in
// subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[EventType]map[uint64]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType]map[uint64]Handler)}
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t EventType, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if b.subs[t] == nil {
		b.subs[t] = make(map[uint64]Handler)
	}
	b.subs[t][b.nextID] = h
	return Subscription{Type: t, id: b.nextID}
}

// SubscribeAll registers h for every type in types.
func (b *Bus) SubscribeAll(types []EventType, h Handler) []Subscription {
	subs := make([]Subscription, 0, len(types))
	for _, t := range types {
		subs = append(subs, b.Subscribe(t, h))
	}
	return subs
}

// Unsubscribe removes a handler. It reports whether the handler was registered.
func (b *Bus) Unsubscribe(s Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.subs[s.Type]
	if !ok {
		return false
	}
	if _, ok := handlers[s.id]; !ok {
		return false
	}
	delete(handlers, s.id)
	return true
}

// UnsubscribeAll removes every subscription in subs.
func (b *Bus) UnsubscribeAll(subs []Subscription) {
	for _, s := range subs {
		b.Unsubscribe(s)
	}
}

// Publish delivers e to the handlers subscribed to e.Type. Handlers run
// outside the bus lock so they may subscribe or unsubscribe.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := b.subs[e.Type]
	ids := make([]uint64, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ordered := make([]Handler, len(ids))
	for i, id := range ids {
		ordered[i] = handlers[id]
	}
	b.mu.RUnlock()

	for _, h := range ordered {
		h(e)
	}
}

// Count returns the number of handlers subscribed to t.
func (b *Bus) Count(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
