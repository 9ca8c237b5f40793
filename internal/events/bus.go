// Package events is the one-way manager event bus. The engine publishes
// typed key/value events; subscribers (the websocket feed, tests) receive
// them on buffered channels. A slow subscriber loses events rather than
// blocking the engine.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind names every event the engine emits.
type Kind string

const (
	KindJoin               Kind = "Join"
	KindLeave              Kind = "Leave"
	KindCallerAbandon      Kind = "QueueCallerAbandon"
	KindMemberAdded        Kind = "QueueMemberAdded"
	KindMemberRemoved      Kind = "QueueMemberRemoved"
	KindMemberStatus       Kind = "QueueMemberStatus"
	KindMemberPaused       Kind = "QueueMemberPaused"
	KindMemberPenalty      Kind = "QueueMemberPenalty"
	KindAgentCalled        Kind = "AgentCalled"
	KindAgentConnect       Kind = "AgentConnect"
	KindAgentComplete      Kind = "AgentComplete"
	KindAgentRingNoAnswer  Kind = "AgentRingNoAnswer"
	KindAgentDump          Kind = "AgentDump"
	KindQueueSummary       Kind = "QueueSummary"
	KindQueueStatus        Kind = "QueueStatus"
)

// Event is one bus message. Fields are flat string pairs; numeric values
// are formatted by the publisher.
type Event struct {
	Kind   Kind              `json:"kind"`
	Time   time.Time         `json:"time"`
	Fields map[string]string `json:"fields"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger.With("subsystem", "events"),
	}
}

// Publish stamps and delivers an event to every subscriber. Delivery is
// best-effort: a full subscriber buffer drops the event for that
// subscriber only.
func (b *Bus) Publish(kind Kind, fields map[string]string) {
	ev := Event{Kind: kind, Time: time.Now(), Fields: fields}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber buffer full, dropping event",
				"subscriber", id,
				"kind", string(kind),
			)
		}
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function. Cancel closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
