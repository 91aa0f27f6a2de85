package control

import (
	"sync"
	"sync/atomic"

	"github.com/swedishembedded/sven/internal/agent"
	"github.com/swedishembedded/sven/pkg/models"
)

// eventBusCap bounds each subscriber's queue (spec.md §5). A lagging
// subscriber drops the oldest queued event rather than blocking the
// service loop — commands are idempotent enough that a client can
// re-list sessions after noticing a gap.
const eventBusCap = 1024

// EventType identifies the kind of ControlEvent.
type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventSessionUpdated EventType = "session_updated"
	EventTurnChunk      EventType = "turn_chunk"
	EventSessionList    EventType = "session_list"
	EventApprovalWarn   EventType = "approval_warning"
)

// ControlEvent is one item on the broadcast bus: the bridge task's
// forwarded engine activity, or a lifecycle/list notification the
// service loop itself emits (spec.md §4.2 "Event fan-out").
type ControlEvent struct {
	Type      EventType
	SessionID string
	Session   *models.Session
	Chunk     *agent.ResponseChunk
	Sessions  []*models.Session
	Warning   string
}

// EventBus is a bounded multi-subscriber broadcast channel set. Publish
// never blocks: a subscriber whose queue is full has its oldest event
// dropped and its lag counter incremented, mirroring the panic-isolated
// fan-out gateway/broadcast.go uses to keep one slow consumer from
// stalling every other subscriber.
type EventBus struct {
	mu   sync.Mutex
	subs map[uint64]*subscriber
	next uint64
}

type subscriber struct {
	ch      chan ControlEvent
	dropped atomic.Uint64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a new subscriber and returns its event channel
// and an unsubscribe function. Callers must invoke unsubscribe exactly
// once when they stop reading.
func (b *EventBus) Subscribe() (<-chan ControlEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan ControlEvent, eventBusCap)}
	b.subs[id] = sub

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.ch)
			delete(b.subs, id)
		}
	}
}

// Publish fans an event out to every subscriber. Isolated per-subscriber
// so one full queue never blocks or drops another's delivery.
func (b *EventBus) Publish(ev ControlEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Drop the oldest queued event to make room, matching the
			// "subscribers that lag are informed; loss is acceptable"
			// contract rather than blocking Publish.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount reports the current subscriber count, for status/
// diagnostic surfaces.
func (b *EventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
