// Package eventhub provides in-memory, best-effort fan-out of task events
// from engine worker goroutines to API subscribers.
package eventhub

import (
	"sync"

	"github.com/codemate/gateway/runtime/agent/stream"
)

// subscriberQueueSize bounds the per-subscriber channel. A slow subscriber
// that falls this far behind starts losing the oldest buffered events
// rather than stalling the publisher.
const subscriberQueueSize = 64

// Handle identifies one subscription returned by Subscribe. Callers pass it
// back to Unsubscribe.
type Handle struct {
	taskID string
	id     uint64
	ch     chan stream.Event
}

// Events returns the channel this handle delivers events on.
func (h *Handle) Events() <-chan stream.Event {
	return h.ch
}

// Hub fans events out to zero-or-more subscribers per task. Publish is
// non-blocking: a subscriber that cannot keep up has its oldest buffered
// event dropped to make room, never stalling the caller.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Handle
	nextID uint64
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{subs: make(map[string]map[uint64]*Handle)}
}

// Subscribe registers a new subscriber for taskID and returns a handle
// whose Events channel receives every subsequently published event for
// that task. A late subscriber does not receive events published before
// this call; callers reconcile via a Store snapshot.
func (h *Hub) Subscribe(taskID string) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	handle := &Handle{taskID: taskID, id: h.nextID, ch: make(chan stream.Event, subscriberQueueSize)}
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[uint64]*Handle)
	}
	h.subs[taskID][handle.id] = handle
	return handle
}

// Unsubscribe removes handle from the hub. It is idempotent: unsubscribing
// an already-removed or unknown handle is a no-op.
func (h *Hub) Unsubscribe(handle *Handle) {
	if handle == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[handle.taskID]
	if !ok {
		return
	}
	if _, ok := set[handle.id]; ok {
		delete(set, handle.id)
		close(handle.ch)
	}
	if len(set) == 0 {
		delete(h.subs, handle.taskID)
	}
}

// Publish delivers ev to every handle currently subscribed to
// ev.TaskID. It never blocks: a subscriber whose channel is full has its
// oldest queued event dropped to make room for ev, so a slow consumer
// never stalls the worker goroutine or the delivery to other subscribers.
func (h *Hub) Publish(ev stream.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, handle := range h.subs[ev.TaskID] {
		select {
		case handle.ch <- ev:
		default:
			select {
			case <-handle.ch:
			default:
			}
			select {
			case handle.ch <- ev:
			default:
			}
		}
	}
}
