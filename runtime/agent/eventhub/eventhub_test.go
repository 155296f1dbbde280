package eventhub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemate/gateway/runtime/agent/stream"
)

func TestSubscribePublishDeliversToAllSubscribers(t *testing.T) {
	hub := New()
	h1 := hub.Subscribe("task-1")
	h2 := hub.Subscribe("task-1")
	defer hub.Unsubscribe(h1)
	defer hub.Unsubscribe(h2)

	hub.Publish(stream.Event{TaskID: "task-1", Type: stream.EventTaskUpdated})

	for _, h := range []*Handle{h1, h2} {
		select {
		case ev := <-h.Events():
			assert.Equal(t, stream.EventTaskUpdated, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishScopedPerTask(t *testing.T) {
	hub := New()
	h := hub.Subscribe("task-a")
	defer hub.Unsubscribe(h)

	hub.Publish(stream.Event{TaskID: "task-b", Type: stream.EventTaskUpdated})

	select {
	case <-h.Events():
		t.Fatal("subscriber for task-a should not receive task-b events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := New()
	h := hub.Subscribe("task-1")
	hub.Unsubscribe(h)
	require.NotPanics(t, func() { hub.Unsubscribe(h) })
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	hub := New()
	h := hub.Subscribe("task-1")
	defer hub.Unsubscribe(h)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueSize*4; i++ {
			hub.Publish(stream.Event{TaskID: "task-1", Type: stream.EventTaskUpdated, ID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
