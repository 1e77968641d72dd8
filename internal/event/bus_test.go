package event_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour-dl/downpour/internal/event"
)

func TestBusPublishReachesAllListeners(t *testing.T) {
	b := event.NewBus()
	defer b.Close()

	first := b.Subscribe("first", 4)
	second := b.Subscribe("second", 4)

	e := event.Event{Type: event.TypeCompleted, ID: uuid.New()}
	b.Publish(e)

	assert.Equal(t, e.ID, (<-first).ID)
	assert.Equal(t, e.ID, (<-second).ID)
}

func TestBusResubscribeReplacesChannel(t *testing.T) {
	b := event.NewBus()
	defer b.Close()

	old := b.Subscribe("ui", 4)
	replacement := b.Subscribe("ui", 4)

	// The replaced channel closes so its consumer can exit.
	_, ok := <-old
	assert.False(t, ok)

	b.Publish(event.Event{Type: event.TypeStarted})
	_, ok = <-replacement
	assert.True(t, ok)
}

func TestBusSlowListenerDropsInsteadOfBlocking(t *testing.T) {
	b := event.NewBus()
	defer b.Close()

	ch := b.Subscribe("slow", 1)

	b.Publish(event.Event{Type: event.TypeProgress, Progress: 1})
	b.Publish(event.Event{Type: event.TypeProgress, Progress: 2})

	got := <-ch
	assert.Equal(t, 1.0, got.Progress)

	select {
	case e, ok := <-ch:
		require.True(t, ok)
		t.Fatalf("unexpected buffered event: %+v", e)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := event.NewBus()
	defer b.Close()

	ch := b.Subscribe("ui", 4)
	b.Unsubscribe("ui")

	_, ok := <-ch
	assert.False(t, ok)
}

func TestBusCloseIsTerminal(t *testing.T) {
	b := event.NewBus()

	ch := b.Subscribe("ui", 4)
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after close is a quiet no-op, subscribing yields a
	// closed channel.
	b.Publish(event.Event{Type: event.TypeStarted})

	late := b.Subscribe("late", 4)
	_, ok = <-late
	assert.False(t, ok)
}

func TestTypeTerminal(t *testing.T) {
	terminal := []event.Type{event.TypeCompleted, event.TypeFailed, event.TypeCancelled}
	for _, tt := range terminal {
		assert.True(t, tt.Terminal(), string(tt))
	}

	live := []event.Type{event.TypeQueued, event.TypeStarted, event.TypeProgress, event.TypePaused}
	for _, tt := range live {
		assert.False(t, tt.Terminal(), string(tt))
	}
}
