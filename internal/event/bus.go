package event

import "sync"

// Bus fans events out to registered listeners. Sends never block: a
// listener that falls behind loses intermediate progress events rather
// than stalling a worker.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string]chan Event
	closed    bool
}

func NewBus() *Bus {
	return &Bus{
		listeners: make(map[string]chan Event),
	}
}

// Subscribe registers a listener under key and returns its channel.
// Re-subscribing under the same key replaces the previous channel.
func (b *Bus) Subscribe(key string, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.listeners[key]; ok {
		close(prev)
	}

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch
	}

	b.listeners[key] = ch

	return ch
}

func (b *Bus) Unsubscribe(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.listeners[key]; ok {
		close(ch)
		delete(b.listeners, key)
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for key, ch := range b.listeners {
		close(ch)
		delete(b.listeners, key)
	}
}
