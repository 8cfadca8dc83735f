package pipeline

import (
	"sync"
)

// EventBus fans finished cycles out to subscribers (journal, websocket hub,
// metrics). Handlers run synchronously on the cycle goroutine.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	channel chan *CycleResult
	handler CycleResultHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for cycle results.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler CycleResultHandler) func() {
	sub := &eventSubscription{
		handler: handler,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a buffered channel that receives cycle results.
// Results are dropped when the channel is full.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *CycleResult, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *CycleResult, bufferSize)
	sub := &eventSubscription{
		channel: ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish delivers a result to all subscribers
func (b *EventBus) Publish(result *CycleResult) {
	if result == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.handler != nil {
			sub.handler.OnCycleResult(result)
		} else if sub.channel != nil {
			select {
			case sub.channel <- result:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
