// Package bridge carries control messages between the background request
// path (router, server) and the foreground executor.
//
// Messages are values. Subscribers share nothing with publishers except the
// channel they read from.
package bridge

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies a control message.
type Kind string

const (
	// KindDrain asks the executor to replay the queue now.
	KindDrain Kind = "drain"
	// KindSkipWaiting activates a staged cache rule set.
	KindSkipWaiting Kind = "skip_waiting"
	// KindOnline reports connectivity was restored.
	KindOnline Kind = "online"
	// KindOffline reports connectivity was lost.
	KindOffline Kind = "offline"
)

// Message is one control signal.
type Message struct {
	Kind   Kind      `json:"kind"`
	Owner  string    `json:"owner,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// Bus fans messages out to every subscriber.
//
// Post never blocks: a subscriber whose buffer is full misses the message
// and a warning is logged. Every trigger message is idempotent, so a dropped
// duplicate only delays work until the next one.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Message
	nextID int
	closed bool
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]chan Message),
		logger: logger,
	}
}

// Subscribe registers a new subscriber with the given buffer size.
// The returned cancel func unregisters and closes the channel; it is safe to
// call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Post delivers msg to every subscriber without blocking.
// Returns the number of subscribers that received it.
func (b *Bus) Post(msg Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- msg:
			delivered++
		default:
			b.logger.Warn("bridge subscriber full, message dropped",
				"kind", msg.Kind,
				"owner", msg.Owner,
			)
		}
	}
	return delivered
}

// Close unregisters every subscriber and closes their channels.
// Posts after Close are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
