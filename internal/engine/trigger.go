package engine

import "sync"

// drainTrigger is a coalescing wake-up signal for the Run loop.
//
// Any number of Fire calls between two receives collapse into one pending
// signal, so a burst of reconnect and drain messages causes one drain.
//
// The signal channel is buffered (size 1) to allow context-aware waiting in
// the Run loop without a goroutine per request.
type drainTrigger struct {
	mu     sync.Mutex
	closed bool
	fired  int // total Fire calls accepted, for diagnostics
	signal chan struct{}
}

func newDrainTrigger() *drainTrigger {
	return &drainTrigger{signal: make(chan struct{}, 1)}
}

// Fire requests a drain. Thread-safe: may be called from any goroutine.
// Returns false if the trigger is closed.
func (t *drainTrigger) Fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	t.fired++

	// Non-blocking: buffer of 1 coalesces multiple requests
	select {
	case t.signal <- struct{}{}:
	default:
	}
	return true
}

// Wait returns a channel that receives when a drain was requested.
// The channel is closed by Close.
func (t *drainTrigger) Wait() <-chan struct{} {
	return t.signal
}

// Fired returns the number of accepted Fire calls.
func (t *drainTrigger) Fired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Close stops accepting requests and wakes any waiter.
func (t *drainTrigger) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	close(t.signal)
}
