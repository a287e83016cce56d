package tracker

import "sync"

// Layout is a Surface fed with the page's latest measurements. The agent
// updates it from layout signals; the poll reads it.
type Layout struct {
	mu       sync.Mutex
	viewport Viewport
	boxes    []Box
}

// Update replaces the current measurements.
func (l *Layout) Update(vp Viewport, boxes []Box) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.viewport = vp
	l.boxes = append([]Box(nil), boxes...)
}

// Measure implements Surface.
func (l *Layout) Measure() (Viewport, []Box) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.viewport, append([]Box(nil), l.boxes...)
}

// AttachQueue is an Observer that collects units for the page to attach
// its visibility observer to.
type AttachQueue struct {
	mu    sync.Mutex
	units []Unit
}

// Observe implements Observer.
func (q *AttachQueue) Observe(u Unit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.units = append(q.units, u)
}

// Drain returns and clears the queued units.
func (q *AttachQueue) Drain() []Unit {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.units
	q.units = nil
	return out
}
