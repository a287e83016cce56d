package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/readsync/internal/clock"
	"github.com/roach88/readsync/internal/ir"
	"github.com/roach88/readsync/internal/metrics"
)

// Tracker turns visibility signals into reported reading progress for one
// owner.
//
// Thread-safety: all state is guarded by one mutex. Reporter and store
// calls are made without it held, and at most one report per session is in
// flight at a time.
type Tracker struct {
	owner    string
	reporter ActivityReporter
	pending  PendingStore

	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	ids      ir.IDGenerator
	surface  Surface
	observer Observer

	mu          sync.Mutex
	session     *session
	watching    map[string]*watch
	observed    map[string]bool
	pollTimer   clock.Timer
	reportTimer clock.Timer
	started     bool
	unloaded    bool
	closed      bool

	// orphans are earlier sessions of this tracker with units still
	// unreported. The report tick retries them.
	orphans []*session
}

// New creates a tracker for owner. Call Start to recover earlier sessions
// and begin the periodic poll and report.
func New(owner string, reporter ActivityReporter, pending PendingStore, opts ...Option) *Tracker {
	t := &Tracker{
		owner:    ir.NormalizeKey(owner),
		reporter: reporter,
		pending:  pending,
		cfg:      DefaultConfig(),
		clock:    clock.Real{},
		logger:   slog.Default(),
		ids:      ir.UUIDv7Generator{},
		watching: make(map[string]*watch),
		observed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Owner returns the normalised owner id.
func (t *Tracker) Owner() string {
	return t.owner
}

// RecoveryReport summarises what Start did with earlier pending records.
type RecoveryReport struct {
	Replayed  int `json:"replayed"`
	Units     int `json:"units"`
	Discarded int `json:"discarded"`
	Failed    int `json:"failed"`
}

// Start replays pending records the owner's earlier sessions left behind,
// then schedules the poll and report timers. After Unload, the next signal
// runs Start again.
//
// Records older than PendingMaxAge are deleted without reporting. A record
// whose replay fails stays for the next Start. Records of sessions this
// tracker still holds are left to its own reports. Only listing the
// records can fail Start.
func (t *Tracker) Start(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return report, nil
	}
	t.started = true
	t.mu.Unlock()

	recs, err := t.pending.ListPending(ctx, t.owner)
	if err != nil {
		return report, fmt.Errorf("list pending tracking records: %w", err)
	}

	now := t.clock.Now()
	for _, rec := range recs {
		if t.holds(rec.SessionID) {
			continue
		}
		if now.Sub(rec.Timestamp) > t.cfg.PendingMaxAge || len(rec.Units) == 0 {
			t.deletePending(ctx, rec.SessionID)
			report.Discarded++
			t.logger.Debug("discarded stale tracking record", "session", rec.SessionID, "timestamp", rec.Timestamp)
			continue
		}
		if err := t.reporter.ReportUnitsRead(ctx, t.owner, len(rec.Units)); err != nil {
			report.Failed++
			t.logger.Warn("tracking record replay failed, keeping it", "session", rec.SessionID, "error", err)
			continue
		}
		t.deletePending(ctx, rec.SessionID)
		report.Replayed++
		report.Units += len(rec.Units)
	}
	if report.Replayed > 0 || report.Discarded > 0 {
		t.logger.Info("tracking records recovered",
			"owner", t.owner, "replayed", report.Replayed, "units", report.Units, "discarded", report.Discarded)
	}

	t.mu.Lock()
	if !t.closed && !t.unloaded {
		t.schedulePoll()
		t.scheduleReport()
	}
	t.mu.Unlock()
	return report, nil
}

// HandleVisibility applies one observer batch. Entries at or above the
// threshold become candidates; the rest are cleared. The first visible
// unit's parent selects the session.
func (t *Tracker) HandleVisibility(ctx context.Context, batch []Observation) {
	t.resume(ctx)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	var old *session
	for _, ob := range batch {
		if ob.Ratio >= t.cfg.Threshold {
			old = t.ensureSession(ob.Unit.ParentID)
			break
		}
	}
	for _, ob := range batch {
		if ob.Ratio >= t.cfg.Threshold {
			t.markUnitCandidate(ob.Unit)
		} else {
			t.clearCandidate(ob.Unit.ID)
		}
	}
	t.mu.Unlock()

	if old != nil {
		t.report(ctx, old)
		t.keepUnsynced(old)
	}
}

// HandleScroll cancels every pending dwell timer. Units still on screen
// become candidates again on the next observation or poll.
func (t *Tracker) HandleScroll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopWatches()
}

// HandleMutation attaches the observer to newly rendered units.
// Units already observed are ignored.
func (t *Tracker) HandleMutation(added []Unit) {
	t.resume(context.Background())
	fresh := t.markObserved(added)
	if t.observer == nil {
		return
	}
	for _, u := range fresh {
		t.observer.Observe(u)
	}
}

// PageHide reports the active session's unreported units.
func (t *Tracker) PageHide(ctx context.Context) {
	t.resume(ctx)
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()
	t.report(ctx, s)
}

// Unload handles a hard tab close: the unreported units are persisted for
// the next Start, every timer is stopped, and nothing is reported. The
// tracker is then reset; the next signal recovers the persisted record and
// starts over.
//
// A session whose report is in flight is not persisted here. It becomes an
// orphan and the report persists whatever stays unreported.
func (t *Tracker) Unload(ctx context.Context) {
	t.mu.Lock()
	if t.closed || t.unloaded {
		t.mu.Unlock()
		return
	}
	t.unloaded = true
	t.started = false
	t.stopTimers()
	s := t.session
	t.session = nil
	t.observed = make(map[string]bool)
	var units []string
	if s != nil {
		if s.reporting {
			t.orphans = append(t.orphans, s)
		} else {
			units = s.unsynced()
		}
	}
	t.mu.Unlock()

	if len(units) == 0 {
		return
	}
	rec := ir.NewPendingTrackingRecord(t.owner, s.id, units, t.clock.Now())
	if err := t.pending.SavePending(ctx, rec); err != nil {
		t.logger.Warn("persist tracking record on unload failed", "session", s.id, "error", err)
		return
	}
	t.logger.Debug("tracking record persisted on unload", "session", s.id, "units", len(units))
}

// resume runs Start for the first signal after Unload.
func (t *Tracker) resume(ctx context.Context) {
	t.mu.Lock()
	if !t.unloaded || t.closed {
		t.mu.Unlock()
		return
	}
	t.unloaded = false
	t.mu.Unlock()

	if _, err := t.Start(ctx); err != nil {
		t.logger.Warn("tracking recovery after unload failed", "error", err)
	}
}

// Close tears the tracker down on unmount: timers stop and the active
// session is flushed.
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.stopTimers()
	s := t.session
	t.session = nil
	t.mu.Unlock()

	t.report(ctx, s)
	t.retryOrphans(ctx)
}

// Session returns a snapshot of the active session.
func (t *Tracker) Session() (SessionSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session
	if s == nil {
		return SessionSnapshot{}, false
	}
	snap := SessionSnapshot{
		ID:         s.id,
		ParentID:   s.parentID,
		StartedAt:  s.startedAt,
		Viewed:     append([]string(nil), s.viewed...),
		LastSynced: s.lastSynced,
		Tracked:    s.tracked,
	}
	for id, w := range t.watching {
		if w.sessionID == s.id {
			snap.Watching = append(snap.Watching, id)
		}
	}
	ir.SortUnits(snap.Watching)
	return snap, true
}

// ensureSession makes parentID the active collection and returns the
// session it replaced, if any. Caller must hold t.mu.
func (t *Tracker) ensureSession(parentID string) *session {
	if t.session != nil && t.session.parentID == parentID {
		return nil
	}
	old := t.session
	t.stopWatches()
	t.session = newSession(t.ids.Generate(), parentID, t.clock.Now(), t.cfg.SessionCap)
	t.logger.Debug("tracking session started", "session", t.session.id, "parent", parentID)
	return old
}

// markUnitCandidate is the single transition into Watching. Both detection
// paths call it. Caller must hold t.mu.
func (t *Tracker) markUnitCandidate(u Unit) {
	s := t.session
	if s == nil || u.ParentID != s.parentID || s.isViewed(u.ID) {
		return
	}
	if _, ok := t.watching[u.ID]; ok {
		return
	}
	if s.cap.Current() >= s.cap.Limit() {
		t.warnCap(s, &CapReachedError{SessionID: s.id, Limit: s.cap.Limit()})
		return
	}

	w := &watch{sessionID: s.id}
	id := u.ID
	w.timer = t.clock.AfterFunc(t.cfg.Dwell, func() { t.promote(id, w) })
	t.watching[id] = w
}

// clearCandidate moves a watched unit back to Unseen. Caller must hold t.mu.
func (t *Tracker) clearCandidate(unitID string) {
	if w, ok := t.watching[unitID]; ok {
		w.timer.Stop()
		delete(t.watching, unitID)
	}
}

// promote runs when a dwell timer fires.
func (t *Tracker) promote(unitID string, w *watch) {
	t.mu.Lock()
	if t.watching[unitID] != w {
		t.mu.Unlock()
		return
	}
	delete(t.watching, unitID)

	s := t.session
	if s == nil || s.id != w.sessionID {
		t.mu.Unlock()
		return
	}
	if err := s.cap.Check(s.id); err != nil {
		t.warnCap(s, err)
		t.mu.Unlock()
		return
	}
	s.add(unitID)
	total := len(s.viewed)
	t.mu.Unlock()

	t.metrics.UnitRead()
	t.logger.Debug("unit read", "session", w.sessionID, "unit", unitID, "viewed", total)
}

// warnCap logs the first refusal in a session. Caller must hold t.mu.
func (t *Tracker) warnCap(s *session, err error) {
	if s.capWarned {
		return
	}
	s.capWarned = true
	t.logger.Warn("tracking session cap reached, further units not counted", "owner", t.owner, "error", err)
}

// report sends s's unreported delta. Failures leave the pending record in
// place for the next tick.
func (t *Tracker) report(ctx context.Context, s *session) {
	if s == nil {
		return
	}
	t.mu.Lock()
	delta := len(s.viewed) - s.lastSynced
	if s.reporting || delta <= 0 {
		t.mu.Unlock()
		return
	}
	s.reporting = true
	units := s.unsynced()
	target := len(s.viewed)
	t.mu.Unlock()

	rec := ir.NewPendingTrackingRecord(t.owner, s.id, units, t.clock.Now())
	if err := t.pending.SavePending(ctx, rec); err != nil {
		t.logger.Warn("persist tracking record failed", "session", s.id, "error", err)
	}

	err := t.reporter.ReportUnitsRead(ctx, t.owner, delta)

	t.mu.Lock()
	s.reporting = false
	if err != nil {
		current := s.unsynced()
		t.mu.Unlock()
		t.logger.Warn("unit report failed, retrying on next tick", "session", s.id, "units", delta, "error", err)
		if len(current) > len(units) {
			rec := ir.NewPendingTrackingRecord(t.owner, s.id, current, t.clock.Now())
			if err := t.pending.SavePending(ctx, rec); err != nil {
				t.logger.Warn("persist tracking record failed", "session", s.id, "error", err)
			}
		}
		return
	}
	if target > s.lastSynced {
		s.lastSynced = target
	}
	s.tracked = true
	remaining := s.unsynced()
	t.mu.Unlock()

	if len(remaining) == 0 {
		t.deletePending(ctx, s.id)
	} else {
		rec := ir.NewPendingTrackingRecord(t.owner, s.id, remaining, t.clock.Now())
		if err := t.pending.SavePending(ctx, rec); err != nil {
			t.logger.Warn("persist tracking record failed", "session", s.id, "error", err)
		}
	}
	t.logger.Debug("units reported", "session", s.id, "count", delta)
}

// keepUnsynced holds on to a session that left the tracker with units
// still unreported.
func (t *Tracker) keepUnsynced(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.reporting || s.lastSynced < len(s.viewed) {
		t.orphans = append(t.orphans, s)
	}
}

// retryOrphans reports every orphan and forgets those fully reported.
func (t *Tracker) retryOrphans(ctx context.Context) {
	t.mu.Lock()
	orphans := append([]*session(nil), t.orphans...)
	t.mu.Unlock()

	for _, s := range orphans {
		t.report(ctx, s)
	}

	t.mu.Lock()
	kept := t.orphans[:0]
	for _, s := range t.orphans {
		if s.reporting || s.lastSynced < len(s.viewed) {
			kept = append(kept, s)
		}
	}
	t.orphans = kept
	t.mu.Unlock()
}

// holds reports whether sessionID is the active session or an orphan.
func (t *Tracker) holds(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil && t.session.id == sessionID {
		return true
	}
	for _, s := range t.orphans {
		if s.id == sessionID {
			return true
		}
	}
	return false
}

func (t *Tracker) deletePending(ctx context.Context, sessionID string) {
	if err := t.pending.DeletePending(ctx, t.owner, sessionID); err != nil {
		t.logger.Warn("delete tracking record failed", "session", sessionID, "error", err)
	}
}

// poll is the bounding-box fallback: it attaches units the observer has
// not seen and feeds measured ratios through the same path as observer
// batches.
func (t *Tracker) poll() {
	if t.surface == nil {
		return
	}
	vp, boxes := t.surface.Measure()

	units := make([]Unit, len(boxes))
	batch := make([]Observation, len(boxes))
	for i, b := range boxes {
		units[i] = b.Unit
		batch[i] = Observation{Unit: b.Unit, Ratio: visibleRatio(b, vp, t.cfg.Margin)}
	}
	t.HandleMutation(units)
	t.HandleVisibility(context.Background(), batch)
}

func (t *Tracker) markObserved(units []Unit) []Unit {
	t.mu.Lock()
	defer t.mu.Unlock()
	var fresh []Unit
	for _, u := range units {
		if t.observed[u.ID] {
			continue
		}
		t.observed[u.ID] = true
		fresh = append(fresh, u)
	}
	return fresh
}

// schedulePoll arms the next poll. Caller must hold t.mu.
func (t *Tracker) schedulePoll() {
	if t.surface == nil {
		return
	}
	t.pollTimer = t.clock.AfterFunc(t.cfg.PollInterval, func() {
		if t.idle() {
			return
		}
		t.poll()
		t.mu.Lock()
		if !t.closed && !t.unloaded {
			t.schedulePoll()
		}
		t.mu.Unlock()
	})
}

// scheduleReport arms the next periodic report. Caller must hold t.mu.
func (t *Tracker) scheduleReport() {
	t.reportTimer = t.clock.AfterFunc(t.cfg.ReportInterval, func() {
		t.mu.Lock()
		if t.closed || t.unloaded {
			t.mu.Unlock()
			return
		}
		s := t.session
		t.mu.Unlock()

		t.report(context.Background(), s)
		t.retryOrphans(context.Background())

		t.mu.Lock()
		if !t.closed && !t.unloaded {
			t.scheduleReport()
		}
		t.mu.Unlock()
	})
}

// idle reports whether the tracker is closed or waiting after Unload.
func (t *Tracker) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed || t.unloaded
}

// stopWatches cancels every dwell timer. Caller must hold t.mu.
func (t *Tracker) stopWatches() {
	for id, w := range t.watching {
		w.timer.Stop()
		delete(t.watching, id)
	}
}

// stopTimers cancels dwell, poll and report timers. Caller must hold t.mu.
func (t *Tracker) stopTimers() {
	t.stopWatches()
	if t.pollTimer != nil {
		t.pollTimer.Stop()
	}
	if t.reportTimer != nil {
		t.reportTimer.Stop()
	}
}
