package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/readsync/internal/ir"
	"github.com/roach88/readsync/internal/store"
	"github.com/roach88/readsync/internal/testutil"
	"github.com/roach88/readsync/internal/tracker"
)

// Epoch is the fake clock's start time for every scenario.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// errReporterOffline is what a failing reporter returns.
var errReporterOffline = errors.New("reporter offline")

// Harness drives one scenario. A restart replaces the tracker but keeps the
// clock, the store and the session id sequence.
type Harness struct {
	scenario *Scenario
	owner    string
	cfg      tracker.Config
	store    *store.Store
	clock    *testutil.FakeClock
	ids      ir.IDGenerator
	layout   *tracker.Layout
	reporter *recordingReporter
	tracker  *tracker.Tracker
	logger   *slog.Logger
	result   *Result
}

// recordingReporter traces every report and can be switched to fail.
type recordingReporter struct {
	h    *Harness
	mu   sync.Mutex
	fail bool
}

func (r *recordingReporter) ReportUnitsRead(_ context.Context, _ string, count int) error {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail {
		r.h.record(EventReport, fmt.Sprintf("%d error: %v", count, errReporterOffline))
		return errReporterOffline
	}
	r.h.record(EventReport, fmt.Sprintf("%d ok", count))
	r.h.result.Reports = append(r.h.result.Reports, count)
	return nil
}

func (r *recordingReporter) setFail(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = v
}

// Run executes a scenario and returns its result.
//
// Each scenario runs in a fresh in-memory database with a fake clock
// starting at Epoch, so traces are reproducible.
func Run(scenario *Scenario) (*Result, error) {
	cfg, err := scenario.Config.Apply(tracker.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	owner := scenario.Owner
	if owner == "" {
		owner = DefaultOwner
	}
	h := &Harness{
		scenario: scenario,
		owner:    owner,
		cfg:      cfg,
		store:    st,
		clock:    testutil.NewFakeClock(Epoch),
		ids:      testutil.NewSequenceGenerator("s"),
		layout:   &tracker.Layout{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		result:   NewResult(),
	}
	h.reporter = &recordingReporter{h: h}

	ctx := context.Background()
	if err := h.seed(ctx); err != nil {
		return nil, err
	}
	if err := h.start(ctx); err != nil {
		return nil, err
	}

	for i, step := range scenario.Steps {
		if err := h.apply(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Kind(), err)
		}
		h.recordState()
	}

	if snap, ok := h.tracker.Session(); ok {
		h.result.Viewed = snap.Viewed
	}
	pending, err := st.ListPending(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	h.result.Pending = pending

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) seed(ctx context.Context) error {
	for _, rec := range h.scenario.Pending {
		age, err := time.ParseDuration(rec.Age)
		if err != nil {
			return fmt.Errorf("seed %s: %w", rec.Session, err)
		}
		r := ir.NewPendingTrackingRecord(h.owner, rec.Session, rec.Units, Epoch.Add(-age))
		if err := h.store.SavePending(ctx, r); err != nil {
			return fmt.Errorf("seed %s: %w", rec.Session, err)
		}
	}
	return nil
}

// start builds a tracker over the shared store and runs its recovery.
func (h *Harness) start(ctx context.Context) error {
	h.tracker = tracker.New(h.owner, h.reporter, h.store,
		tracker.WithConfig(h.cfg),
		tracker.WithClock(h.clock),
		tracker.WithLogger(h.logger),
		tracker.WithIDGenerator(h.ids),
		tracker.WithSurface(h.layout),
		tracker.WithObserver(tracker.ObserverFunc(func(u tracker.Unit) {
			h.record(EventAttach, unitRef(u))
		})),
	)
	rep, err := h.tracker.Start(ctx)
	if err != nil {
		return err
	}
	h.record(EventStart, fmt.Sprintf("replayed=%d units=%d discarded=%d failed=%d",
		rep.Replayed, rep.Units, rep.Discarded, rep.Failed))
	return nil
}

func (h *Harness) apply(ctx context.Context, step Step) error {
	t := h.tracker
	switch step.Kind() {
	case StepObserve:
		parts := make([]string, len(step.Observe))
		for i, ob := range step.Observe {
			parts[i] = unitRef(ob.Unit) + "=" + strconv.FormatFloat(ob.Ratio, 'g', -1, 64)
		}
		h.record(StepObserve, strings.Join(parts, " "))
		t.HandleVisibility(ctx, step.Observe)
	case StepScroll:
		h.record(StepScroll, "")
		t.HandleScroll()
	case StepMutate:
		parts := make([]string, len(step.Mutate))
		for i, u := range step.Mutate {
			parts[i] = unitRef(u)
		}
		h.record(StepMutate, strings.Join(parts, " "))
		t.HandleMutation(step.Mutate)
	case StepLayout:
		l := step.Layout
		h.record(StepLayout, fmt.Sprintf("%gx%g boxes=%d", l.Viewport.Width, l.Viewport.Height, len(l.Boxes)))
		h.layout.Update(l.Viewport, l.Boxes)
	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.record(StepAdvance, d.String())
		h.clock.Advance(d)
	case StepPageHide:
		h.record(StepPageHide, "")
		t.PageHide(ctx)
	case StepUnload:
		h.record(StepUnload, "")
		t.Unload(ctx)
	case StepClose:
		h.record(StepClose, "")
		t.Close(ctx)
	case StepRestart:
		h.record(StepRestart, "")
		t.Unload(ctx)
		return h.start(ctx)
	case StepFailReports:
		h.record(StepFailReports, strconv.FormatBool(*step.FailReports))
		h.reporter.setFail(*step.FailReports)
	default:
		return fmt.Errorf("unknown step")
	}
	return nil
}

func (h *Harness) recordState() {
	snap, ok := h.tracker.Session()
	if !ok {
		h.record(EventState, "-")
		return
	}
	h.record(EventState, fmt.Sprintf("%s %s viewed=%v watching=%v synced=%d",
		snap.ID, snap.ParentID, snap.Viewed, snap.Watching, snap.LastSynced))
}

func (h *Harness) record(kind, detail string) {
	h.result.Trace = append(h.result.Trace, TraceEvent{
		At:     h.clock.Now().Sub(Epoch),
		Kind:   kind,
		Detail: detail,
	})
}

func unitRef(u tracker.Unit) string {
	return u.ParentID + "/" + u.ID
}
