// Package harness runs scripted page sessions against the viewport tracker.
//
// A scenario is a list of page events run with a fake clock and an
// in-memory store. The harness records a line-per-event trace that is
// compared against a golden file, then evaluates the scenario's assertions.
//
// # Scenario Format
//
//	name: dwell_promotes_once
//	description: "A unit visible for the dwell time is read once"
//	config:
//	  session_cap: 2
//	pending:
//	  - {session: old-1, units: ["3"], age: 2h}
//	steps:
//	  - mutate: [{id: "1", parent: surah-2}]
//	  - observe: [{unit: {id: "1", parent: surah-2}, ratio: 0.6}]
//	  - advance: 1s
//	  - fail_reports: true
//	  - restart: true
//	assertions:
//	  - {type: viewed, units: ["1"]}
//	  - {type: reported_total, count: 1}
//	  - {type: trace_count, kind: report, count: 1}
//	  - {type: pending, session: old-1}
//
// Step events are observe, scroll, mutate, layout, advance, pagehide,
// unload, close, restart and fail_reports. A restart unloads the running
// tracker and starts a new one over the same store, clock and session id
// sequence, which is how a reload looks to the tracker.
//
// # Trace
//
// Every line starts with the offset from the scenario start. Besides one
// line per step the trace holds:
//
//   - start: the recovery report of a tracker start
//   - attach: a unit the page must attach its visibility observer to
//   - report: a report call and whether it succeeded
//   - state: the active session after each step
package harness
