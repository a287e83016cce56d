package harness

import (
	"fmt"
	"reflect"
	"strings"
)

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_count": events of Kind appear exactly Count times
	// - "reported_total": successful reports sum to Count units
	// - "viewed": the final session read exactly Units, in order
	// - "pending": Session's stored record holds exactly Units (none when empty)
	Type string `yaml:"type"`

	Kind    string   `yaml:"kind,omitempty"`
	Count   int      `yaml:"count,omitempty"`
	Units   []string `yaml:"units,omitempty"`
	Session string   `yaml:"session,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceCount    = "trace_count"
	AssertReportedTotal = "reported_total"
	AssertViewed        = "viewed"
	AssertPending       = "pending"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  %s\n", event)
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages, empty when all hold.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertReportedTotal:
		return assertReportedTotal(result, a)
	case AssertViewed:
		return assertUnits(result.Trace, AssertViewed, a.Units, result.Viewed)
	case AssertPending:
		var got []string
		for _, rec := range result.Pending {
			if rec.SessionID == a.Session {
				got = rec.Units
			}
		}
		return assertUnits(result.Trace, AssertPending+" "+a.Session, a.Units, got)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, e := range trace {
		if e.Kind == a.Kind {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d %s events", count, a.Kind),
			Trace:    trace,
		}
	}
	return nil
}

func assertReportedTotal(result *Result, a Assertion) error {
	total := 0
	for _, n := range result.Reports {
		total += n
	}
	if total != a.Count {
		return &AssertionError{
			Type:     AssertReportedTotal,
			Expected: fmt.Sprintf("%d units reported", a.Count),
			Actual:   fmt.Sprintf("%d units reported in %v", total, result.Reports),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertUnits(trace []TraceEvent, label string, want, got []string) error {
	if len(want) == 0 && len(got) == 0 {
		return nil
	}
	if !reflect.DeepEqual(want, got) {
		return &AssertionError{
			Type:     label,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", got),
			Trace:    trace,
		}
	}
	return nil
}
