package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/readsync/internal/ir"
)

// Trace event kinds besides the step kinds.
const (
	EventStart  = "start"
	EventState  = "state"
	EventAttach = "attach"
	EventReport = "report"
)

// TraceEvent is one line of a scenario trace.
type TraceEvent struct {
	// At is the offset from the scenario start.
	At     time.Duration `json:"at"`
	Kind   string        `json:"kind"`
	Detail string        `json:"detail,omitempty"`
}

// String renders the event as a golden-file line.
func (e TraceEvent) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("+%s %s", e.At, e.Kind)
	}
	return fmt.Sprintf("+%s %s %s", e.At, e.Kind, e.Detail)
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Reports are the counts of successful reports, in order.
	Reports []int `json:"reports"`

	// Viewed is the final session's read units, in promotion order.
	Viewed []string `json:"viewed"`

	// Pending is the owner's records left in storage at the end.
	Pending []ir.PendingTrackingRecord `json:"pending"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Render returns the trace as newline-terminated lines.
func (r *Result) Render() string {
	var b strings.Builder
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
