package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/readsync/internal/tracker"
)

// Scenario is a scripted page session run against the viewport tracker.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Owner defaults to DefaultOwner.
	Owner string `yaml:"owner,omitempty"`

	// Config overrides the default tracking parameters.
	Config ConfigOverrides `yaml:"config,omitempty"`

	// Pending seeds tracking records left by earlier page loads.
	Pending []SeedRecord `yaml:"pending,omitempty"`

	// Steps run in order after the tracker starts.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultOwner is used when a scenario names no owner.
const DefaultOwner = "reader-1"

// ConfigOverrides replaces individual tracking parameters. Zero values keep
// the default.
type ConfigOverrides struct {
	Threshold      float64 `yaml:"threshold,omitempty"`
	Dwell          string  `yaml:"dwell,omitempty"`
	ReportInterval string  `yaml:"report_interval,omitempty"`
	PollInterval   string  `yaml:"poll_interval,omitempty"`
	SessionCap     int     `yaml:"session_cap,omitempty"`
}

// Apply returns base with the overrides applied.
func (o ConfigOverrides) Apply(base tracker.Config) (tracker.Config, error) {
	if o.Threshold != 0 {
		base.Threshold = o.Threshold
	}
	if o.SessionCap != 0 {
		base.SessionCap = o.SessionCap
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{o.Dwell, &base.Dwell, "dwell"},
		{o.ReportInterval, &base.ReportInterval, "report_interval"},
		{o.PollInterval, &base.PollInterval, "poll_interval"},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return base, fmt.Errorf("config.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	return base, base.Validate()
}

// SeedRecord is a pending tracking record written before the first start.
type SeedRecord struct {
	Session string   `yaml:"session"`
	Units   []string `yaml:"units"`
	// Age is how long before the scenario start the record was written.
	Age string `yaml:"age"`
}

// Step is one page event. Exactly one field is set.
type Step struct {
	Observe     []tracker.Observation `yaml:"observe,omitempty"`
	Scroll      bool                  `yaml:"scroll,omitempty"`
	Mutate      []tracker.Unit        `yaml:"mutate,omitempty"`
	Layout      *LayoutStep           `yaml:"layout,omitempty"`
	Advance     string                `yaml:"advance,omitempty"`
	PageHide    bool                  `yaml:"pagehide,omitempty"`
	Unload      bool                  `yaml:"unload,omitempty"`
	Close       bool                  `yaml:"close,omitempty"`
	Restart     bool                  `yaml:"restart,omitempty"`
	FailReports *bool                 `yaml:"fail_reports,omitempty"`
}

// LayoutStep replaces the measurements the bounding-box poll reads.
type LayoutStep struct {
	Viewport tracker.Viewport `yaml:"viewport"`
	Boxes    []tracker.Box    `yaml:"boxes"`
}

// Step kinds, as they appear in the trace.
const (
	StepObserve     = "observe"
	StepScroll      = "scroll"
	StepMutate      = "mutate"
	StepLayout      = "layout"
	StepAdvance     = "advance"
	StepPageHide    = "pagehide"
	StepUnload      = "unload"
	StepClose       = "close"
	StepRestart     = "restart"
	StepFailReports = "fail_reports"
)

// kinds lists the step kinds that are set.
func (s Step) kinds() []string {
	var out []string
	if len(s.Observe) > 0 {
		out = append(out, StepObserve)
	}
	if s.Scroll {
		out = append(out, StepScroll)
	}
	if len(s.Mutate) > 0 {
		out = append(out, StepMutate)
	}
	if s.Layout != nil {
		out = append(out, StepLayout)
	}
	if s.Advance != "" {
		out = append(out, StepAdvance)
	}
	if s.PageHide {
		out = append(out, StepPageHide)
	}
	if s.Unload {
		out = append(out, StepUnload)
	}
	if s.Close {
		out = append(out, StepClose)
	}
	if s.Restart {
		out = append(out, StepRestart)
	}
	if s.FailReports != nil {
		out = append(out, StepFailReports)
	}
	return out
}

// Kind returns the step's kind. Valid only after LoadScenario accepted it.
func (s Step) Kind() string {
	k := s.kinds()
	if len(k) == 0 {
		return ""
	}
	return k[0]
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := s.Config.Apply(tracker.DefaultConfig()); err != nil {
		return err
	}

	for i, rec := range s.Pending {
		if rec.Session == "" {
			return fmt.Errorf("pending[%d]: session is required", i)
		}
		if _, err := time.ParseDuration(rec.Age); err != nil {
			return fmt.Errorf("pending[%d]: age: %w", i, err)
		}
	}

	for i, step := range s.Steps {
		kinds := step.kinds()
		switch len(kinds) {
		case 0:
			return fmt.Errorf("steps[%d]: no event set", i)
		case 1:
		default:
			return fmt.Errorf("steps[%d]: exactly one event per step, got %v", i, kinds)
		}
		if step.Advance != "" {
			d, err := time.ParseDuration(step.Advance)
			if err != nil {
				return fmt.Errorf("steps[%d]: advance: %w", i, err)
			}
			if d <= 0 {
				return fmt.Errorf("steps[%d]: advance must be positive", i)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertReportedTotal:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for reported_total", index)
		}
	case AssertViewed:
	case AssertPending:
		if a.Session == "" {
			return fmt.Errorf("assertions[%d]: session is required for pending", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
