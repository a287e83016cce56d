package tracker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/readsync/internal/clock"
	"github.com/roach88/readsync/internal/ir"
	"github.com/roach88/readsync/internal/metrics"
)

// Config holds the detection and reporting parameters.
type Config struct {
	// Threshold is the visible fraction of a unit's area that makes it a
	// candidate.
	Threshold float64
	// Margin grows the viewport on every side, in pixels, so units clipped
	// at the edge still count.
	Margin         float64
	Dwell          time.Duration
	PollInterval   time.Duration
	ReportInterval time.Duration
	// SessionCap bounds the units one session can promote.
	SessionCap    int
	PendingMaxAge time.Duration
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		Threshold:      0.3,
		Margin:         24,
		Dwell:          time.Second,
		PollInterval:   3 * time.Second,
		ReportInterval: 30 * time.Second,
		SessionCap:     60,
		PendingMaxAge:  24 * time.Hour,
	}
}

// Validate reports the first invalid parameter.
func (c Config) Validate() error {
	switch {
	case c.Threshold <= 0 || c.Threshold > 1:
		return fmt.Errorf("tracking threshold must be in (0, 1], got %v", c.Threshold)
	case c.Margin < 0:
		return fmt.Errorf("tracking margin must not be negative, got %v", c.Margin)
	case c.Dwell <= 0:
		return fmt.Errorf("tracking dwell must be positive, got %v", c.Dwell)
	case c.PollInterval <= 0:
		return fmt.Errorf("tracking poll interval must be positive, got %v", c.PollInterval)
	case c.ReportInterval <= 0:
		return fmt.Errorf("tracking report interval must be positive, got %v", c.ReportInterval)
	case c.SessionCap <= 0:
		return fmt.Errorf("tracking session cap must be positive, got %d", c.SessionCap)
	case c.PendingMaxAge <= 0:
		return fmt.Errorf("tracking pending max age must be positive, got %v", c.PendingMaxAge)
	}
	return nil
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithConfig replaces the default parameters.
func WithConfig(c Config) Option {
	return func(t *Tracker) { t.cfg = c }
}

func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithIDGenerator sets the generator for session ids.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(t *Tracker) { t.ids = g }
}

// WithSurface enables the bounding-box poll.
func WithSurface(s Surface) Option {
	return func(t *Tracker) { t.surface = s }
}

// WithObserver sets where newly rendered units are attached.
func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}
