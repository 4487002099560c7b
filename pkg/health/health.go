package health

import (
	"context"
	"time"
)

// CheckType names the probe transport.
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result is the outcome of one preflight probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// resultAt builds a Result stamped against the probe's start time.
func resultAt(start time.Time, healthy bool, message string) Result {
	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Checker probes one data source. Implementations bound their own work
// by the context deadline.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config tunes how the registry runs and scores checks.
type Config struct {
	// Interval between sweeps in watch mode.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// Retries is how many consecutive failures flip a source to
	// unreachable. A single success flips it back.
	Retries int

	// StartPeriod is a grace window after registration during which
	// failures are recorded but never counted. Covers sources that
	// warm up slowly.
	StartPeriod time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Retries:  3,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Retries <= 0 {
		c.Retries = def.Retries
	}
	return c
}

// Status is the rolling reachability of one data source across
// repeated probes.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int

	LastCheck  time.Time
	LastResult Result

	// Healthy is the scored verdict, not the last raw result: it takes
	// Retries consecutive failures to clear and one success to set.
	Healthy bool

	// StartedAt anchors the start-period grace window.
	StartedAt time.Time
}

// NewStatus starts a source as reachable until probes prove otherwise.
func NewStatus() *Status {
	return &Status{
		Healthy:   true,
		StartedAt: time.Now(),
	}
}

// Update folds one probe result into the rolling status and reports
// whether the reachability verdict flipped. Failures inside the start
// period are recorded but never counted.
func (s *Status) Update(result Result, cfg Config) bool {
	prev := s.Healthy
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	switch {
	case result.Healthy:
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	case s.InStartPeriod(cfg):
		// grace window: recorded above, not scored
	default:
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= cfg.Retries {
			s.Healthy = false
		}
	}
	return s.Healthy != prev
}

// InStartPeriod reports whether the grace window is still open.
func (s *Status) InStartPeriod(cfg Config) bool {
	if cfg.StartPeriod <= 0 {
		return false
	}
	return time.Since(s.StartedAt) < cfg.StartPeriod
}
