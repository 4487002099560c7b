package monitor

import (
	"time"

	"github.com/cuemby/ferret/pkg/types"
)

// Comparator relates a metric to a threshold.
type Comparator string

const (
	CompareLess    Comparator = "lt"
	CompareGreater Comparator = "gt"
)

// RuleScope restricts which snapshots a rule sees.
type RuleScope string

const (
	ScopeOrchestration RuleScope = "orchestration"
	ScopeSystem        RuleScope = "system"
	ScopeAny           RuleScope = "any"
)

// Condition is one metric test. A rule with several conditions fires
// only when all of them hold on the same snapshot.
type Condition struct {
	Metric    string
	Compare   Comparator
	Threshold float64
}

func (c Condition) holds(v float64) bool {
	switch c.Compare {
	case CompareLess:
		return v < c.Threshold
	case CompareGreater:
		return v > c.Threshold
	}
	return false
}

// Rule fires an alert when its conditions hold continuously for
// MinDuration. A fired rule stays silent until its conditions clear,
// then it may fire again.
type Rule struct {
	Name       string
	Conditions []Condition

	// MinDuration is how long the conditions must hold continuously.
	// Zero fires on the first satisfying snapshot.
	MinDuration time.Duration
	// MinSamples gates the rule on snapshot sample size; snapshots
	// covering fewer items neither hold nor clear the rule.
	MinSamples int

	Scope    RuleScope
	Severity types.Severity
	Kind     types.AlertKind
}

// DefaultRules returns the stock rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "low-throughput",
			Conditions:  []Condition{{Metric: "throughput", Compare: CompareLess, Threshold: 10}},
			MinDuration: 5 * time.Minute,
			MinSamples:  1,
			Scope:       ScopeOrchestration,
			Severity:    types.SeverityWarning,
			Kind:        types.AlertPerformanceDegradation,
		},
		{
			Name:       "low-success-rate",
			Conditions: []Condition{{Metric: "success_rate", Compare: CompareLess, Threshold: 0.9}},
			MinSamples: 100,
			Scope:      ScopeOrchestration,
			Severity:   types.SeverityError,
			Kind:       types.AlertScanFailure,
		},
		{
			Name:       "cpu-exhaustion",
			Conditions: []Condition{{Metric: "cpu", Compare: CompareGreater, Threshold: 95}},
			Scope:      ScopeSystem,
			Severity:   types.SeverityCritical,
			Kind:       types.AlertResourceExhaustion,
		},
		{
			Name:       "memory-exhaustion",
			Conditions: []Condition{{Metric: "memory", Compare: CompareGreater, Threshold: 90}},
			Scope:      ScopeSystem,
			Severity:   types.SeverityCritical,
			Kind:       types.AlertResourceExhaustion,
		},
		{
			Name: "system-overload",
			Conditions: []Condition{
				{Metric: "cpu", Compare: CompareGreater, Threshold: 90},
				{Metric: "memory", Compare: CompareGreater, Threshold: 85},
			},
			MinDuration: time.Minute,
			Scope:       ScopeSystem,
			Severity:    types.SeverityCritical,
			Kind:        types.AlertSystemOverload,
		},
	}
}

// metricOf resolves a rule metric name against a snapshot.
func metricOf(s *types.Snapshot, name string) (float64, bool) {
	switch name {
	case "cpu":
		return s.CPUPercent, true
	case "memory":
		return s.MemPercent, true
	case "disk_io":
		return s.DiskIO, true
	case "net_io":
		return s.NetIO, true
	case "throughput":
		return s.Throughput, true
	case "latency":
		return s.LatencyMS, true
	case "error_rate":
		return s.ErrorRate, true
	case "success_rate":
		return s.SuccessRate, true
	case "sla":
		return s.SLACompliance, true
	case "cost":
		return s.CostToDate, true
	case "active":
		return float64(s.Active), true
	case "queued":
		return float64(s.Queued), true
	case "failed":
		return float64(s.Failed), true
	}
	return 0, false
}

// appliesTo reports whether the rule should see this snapshot.
func (r Rule) appliesTo(s *types.Snapshot) bool {
	switch r.Scope {
	case ScopeOrchestration:
		return s.OrchestrationID != ""
	case ScopeSystem:
		return s.OrchestrationID == ""
	}
	return true
}

// holdsOn evaluates all conditions against one snapshot. The returned
// value is the first condition's metric, used in the alert payload.
// The MinSamples gate lives in the monitor loop, not here: a thin
// snapshot skips the rule entirely rather than clearing it.
func (r Rule) holdsOn(s *types.Snapshot) (value float64, holding bool) {
	for i, c := range r.Conditions {
		v, ok := metricOf(s, c.Metric)
		if !ok || !c.holds(v) {
			return 0, false
		}
		if i == 0 {
			value = v
		}
	}
	return value, len(r.Conditions) > 0
}
