package monitor

import (
	"math"

	"github.com/cuemby/ferret/pkg/types"
)

// AnomalyDetector scores a snapshot against its history. Implementors
// decide what "anomalous" means; the monitor just raises an alert
// carrying the score when they say so.
type AnomalyDetector interface {
	Score(history []types.Snapshot, current types.Snapshot) (score float64, anomalous bool)
}

// NullDetector never flags anything. Used until enough history exists
// to make statistical detection honest.
type NullDetector struct{}

func (NullDetector) Score([]types.Snapshot, types.Snapshot) (float64, bool) {
	return 0, false
}

// ZScoreDetector flags snapshots whose throughput or CPU deviate from
// the historical mean by more than Z standard deviations.
type ZScoreDetector struct {
	// Z is the deviation threshold; defaults to 3.
	Z float64
	// MinHistory is how many snapshots must exist before scoring;
	// defaults to 30.
	MinHistory int
}

func (d ZScoreDetector) Score(history []types.Snapshot, current types.Snapshot) (float64, bool) {
	z := d.Z
	if z <= 0 {
		z = 3
	}
	min := d.MinHistory
	if min <= 0 {
		min = 30
	}
	if len(history) < min {
		return 0, false
	}

	score := math.Max(
		zscore(history, current, func(s types.Snapshot) float64 { return s.Throughput }),
		zscore(history, current, func(s types.Snapshot) float64 { return s.CPUPercent }),
	)
	return score, score > z
}

func zscore(history []types.Snapshot, current types.Snapshot, f func(types.Snapshot) float64) float64 {
	var sum float64
	for _, s := range history {
		sum += f(s)
	}
	mean := sum / float64(len(history))

	var variance float64
	for _, s := range history {
		d := f(s) - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(history)))
	if std == 0 {
		return 0
	}
	return math.Abs(f(current)-mean) / std
}
