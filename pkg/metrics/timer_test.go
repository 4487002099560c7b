package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTimerDurationGrows(t *testing.T) {
	timer := NewTimer()
	if timer.start.IsZero() {
		t.Fatal("timer started with a zero clock")
	}

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	if first < 20*time.Millisecond {
		t.Errorf("duration %v shorter than the elapsed sleep", first)
	}

	time.Sleep(10 * time.Millisecond)
	if second := timer.Duration(); second <= first {
		t.Errorf("duration should grow between readings: first=%v second=%v", first, second)
	}
}

func TestTimerObservesHistograms(t *testing.T) {
	plain := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_sweep_duration_seconds",
		Help:    "collection sweep timing",
		Buckets: prometheus.DefBuckets,
	})
	labelled := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_stage_duration_seconds",
		Help:    "stage timing by operation type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	timer.ObserveDuration(plain)
	timer.ObserveDurationVec(labelled, "discovery")

	if got := testutil.CollectAndCount(plain); got != 1 {
		t.Errorf("expected 1 plain histogram series, got %d", got)
	}
	if got := testutil.CollectAndCount(labelled); got != 1 {
		t.Errorf("expected 1 labelled histogram series, got %d", got)
	}
}
