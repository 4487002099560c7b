package probe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeProbeSample(t *testing.T) {
	p := NewRuntimeProbe(1 << 30)

	// Burn a little CPU so the delta is non-trivial.
	x := 0
	deadline := time.Now().Add(20 * time.Millisecond)
	for time.Now().Before(deadline) {
		x++
	}
	_ = x

	r := p.Sample()
	assert.GreaterOrEqual(t, r.CPUPercent, 0.0)
	assert.Greater(t, r.MemBytes, int64(0))
	assert.Greater(t, r.MemPercent, 0.0)
	assert.Less(t, r.MemPercent, 100.0)
}

func TestRuntimeProbeIORates(t *testing.T) {
	// Script the cumulative counters: 1 MB of disk and 2 MB of network
	// traffic between construction and the sample.
	diskVals := []uint64{0, 1 << 20}
	netVals := []uint64{0, 2 << 20}
	origDisk, origNet := readDiskBytes, readNetBytes
	t.Cleanup(func() { readDiskBytes, readNetBytes = origDisk, origNet })
	readDiskBytes = func() (uint64, bool) {
		v := diskVals[0]
		if len(diskVals) > 1 {
			diskVals = diskVals[1:]
		}
		return v, true
	}
	readNetBytes = func() (uint64, bool) {
		v := netVals[0]
		if len(netVals) > 1 {
			netVals = netVals[1:]
		}
		return v, true
	}

	p := NewRuntimeProbe(0)
	time.Sleep(5 * time.Millisecond)
	r := p.Sample()

	assert.Greater(t, r.DiskIO, 0.0)
	assert.Greater(t, r.NetIO, r.DiskIO, "twice the bytes over the same interval")
}

func TestRuntimeProbeWithoutCounterSource(t *testing.T) {
	origDisk, origNet := readDiskBytes, readNetBytes
	t.Cleanup(func() { readDiskBytes, readNetBytes = origDisk, origNet })
	readDiskBytes = func() (uint64, bool) { return 0, false }
	readNetBytes = func() (uint64, bool) { return 0, false }

	p := NewRuntimeProbe(0)
	time.Sleep(2 * time.Millisecond)
	r := p.Sample()
	assert.Equal(t, 0.0, r.DiskIO)
	assert.Equal(t, 0.0, r.NetIO)
}

func TestRuntimeProbeZeroBudget(t *testing.T) {
	p := NewRuntimeProbe(0)
	r := p.Sample()
	assert.Equal(t, 0.0, r.MemPercent)
	assert.Greater(t, r.MemBytes, int64(0))
}

func TestStaticProbeReplaysAndHolds(t *testing.T) {
	p := NewStaticProbe(
		Reading{CPUPercent: 10},
		Reading{CPUPercent: 50},
		Reading{CPUPercent: 96},
	)

	assert.Equal(t, 10.0, p.Sample().CPUPercent)
	assert.Equal(t, 50.0, p.Sample().CPUPercent)
	assert.Equal(t, 96.0, p.Sample().CPUPercent)
	// Holds the final reading.
	assert.Equal(t, 96.0, p.Sample().CPUPercent)

	p.Push(Reading{CPUPercent: 20})
	assert.Equal(t, 20.0, p.Sample().CPUPercent)
}

func TestStaticProbeEmpty(t *testing.T) {
	p := NewStaticProbe()
	assert.Equal(t, Reading{}, p.Sample())
}
