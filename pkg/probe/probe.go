// Package probe supplies system utilization readings to the monitor and
// the resource broker. The Probe interface is the seam: production code
// uses RuntimeProbe, tests script readings through StaticProbe.
package probe

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// Reading is one utilization sample.
type Reading struct {
	CPUPercent float64 // 0-100+ (multi-core processes can exceed 100)
	MemPercent float64 // 0-100 against the configured budget
	MemBytes   int64
	DiskIO     float64 // bytes/sec since the previous sample
	NetIO      float64 // bytes/sec since the previous sample
}

// Probe reports current system utilization.
type Probe interface {
	Sample() Reading
}

// RuntimeProbe measures the running process: CPU from getrusage deltas,
// memory from the Go runtime's live heap and stacks, disk and network
// throughput from procfs counter deltas where the platform has them.
type RuntimeProbe struct {
	memBudget int64

	mu       sync.Mutex
	lastWall time.Time
	lastUser time.Duration
	lastSys  time.Duration
	lastCPU  float64

	lastDisk     uint64
	lastNet      uint64
	lastDiskRate float64
	lastNetRate  float64
}

// NewRuntimeProbe creates a probe. memBudgetBytes anchors MemPercent;
// zero disables the percentage (MemPercent stays 0).
func NewRuntimeProbe(memBudgetBytes int64) *RuntimeProbe {
	utime, stime := getrusageTimes()
	disk, _ := readDiskBytes()
	net, _ := readNetBytes()
	return &RuntimeProbe{
		memBudget: memBudgetBytes,
		lastWall:  time.Now(),
		lastUser:  utime,
		lastSys:   stime,
		lastDisk:  disk,
		lastNet:   net,
	}
}

// Sample returns the current reading. CPU and the I/O rates are
// averaged over the interval since the previous Sample call.
func (p *RuntimeProbe) Sample() Reading {
	now := time.Now()
	utime, stime := getrusageTimes()

	p.mu.Lock()
	wall := now.Sub(p.lastWall)
	pct := p.lastCPU
	if wall > 0 {
		cpuDelta := (utime - p.lastUser) + (stime - p.lastSys)
		pct = float64(cpuDelta) / float64(wall) * 100.0
		p.lastWall = now
		p.lastUser = utime
		p.lastSys = stime
		p.lastCPU = pct

		if cur, ok := readDiskBytes(); ok {
			if cur >= p.lastDisk {
				p.lastDiskRate = float64(cur-p.lastDisk) / wall.Seconds()
			}
			p.lastDisk = cur
		}
		if cur, ok := readNetBytes(); ok {
			if cur >= p.lastNet {
				p.lastNetRate = float64(cur-p.lastNet) / wall.Seconds()
			}
			p.lastNet = cur
		}
	}
	disk := p.lastDiskRate
	net := p.lastNetRate
	p.mu.Unlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memBytes := int64(m.HeapInuse + m.StackInuse)

	var memPct float64
	if p.memBudget > 0 {
		memPct = float64(memBytes) / float64(p.memBudget) * 100.0
	}

	return Reading{
		CPUPercent: pct,
		MemPercent: memPct,
		MemBytes:   memBytes,
		DiskIO:     disk,
		NetIO:      net,
	}
}

func getrusageTimes() (user, sys time.Duration) {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0, 0
	}
	user = time.Duration(rusage.Utime.Nano())
	sys = time.Duration(rusage.Stime.Nano())
	return user, sys
}

// StaticProbe returns scripted readings, in order, repeating the last
// one once exhausted. Safe for concurrent use.
type StaticProbe struct {
	mu       sync.Mutex
	readings []Reading
	idx      int
}

// NewStaticProbe creates a probe that replays the given readings.
func NewStaticProbe(readings ...Reading) *StaticProbe {
	return &StaticProbe{readings: readings}
}

// Push appends readings to the script.
func (p *StaticProbe) Push(readings ...Reading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readings = append(p.readings, readings...)
}

func (p *StaticProbe) Sample() Reading {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.readings) == 0 {
		return Reading{}
	}
	i := p.idx
	if i >= len(p.readings) {
		i = len(p.readings) - 1
	}
	p.idx++
	return p.readings[i]
}
