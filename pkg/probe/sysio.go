package probe

import (
	"os"
	"strconv"
	"strings"
)

// Cumulative I/O counter sources, stubbed in tests. Both are
// best-effort: on platforms without procfs they report ok=false and
// the probe leaves the corresponding rates at zero.
var (
	readDiskBytes = procSelfIO
	readNetBytes  = procNetDev
)

// procSelfIO returns the process's cumulative disk read+write bytes
// from /proc/self/io.
func procSelfIO() (uint64, bool) {
	data, err := os.ReadFile("/proc/self/io")
	if err != nil {
		return 0, false
	}

	var total uint64
	found := false
	for _, line := range strings.Split(string(data), "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if key != "read_bytes" && key != "write_bytes" {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
		if err != nil {
			continue
		}
		total += v
		found = true
	}
	return total, found
}

// procNetDev returns cumulative bytes received plus transmitted across
// every interface except loopback, from /proc/net/dev.
func procNetDev() (uint64, bool) {
	data, err := os.ReadFile("/proc/net/dev")
	if err != nil {
		return 0, false
	}

	var total uint64
	found := false
	for _, line := range strings.Split(string(data), "\n") {
		name, rest, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "lo" {
			continue
		}
		// Fields: rx bytes first, tx bytes ninth.
		fields := strings.Fields(rest)
		if len(fields) < 16 {
			continue
		}
		rx, err1 := strconv.ParseUint(fields[0], 10, 64)
		tx, err2 := strconv.ParseUint(fields[8], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		total += rx + tx
		found = true
	}
	return total, found
}
