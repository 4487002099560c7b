package framework

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// Engine is one ferret serve process bound to a throwaway data
// directory, plus the HTTP surface it exposes for assertions.
type Engine struct {
	Name        string
	DataDir     string
	ConfigPath  string
	MetricsAddr string
	RaftAddr    string

	Proc *Process
}

// EngineConfig shapes the generated serve configuration. The zero
// value is a standalone engine with no simulated operations.
type EngineConfig struct {
	Name      string
	SimOps    bool
	Cluster   bool
	Bootstrap bool
	JoinAddr  string

	// ExtraYAML is appended verbatim to the generated config for
	// scenario-specific knobs (pools, preflight, retry tuning).
	ExtraYAML string
}

// BinaryPath resolves the binary under test from FERRET_BINARY and
// skips the test when it is unset. End-to-end runs are opt-in:
//
//	go build -o /tmp/ferret ./cmd/ferret
//	FERRET_BINARY=/tmp/ferret go test ./test/e2e/...
func BinaryPath(t *testing.T) string {
	t.Helper()

	bin := os.Getenv("FERRET_BINARY")
	if bin == "" {
		t.Skip("FERRET_BINARY not set; skipping end-to-end test")
	}
	abs, err := filepath.Abs(bin)
	if err != nil {
		t.Fatalf("Failed to resolve FERRET_BINARY: %v", err)
	}
	if _, err := os.Stat(abs); err != nil {
		t.Fatalf("FERRET_BINARY does not point at a binary: %v", err)
	}
	return abs
}

// FreePort grabs an ephemeral localhost port and releases it again.
// There is a small window where something else could take it, which
// is fine for tests.
func FreePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to allocate port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// NewEngine writes a config file under a temp data dir and prepares
// the process without starting it. The process is stopped on test
// cleanup if the test leaves it running.
func NewEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()

	bin := BinaryPath(t)
	name := cfg.Name
	if name == "" {
		name = "ferret-0"
	}

	e := &Engine{
		Name:        name,
		DataDir:     t.TempDir(),
		MetricsAddr: fmt.Sprintf("127.0.0.1:%d", FreePort(t)),
	}

	var b strings.Builder
	fmt.Fprintf(&b, "data_dir: %s\n", e.DataDir)
	fmt.Fprintf(&b, "metrics_listen: %s\n", e.MetricsAddr)
	b.WriteString("log:\n  level: debug\n  json: false\n")
	if cfg.Cluster {
		e.RaftAddr = fmt.Sprintf("127.0.0.1:%d", FreePort(t))
		b.WriteString("cluster:\n")
		b.WriteString("  enabled: true\n")
		fmt.Fprintf(&b, "  node_id: %s\n", name)
		fmt.Fprintf(&b, "  bind_addr: %s\n", e.RaftAddr)
		if cfg.Bootstrap {
			b.WriteString("  bootstrap: true\n")
		}
		if cfg.JoinAddr != "" {
			fmt.Fprintf(&b, "  join_addr: %s\n", cfg.JoinAddr)
		}
	}
	if cfg.ExtraYAML != "" {
		b.WriteString(strings.TrimSpace(cfg.ExtraYAML))
		b.WriteString("\n")
	}

	e.ConfigPath = filepath.Join(e.DataDir, "ferret.yaml")
	if err := os.WriteFile(e.ConfigPath, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("Failed to write config for %s: %v", name, err)
	}

	args := []string{"serve", "--config", e.ConfigPath}
	if cfg.SimOps {
		args = append(args, "--with-sim-ops")
	}
	e.Proc = NewProcess(name, bin, args...)

	t.Cleanup(func() {
		if e.Proc.Running() {
			if err := e.Proc.Stop(); err != nil {
				t.Logf("cleanup: stopping %s: %v", name, err)
			}
		}
	})

	return e
}

// StartEngine boots an engine and blocks until its readiness endpoint
// answers. Fails the test with the captured logs on timeout.
func StartEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()

	e := NewEngine(t, cfg)
	if err := e.Proc.Start(); err != nil {
		t.Fatalf("Failed to start %s: %v", e.Name, err)
	}
	if err := e.WaitReady(60 * time.Second); err != nil {
		t.Fatalf("%s never became ready: %v\n--- logs ---\n%s", e.Name, err, e.Proc.Logs())
	}
	return e
}

// BaseURL returns the root of the engine's HTTP surface.
func (e *Engine) BaseURL() string {
	return "http://" + e.MetricsAddr
}

// WaitReady polls /ready until it reports 200.
func (e *Engine) WaitReady(timeout time.Duration) error {
	return WaitForHTTP(e.BaseURL()+"/ready", http.StatusOK, timeout)
}

// HealthReport mirrors the JSON served on /health and /ready.
type HealthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Message    string            `json:"message"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
}

// Health fetches and decodes /health.
func (e *Engine) Health() (*HealthReport, error) {
	return e.fetchReport("/health")
}

// Readiness fetches and decodes /ready.
func (e *Engine) Readiness() (*HealthReport, error) {
	return e.fetchReport("/ready")
}

func (e *Engine) fetchReport(path string) (*HealthReport, error) {
	resp, err := http.Get(e.BaseURL() + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &report, nil
}

// MetricsText returns the raw Prometheus exposition from /metrics.
func (e *Engine) MetricsText() (string, error) {
	resp, err := http.Get(e.BaseURL() + "/metrics")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("/metrics returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// MetricValue scans /metrics for the first sample of the named metric
// and returns its value. Labelled samples match on the bare name, so
// for vector metrics this returns an arbitrary series.
func (e *Engine) MetricValue(name string) (float64, bool, error) {
	body, err := e.MetricsText()
	if err != nil {
		return 0, false, err
	}

	for _, line := range strings.Split(body, "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		sample := fields[0]
		if i := strings.IndexByte(sample, '{'); i >= 0 {
			sample = sample[:i]
		}
		if sample != name {
			continue
		}
		v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			return 0, false, fmt.Errorf("parse %s sample %q: %w", name, line, err)
		}
		return v, true, nil
	}
	return 0, false, nil
}
