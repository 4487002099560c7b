package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/ferret/pkg/types"
)

// Config holds the full runtime configuration. Durations are expressed
// in milliseconds so files stay unit-explicit.
type Config struct {
	DataDir string    `yaml:"data_dir"`
	Log     LogConfig `yaml:"log"`

	WorkerCount            int `yaml:"worker_count"`
	SchedulerQueueCapacity int `yaml:"scheduler_queue_capacity"`

	MonitorIntervalMS      int `yaml:"monitor_interval_ms"`
	SystemSampleIntervalMS int `yaml:"system_sample_interval_ms"`
	SnapshotRingSize       int `yaml:"snapshot_ring_size"`

	DefaultRetry RetryConfig            `yaml:"default_retry"`
	PoolDefaults PoolDefaultsConfig     `yaml:"pool_defaults"`
	Pools        map[string]PoolConfig  `yaml:"pools"`

	CancellationGraceMS int `yaml:"cancellation_grace_ms"`
	ApprovalTimeoutMS   int `yaml:"approval_timeout_ms"`
	DependencyWaitMS    int `yaml:"dependency_wait_ms"`

	BulkMaxBatch int `yaml:"bulk_max_batch"`

	MetricsListen string            `yaml:"metrics_listen"`
	Cluster       ClusterConfig     `yaml:"cluster"`
	Preflight     PreflightConfig   `yaml:"preflight"`
	Credentials   CredentialsConfig `yaml:"credentials"`

	Schedules map[string]ScheduleConfig `yaml:"schedules"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RetryConfig is the stage retry policy applied when a stage does not
// carry its own.
type RetryConfig struct {
	BaseMS      int     `yaml:"base_ms"`
	CapMS       int     `yaml:"cap_ms"`
	MaxAttempts int     `yaml:"max_attempts"`
	Jitter      float64 `yaml:"jitter"`
}

// Policy converts the config into a types.RetryPolicy.
func (r RetryConfig) Policy() *types.RetryPolicy {
	return &types.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		Base:        time.Duration(r.BaseMS) * time.Millisecond,
		Cap:         time.Duration(r.CapMS) * time.Millisecond,
		Jitter:      r.Jitter,
	}
}

// PoolDefaultsConfig applies to every pool without an explicit override.
type PoolDefaultsConfig struct {
	ScaleUpThreshold   float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64 `yaml:"scale_down_threshold"`
	CoolDownMS         int     `yaml:"cool_down_ms"`
	Step               float64 `yaml:"step"`
}

// PoolConfig sizes one resource pool.
type PoolConfig struct {
	Total       float64 `yaml:"total"`
	Unit        string  `yaml:"unit"`
	CostPerUnit float64 `yaml:"cost_per_unit"`
	Min         float64 `yaml:"min"`
	Max         float64 `yaml:"max"`
	NoAutoScale bool    `yaml:"no_auto_scale"`
}

// ClusterConfig enables replicated state across nodes.
type ClusterConfig struct {
	Enabled   bool   `yaml:"enabled"`
	NodeID    string `yaml:"node_id"`
	BindAddr  string `yaml:"bind_addr"`
	Bootstrap bool   `yaml:"bootstrap"`
	JoinAddr  string `yaml:"join_addr"`
}

// PreflightConfig wires reachability checks for the data sources scans
// run against.
type PreflightConfig struct {
	IntervalMS int                          `yaml:"interval_ms"`
	TimeoutMS  int                          `yaml:"timeout_ms"`
	Retries    int                          `yaml:"retries"`
	Sources    map[string]SourceCheckConfig `yaml:"sources"`
}

// SourceCheckConfig describes how to probe one data source. Credential
// names a vault entry applied to http checks as an auth header.
type SourceCheckConfig struct {
	Type       string   `yaml:"type"` // http, tcp, or exec
	URL        string   `yaml:"url"`
	Address    string   `yaml:"address"`
	Command    []string `yaml:"command"`
	Credential string   `yaml:"credential"`
}

// CredentialsConfig points at the sealed credentials vault. The
// passphrase can also come from FERRET_VAULT_PASSPHRASE; the file wins
// when both are set.
type CredentialsConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
}

// ScheduleConfig declares one recurring orchestration registered at
// startup. The map key in the schedules block is the trigger name.
// Cron expressions have six fields, seconds first.
type ScheduleConfig struct {
	Cron     string                `yaml:"cron"`
	Type     string                `yaml:"type"`
	Mode     string                `yaml:"mode"`
	Priority string                `yaml:"priority"`
	Targets  TargetsConfig         `yaml:"targets"`
	Stages   []ScheduleStageConfig `yaml:"stages"`

	Budget       float64 `yaml:"budget"`
	MaxRuntimeMS int     `yaml:"max_runtime_ms"`
}

// TargetsConfig names what a scheduled orchestration scans.
type TargetsConfig struct {
	DataSources     []string `yaml:"data_sources"`
	Assets          []string `yaml:"assets"`
	Rules           []string `yaml:"rules"`
	Classifications []string `yaml:"classifications"`
}

func (t TargetsConfig) empty() bool {
	return len(t.DataSources) == 0 && len(t.Assets) == 0 &&
		len(t.Rules) == 0 && len(t.Classifications) == 0
}

// ScheduleStageConfig is one stage of a scheduled orchestration.
// Prereqs reference other stage names in the same schedule.
type ScheduleStageConfig struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Prereqs   []string `yaml:"prereqs"`
	Condition string   `yaml:"condition"`
	Optional  bool     `yaml:"optional"`
	TimeoutMS int      `yaml:"timeout_ms"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/ferret",
		Log:     LogConfig{Level: "info", JSON: true},

		WorkerCount:            8,
		SchedulerQueueCapacity: 256,

		MonitorIntervalMS:      5000,
		SystemSampleIntervalMS: 30000,
		SnapshotRingSize:       1000,

		DefaultRetry: RetryConfig{
			BaseMS:      500,
			CapMS:       30000,
			MaxAttempts: 3,
			Jitter:      0.2,
		},
		PoolDefaults: PoolDefaultsConfig{
			ScaleUpThreshold:   0.85,
			ScaleDownThreshold: 0.30,
			CoolDownMS:         60000,
			Step:               0.25,
		},

		CancellationGraceMS: 30000,
		ApprovalTimeoutMS:   86400000,
		DependencyWaitMS:    600000,

		BulkMaxBatch: 100,

		MetricsListen: ":9090",

		Preflight: PreflightConfig{
			IntervalMS: 30000,
			TimeoutMS:  10000,
			Retries:    3,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %v", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be >= 1, got %d", c.WorkerCount)
	}
	if c.SchedulerQueueCapacity < 1 {
		return fmt.Errorf("scheduler_queue_capacity must be >= 1, got %d", c.SchedulerQueueCapacity)
	}
	if c.MonitorIntervalMS < 100 {
		return fmt.Errorf("monitor_interval_ms must be >= 100, got %d", c.MonitorIntervalMS)
	}
	if c.SnapshotRingSize < 1 {
		return fmt.Errorf("snapshot_ring_size must be >= 1, got %d", c.SnapshotRingSize)
	}
	if c.DefaultRetry.MaxAttempts < 0 {
		return fmt.Errorf("default_retry.max_attempts must be >= 0, got %d", c.DefaultRetry.MaxAttempts)
	}
	if j := c.DefaultRetry.Jitter; j < 0 || j > 1 {
		return fmt.Errorf("default_retry.jitter must be within [0,1], got %v", j)
	}
	pd := c.PoolDefaults
	if pd.ScaleUpThreshold <= pd.ScaleDownThreshold {
		return fmt.Errorf("pool_defaults.scale_up_threshold (%v) must exceed scale_down_threshold (%v)",
			pd.ScaleUpThreshold, pd.ScaleDownThreshold)
	}
	if pd.Step <= 0 {
		return fmt.Errorf("pool_defaults.step must be > 0, got %v", pd.Step)
	}
	if c.BulkMaxBatch < 1 || c.BulkMaxBatch > 100 {
		return fmt.Errorf("bulk_max_batch must be within [1,100], got %d", c.BulkMaxBatch)
	}
	if c.Cluster.Enabled {
		if c.Cluster.NodeID == "" {
			return fmt.Errorf("cluster.node_id is required when cluster.enabled")
		}
		if c.Cluster.BindAddr == "" {
			return fmt.Errorf("cluster.bind_addr is required when cluster.enabled")
		}
	}
	for name, src := range c.Preflight.Sources {
		switch src.Type {
		case "http":
			if src.URL == "" {
				return fmt.Errorf("preflight.sources.%s: url is required for http checks", name)
			}
		case "tcp":
			if src.Address == "" {
				return fmt.Errorf("preflight.sources.%s: address is required for tcp checks", name)
			}
		case "exec":
			if len(src.Command) == 0 {
				return fmt.Errorf("preflight.sources.%s: command is required for exec checks", name)
			}
		default:
			return fmt.Errorf("preflight.sources.%s: unknown check type %q", name, src.Type)
		}
		if src.Credential != "" {
			if src.Type != "http" {
				return fmt.Errorf("preflight.sources.%s: credentials apply to http checks only", name)
			}
			if c.Credentials.Path == "" {
				return fmt.Errorf("preflight.sources.%s: credential %q needs credentials.path", name, src.Credential)
			}
		}
	}
	for name, sc := range c.Schedules {
		if sc.Cron == "" {
			return fmt.Errorf("schedules.%s: cron expression is required", name)
		}
		if sc.Type != "" && !types.OrchestrationType(sc.Type).Valid() {
			return fmt.Errorf("schedules.%s: unknown orchestration type %q", name, sc.Type)
		}
		if sc.Mode != "" && !types.ExecutionMode(sc.Mode).Valid() {
			return fmt.Errorf("schedules.%s: unknown execution mode %q", name, sc.Mode)
		}
		if sc.Priority != "" && !types.Priority(sc.Priority).Valid() {
			return fmt.Errorf("schedules.%s: unknown priority %q", name, sc.Priority)
		}
		if sc.Targets.empty() {
			return fmt.Errorf("schedules.%s: targets must reference at least one data source, asset, rule or classification", name)
		}
		if len(sc.Stages) == 0 {
			return fmt.Errorf("schedules.%s: at least one stage is required", name)
		}
		seen := make(map[string]bool, len(sc.Stages))
		for i, st := range sc.Stages {
			if st.Name == "" || st.Type == "" {
				return fmt.Errorf("schedules.%s: stage %d needs a name and an operation type", name, i)
			}
			if seen[st.Name] {
				return fmt.Errorf("schedules.%s: duplicate stage name %q", name, st.Name)
			}
			seen[st.Name] = true
		}
	}
	return nil
}

// VaultPassphrase resolves the vault passphrase from the file or the
// FERRET_VAULT_PASSPHRASE environment variable.
func (c *Config) VaultPassphrase() string {
	if c.Credentials.Passphrase != "" {
		return c.Credentials.Passphrase
	}
	return os.Getenv("FERRET_VAULT_PASSPHRASE")
}

// Duration accessors keep millisecond fields out of call sites.

func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalMS) * time.Millisecond
}

func (c *Config) SystemSampleInterval() time.Duration {
	return time.Duration(c.SystemSampleIntervalMS) * time.Millisecond
}

func (c *Config) CancellationGrace() time.Duration {
	return time.Duration(c.CancellationGraceMS) * time.Millisecond
}

func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutMS) * time.Millisecond
}

func (c *Config) DependencyWait() time.Duration {
	return time.Duration(c.DependencyWaitMS) * time.Millisecond
}

func (c *Config) PoolCoolDown() time.Duration {
	return time.Duration(c.PoolDefaults.CoolDownMS) * time.Millisecond
}
