package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/ferret/pkg/cluster"
	"github.com/cuemby/ferret/pkg/config"
	"github.com/cuemby/ferret/pkg/credentials"
	"github.com/cuemby/ferret/pkg/dependency"
	"github.com/cuemby/ferret/pkg/events"
	"github.com/cuemby/ferret/pkg/health"
	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/metrics"
	"github.com/cuemby/ferret/pkg/monitor"
	"github.com/cuemby/ferret/pkg/orchestrator"
	"github.com/cuemby/ferret/pkg/probe"
	"github.com/cuemby/ferret/pkg/resource"
	"github.com/cuemby/ferret/pkg/scanop"
	"github.com/cuemby/ferret/pkg/schedule"
	"github.com/cuemby/ferret/pkg/storage"
	"github.com/cuemby/ferret/pkg/strategy"
	"github.com/cuemby/ferret/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine",
	Long: `Start the engine: storage, resource broker, dependency resolver,
strategy planner, orchestrator, monitor, scheduler, and the metrics and
health endpoints. Stops cleanly on SIGINT/SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration (defaults apply when omitted)")
	serveCmd.Flags().String("data-dir", "", "Override the configured data directory")
	serveCmd.Flags().Bool("with-sim-ops", false, "Register simulated scan operations and submit demo work")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	withSimOps, _ := cmd.Flags().GetBool("with-sim-ops")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	metrics.SetVersion(Version)

	fmt.Printf("Starting ferret %s\n", Version)
	fmt.Printf("  Data directory: %s\n", cfg.DataDir)
	fmt.Printf("  Metrics listen: %s\n", cfg.MetricsListen)
	fmt.Println()

	// Storage: replicated when clustering is on, embedded otherwise
	var store storage.Store
	var node *cluster.Node
	if cfg.Cluster.Enabled {
		var err error
		node, err = cluster.NewNode(cluster.Config{
			NodeID:   cfg.Cluster.NodeID,
			BindAddr: cfg.Cluster.BindAddr,
			DataDir:  cfg.DataDir,
		})
		if err != nil {
			return fmt.Errorf("failed to create cluster node: %v", err)
		}
		if cfg.Cluster.Bootstrap {
			if err := node.Bootstrap(); err != nil {
				return fmt.Errorf("failed to bootstrap cluster: %v", err)
			}
			if _, err := node.WaitForLeader(30 * time.Second); err != nil {
				return err
			}
			fmt.Println("✓ Cluster bootstrapped, this node leads")
		} else {
			if err := node.Join(); err != nil {
				return fmt.Errorf("failed to start raft: %v", err)
			}
			fmt.Printf("✓ Raft transport up; add this node from the leader (join_addr: %s)\n",
				cfg.Cluster.JoinAddr)
		}
		store = node.Store()
	} else {
		var err error
		store, err = storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		fmt.Println("✓ Store opened")
	}
	metrics.RegisterComponent("store", true, "")

	// Event broker, with every event mirrored to the debug log
	broker := events.NewBroker()
	broker.Start()
	evlog := log.WithComponent("events")
	detachSink := broker.AttachSink(events.SinkFunc(func(e *events.Event) {
		evlog.Debug().
			Str("type", string(e.Type)).
			Str("orchestration_id", e.OrchestrationID).
			Str("stage_id", e.StageID).
			Msg(e.Message)
	}), events.Filter{})

	// Resource broker
	resBroker := resource.NewBroker(resource.Config{
		Pools:         poolSpecs(cfg),
		UpThreshold:   cfg.PoolDefaults.ScaleUpThreshold,
		DownThreshold: cfg.PoolDefaults.ScaleDownThreshold,
		Step:          cfg.PoolDefaults.Step,
		CoolDown:      cfg.PoolCoolDown(),
		Store:         store,
		Events:        broker,
	})
	if err := resBroker.Recover(); err != nil {
		return fmt.Errorf("failed to recover reservations: %v", err)
	}
	resBroker.Start()
	metrics.RegisterComponent("resource-broker", true, "")
	fmt.Println("✓ Resource broker started")

	// Dependency resolver
	resolver := dependency.NewResolver(dependency.Config{
		Store:       store,
		Events:      broker,
		DefaultWait: cfg.DependencyWait(),
	})
	if err := resolver.Recover(); err != nil {
		return fmt.Errorf("failed to recover dependency edges: %v", err)
	}

	// Strategy engine fed by live pool headroom
	strat := strategy.NewEngine(strategy.Config{Headroom: resBroker.Headroom})

	// Scan operations
	registry := scanop.NewRegistry()
	if withSimOps {
		registerSimOps(registry)
		fmt.Println("✓ Simulated scan operations registered")
	}

	// Orchestrator
	orc := orchestrator.NewOrchestrator(orchestrator.Config{
		Store:             store,
		Events:            broker,
		Broker:            resBroker,
		Resolver:          resolver,
		Strategy:          strat,
		Registry:          registry,
		WorkerCount:       cfg.WorkerCount,
		QueueCapacity:     cfg.SchedulerQueueCapacity,
		DefaultRetry:      cfg.DefaultRetry.Policy(),
		CancellationGrace: cfg.CancellationGrace(),
		ApprovalTimeout:   cfg.ApprovalTimeout(),
		BulkMaxBatch:      cfg.BulkMaxBatch,
	})
	if err := orc.Recover(); err != nil {
		return fmt.Errorf("failed to recover orchestrations: %v", err)
	}
	orc.Run()
	metrics.RegisterComponent("orchestrator", true, "")
	fmt.Println("✓ Orchestrator running")

	// Monitor sampling the orchestrator
	mon := monitor.NewMonitor(monitor.Config{
		Probe:          probe.NewRuntimeProbe(0),
		Store:          store,
		Events:         broker,
		Active:         orc.ActiveIDs,
		Stats:          monitorStats(orc),
		Interval:       cfg.MonitorInterval(),
		SystemInterval: cfg.SystemSampleInterval(),
		RingSize:       cfg.SnapshotRingSize,
	})
	if err := mon.Recover(); err != nil {
		return fmt.Errorf("failed to recover alerts: %v", err)
	}
	mon.Start()
	fmt.Println("✓ Monitor started")

	// Credentials vault for authenticated preflight probes
	var vault *credentials.Vault
	if cfg.Credentials.Path != "" {
		v, err := credentials.Open(cfg.Credentials.Path, cfg.VaultPassphrase())
		if err != nil {
			return fmt.Errorf("failed to open credentials vault: %v", err)
		}
		vault = v
		fmt.Println("✓ Credentials vault opened")
	}

	// Data-source preflight checks
	preflight := health.NewRegistry(health.Config{
		Interval: time.Duration(cfg.Preflight.IntervalMS) * time.Millisecond,
		Timeout:  time.Duration(cfg.Preflight.TimeoutMS) * time.Millisecond,
		Retries:  cfg.Preflight.Retries,
	})
	for name, src := range cfg.Preflight.Sources {
		checker, err := buildChecker(src, vault)
		if err != nil {
			return fmt.Errorf("failed to build check for source %s: %v", name, err)
		}
		if err := preflight.Register(name, checker); err != nil {
			return fmt.Errorf("failed to register preflight source %s: %v", name, err)
		}
	}
	preflight.Start()
	if n := len(cfg.Preflight.Sources); n > 0 {
		fmt.Printf("✓ Preflight watching %d data sources\n", n)
	}

	// Trigger scheduler submitting into the orchestrator
	sched, err := schedule.New(orc)
	if err != nil {
		return err
	}
	for name, sc := range cfg.Schedules {
		if err := sched.AddCron(name, sc.Cron, scheduleRequest(name, sc)); err != nil {
			return fmt.Errorf("failed to register schedule %s: %v", name, err)
		}
	}
	sched.Start()
	if n := len(cfg.Schedules); n > 0 {
		fmt.Printf("✓ Schedule running %d configured triggers\n", n)
	}

	// Metrics collector
	mcfg := metrics.Config{
		Store:   store,
		Events:  broker,
		Broker:  resBroker,
		Monitor: mon,
		Engine:  orc,
	}
	if node != nil {
		mcfg.Cluster = node
	}
	collector := metrics.NewCollector(mcfg)
	collector.Start()

	// Live reload: log level and pool sizing apply in place
	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, func(nc *config.Config) {
			log.Init(log.Config{Level: log.Level(nc.Log.Level), JSONOutput: nc.Log.JSON})
			for name, pool := range nc.Pools {
				if err := resBroker.Resize(poolType(name), pool.Total); err != nil {
					logger := log.WithComponent("serve")
					logger.Warn().Err(err).Str("pool", name).
						Msg("pool resize from config reload rejected")
				}
			}
		})
		if err != nil {
			return fmt.Errorf("failed to watch config: %v", err)
		}
		watcher.Start()
	}

	// Metrics and health endpoints
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: cfg.MetricsListen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %v", err)
		}
	}()
	fmt.Printf("✓ Metrics and health endpoints on %s\n", cfg.MetricsListen)

	if withSimOps {
		if err := submitDemo(orc, sched); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: demo submission failed: %v\n", err)
		} else {
			fmt.Println("✓ Demo orchestration submitted, recurring sweep scheduled")
		}
	}

	fmt.Println()
	fmt.Println("Engine is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	// Stop in reverse order of startup
	if watcher != nil {
		watcher.Stop()
	}
	collector.Stop()
	if err := sched.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: scheduler shutdown: %v\n", err)
	}
	preflight.Stop()
	if vault != nil {
		if err := vault.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: vault close: %v\n", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: metrics server shutdown: %v\n", err)
	}

	mon.Stop()
	orc.Stop()
	resBroker.Stop()
	detachSink()
	broker.Stop()

	if node != nil {
		if err := node.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown cluster node: %v", err)
		}
	} else {
		if err := store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %v", err)
		}
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

// poolSpecs maps configured pools onto broker specs. No pools
// configured means the built-in sizing.
func poolSpecs(cfg *config.Config) []resource.PoolSpec {
	if len(cfg.Pools) == 0 {
		return nil
	}
	specs := make([]resource.PoolSpec, 0, len(cfg.Pools))
	for name, p := range cfg.Pools {
		specs = append(specs, resource.PoolSpec{
			Type:        poolType(name),
			Total:       p.Total,
			Unit:        p.Unit,
			CostPerUnit: p.CostPerUnit,
			Min:         p.Min,
			Max:         p.Max,
			NoAutoScale: p.NoAutoScale,
		})
	}
	return specs
}

func poolType(name string) types.PoolType {
	return types.PoolType(name)
}

// scheduleRequest maps one configured schedule onto the submission the
// trigger fires. Config validation already guaranteed targets, stages,
// and the enum fields.
func scheduleRequest(name string, sc config.ScheduleConfig) orchestrator.CreateRequest {
	stages := make([]orchestrator.StageSpec, 0, len(sc.Stages))
	for _, st := range sc.Stages {
		stages = append(stages, orchestrator.StageSpec{
			Name:      st.Name,
			Type:      st.Type,
			Prereqs:   st.Prereqs,
			Condition: st.Condition,
			Optional:  st.Optional,
			Timeout:   time.Duration(st.TimeoutMS) * time.Millisecond,
		})
	}
	return orchestrator.CreateRequest{
		Name:     name,
		Type:     types.OrchestrationType(sc.Type),
		Mode:     types.ExecutionMode(sc.Mode),
		Priority: types.Priority(sc.Priority),
		Targets: &types.ScanTargets{
			DataSources:     sc.Targets.DataSources,
			Assets:          sc.Targets.Assets,
			Rules:           sc.Targets.Rules,
			Classifications: sc.Targets.Classifications,
		},
		Stages:      stages,
		Budget:      sc.Budget,
		MaxRuntime:  time.Duration(sc.MaxRuntimeMS) * time.Millisecond,
		SubmittedBy: "config/" + name,
	}
}

// monitorStats adapts the orchestrator's execution statistics to the
// monitor's sampling callback.
func monitorStats(orc *orchestrator.Orchestrator) func(string) (monitor.ExecStats, bool) {
	return func(id string) (monitor.ExecStats, bool) {
		s, ok := orc.Stats(id)
		if !ok {
			return monitor.ExecStats{}, false
		}
		return monitor.ExecStats{
			Throughput:    s.Throughput,
			LatencyMS:     s.LatencyMS,
			ErrorRate:     s.ErrorRate,
			SuccessRate:   s.SuccessRate,
			SLACompliance: s.SLACompliance,
			CostToDate:    s.CostToDate,
			Active:        s.Active,
			Queued:        s.Queued,
			Completed:     s.Completed,
			Failed:        s.Failed,
			SampleSize:    s.SampleSize,
		}, true
	}
}

// buildChecker turns one preflight source config into a checker.
// Config validation already guaranteed the per-type fields.
func buildChecker(src config.SourceCheckConfig, vault *credentials.Vault) (health.Checker, error) {
	switch src.Type {
	case "http":
		c := health.NewHTTPChecker(src.URL)
		if src.Credential != "" {
			if vault == nil {
				return nil, fmt.Errorf("credential %q referenced but no vault configured", src.Credential)
			}
			cred, err := vault.Get(src.Credential)
			if err != nil {
				return nil, err
			}
			if key, value, ok := cred.AuthHeader(); ok {
				c.WithHeader(key, value)
			}
		}
		return c, nil
	case "tcp":
		return health.NewTCPChecker(src.Address), nil
	default:
		return health.NewExecChecker(src.Command), nil
	}
}
