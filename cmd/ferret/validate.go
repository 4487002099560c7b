package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/ferret/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <config.yaml>",
	Short: "Validate a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("✓ Configuration valid: %s\n", args[0])
		fmt.Printf("  Data directory:  %s\n", cfg.DataDir)
		fmt.Printf("  Workers:         %d (queue %d)\n", cfg.WorkerCount, cfg.SchedulerQueueCapacity)
		fmt.Printf("  Metrics listen:  %s\n", cfg.MetricsListen)
		if len(cfg.Pools) > 0 {
			fmt.Printf("  Pool overrides:  %d\n", len(cfg.Pools))
		}
		if len(cfg.Preflight.Sources) > 0 {
			fmt.Printf("  Preflight:       %d data sources\n", len(cfg.Preflight.Sources))
		}
		if len(cfg.Schedules) > 0 {
			fmt.Printf("  Schedules:       %d recurring triggers\n", len(cfg.Schedules))
		}
		if cfg.Cluster.Enabled {
			fmt.Printf("  Cluster:         node %s on %s\n", cfg.Cluster.NodeID, cfg.Cluster.BindAddr)
		}
		return nil
	},
}
