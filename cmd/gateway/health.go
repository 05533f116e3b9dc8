package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagegate/browser-gateway/internal/bridge"
	"github.com/pagegate/browser-gateway/internal/config"
)

var healthWaitFlag time.Duration

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check whether a running gateway's WebSocket transport is healthy",
	Long: `Probes a running gateway's monitoring health endpoint.

Examples:
  # one-shot check against the default port
  gateway health

  # wait up to 10s for the gateway to come up (useful right after gateway serve --transport=ws &)
  gateway health --wait 10s`,
	RunE: runHealth,
}

func init() {
	healthCmd.Flags().DurationVar(&healthWaitFlag, "wait", 0, "poll until healthy or this duration elapses")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	healthPath := cfg.Monitoring.Paths["health"]
	if healthPath == "" {
		healthPath = "/healthz"
	}

	var ok bool
	if healthWaitFlag > 0 {
		ok = bridge.WaitForServer(cfg.Server.Port, healthPath, healthWaitFlag)
	} else {
		ok = bridge.IsServerRunning(cfg.Server.Port, healthPath)
	}

	if !ok {
		fmt.Printf("gateway not healthy on port %d\n", cfg.Server.Port)
		return fmt.Errorf("health check failed")
	}
	fmt.Printf("gateway healthy on port %d\n", cfg.Server.Port)
	return nil
}
