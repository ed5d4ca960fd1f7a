package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/flexsim/pkg/config"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Cluster-wide operations",
}

var clusterBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Seed a minimal MDM/SDS/SDC topology for a test environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		var topology []map[string]any
		if err := mdmPost(cfg.MDMBaseURL, "/cluster/bootstrap", map[string]any{}, &topology); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		fmt.Printf("bootstrapped %d components\n", len(topology))
		for _, c := range topology {
			fmt.Printf("  %v (%v) at %v\n", c["component_id"], c["component_type"], c["address"])
		}
		return nil
	},
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cluster health summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(cfg.MDMBaseURL + "/health/summary")
		if err != nil {
			return fmt.Errorf("fetch health summary: %w", err)
		}
		defer resp.Body.Close()

		var summary map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
			return fmt.Errorf("decode health summary: %w", err)
		}

		fmt.Printf("status: %v\n", summary["status"])
		fmt.Printf("components: %v active / %v total (score %.1f)\n", summary["active"], summary["total"], summary["health_score"])
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterBootstrapCmd)
	clusterCmd.AddCommand(clusterStatusCmd)
}
