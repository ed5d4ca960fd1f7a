package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/flexsim/pkg/bfile"
	"github.com/cuemby/flexsim/pkg/config"
	"github.com/cuemby/flexsim/pkg/sds"
)

var sdsCmd = &cobra.Command{
	Use:   "sds",
	Short: "SDS data-server operations",
}

var sdsServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start an SDS data-plane server",
	Long:  `Start an SDS node: registers with the MDM, listens for token-authorized read/write frames, and runs the ack/heartbeat/journal-pruner background workers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		nodeID, _ := cmd.Flags().GetString("node-id")
		dataPort, _ := cmd.Flags().GetInt("data-port")
		controlPort, _ := cmd.Flags().GetInt("control-port")
		if dataPort == 0 {
			dataPort = cfg.DataPlaneBasePort
		}
		if controlPort == 0 {
			controlPort = cfg.ControlPlaneBasePort
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.StorageRoot = v
		}
		if v, _ := cmd.Flags().GetString("cluster-secret"); v != "" {
			cfg.ClusterSecret = v
		}
		if cfg.ClusterSecret == "" {
			return fmt.Errorf("FLEXSIM_CLUSTER_SECRET (or --cluster-secret) must be set")
		}

		if err := registerComponent(cfg.MDMBaseURL, nodeID, "sds", "127.0.0.1", controlPort, dataPort, 0); err != nil {
			return fmt.Errorf("register with mdm: %w", err)
		}

		layout := bfile.NewLayout(cfg.StorageRoot)
		server := sds.New(nodeID, cfg.ClusterSecret, cfg.MDMBaseURL, layout)

		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", dataPort))
		if err != nil {
			return fmt.Errorf("listen on data port %d: %w", dataPort, err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		workersDone := make(chan error, 1)
		go func() {
			workersDone <- server.RunWorkers(ctx,
				nodeID,
				time.Duration(cfg.AckBatchIntervalSeconds)*time.Second,
				time.Duration(cfg.HeartbeatIntervalSeconds)*time.Second)
		}()

		serveDone := make(chan error, 1)
		go func() {
			serveDone <- server.Serve(listener)
		}()

		maybeStartPprof(cmd)

		fmt.Printf("FlexSim SDS %q is running.\n", nodeID)
		fmt.Printf("  Data plane: 0.0.0.0:%d\n", dataPort)
		fmt.Printf("  Storage root: %s\n", cfg.StorageRoot)
		fmt.Println("Press Ctrl+C to stop.")

		select {
		case sig := <-shutdownSignal():
			fmt.Printf("\nreceived %v, shutting down...\n", sig)
		case err := <-serveDone:
			if err != nil {
				fmt.Fprintf(cmd.OutOrStderr(), "data plane listener stopped: %v\n", err)
			}
		}

		cancel()
		server.Stop()
		listener.Close()
		<-workersDone

		fmt.Println("shutdown complete")
		return nil
	},
}

// registerComponent performs the CLI-side half of the discovery
// handshake: a simple HTTP POST to the MDM's register endpoint.
func registerComponent(mdmBaseURL, componentID, componentType, address string, controlPort, dataPort, mgmtPort int) error {
	body, _ := json.Marshal(map[string]any{
		"component_id":   componentID,
		"component_type": componentType,
		"address":        address,
		"control_port":   controlPort,
		"data_port":      dataPort,
		"mgmt_port":      mgmtPort,
	})
	req, err := http.NewRequest(http.MethodPost, mdmBaseURL+"/discovery/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mdm register returned status %d", resp.StatusCode)
	}
	return nil
}

func init() {
	sdsCmd.AddCommand(sdsServeCmd)
	sdsServeCmd.Flags().String("node-id", "sds-0", "Cluster node id for this SDS")
	sdsServeCmd.Flags().Int("data-port", 0, "Data-plane TCP port (overrides FLEXSIM_DATA_PORT)")
	sdsServeCmd.Flags().Int("control-port", 0, "Control-plane port advertised to the MDM (overrides FLEXSIM_CONTROL_PORT)")
	sdsServeCmd.Flags().String("data-dir", "", "Storage root directory (overrides FLEXSIM_STORAGE_ROOT)")
	sdsServeCmd.Flags().String("cluster-secret", "", "Cluster shared secret (overrides FLEXSIM_CLUSTER_SECRET)")
	sdsServeCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints")
}
