package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/flexsim/pkg/authority"
	"github.com/cuemby/flexsim/pkg/bfile"
	"github.com/cuemby/flexsim/pkg/config"
	"github.com/cuemby/flexsim/pkg/discovery"
	"github.com/cuemby/flexsim/pkg/engine"
	"github.com/cuemby/flexsim/pkg/health"
	"github.com/cuemby/flexsim/pkg/log"
	"github.com/cuemby/flexsim/pkg/mdmapi"
	"github.com/cuemby/flexsim/pkg/metrics"
	"github.com/cuemby/flexsim/pkg/rebuild"
	"github.com/cuemby/flexsim/pkg/storage"
	"github.com/cuemby/flexsim/pkg/volume"
)

var mdmCmd = &cobra.Command{
	Use:   "mdm",
	Short: "MDM control-plane operations",
}

var mdmServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MDM control API",
	Long:  `Start the single-writer MDM: storage engine, volume manager, rebuild engine, token authority, discovery registry, and health monitor behind the chi HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if v, _ := cmd.Flags().GetInt("port"); v != 0 {
			cfg.MDMAPIPort = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.StorageRoot = v
		}
		if v, _ := cmd.Flags().GetString("cluster-secret"); v != "" {
			cfg.ClusterSecret = v
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if cfg.ClusterSecret == "" {
			return fmt.Errorf("FLEXSIM_CLUSTER_SECRET (or --cluster-secret) must be set")
		}

		if err := os.MkdirAll(cfg.StorageRoot, 0755); err != nil {
			return fmt.Errorf("create storage root %s: %w", cfg.StorageRoot, err)
		}

		store, err := storage.NewBoltStore(cfg.StorageRoot, "mdm.db")
		if err != nil {
			return fmt.Errorf("open mdm store: %w", err)
		}
		defer store.Close()

		eng := engine.New(store)
		layout := bfile.NewLayout(cfg.StorageRoot)
		volumes := volume.New(store, eng, layout)
		rebuilds := rebuild.New(store, eng)
		auth := authority.New(store, cfg.ClusterSecret)
		disc := discovery.New(store, cfg.ClusterSecret, cfg.ClusterName)
		monitor := health.New(store,
			time.Duration(cfg.HealthScanIntervalSeconds)*time.Second,
			time.Duration(cfg.HeartbeatTimeoutSeconds)*time.Second)

		srv := mdmapi.New(store, cfg, eng, volumes, rebuilds, auth, disc, monitor)

		monitor.Start()
		defer monitor.Stop()

		stopCleanup := make(chan struct{})
		go runTokenCleanup(auth, time.Duration(cfg.HeartbeatIntervalSeconds)*time.Second, stopCleanup)
		defer close(stopCleanup)

		maybeStartPprof(cmd)

		mux := http.NewServeMux()
		mux.Handle("/", srv.Router)
		mux.Handle("/metrics", metrics.Handler())

		httpSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.MDMAPIPort),
			Handler: mux,
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- httpSrv.ListenAndServe()
		}()

		fmt.Println("FlexSim MDM is running.")
		fmt.Printf("  Control API: http://0.0.0.0:%d\n", cfg.MDMAPIPort)
		fmt.Printf("  Storage root: %s\n", cfg.StorageRoot)
		fmt.Printf("  IO mode: %s, write policy: %s\n", cfg.IOMode, cfg.WritePolicy)
		fmt.Println("Press Ctrl+C to stop.")

		select {
		case sig := <-shutdownSignal():
			fmt.Printf("\nreceived %v, shutting down...\n", sig)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("mdm api server: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown mdm api server: %w", err)
		}

		fmt.Println("shutdown complete")
		return nil
	},
}

func runTokenCleanup(auth *authority.Authority, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.WithComponent("mdm-cleanup")
	for {
		select {
		case <-ticker.C:
			if n, err := auth.CleanupExpired(500); err != nil {
				logger.Warn().Err(err).Msg("token cleanup sweep failed")
			} else if n > 0 {
				logger.Debug().Int("expired", n).Msg("swept expired tokens")
			}
		case <-stop:
			return
		}
	}
}

func init() {
	mdmCmd.AddCommand(mdmServeCmd)
	mdmServeCmd.Flags().Int("port", 0, "MDM control API port (overrides FLEXSIM_MDM_API_PORT)")
	mdmServeCmd.Flags().String("data-dir", "", "Storage root directory (overrides FLEXSIM_STORAGE_ROOT)")
	mdmServeCmd.Flags().String("cluster-secret", "", "Cluster shared secret (overrides FLEXSIM_CLUSTER_SECRET)")
	mdmServeCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints")
}
