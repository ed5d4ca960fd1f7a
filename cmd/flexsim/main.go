package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/flexsim/pkg/log"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flexsim",
	Short: "FlexSim - a simulated scale-out software-defined block storage cluster",
	Long: `FlexSim simulates a scale-out block storage cluster: an MDM control
plane coordinates storage pools and volumes across SDS data servers, and
SDC clients read and write through token-authorized I/O plans.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flexsim version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(mdmCmd)
	rootCmd.AddCommand(sdsCmd)
	rootCmd.AddCommand(sdcCmd)
	rootCmd.AddCommand(clusterCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	level := log.InfoLevel
	switch logLevel {
	case "debug":
		level = log.DebugLevel
	case "warn":
		level = log.WarnLevel
	case "error":
		level = log.ErrorLevel
	}

	log.Init(log.Config{
		Level:      level,
		JSONOutput: logJSON,
	})
}

func shutdownSignal() <-chan os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	return sigCh
}

func maybeStartPprof(cmd *cobra.Command) {
	enabled, _ := cmd.Flags().GetBool("enable-pprof")
	if !enabled {
		return
	}
	addr := "127.0.0.1:6060"
	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			fmt.Printf("profiling server error: %v\n", err)
		}
	}()
	fmt.Printf("profiling endpoints enabled at http://%s/debug/pprof/\n", addr)
}

const shutdownGracePeriod = 5 * time.Second
