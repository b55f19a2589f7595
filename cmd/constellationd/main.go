package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orbitalio/constellation/pkg/config"
	"github.com/orbitalio/constellation/pkg/controller"
	"github.com/orbitalio/constellation/pkg/log"
	"github.com/orbitalio/constellation/pkg/telemetry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "constellationd",
	Short:   "Constellation - a distributed orchestration runtime",
	Long:    `Constellation gossips membership, elects a leader, schedules work and load-balances across a self-healing cluster of nodes.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("constellationd %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(configCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a Constellation node",
	Long:  `Start a Constellation node: bootstraps the registry, transport, gossip, consensus, scheduler and every other runtime subsystem, then blocks until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		nodeName, _ := cmd.Flags().GetString("node-name")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		controlPort, _ := cmd.Flags().GetInt("control-port")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		clustering, _ := cmd.Flags().GetBool("clustering")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if nodeName != "" {
			cfg.NodeName = nodeName
		}
		if bindAddr != "" {
			cfg.BindAddr = bindAddr
		}
		if controlPort != 0 {
			cfg.ControlPort = controlPort
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		cfg.ClusteringEnabled = clustering

		ctrl, err := controller.New(cfg)
		if err != nil {
			return fmt.Errorf("construct controller: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ctrl.Start(ctx); err != nil {
			return fmt.Errorf("start controller: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "ok node_id=%s\n", ctrl.SelfID())
		})
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()

		fmt.Printf("constellationd node %s listening on %s:%d (metrics at %s)\n", ctrl.SelfID(), cfg.BindAddr, cfg.ControlPort, metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)

		if err := ctrl.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	startCmd.Flags().String("config", "", "Path to a YAML config file (defaults applied if omitted)")
	startCmd.Flags().String("node-name", "", "Override node name from config")
	startCmd.Flags().String("bind-addr", "", "Override bind address from config")
	startCmd.Flags().Int("control-port", 0, "Override control port from config")
	startCmd.Flags().String("data-dir", "", "Override data directory from config")
	startCmd.Flags().Bool("clustering", true, "Enable gossip and consensus (disable for single-node mode)")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the /metrics and /healthz HTTP endpoints")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("render config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configShowCmd.Flags().String("config", "", "Path to a YAML config file")
	configCmd.AddCommand(configShowCmd)
}
