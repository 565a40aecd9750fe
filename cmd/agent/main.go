package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cloudfab/nodeagent/pkg/agent"
	"github.com/cloudfab/nodeagent/pkg/observability"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "agent",
		Short: "Node agent for the cluster compute fabric",
		Long: `The node agent runs on each machine of the compute fabric. It accepts
container start and stop requests, localizes the resources containers need,
launches and monitors their processes, and reports outcomes back to the
central controller.`,
		RunE: run,
	}
)

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file path")
	rootCmd.PersistentFlags().String("bind-address", "0.0.0.0:8040", "RPC server bind address")
	rootCmd.PersistentFlags().String("metrics-addr", "0.0.0.0:9090", "Metrics server bind address")
	rootCmd.PersistentFlags().String("controller-addr", "", "Controller address (empty disables heartbeat)")
	rootCmd.PersistentFlags().String("node-id", "", "Unique node identifier")
	rootCmd.PersistentFlags().StringSlice("local-dirs", []string{"/var/lib/nodeagent"}, "Local storage roots for localized resources")
	rootCmd.PersistentFlags().Duration("heartbeat-interval", 10*time.Second, "Heartbeat interval")
	rootCmd.PersistentFlags().Duration("kill-grace", 2*time.Second, "Grace period between SIGTERM and SIGKILL")
	rootCmd.PersistentFlags().Duration("kill-force", 10*time.Second, "Wait after SIGKILL before giving up on a process")
	rootCmd.PersistentFlags().Int64("cache-bytes-target", 10<<30, "Eviction threshold for the public resource cache")
	rootCmd.PersistentFlags().Bool("security-enabled", false, "Require container tokens on start requests")
	rootCmd.PersistentFlags().String("token-signing-key", "", "Shared secret for container token verification")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("bind_address", rootCmd.PersistentFlags().Lookup("bind-address"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
	viper.BindPFlag("controller_addr", rootCmd.PersistentFlags().Lookup("controller-addr"))
	viper.BindPFlag("node_id", rootCmd.PersistentFlags().Lookup("node-id"))
	viper.BindPFlag("local_dirs", rootCmd.PersistentFlags().Lookup("local-dirs"))
	viper.BindPFlag("heartbeat_interval", rootCmd.PersistentFlags().Lookup("heartbeat-interval"))
	viper.BindPFlag("kill_grace", rootCmd.PersistentFlags().Lookup("kill-grace"))
	viper.BindPFlag("kill_force", rootCmd.PersistentFlags().Lookup("kill-force"))
	viper.BindPFlag("cache_bytes_target", rootCmd.PersistentFlags().Lookup("cache-bytes-target"))
	viper.BindPFlag("security.enabled", rootCmd.PersistentFlags().Lookup("security-enabled"))
	viper.BindPFlag("security.token_signing_key", rootCmd.PersistentFlags().Lookup("token-signing-key"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("NODEAGENT")
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Node Agent\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Inspect node capabilities and the effective configuration",
		RunE:  inspect,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var err error
	logger, err = observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting node agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	config := buildConfig()
	config.Logger = logger

	agentInstance, err := agent.New(config)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	if err := agentInstance.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := agentInstance.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping agent", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

func buildConfig() *agent.Config {
	return &agent.Config{
		BindAddress:       viper.GetString("bind_address"),
		MetricsAddress:    viper.GetString("metrics_addr"),
		ControllerAddress: viper.GetString("controller_addr"),
		NodeID:            viper.GetString("node_id"),
		LocalDirs:         viper.GetStringSlice("local_dirs"),
		HeartbeatInterval: viper.GetDuration("heartbeat_interval"),
		KillGrace:         viper.GetDuration("kill_grace"),
		KillForce:         viper.GetDuration("kill_force"),
		CacheBytesTarget:  viper.GetInt64("cache_bytes_target"),
		SecurityEnabled:   viper.GetBool("security.enabled"),
		TokenSigningKey:   []byte(viper.GetString("security.token_signing_key")),
	}
}

func inspect(cmd *cobra.Command, args []string) error {
	logger, err := observability.NewLogger("warn")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	localDirs := viper.GetStringSlice("local_dirs")
	localDir := "/"
	if len(localDirs) > 0 {
		localDir = localDirs[0]
	}
	capacity := agent.DetectCapacity(localDir, logger)

	fmt.Println("Node Inspection Report")
	fmt.Println("======================")

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Resource", "Detected")
	table.Append([]string{"OS/Arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)})
	table.Append([]string{"Go Version", runtime.Version()})
	table.Append([]string{"CPU (millicores)", fmt.Sprintf("%d", capacity.CPUMillicores)})
	table.Append([]string{"Memory (bytes)", fmt.Sprintf("%d", capacity.MemoryBytes)})
	table.Append([]string{"Storage (bytes)", fmt.Sprintf("%d", capacity.StorageBytes)})
	table.Render()

	fmt.Println("\nEffective Configuration:")
	cfg := map[string]any{
		"bind_address":       viper.GetString("bind_address"),
		"metrics_addr":       viper.GetString("metrics_addr"),
		"controller_addr":    viper.GetString("controller_addr"),
		"node_id":            viper.GetString("node_id"),
		"local_dirs":         localDirs,
		"heartbeat_interval": viper.GetDuration("heartbeat_interval").String(),
		"kill_grace":         viper.GetDuration("kill_grace").String(),
		"kill_force":         viper.GetDuration("kill_force").String(),
		"cache_bytes_target": viper.GetInt64("cache_bytes_target"),
		"security": map[string]any{
			"enabled": viper.GetBool("security.enabled"),
		},
	}
	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(cfg)
}
