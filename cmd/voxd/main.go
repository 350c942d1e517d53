package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/voxforge/voxd/pkg/core"
	"github.com/voxforge/voxd/pkg/daemon"
)

func main() {
	var cliOverrides core.CLIOverrides

	rootCmd := &cobra.Command{
		Use:   "voxd",
		Short: "voxd - voxel editing daemon",
		Long:  "A local daemon that keeps a voxel project open in memory and serves concurrent editing clients over a Unix socket (newline-delimited JSON-RPC 2.0).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), &cliOverrides)
		},
		SilenceUsage: true,
	}

	// CLI flags - highest priority in the config hierarchy.
	f := rootCmd.Flags()

	cliOverrides.ConfigPath = f.StringP("config", "f", "", "Path to YAML config file (overrides VOXD_CONFIG env)")
	cliOverrides.SocketPath = f.String("socket", "", "Unix socket path")
	cliOverrides.SocketMode = f.String("socket-mode", "", "Socket file permissions (octal, e.g. 0660)")
	cliOverrides.MaxConnections = f.Int("max-connections", 0, "Maximum simultaneous client connections")
	cliOverrides.IdleTimeout = f.Duration("idle-timeout", 0, "Disconnect clients idle for this long (0 disables)")
	cliOverrides.StrictOrdering = f.Bool("strict-ordering", false, "Release responses in per-connection arrival order")
	cliOverrides.Workers = f.Int("workers", 0, "Worker pool size")
	cliOverrides.QueueCapacity = f.Int("queue-capacity", 0, "Request queue capacity")
	cliOverrides.JobTimeout = f.Duration("job-timeout", 0, "Per-request execution deadline (0 disables)")
	cliOverrides.DrainGrace = f.Duration("drain-grace", 0, "Graceful shutdown grace period")
	cliOverrides.PIDFile = f.String("pid-file", "", "Pidfile path")
	cliOverrides.Detach = f.BoolP("detach", "d", false, "Run in the background")
	cliOverrides.DataDir = f.String("data-dir", "", "Directory for .vxp project snapshots")
	cliOverrides.Compress = f.Bool("compress", false, "Compress project snapshots")
	cliOverrides.MaxVoxelsPerOp = f.Int("max-voxels-per-op", 0, "Bulk operation voxel cap")
	cliOverrides.NativeLibrary = f.String("native-library", "", "Path to the optional voxel-ops shared library")
	cliOverrides.Verbose = f.BoolP("verbose", "v", false, "Enable per-request debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run implements the daemon startup sequence after CLI flags are parsed.
func run(flags *pflag.FlagSet, cliOverrides *core.CLIOverrides) error {
	// Resolve config path: --config flag > VOXD_CONFIG env var
	configPath := ""
	if cliOverrides.ConfigPath != nil && *cliOverrides.ConfigPath != "" {
		configPath = *cliOverrides.ConfigPath
	} else {
		configPath = os.Getenv("VOXD_CONFIG")
	}

	// Load config through hierarchy: defaults -> YAML -> env vars
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply CLI flag overrides (only flags that were explicitly set)
	overrides := explicitFlags(flags, cliOverrides)
	cfg.ApplyCLIOverrides(overrides)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Daemon.Detach && !daemon.Detached() {
		pid, err := daemon.Detach()
		if err != nil {
			return fmt.Errorf("failed to detach: %w", err)
		}
		fmt.Printf("voxd started in background (pid %d)\n", pid)
		return nil
	}

	if !daemon.Detached() {
		core.PrintBanner()
	}

	log.Printf("Socket: %s", cfg.Server.SocketPath)
	log.Printf("Data dir: %s", cfg.Storage.DataDir)
	log.Printf("Workers: %d (queue %d)", cfg.Workers.Count, cfg.Workers.QueueCapacity)

	d, err := daemon.New(cfg, configPath, overrides)
	if err != nil {
		return err
	}
	return d.Run()
}

// explicitFlags collects only the CLI flags that were explicitly set by
// the user. Unset flags must not override values resolved from YAML or
// environment variables.
func explicitFlags(flags *pflag.FlagSet, o *core.CLIOverrides) *core.CLIOverrides {
	overrides := &core.CLIOverrides{}

	if flags.Changed("socket") {
		overrides.SocketPath = o.SocketPath
	}
	if flags.Changed("socket-mode") {
		overrides.SocketMode = o.SocketMode
	}
	if flags.Changed("max-connections") {
		overrides.MaxConnections = o.MaxConnections
	}
	if flags.Changed("idle-timeout") {
		overrides.IdleTimeout = o.IdleTimeout
	}
	if flags.Changed("strict-ordering") {
		overrides.StrictOrdering = o.StrictOrdering
	}
	if flags.Changed("workers") {
		overrides.Workers = o.Workers
	}
	if flags.Changed("queue-capacity") {
		overrides.QueueCapacity = o.QueueCapacity
	}
	if flags.Changed("job-timeout") {
		overrides.JobTimeout = o.JobTimeout
	}
	if flags.Changed("drain-grace") {
		overrides.DrainGrace = o.DrainGrace
	}
	if flags.Changed("pid-file") {
		overrides.PIDFile = o.PIDFile
	}
	if flags.Changed("detach") {
		overrides.Detach = o.Detach
	}
	if flags.Changed("data-dir") {
		overrides.DataDir = o.DataDir
	}
	if flags.Changed("compress") {
		overrides.Compress = o.Compress
	}
	if flags.Changed("max-voxels-per-op") {
		overrides.MaxVoxelsPerOp = o.MaxVoxelsPerOp
	}
	if flags.Changed("native-library") {
		overrides.NativeLibrary = o.NativeLibrary
	}
	if flags.Changed("verbose") {
		overrides.Verbose = o.Verbose
	}

	return overrides
}
