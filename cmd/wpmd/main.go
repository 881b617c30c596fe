package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LGUG2Z/wpm/pkg/daemon"
	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/paths"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "wpmd",
	Short: "wpmd - user-level process manager daemon for Windows",
	Long: `wpmd supervises a set of declaratively-defined background processes with
dependency relationships, lifecycle hooks, healthchecks and restart policies.

Unit definitions are read from the unit directory and driven through their
lifecycles in dependency order; wpmctl sends commands to the control endpoint.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		unitDir, _ := cmd.Flags().GetString("units")
		logLevel, _ := cmd.Flags().GetString("log-level")
		watch, _ := cmd.Flags().GetBool("watch")

		unitsDir := unitDir
		if unitsDir == "" {
			var err error
			unitsDir, err = paths.UnitsDir()
			if err != nil {
				return err
			}
		}

		cfg, err := daemon.LoadConfig(filepath.Join(unitsDir, "wpmd.yaml"))
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		if unitDir != "" {
			cfg.UnitDir = unitDir
		}

		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		if watch {
			cfg.Watch = true
		}

		daemonLogPath, err := paths.DaemonLogPath()
		if err != nil {
			return err
		}

		logFile, err := os.OpenFile(daemonLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer logFile.Close()

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			FileOutput: logFile,
		})

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return d.Run(ctx)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("wpmd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().String("units", "", "Unit definition directory (default: ~/.config/wpm)")
	rootCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().Bool("watch", false, "Reload when the unit directory changes")
}
