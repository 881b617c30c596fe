package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LGUG2Z/wpm/pkg/client"
	"github.com/LGUG2Z/wpm/pkg/paths"
	"github.com/LGUG2Z/wpm/pkg/unit"
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

func controlClient() (*client.Client, error) {
	dataDir, err := paths.DataDir()
	if err != nil {
		return nil, err
	}

	return client.New(dataDir), nil
}

var rootCmd = &cobra.Command{
	Use:          "wpmctl",
	Short:        "wpmctl - control client for the wpmd process manager",
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("wpmctl version %s\nCommit: %s\n", Version, Commit))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(unitsCmd)
	rootCmd.AddCommand(examplegenCmd)
	rootCmd.AddCommand(schemagenCmd)
	rootCmd.AddCommand(shutdownCmd)
}

var startCmd = &cobra.Command{
	Use:   "start UNIT...",
	Short: "Start units",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}

		return c.Start(args)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop UNIT...",
	Short: "Stop units",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}

		return c.Stop(args)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart UNIT...",
	Short: "Restart units",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}

		return c.Restart(args)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset UNIT...",
	Short: "Reset units out of a failed state",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}

		return c.Reset(args)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload all unit definitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}

		return c.Reload()
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the state of the process manager",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}

		response, err := c.State()
		if err != nil {
			return err
		}

		printStateTable(response.State)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status UNIT",
	Short: "Show status of a unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}

		response, err := c.Status(args[0])
		if err != nil {
			return err
		}

		printStatus(response.Status)
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log [UNIT]",
	Short: "Tail the logs of a unit or of the process manager",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}

		target := ""
		if len(args) == 1 {
			target = args[0]
		}

		return c.Log(target, func(line string) bool {
			fmt.Println(line)
			return true
		})
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild UNIT",
	Short: "Evict and re-resolve a unit's cached resources and executables",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}

		return c.Rebuild(args[0])
	},
}

var unitsCmd = &cobra.Command{
	Use:   "units",
	Short: "Print the path to the wpm unit definition directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}

		path, err := c.Units()
		if err != nil {
			return err
		}

		fmt.Println(path)
		return nil
	},
}

var examplegenCmd = &cobra.Command{
	Use:    "examplegen [DIR]",
	Short:  "Generate some example wpm units",
	Hidden: true,
	Args:   cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "examples"
		if len(args) == 1 {
			dir = args[0]
		}

		// examplegen works offline against the local filesystem
		return unit.WriteExamples(dir)
	},
}

var schemagenCmd = &cobra.Command{
	Use:    "schemagen",
	Short:  "Generate a JSON schema for wpm units",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := unit.SchemaJSON()
		if err != nil {
			return err
		}

		fmt.Println(schema)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Shut down the process manager",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}

		return c.Shutdown()
	},
}
