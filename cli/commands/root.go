// Package commands provides the CLI command implementations for stoat.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	noColor    bool
}

// NewRootCommand creates the root command for the stoat CLI
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "stoat",
		Short: "Event-sourcing runtime for Go",
		Long: ui.Banner() + `

Stoat stores events in chained streams, publishes them on a bus and
serves them as a resumable live feed.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("stoat init") + `        Write a stoat.yaml
  ` + styles.Code.Render("stoat migrate") + `     Create the event store schema
  ` + styles.Code.Render("stoat stats") + `       Show store bounds and counts
  ` + styles.Code.Render("stoat tail") + `        Follow events as they are stored
  ` + styles.Code.Render("stoat serve") + `       Serve the live feed over HTTP`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.noColor {
				styles.DisableColors()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to stoat.yaml (default: search upwards from the working directory)")
	rootCmd.PersistentFlags().BoolVar(&flags.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewMigrateCommand(flags))
	rootCmd.AddCommand(NewStatsCommand(flags))
	rootCmd.AddCommand(NewTailCommand(flags))
	rootCmd.AddCommand(NewServeCommand(flags))
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.FormatError(err.Error()))
		return err
	}

	return nil
}
