package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
)

// migrationVersioner is implemented by stores that can report their schema version.
type migrationVersioner interface {
	MigrationVersion(ctx context.Context) (int, error)
}

// NewMigrateCommand creates the migrate command
func NewMigrateCommand(flags *globalFlags) *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the event store schema",
		Long: `Create the event store tables, indexes and finality trigger.
Running it again is safe.

Examples:
  stoat migrate            # Create the schema
  stoat migrate status     # Show the schema version`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), flags, WithoutBus())
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			out := cmd.OutOrStdout()

			if rt.Config.Store.Driver == "memory" {
				fmt.Fprintln(out, styles.FormatInfo("Memory store doesn't require migrations"))
				return nil
			}

			migrate := func() (string, error) {
				if err := rt.Adapter.Initialize(cmd.Context()); err != nil {
					return "", err
				}
				return fmt.Sprintf("Schema ready (%s, version %d)", rt.Config.Store.Driver, adapters.SchemaVersion), nil
			}

			if plain {
				msg, err := migrate()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, styles.FormatSuccess(msg))
				return nil
			}
			return ui.RunSpinner("Creating event store schema...", migrate)
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "Print plain output instead of a spinner")
	cmd.AddCommand(newMigrateStatusCommand(flags))

	return cmd
}

func newMigrateStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), flags, WithoutBus())
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			out := cmd.OutOrStdout()

			versioner, ok := rt.Store.(migrationVersioner)
			if !ok {
				fmt.Fprintln(out, styles.FormatInfo(fmt.Sprintf("The %s store creates its schema on migrate", rt.Config.Store.Driver)))
				return nil
			}

			version, err := versioner.MigrationVersion(cmd.Context())
			if err != nil {
				return err
			}

			table := ui.NewTable("Store", "Current", "Latest", "Status")
			status := "ok"
			if version < adapters.SchemaVersion {
				status = "pending"
			}
			table.AddRow(rt.Config.Store.Driver, fmt.Sprint(version), fmt.Sprint(adapters.SchemaVersion), ui.StatusBadge(status))
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}
}
