package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
)

// StoreSummary is what "stoat stats" reports.
type StoreSummary struct {
	Driver           string `json:"driver"`
	Empty            bool   `json:"empty"`
	Earliest         int64  `json:"earliest_sequence"`
	Latest           int64  `json:"latest_sequence"`
	Events           int64  `json:"events"`
	Streams          int64  `json:"streams"`
	FinalizedStreams int64  `json:"finalized_streams"`
}

// Summarize reads the store bounds, and the counts when the store provides them.
func Summarize(ctx context.Context, driver string, store adapters.EventStoreAdapter) (StoreSummary, error) {
	summary := StoreSummary{Driver: driver}

	if provider, ok := store.(adapters.StatsProvider); ok {
		stats, err := provider.Stats(ctx)
		if err != nil {
			return summary, err
		}
		summary.Events = stats.Events
		summary.Streams = stats.Streams
		summary.FinalizedStreams = stats.FinalizedStreams
	}

	bounds, ok, err := store.Bounds(ctx)
	if err != nil {
		return summary, err
	}
	summary.Empty = !ok
	summary.Earliest = bounds.Earliest
	summary.Latest = bounds.Latest
	return summary, nil
}

// NewStatsCommand creates the stats command
func NewStatsCommand(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store bounds and counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), flags, WithoutBus())
			if err != nil {
				return err
			}
			defer rt.Close(cmd.Context())

			summary, err := Summarize(cmd.Context(), rt.Config.Store.Driver, rt.Store)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}

			status := "ok"
			if summary.Empty {
				status = "empty"
			}

			fmt.Fprintln(out, styles.Title.Render(styles.IconDatabase+" Event store"))
			fmt.Fprintln(out, styles.FormatKeyValue("Driver", summary.Driver))
			fmt.Fprintln(out, styles.FormatKeyValue("Status", status))

			table := ui.NewTable("Earliest", "Latest", "Events", "Streams", "Finalized")
			table.AddRow(
				fmt.Sprint(summary.Earliest),
				fmt.Sprint(summary.Latest),
				fmt.Sprint(summary.Events),
				fmt.Sprint(summary.Streams),
				fmt.Sprint(summary.FinalizedStreams),
			)
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}
