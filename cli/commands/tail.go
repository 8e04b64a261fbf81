package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
	"github.com/AshkanYarmoradi/go-stoat/feed"
)

// renderPayload sends JSON payloads as they are and any other
// payload as a base64 JSON string.
func renderPayload(stored adapters.StoredEvent) ([]byte, error) {
	if json.Valid(stored.Payload) {
		return stored.Payload, nil
	}
	return json.Marshal(stored.Payload)
}

// NewTailCommand creates the tail command
func NewTailCommand(flags *globalFlags) *cobra.Command {
	var (
		pattern       string
		after         int64
		keepAlive     time.Duration
		count         int
		showKeepAlive bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow events as they are stored",
		Long: `Replay stored events matching a pattern, then follow new ones from the bus.

Examples:
  stoat tail                             # Everything
  stoat tail --pattern 'events/Todo/**'  # One aggregate type
  stoat tail --after 120                 # Resume after sequence 120`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(ensureContext(cmd.Context()), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, flags)
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			if pattern == "" {
				pattern = rt.Config.Feed.Pattern
			}
			if keepAlive == 0 {
				keepAlive = rt.Config.Feed.KeepAlive
			}

			return tail(ctx, cmd, feed.Config{
				Subscriber: rt.Bus,
				Replay:     feed.StoreReplay(rt.Adapter, renderPayload),
				Pattern:    pattern,
				After:      after,
				KeepAlive:  keepAlive,
				Logger:     rt.Logger,
			}, count, showKeepAlive)
		},
	}

	cmd.Flags().StringVarP(&pattern, "pattern", "p", "", "Key pattern (default from stoat.yaml)")
	cmd.Flags().Int64Var(&after, "after", 0, "Resume after this sequence")
	cmd.Flags().DurationVar(&keepAlive, "keep-alive", 0, "Heartbeat interval (default from stoat.yaml)")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many events (0 = follow forever)")
	cmd.Flags().BoolVar(&showKeepAlive, "show-keep-alive", false, "Print keep-alive markers")

	return cmd
}

func tail(ctx context.Context, cmd *cobra.Command, cfg feed.Config, count int, showKeepAlive bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	items, err := feed.Compose(ctx, cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	seen := 0
	for item := range items {
		if item.Kind == feed.KindKeepAlive && !showKeepAlive {
			continue
		}
		fmt.Fprintln(out, ui.FeedLine(item))

		if item.Kind == feed.KindEvent {
			seen++
			if count > 0 && seen >= count {
				cancel()
				for range items {
				}
				return nil
			}
		}
	}
	return nil
}
