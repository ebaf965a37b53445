package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livefeed-project/livefeed/internal/cli"
	"github.com/livefeed-project/livefeed/internal/config"
	"github.com/livefeed-project/livefeed/internal/connector"
	"github.com/livefeed-project/livefeed/internal/events"
	"github.com/livefeed-project/livefeed/internal/session"
)

func watchCmd() *cobra.Command {
	var once, verbose bool

	cmd := &cobra.Command{
		Use:   "watch <room_id>",
		Short: "Print a room's feed to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || roomID <= 0 {
				return fmt.Errorf("invalid room id %q", args[0])
			}

			cfg, err := loadConfig(verbose)
			if err != nil {
				return err
			}

			bus := events.NewEventBus()
			defer bus.Stop()

			printer := cli.NewPrinter(cmd.OutOrStdout(), &sync.Mutex{})
			printer.Attach(bus)

			var opts []session.Option
			if once {
				opts = append(opts, session.WithReconnect(config.ReconnectConfig{Enabled: false}))
			}
			sess := session.New(cfg, bus, opts...)

			ended := make(chan struct{})
			var endOnce sync.Once
			if once {
				bus.Subscribe(events.EventFeedState, "watch.once", func(ctx context.Context, e events.Event) error {
					if p, ok := e.Payload.(events.StatePayload); ok && (p.State == connector.StateFaulted.String() || p.State == connector.StateClosed.String()) {
						endOnce.Do(func() { close(ended) })
					}
					return nil
				})
			}

			if err := sess.Start(roomID); err != nil {
				return err
			}
			defer sess.Stop()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case <-sigCh:
			case <-ended:
				if st := sess.Status(); st.LastError != "" {
					return fmt.Errorf("session ended: %s", st.LastError)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "exit when the connection ends instead of reconnecting")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr as well as the log file")
	return cmd
}
