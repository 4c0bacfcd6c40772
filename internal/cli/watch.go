package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/livesync/internal/client"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	RemoteOptions
	Count int
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <name> [args...]",
		Short: "Subscribe to a live function and print every value",
		Long: `Subscribe to a live function over the live connection and print its
value, then one line per update until interrupted. The subscription is
re-established automatically if the connection drops.

Example:
  livesync watch notes.list --user alice
  livesync watch notes.get '"0195f0c2-..."' --count 3`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args[0], args[1:], cmd)
		},
	}
	opts.bind(cmd, "server live URL")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many values (0 = until interrupted)")
	return cmd
}

func runWatch(opts *WatchOptions, name string, rawArgs []string, cmd *cobra.Command) error {
	url, err := opts.wsURL(opts.RootOptions)
	if err != nil {
		return err
	}
	out := opts.formatter(cmd)
	logger := opts.newLogger(cmd.ErrOrStderr())

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := client.DefaultSettings()
	if cfg, err := opts.loadConfig(); err == nil {
		settings.PingInterval = cfg.PingInterval
	}
	conn := client.Dial(ctx, url, client.WithLogger(logger), client.WithSettings(settings))
	defer conn.Close()
	mux := client.NewMultiplexer(conn, client.WithUser(opts.User), client.WithMuxLogger(logger))
	defer mux.Close()

	values := make(chan any, 16)
	args := parseArgs(rawArgs)
	ch, unobserve, err := mux.Observe(name, args, func(v any) {
		select {
		case values <- v:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "subscribe failed", err)
	}
	defer unobserve()

	out.VerboseLog("watching %s at %s", name, url)
	first, err := ch.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return reportRemoteError(out, err)
	}

	printed := 0
	emit := func(v any) (bool, error) {
		if err := out.Line(v); err != nil {
			return true, err
		}
		printed++
		return opts.Count > 0 && printed >= opts.Count, nil
	}

	if done, err := emit(first); done || err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-values:
			if done, err := emit(v); done || err != nil {
				return err
			}
		}
	}
}
