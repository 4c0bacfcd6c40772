package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/livesync/internal/config"
	"github.com/roach88/livesync/internal/httpapi"
	"github.com/roach88/livesync/internal/livefunc"
	"github.com/roach88/livesync/internal/server"
	"github.com/roach88/livesync/internal/session"
	"github.com/roach88/livesync/internal/store"
)

// shutdownTimeout bounds graceful shutdown of both listeners.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Host     string
	WSPort   int
	HTTPPort int
	Database string

	// Listeners override the configured addresses (for testing).
	WSListener   net.Listener
	HTTPListener net.Listener
	// Ready is called once both listeners accept connections (for testing).
	Ready func(wsAddr, httpAddr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the live and one-shot listeners",
		Long: `Run a livesync server.

The live listener accepts websocket connections for subscriptions; the HTTP
listener serves POST /call, POST /mutate and GET /functions. Flags override
the config file.

Example:
  livesync serve --db ./notes.db
  livesync serve --config ./livesync.yaml --ws-port 9001 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&opts.WSPort, "ws-port", 0, "live listener port (default from config)")
	cmd.Flags().IntVar(&opts.HTTPPort, "http-port", 0, "one-shot listener port (default from config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	return cmd
}

// resolveConfig applies flag overrides to the loaded config.
func (o *ServeOptions) resolveConfig() (config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return config.Config{}, err
	}
	if o.Host != "" {
		cfg.Host = o.Host
	}
	if o.WSPort != 0 {
		cfg.WSPort = o.WSPort
	}
	if o.HTTPPort != 0 {
		cfg.HTTPPort = o.HTTPPort
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.resolveConfig()
	if err != nil {
		return err
	}

	logger := opts.newLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)

	logger.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database, store.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	registry := livefunc.NewRegistry()
	if err := RegisterNotes(registry); err != nil {
		return WrapExitError(ExitCommandError, "failed to register functions", err)
	}

	cache := livefunc.NewCache(st, registry,
		livefunc.WithLogger(logger),
		livefunc.WithNotifyDelay(cfg.Debounce.Notify),
		livefunc.WithBackoff(cfg.Backoff.Initial, cfg.Backoff.Max))
	defer cache.Close()

	resolver := session.New(cfg.Session.JWTSecret, cfg.Session.CacheTTL)
	live := server.New(cache, resolver,
		server.WithLogger(logger),
		server.WithReadTimeout(3*cfg.PingInterval))
	api := httpapi.New(st, registry, resolver, httpapi.WithLogger(logger))

	wsLn, err := listen(opts.WSListener, cfg.WSAddr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpLn, err := listen(opts.HTTPListener, cfg.HTTPAddr())
	if err != nil {
		wsLn.Close()
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	wsSrv := &http.Server{Handler: live, ReadHeaderTimeout: 10 * time.Second}
	httpSrv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveListener(wsSrv, wsLn) })
	g.Go(func() error { return serveListener(httpSrv, httpLn) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		// websocket connections are hijacked; Shutdown does not close them
		live.CloseAll()
		return errors.Join(wsSrv.Shutdown(shutdownCtx), httpSrv.Shutdown(shutdownCtx))
	})

	logger.Info("listening", "live", wsLn.Addr().String(), "http", httpLn.Addr().String(), "functions", len(registry.Names()))
	fmt.Fprintf(cmd.OutOrStdout(), "livesync listening: live %s, http %s\n", wsLn.Addr(), httpLn.Addr())
	if opts.Ready != nil {
		opts.Ready(wsLn.Addr().String(), httpLn.Addr().String())
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("stopped gracefully")
	return nil
}

func listen(ln net.Listener, addr string) (net.Listener, error) {
	if ln != nil {
		return ln, nil
	}
	return net.Listen("tcp", addr)
}

func serveListener(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
