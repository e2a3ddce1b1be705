// Package app composes storage, the basket store, and the HTTP server behind
// one cobra command tree so every entry point shares a single Run call.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"basket/pkg/basket"
	"basket/pkg/config"
	"basket/pkg/httpapi"
	"basket/pkg/storage/watch"
	"basket/pkg/version"
)

const (
	watchDebounce = 200 * time.Millisecond
	// ownWriteWindow covers the debounced echo of this process's own writes.
	ownWriteWindow = time.Second
)

// options captures persistent CLI flags.
type options struct {
	configPath string
	dbType     string
	dbPath     string
	storageKey string
	verbose    bool
	port       int
	domain     string
	owner      string
}

// Run parses args and executes the selected command. A nil logger is built
// from the --verbose flag.
func Run(ctx context.Context, args []string, logger *zap.Logger) error {
	cmd := newRootCommand(logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// env is what every subcommand needs once flags are resolved.
type env struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *basket.Store
	watchPath string
	own       *watch.OwnWrites
	close     func()
}

func newRootCommand(logger *zap.Logger) *cobra.Command {
	var opts options

	root := &cobra.Command{
		Use:           "basket",
		Short:         "Shopping basket storefront",
		Long:          "basket serves the storefront pages and basket API, and inspects persisted baskets from the command line.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, &opts, logger)
		},
	}
	root.SetOut(os.Stdout)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML or JSONC config file")
	flags.StringVar(&opts.dbType, "db-type", "", "Slot storage: memory (JSON snapshot) or sqlite")
	flags.StringVar(&opts.dbPath, "db-path", "", "Snapshot or database file; defaults to the working directory")
	flags.StringVar(&opts.storageKey, "storage-key", "", "Storage key for persisted baskets")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the storefront over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, &opts, logger)
		},
	}
	for _, c := range []*cobra.Command{root, serve} {
		c.Flags().IntVar(&opts.port, "port", 0, "Port for the HTTP server when not using --domain")
		c.Flags().StringVar(&opts.domain, "domain", "", "Serve HTTPS on 80/443 with an ephemeral certificate for this domain")
	}

	root.AddCommand(
		serve,
		newShowCommand(&opts, logger),
		newAddCommand(&opts, logger),
		newRemoveCommand(&opts, logger),
		newClearCommand(&opts, logger),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "basket version %s\n", version.Version())
			},
		},
	)
	return root
}

// resolveConfig layers flags over the config file over defaults.
func resolveConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("db-type") {
		cfg.Storage.Type = opts.dbType
	}
	if flags.Changed("db-path") {
		cfg.Storage.Path = opts.dbPath
	}
	if flags.Changed("storage-key") {
		cfg.Storage.Key = opts.storageKey
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// setup resolves config, logger, and storage for a command.
func setup(cmd *cobra.Command, opts *options, logger *zap.Logger) (*env, error) {
	cfg, err := resolveConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	syncLogger := func() {}
	if logger == nil {
		logger, err = buildLogger(opts.verbose)
		if err != nil {
			return nil, err
		}
		built := logger
		syncLogger = func() { _ = built.Sync() }
	}

	backend, err := openBackend(cmd.Context(), cfg.Storage, logger)
	if err != nil {
		syncLogger()
		return nil, fmt.Errorf("unable to open %s storage: %w", cfg.Storage.Type, err)
	}
	store := basket.NewStore(backend.slots, basket.Options{Key: cfg.Storage.Key, Logger: logger.Named("basket")})
	return &env{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		watchPath: backend.watchPath,
		own:       backend.own,
		close: func() {
			store.Close()
			backend.close()
			syncLogger()
		},
	}, nil
}

// onExternalChange refreshes every open page after another process wrote the
// storage file. Echoes of this process's own writes are ignored.
func (e *env) onExternalChange() {
	if e.own != nil && e.own.Recent(ownWriteWindow) {
		return
	}
	e.logger.Debug("basket storage changed on disk")
	e.store.Broadcast(basket.Event{Kind: basket.EventExternal})
}

func runServe(cmd *cobra.Command, opts *options, logger *zap.Logger) error {
	e, err := setup(cmd, opts, logger)
	if err != nil {
		return err
	}
	defer e.close()

	srv, err := httpapi.New(e.store, e.cfg, e.logger.Named("http"))
	if err != nil {
		return fmt.Errorf("unable to build http server: %w", err)
	}

	g, ctx := errgroup.WithContext(cmd.Context())

	if e.watchPath != "" {
		w, err := watch.New(e.watchPath, watchDebounce, e.onExternalChange, e.logger.Named("watch"))
		if err != nil {
			e.logger.Warn("basket file watcher disabled", zap.Error(err))
		} else {
			g.Go(func() error { return w.Run(ctx) })
		}
	}

	if opts.domain != "" {
		e.logger.Info("starting HTTPS servers", zap.String("domain", opts.domain))
		g.Go(func() error { return runDomainServers(ctx, opts.domain, srv, e.logger) })
		return g.Wait()
	}

	server := &http.Server{
		Addr:        address(e.cfg.Server.Port),
		Handler:     srv.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	server.RegisterOnShutdown(srv.Drain)
	g.Go(func() error {
		e.logger.Info("basket service is running", zap.String("addr", server.Addr), zap.String("storage", e.cfg.Storage.Type))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped unexpectedly: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// address converts port configuration into a binding string; PORT wins.
func address(port int) string {
	if p := os.Getenv("PORT"); p != "" {
		return ":" + p
	}
	return ":" + strconv.Itoa(port)
}

func printBasket(w io.Writer, snap basket.Snapshot, cfg config.Config) {
	if snap.Items.Empty() {
		fmt.Fprintln(w, "basket is empty")
		return
	}
	for i, item := range snap.Items {
		if cfg.Features.PriceTotals {
			fmt.Fprintf(w, "%d\t%s\t%s%.2f\t%s\n", i, item.Label(), cfg.Currency, item.Price, item.LineID)
		} else {
			fmt.Fprintf(w, "%d\t%s\t%s\n", i, item.Label(), item.LineID)
		}
	}
	if cfg.Features.PriceTotals {
		t := basket.ComputeTotals(snap.Items, cfg.FeePolicy())
		fmt.Fprintf(w, "subtotal\t%s%.2f\n", cfg.Currency, t.Subtotal)
		if cfg.FeePolicy().Enabled {
			fmt.Fprintf(w, "fee\t%s%.2f\n", cfg.Currency, t.Fee)
		}
		fmt.Fprintf(w, "total\t%s%.2f\n", cfg.Currency, t.Total)
	}
	fmt.Fprintf(w, "version\t%s\n", snap.Version)
}
