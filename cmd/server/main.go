package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"task-graph/internal/api"
	"task-graph/internal/config"
	"task-graph/internal/db"
	"task-graph/internal/logging"
	"task-graph/pkg/cache"
	"task-graph/pkg/taskgraph"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "task-graph",
		Short:        "Serve the task dependency graph over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the task tables and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrate(cmd.Context(), configPath)
		},
	})
	return root
}

func setup(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format == "json"); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func migrate(ctx context.Context, path string) error {
	cfg, err := setup(path)
	if err != nil {
		return err
	}
	logger := logging.New("migrate")
	store, err := db.OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("schema ready", "postgres", cfg.Database.IsPostgres())
	return nil
}

func serve(parent context.Context, path string) error {
	cfg, err := setup(path)
	if err != nil {
		return err
	}
	logger := logging.New("server")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.OpenStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	c, err := db.OpenCache(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer c.Close()

	svc := taskgraph.New(store, c, taskgraph.Options{
		TTL:    cfg.Cache.TTL.Duration,
		Logger: logging.New("taskgraph"),
	})
	handler := api.New(svc, api.Options{
		Prefix:      cfg.Server.APIPrefix,
		ProjectName: cfg.Server.ProjectName,
		Logger:      logging.New("api"),
	})

	// requests keep their own contexts so Shutdown can drain them after a signal
	httpServer := &http.Server{Handler: handler}
	ln, err := net.Listen("tcp", cfg.Server.Bind)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Bind, err)
	}
	logger.Info("listening", "bind", ln.Addr().String(), "prefix", cfg.Server.APIPrefix)

	var background []func(context.Context)
	if mem, ok := c.(*cache.MemoryCache); ok {
		background = append(background, func(ctx context.Context) {
			mem.RunSweeper(ctx, cfg.Cache.TTL.Duration)
		})
	}
	err = runServer(ctx, httpServer, ln, cfg.Server.ShutdownTimeout.Duration, background...)
	logger.Info("stopped")
	return err
}

// runServer serves on ln until ctx is done, then gives in-flight requests
// up to timeout to finish. Each background func runs until ctx is done.
func runServer(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration, background ...func(context.Context)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	for _, fn := range background {
		g.Go(func() error {
			fn(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}
