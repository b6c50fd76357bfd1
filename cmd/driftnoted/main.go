package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/driftnote/driftnote/internal/config"
	"github.com/driftnote/driftnote/internal/core/observability/log"
	"github.com/driftnote/driftnote/internal/edgecache"
	"github.com/driftnote/driftnote/internal/revision"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "driftnoted",
	Short: "driftnote - offline-first collaborative note sync",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the origin server with the revision snapshot job",
	RunE:  runServe,
}

var edgecacheCmd = &cobra.Command{
	Use:   "edgecache",
	Short: "Run the caching edge in front of the origin",
	RunE:  runEdgeCache,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd, edgecacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	db, err := revision.OpenDB(ctx, cfg.Server.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := revision.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	job := revision.NewJob(store, cfg.Server.Revision, logger)
	job.Start(ctx)
	defer job.Stop()

	router := mux.NewRouter()
	revision.NewHTTPHandler(store, job, logger).Register(router)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: router}
	logger.Info("Origin server listening", log.String("addr", cfg.Server.ListenAddr))
	return runUntilSignal(ctx, srv, cfg, logger)
}

func runEdgeCache(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	svc, err := edgecache.New(cfg.EdgeCache, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	svc.Prefetch(ctx)

	srv := &http.Server{Addr: cfg.EdgeCache.ListenAddr, Handler: svc.Handler()}
	logger.Info("Edge cache listening",
		log.String("addr", cfg.EdgeCache.ListenAddr),
		log.String("origin", cfg.EdgeCache.OriginURL))
	return runUntilSignal(ctx, srv, cfg, logger)
}

// runUntilSignal serves until the process is told to stop, then drains.
func runUntilSignal(ctx context.Context, srv *http.Server, cfg config.Config, logger log.Log) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return grp.Wait()
}

func newLogger(level string) *log.Logger {
	switch level {
	case "debug":
		return log.New(log.LevelDebug)
	case "warn":
		return log.New(log.LevelWarn)
	case "error":
		return log.New(log.LevelError)
	default:
		return log.New(log.LevelInfo)
	}
}
