// Package commands defines the crucible CLI entrypoints: serve runs the
// indexing engine and sync server for a kiln, reindex rebuilds the private
// state, and sync runs one batch round against a configured peer.
package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mootikins/crucible/internal/config"
	"github.com/mootikins/crucible/internal/engine"
	"github.com/mootikins/crucible/internal/logging"
)

var (
	configPath string
	kilnPath   string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "crucible",
	Short:         "Index and synchronize a kiln of Markdown notes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to crucible.toml")
	rootCmd.PersistentFlags().StringVarP(&kilnPath, "kiln", "k", "", "kiln root directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(syncCmd)
}

// loadConfig resolves configuration from the flag, file, or defaults.
func loadConfig() (config.Config, error) {
	var cfg config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if kilnPath != "" {
		cfg.Kiln.Path = kilnPath
	}
	if cfg.Kiln.Path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, err
		}
		cfg.Kiln.Path = wd
	}
	return cfg, nil
}

// buildEngine constructs the engine with logging and metrics wired.
func buildEngine() (*engine.Engine, *logging.Logger, *prometheus.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	log, err := logging.New(debug)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	e, err := engine.New(cfg, log, engine.Options{Registry: registry})
	if err != nil {
		return nil, nil, nil, err
	}
	return e, log, registry, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the kiln, serve queries and sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")

		e, log, registry, err := buildEngine()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e.Start(ctx)

		log.Infof("reindexing kiln before serving")
		if err := e.Reindex(ctx); err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/", e.SyncServer().Router())
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		server := &http.Server{Addr: listen, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
		}()

		log.Infof("serving on %s", listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}

		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		return e.Close(closeCtx)
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the private index from the kiln's files",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, log, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		start := time.Now()
		if err := e.Reindex(ctx); err != nil {
			return err
		}
		log.Infof("reindex complete in %s", time.Since(start).Round(time.Millisecond))

		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		return e.Close(closeCtx)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one batch sync round against the configured peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, log, _, err := buildEngine()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		start := time.Now()
		if err := e.SyncWith(ctx); err != nil {
			return err
		}
		log.Infof("sync round complete in %s", time.Since(start).Round(time.Millisecond))

		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		return e.Close(closeCtx)
	},
}

func init() {
	serveCmd.Flags().String("listen", ":8420", "address for the sync/metrics HTTP server")
}
