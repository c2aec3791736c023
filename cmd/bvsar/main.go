// Package main provides the entry point for the BVSAR tile provisioner and server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/app"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bvsar",
	Short: "BVSAR map tile provisioner and server",
	Long: `bvsar fetches raster imagery from WMS and XYZ tile services, stitches new
coverage onto the existing tile cache and serves the result to field clients.

Commands:
  serve      serve tiles, layer coverage and mosaic exports over HTTP
  provision  fetch an area from a configured provider into a layer
  plan       show the requests a provisioning run would make
  pack       convert a layer's tile tree into an MBTiles archive`,
	SilenceUsage: true,
	RunE:         runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve tiles over HTTP",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("bvsar %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")
	rootCmd.PersistentFlags().String("tiles-root", "./data/result", "directory of served layers")
	rootCmd.PersistentFlags().String("data-dir", "./data", "directory for the fetch cache and run directories")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("tiles.root", rootCmd.PersistentFlags().Lookup("tiles-root"))
	_ = viper.BindPFlag("provisioning.data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		addServeFlags(cmd)
	}

	rootCmd.AddCommand(serveCmd, provisionCmd, planCmd, packCmd, versionCmd)
}

// addServeFlags registers the server flags on cmd. Root and serve share the
// same viper keys, so only the flags of the command that runs are bound.
func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "0.0.0.0", "server host")
	cmd.Flags().Int("port", 8080, "server port")
	cmd.Flags().Bool("tls", false, "enable TLS")
	cmd.Flags().StringSlice("tls-domains", nil, "TLS domains")
	cmd.Flags().String("tls-email", "", "TLS email for Let's Encrypt")
	cmd.Flags().Bool("sync", false, "sync tile archives from remote storage")
	cmd.Flags().String("storage-type", "local", "sync storage type (local, s3, azure, http)")
	cmd.Flags().String("storage-path", "./archives", "local sync storage path")
	cmd.Flags().StringSlice("cors", nil, "allowed CORS origins (e.g., https://example.com,*.sub.domain.tld)")
	cmd.Flags().Bool("frontend", false, "serve the layer viewer at /")
}

func bindServeFlags(cmd *cobra.Command) {
	bindings := map[string]string{
		"server.host":                 "host",
		"server.port":                 "port",
		"tls.enabled":                 "tls",
		"tls.domains":                 "tls-domains",
		"tls.email":                   "tls-email",
		"sync.enabled":                "sync",
		"storage.type":                "storage-type",
		"storage.local_path":          "storage-path",
		"server.cors.allowed_origins": "cors",
		"server.frontend_enabled":     "frontend",
	}
	for key, flag := range bindings {
		_ = viper.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
}

func initConfig() {
	config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	bindServeFlags(cmd)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting bvsar",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"tiles_root", cfg.Tiles.Root,
		"providers", len(cfg.Providers),
		"sync", cfg.Sync.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	application, err := app.New(ctx, cfg, logger, app.Options{Version: version})
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := application.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err = <-serverErr:
		logger.Error("server error", "error", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if shutdownErr := application.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("shutdown error", "error", shutdownErr)
		return shutdownErr
	}

	logger.Info("server stopped")
	return err
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
