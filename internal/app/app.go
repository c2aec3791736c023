// Package app provides application initialization and wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	httpAdapter "github.com/tomfumb/BVSAR-map-data-provisioner/internal/adapters/http"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/adapters/mbtiles"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/adapters/metrics"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/adapters/storage"
	tlsAdapter "github.com/tomfumb/BVSAR-map-data-provisioner/internal/adapters/tls"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/adapters/watcher"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/application"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/config"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/output"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/provider"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/retrieval"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/stitch"
)

// App holds all application components.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string

	Metrics  *metrics.Collector // nil when metrics are disabled
	Archives *mbtiles.Store

	Tiles     *application.TileService
	Layers    *application.LayerRegistry
	Coverage  *application.CoverageRecorder
	Export    *application.ExportService
	Health    *application.HealthService
	Pack      *application.PackService
	Provision *application.ProvisionService
	Engine    *retrieval.Engine

	Storage output.ObjectStorage     // nil unless sync is enabled
	Sync    *application.SyncService // nil unless sync is enabled

	HTTPServer *httpAdapter.Server
	TLS        *tlsAdapter.Manager
	Watcher    *watcher.Watcher
}

// Options holds wiring overrides.
type Options struct {
	Version         string
	MetricsRegistry *prometheus.Registry // default registry when nil
}

// New creates and initializes a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Version: opts.Version,
	}

	var metricsCollector output.MetricsCollector = &output.NoOpMetrics{}
	if cfg.Metrics.Enabled {
		if opts.MetricsRegistry != nil {
			app.Metrics = metrics.NewCollectorWith(opts.MetricsRegistry, "bvsar")
		} else {
			app.Metrics = metrics.NewCollector("bvsar")
		}
		metricsCollector = app.Metrics
	}

	root := cfg.Tiles.Root
	app.Archives = mbtiles.NewStore(root, mbtiles.Scheme(cfg.Tiles.ArchiveScheme), metricsCollector, logger)
	app.Coverage = application.NewCoverageRecorder(root)
	app.Tiles = application.NewTileService(app.Archives, root, metricsCollector, logger, application.TileServiceOptions{
		SupertileCacheSize: cfg.Tiles.SupertileCacheSize,
		SupertileTTL:       cfg.Tiles.SupertileTTL,
	})
	app.Layers = application.NewLayerRegistry(root, app.Archives, app.Coverage, metricsCollector, logger)
	app.Export = application.NewExportService(app.Tiles, "/tile", cfg.Export.MaxTiles, logger)
	app.Health = application.NewHealthService(app.Layers, app.Archives, root)
	app.Pack = application.NewPackService(
		mbtiles.NewWriter(mbtiles.Scheme(cfg.Tiles.ArchiveScheme), logger),
		app.Tiles, app.Layers, root, logger,
	)

	if err := app.initProvisioning(metricsCollector); err != nil {
		return nil, err
	}

	if cfg.Sync.Enabled {
		store, err := initStorage(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		app.Storage = store
		syncer := application.NewArchiveSync(store, root, app.Tiles, app.Layers, metricsCollector, logger)
		app.Sync = application.NewSyncService(syncer, cfg.Sync.Interval, logger)
	}

	placeholder, err := loadPlaceholder(cfg.Tiles.Placeholder)
	if err != nil {
		return nil, err
	}

	services := httpAdapter.Services{
		Tiles:  app.Tiles,
		Layers: app.Layers,
		Export: app.Export,
		Health: app.Health,
	}
	if app.Sync != nil {
		services.Sync = app.Sync
	}
	serverOpts := httpAdapter.Options{
		Placeholder: placeholder,
		Version:     opts.Version,
	}
	if app.Metrics != nil {
		serverOpts.MetricsMiddleware = app.Metrics.Middleware
		serverOpts.MetricsHandler = app.Metrics.Handler()
		serverOpts.MetricsPath = cfg.Metrics.Path
	}
	app.HTTPServer = httpAdapter.NewServer(cfg.Server, services, logger, serverOpts)

	app.TLS, err = tlsAdapter.NewManager(cfg.TLS, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing TLS: %w", err)
	}

	if cfg.Tiles.Watch {
		w, err := watcher.New(
			watcher.Config{Root: root},
			watcher.ReloadHandler(app.Tiles, app.Layers, logger),
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize file watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	return app, nil
}

// initProvisioning builds the retrieval engine, the configured providers and
// the provisioning service on top of them.
func (a *App) initProvisioning(metricsCollector output.MetricsCollector) error {
	cfg := a.Config.Provisioning

	exhaustion, err := domain.ParseExhaustionPolicy(cfg.Exhaustion)
	if err != nil {
		return err
	}
	a.Engine = retrieval.NewEngine(
		&http.Client{Timeout: cfg.RequestTimeout},
		metricsCollector,
		a.Logger,
		retrieval.Options{
			Concurrency: cfg.Concurrency,
			MaxRounds:   cfg.MaxRounds,
			BackoffBase: cfg.BackoffBase,
			BackoffMax:  cfg.BackoffMax,
			Exhaustion:  exhaustion,
			Overwrite:   cfg.Overwrite,
			UserAgents:  cfg.UserAgents,
		},
	)

	providers, err := provider.NewRegistry(Profiles(a.Config), filepath.Join(cfg.DataDir, "cache"), a.Engine)
	if err != nil {
		return fmt.Errorf("initializing providers: %w", err)
	}

	merger := stitch.NewMerger(metricsCollector, a.Logger, stitch.Options{
		Concurrency: cfg.Concurrency,
		Quantize:    cfg.Quantize,
	})

	a.Provision = application.NewProvisionService(
		providers, merger, a.Coverage, a.Layers, a.Tiles, a.Engine, a.Logger,
		application.ProvisionOptions{
			DataDir:             cfg.DataDir,
			TilesRoot:           a.Config.Tiles.Root,
			RetainIntermediates: cfg.RetainIntermediates,
			ClipEdges:           cfg.ClipEdges,
		},
	)
	return nil
}

// Profiles converts the configured providers into provider profiles,
// filling DPI and grid alignment from the provisioning section.
func Profiles(cfg *config.Config) []provider.Profile {
	profiles := make([]provider.Profile, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		dpi := pc.DPI
		if dpi == 0 {
			dpi = cfg.Provisioning.DPI
		}
		profiles = append(profiles, provider.Profile{
			Name:        pc.Name,
			Type:        provider.Type(pc.Type),
			URL:         pc.URL,
			Layers:      pc.Layers,
			Styles:      pc.Styles,
			Format:      pc.Format,
			Version:     pc.Version,
			CRS:         pc.CRS,
			Transparent: pc.Transparent,
			MaxWidth:    pc.MaxWidth,
			MaxHeight:   pc.MaxHeight,
			DPI:         dpi,
			Aligned:     cfg.Provisioning.GridAligned,
			ContentType: pc.ContentType,
			Extension:   pc.Extension,
		})
	}
	return profiles
}

// Start starts background components and blocks serving HTTP.
func (a *App) Start(ctx context.Context) error {
	if err := os.MkdirAll(a.Config.Tiles.Root, 0o755); err != nil {
		return fmt.Errorf("creating tiles root: %w", err)
	}

	if a.Config.Tiles.WarmOnStart {
		opened, err := a.Archives.Warm(ctx)
		if err != nil {
			a.Logger.Warn("failed to warm tile archives", "error", err)
		} else {
			a.Logger.Info("tile archives warmed", "opened", opened)
		}
	}

	if layers, err := a.Layers.ListLayers(ctx); err != nil {
		a.Logger.Warn("failed to list layers", "error", err)
	} else {
		a.Logger.Info("layers available", "count", len(layers))
	}

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start file watcher", "error", err)
		}
	}

	if a.Sync != nil {
		a.Sync.Start(ctx)
	}

	if a.TLS.Enabled() {
		if err := a.TLS.ManageCertificates(ctx); err != nil {
			return err
		}
	}
	return a.HTTPServer.Start(a.TLS.TLSConfig())
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if a.Sync != nil {
		a.Sync.Stop()
	}

	var errs []error
	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Logger.Error("HTTP server shutdown error", "error", err)
		errs = append(errs, err)
	}

	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close stops the watcher and releases open tile archives. Commands that
// never serve call it directly.
func (a *App) Close() error {
	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}
	if err := a.Archives.Close(); err != nil {
		a.Logger.Error("failed to close tile archives", "error", err)
		return err
	}
	return nil
}

// loadPlaceholder reads the configured miss tile. An empty path selects the
// built-in blank tile.
func loadPlaceholder(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) //#nosec G304 -- path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("reading placeholder tile: %w", err)
	}
	return data, nil
}

// initStorage initializes the archive source used by sync.
func initStorage(ctx context.Context, cfg config.StorageConfig) (output.ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.LocalPath), nil

	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case "azure":
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	case "http":
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:   cfg.HTTP.BaseURL,
			IndexFile: cfg.HTTP.IndexFile,
			Timeout:   cfg.HTTP.Timeout,
			Username:  cfg.HTTP.Username,
			Password:  cfg.HTTP.Password,
		}), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
