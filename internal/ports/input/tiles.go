// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
)

// TileService defines the primary port for reading tiles.
type TileService interface {
	// GetTile resolves one tile. A miss is returned as domain.Miss, not an error.
	GetTile(ctx context.Context, layer string, t domain.Tile) (domain.TileLookup, error)

	// GetSuperTile composes a 512px tile from the four children of t.
	GetSuperTile(ctx context.Context, layer string, t domain.Tile) (domain.TileLookup, error)
}

// LayerRegistry defines the primary port for listing served layers.
type LayerRegistry interface {
	// ListLayers returns every layer with a coverage record.
	ListLayers(ctx context.Context) ([]domain.LayerInfo, error)

	// Invalidate drops the cached listing so the next call rescans.
	Invalidate()
}

// ExportService defines the primary port for mosaic exports.
type ExportService interface {
	// Info describes the export of bbox at zoom without producing it.
	Info(ctx context.Context, layer string, zoom int, bbox domain.BoundingBox) (domain.ExportInfo, error)

	// Mosaic renders the covered tiles into a single PNG.
	Mosaic(ctx context.Context, layer string, zoom int, bbox domain.BoundingBox) ([]byte, error)
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy      bool              // Overall health status
	Ready        bool              // Ready to accept requests
	LayersListed int               // Number of layers with coverage
	ArchivesOpen int               // Number of open tile archives
	Components   map[string]string // Component statuses
}
