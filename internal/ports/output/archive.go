package output

import (
	"context"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
)

// ArchiveStore hands out packed tile archives, one per layer. Archives are
// opened on first use and kept until cleared.
type ArchiveStore interface {
	// Open returns the layer's archive. It returns domain.ErrArchiveNotFound
	// when the layer has no archive file.
	Open(ctx context.Context, layer string) (TileArchive, error)

	// Cached reports whether an archive for the layer is already open.
	Cached(layer string) bool

	// Clear closes and forgets the layer's archive, if open.
	Clear(layer string)

	// Close closes every open archive.
	Close() error
}

// TileArchive reads tiles from one packed archive.
type TileArchive interface {
	// Tile returns the tile bytes or domain.ErrTileNotFound.
	Tile(ctx context.Context, t domain.Tile) ([]byte, error)

	// MaxZoom returns the deepest zoom level stored.
	MaxZoom(ctx context.Context) (int, error)
}

// ArchiveWriter creates packed tile archives.
type ArchiveWriter interface {
	// Create creates (or truncates) an archive at path with the given metadata.
	Create(ctx context.Context, path string, metadata map[string]string) (TileSink, error)
}

// TileSink receives tiles for a new archive.
type TileSink interface {
	Put(ctx context.Context, t domain.Tile, data []byte) error
	Close() error
}
