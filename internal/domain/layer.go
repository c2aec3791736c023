package domain

import (
	"encoding/json"
	"path/filepath"
)

// LayerInfo describes one served tile layer, as returned by /tile/list.
type LayerInfo struct {
	Name         string          `json:"name"`
	ZoomMin      int             `json:"zoom_min"`
	ZoomMax      int             `json:"zoom_max"`
	LastModified int64           `json:"last_modified"` // coverage.geojson mtime, unix ms
	GeoJSON      string          `json:"geojson"`
	Attribution  json.RawMessage `json:"attribution"`
}

// ExportInfo describes a tile-mosaic export before it is produced.
type ExportInfo struct {
	Zoom      int    `json:"z"`
	XTiles    int    `json:"x_tiles"`
	YTiles    int    `json:"y_tiles"`
	Sample    string `json:"sample"`
	Permitted bool   `json:"permitted"`
}

// TileRange is an inclusive block of tile columns and rows at one zoom.
type TileRange struct {
	Zoom int
	MinX int
	MinY int
	MaxX int
	MaxY int
}

// Counts returns the number of columns and rows in the range.
func (r TileRange) Counts() (int, int) {
	return r.MaxX - r.MinX + 1, r.MaxY - r.MinY + 1
}

// ArchiveExtension is the file extension of packed tile archives.
const ArchiveExtension = ".mbtiles"

// ArchivePath returns {root}/{layer}/{layer}.mbtiles.
func ArchivePath(root, layer string) string {
	return filepath.Join(root, layer, layer+ArchiveExtension)
}
