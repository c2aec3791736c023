package application

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"

	"golang.org/x/image/draw"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/geomath"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/input"
)

// DefaultExportMaxTiles caps the tiles of one export.
const DefaultExportMaxTiles = 1024

// ExportService stitches the tiles covering a box into one image.
type ExportService struct {
	tiles     input.TileService
	tilesPath string
	maxTiles  int
	logger    *slog.Logger
}

// NewExportService creates a new export service. tilesPath is the URL prefix
// of the tile route, used for the sample tile in Info.
func NewExportService(tiles input.TileService, tilesPath string, maxTiles int, logger *slog.Logger) *ExportService {
	if maxTiles <= 0 {
		maxTiles = DefaultExportMaxTiles
	}
	return &ExportService{tiles: tiles, tilesPath: tilesPath, maxTiles: maxTiles, logger: logger}
}

// Info describes the export of bbox at zoom.
func (s *ExportService) Info(_ context.Context, layer string, zoom int, bbox domain.BoundingBox) (domain.ExportInfo, error) {
	r, err := s.tileRange(layer, zoom, bbox)
	if err != nil {
		return domain.ExportInfo{}, err
	}
	xc, yc := r.Counts()
	return domain.ExportInfo{
		Zoom:      zoom,
		XTiles:    xc,
		YTiles:    yc,
		Sample:    fmt.Sprintf("%s/%s/%d/%d/%d.png", s.tilesPath, layer, zoom, r.MinX+xc/2, r.MinY+yc/2),
		Permitted: xc*yc <= s.maxTiles,
	}, nil
}

// Mosaic renders the covered tiles into a single PNG. Tiles the layer does
// not have are left transparent.
func (s *ExportService) Mosaic(ctx context.Context, layer string, zoom int, bbox domain.BoundingBox) ([]byte, error) {
	r, err := s.tileRange(layer, zoom, bbox)
	if err != nil {
		return nil, err
	}
	xc, yc := r.Counts()
	if xc*yc > s.maxTiles {
		return nil, fmt.Errorf("%w: %d tiles exceeds %d", domain.ErrTooManyTiles, xc*yc, s.maxTiles)
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, xc*domain.TileSize, yc*domain.TileSize))
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			lookup, err := s.tiles.GetTile(ctx, layer, domain.Tile{Z: zoom, X: x, Y: y})
			if err != nil {
				return nil, err
			}
			if !lookup.Hit() {
				continue
			}
			img, _, err := image.Decode(bytes.NewReader(lookup.Data))
			if err != nil {
				s.logger.Warn("skipping undecodable tile", "layer", layer, "z", zoom, "x", x, "y", y, "error", err)
				continue
			}
			at := image.Pt((x-r.MinX)*domain.TileSize, (y-r.MinY)*domain.TileSize)
			draw.Draw(canvas, image.Rectangle{Min: at, Max: at.Add(image.Pt(domain.TileSize, domain.TileSize))},
				img, img.Bounds().Min, draw.Src)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encoding mosaic: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *ExportService) tileRange(layer string, zoom int, bbox domain.BoundingBox) (domain.TileRange, error) {
	if err := ValidateLayerName(layer); err != nil {
		return domain.TileRange{}, err
	}
	if zoom < 0 || zoom > domain.MaxZoom {
		return domain.TileRange{}, fmt.Errorf("%w: %d", domain.ErrInvalidZoom, zoom)
	}
	if err := bbox.Validate(); err != nil {
		return domain.TileRange{}, err
	}
	geo, err := bbox.Transform(domain.CRSWGS84)
	if err != nil {
		return domain.TileRange{}, err
	}
	return geomath.TileRangeForBounds(geo, zoom), nil
}
