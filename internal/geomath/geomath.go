// Package geomath provides coordinate and unit conversions for slippy tiles
// and scale-based raster grids.
package geomath

import (
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
)

// ExtentLimit is half the width of the Web Mercator world in metres.
const ExtentLimit = 20037508.3427892

// DefaultDPI is the rendering resolution assumed for scale calculations.
const DefaultDPI = 96

// LonLatToTileXY returns the slippy tile column and row containing lon/lat.
// Inputs beyond the projection limits are clamped to the edge tiles.
func LonLatToTileXY(lon, lat float64, zoom int) (int, int) {
	t := maptile.At(orb.Point{lon, lat}, maptile.Zoom(zoom))
	last := (1 << uint(zoom)) - 1
	return clamp(int(t.X), 0, last), clamp(int(t.Y), 0, last)
}

// TileXYToQuadkey encodes a tile position as a base-4 string, one digit per zoom.
func TileXYToQuadkey(x, y, zoom int) string {
	var sb strings.Builder
	sb.Grow(zoom)
	for i := zoom; i > 0; i-- {
		digit := byte('0')
		mask := 1 << uint(i-1)
		if x&mask != 0 {
			digit++
		}
		if y&mask != 0 {
			digit += 2
		}
		sb.WriteByte(digit)
	}
	return sb.String()
}

// LonLatToQuadkey returns the quadkey of the tile containing lon/lat.
func LonLatToQuadkey(lon, lat float64, zoom int) string {
	x, y := LonLatToTileXY(lon, lat, zoom)
	return TileXYToQuadkey(x, y, zoom)
}

// MapUnitsToPixels converts a ground distance to pixels at the given scale.
func MapUnitsToPixels(mapUnits float64, scale, dpi int, unitsPerInch float64) float64 {
	return mapUnits / float64(scale) / unitsPerInch * float64(dpi)
}

// PixelsToMapUnits is the inverse of MapUnitsToPixels.
func PixelsToMapUnits(pixels float64, scale, dpi int, unitsPerInch float64) float64 {
	return pixels * float64(scale) / float64(dpi) * unitsPerInch
}

// MetresPerTile returns the Web Mercator width of one tile at zoom.
func MetresPerTile(zoom int) float64 {
	return ExtentLimit * 2 / float64(uint64(1)<<uint(zoom))
}

// MetresPerPixel returns the Web Mercator width of one tile pixel at zoom.
func MetresPerPixel(zoom int) float64 {
	return MetresPerTile(zoom) / domain.TileSize
}

// MercatorTileBounds returns the EPSG:3857 extent of a tile.
func MercatorTileBounds(t domain.Tile) orb.Bound {
	size := MetresPerTile(t.Z)
	minX := -ExtentLimit + size*float64(t.X)
	minY := ExtentLimit - size*float64(t.Y+1)
	return orb.Bound{
		Min: orb.Point{minX, minY},
		Max: orb.Point{minX + size, minY + size},
	}
}

// TileRangeForBounds returns the inclusive tile block covering a WGS84 box at zoom.
func TileRangeForBounds(bbox domain.BoundingBox, zoom int) domain.TileRange {
	minX, maxY := LonLatToTileXY(bbox.MinX, bbox.MinY, zoom)
	maxX, minY := LonLatToTileXY(bbox.MaxX, bbox.MaxY, zoom)
	return domain.TileRange{Zoom: zoom, MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

func clamp(v, lo, hi int) int {
	return int(math.Max(float64(lo), math.Min(float64(hi), float64(v))))
}
