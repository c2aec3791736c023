// Package slippy enumerates slippy-map tiles for a bounding box and builds
// the requests that fetch them from an XYZ or quadkey tile service.
package slippy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/geomath"
)

// CacheDirPrefix prefixes the cache directory derived from a template.
const CacheDirPrefix = "xyz-"

// TemplateFormat identifies how a tile is addressed in a URL template.
type TemplateFormat int

const (
	FormatXYZ TemplateFormat = iota
	FormatQuadkey
)

// Template is a validated tile URL template.
type Template struct {
	raw    string
	format TemplateFormat
}

// ParseTemplate accepts a URL with either {z}, {x} and {y} placeholders or a
// single {q} quadkey placeholder.
func ParseTemplate(raw string) (Template, error) {
	hasQ := strings.Contains(raw, "{q}")
	hasZ := strings.Contains(raw, "{z}")
	hasX := strings.Contains(raw, "{x}")
	hasY := strings.Contains(raw, "{y}")

	switch {
	case hasQ && !hasZ && !hasX && !hasY:
		return Template{raw: raw, format: FormatQuadkey}, nil
	case hasZ && hasX && hasY && !hasQ:
		return Template{raw: raw, format: FormatXYZ}, nil
	default:
		return Template{}, &domain.ConfigurationError{
			Field:   "url_template",
			Message: fmt.Sprintf("URL is not an expected format: %s", raw),
			Err:     domain.ErrInvalidTemplate,
		}
	}
}

// Format returns the addressing scheme of the template.
func (t Template) Format() TemplateFormat {
	return t.format
}

// String returns the raw template.
func (t Template) String() string {
	return t.raw
}

// URL fills in the template for one tile.
func (t Template) URL(tile domain.Tile) string {
	if t.format == FormatQuadkey {
		return strings.ReplaceAll(t.raw, "{q}", geomath.TileXYToQuadkey(tile.X, tile.Y, tile.Z))
	}
	return strings.NewReplacer(
		"{z}", strconv.Itoa(tile.Z),
		"{x}", strconv.Itoa(tile.X),
		"{y}", strconv.Itoa(tile.Y),
	).Replace(t.raw)
}

var nonAlnum = regexp.MustCompile(`(?i)[^a-z0-9]`)

// CacheDirName returns the directory name tiles for a template are cached under.
func CacheDirName(raw string) string {
	return CacheDirPrefix + nonAlnum.ReplaceAllString(raw, "")
}

// Extension returns override when set, otherwise the subtype of an image
// content type ("image/png" -> "png").
func Extension(contentType, override string) string {
	if override != "" {
		return strings.TrimPrefix(override, ".")
	}
	if _, sub, ok := strings.Cut(contentType, "/"); ok {
		sub, _, _ = strings.Cut(sub, ";")
		return strings.TrimSpace(sub)
	}
	return contentType
}

// ValidateZoomRange checks that min <= max and both are in range.
func ValidateZoomRange(zoomMin, zoomMax int) error {
	if zoomMin < 0 || zoomMax > domain.MaxZoom || zoomMin > zoomMax {
		return &domain.ConfigurationError{
			Field:   "zoom",
			Message: fmt.Sprintf("invalid zoom range %d-%d (allowed 0-%d)", zoomMin, zoomMax, domain.MaxZoom),
			Err:     domain.ErrInvalidZoom,
		}
	}
	return nil
}

// IdentifyTiles enumerates every tile covering bbox for each zoom in range.
// Rows are listed from the southern edge to the northern edge.
func IdentifyTiles(bbox domain.BoundingBox, zoomMin, zoomMax int) (domain.TileSet, error) {
	if err := ValidateZoomRange(zoomMin, zoomMax); err != nil {
		return nil, err
	}
	if err := bbox.Validate(); err != nil {
		return nil, err
	}
	geo, err := bbox.Transform(domain.CRSWGS84)
	if err != nil {
		return nil, err
	}

	tiles := make(domain.TileSet, zoomMax-zoomMin+1)
	for z := zoomMin; z <= zoomMax; z++ {
		llx, lly := geomath.LonLatToTileXY(geo.MinX, geo.MinY, z)
		urx, ury := geomath.LonLatToTileXY(geo.MaxX, geo.MaxY, z)
		xs := make(map[int][]int, urx-llx+1)
		for x := llx; x <= urx; x++ {
			ys := make([]int, 0, lly-ury+1)
			for y := lly; y >= ury; y-- {
				ys = append(ys, y)
			}
			xs[x] = ys
		}
		tiles[z] = xs
	}
	return tiles, nil
}

// Source describes where tiles come from and where they are cached.
type Source struct {
	Template    Template
	CacheRoot   string // directory containing per-template cache dirs
	ContentType string // expected response type, e.g. "image/png"
	ExtOverride string // optional file extension override
}

// OutputDir returns the cache directory for the source's template.
func (s Source) OutputDir() string {
	return filepath.Join(s.CacheRoot, CacheDirName(s.Template.String()))
}

// TilePath returns {outputDir}/{z}/{x}/{y}.{ext}.
func (s Source) TilePath(t domain.Tile) string {
	return t.Path(s.OutputDir(), Extension(s.ContentType, s.ExtOverride))
}

// BuildRetrievalRequests builds one request per tile.
func BuildRetrievalRequests(tiles domain.TileSet, src Source) []domain.RetrievalRequest {
	all := tiles.Tiles()
	out := make([]domain.RetrievalRequest, 0, len(all))
	for _, t := range all {
		out = append(out, domain.RetrievalRequest{
			URL:          src.Template.URL(t),
			Destination:  src.TilePath(t),
			ExpectedType: src.ContentType,
		})
	}
	return out
}

// BuildExistsCheckRequests builds one HEAD check per tile against tmpl.
func BuildExistsCheckRequests(tiles domain.TileSet, tmpl Template) []domain.ExistsCheckRequest {
	all := tiles.Tiles()
	out := make([]domain.ExistsCheckRequest, 0, len(all))
	for _, t := range all {
		out = append(out, domain.ExistsCheckRequest{URL: tmpl.URL(t)})
	}
	return out
}

// TilePaths returns the cache path of every tile.
func TilePaths(tiles domain.TileSet, src Source) []string {
	all := tiles.Tiles()
	out := make([]string, 0, len(all))
	for _, t := range all {
		out = append(out, src.TilePath(t))
	}
	return out
}
