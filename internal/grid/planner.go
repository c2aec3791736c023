// Package grid partitions a bounding box into fetch-sized raster cells at a
// set of cartographic scales.
package grid

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/geomath"
)

// Options controls cell size and alignment.
type Options struct {
	MaxWidth  int  // maximum cell width in pixels
	MaxHeight int  // maximum cell height in pixels
	DPI       int  // rendering resolution
	Aligned   bool // snap cells to the CRS origin
}

// Planner builds grids in one working CRS.
type Planner struct {
	crs  domain.CRS
	opts Options
}

// NewPlanner creates a planner for the given working CRS.
func NewPlanner(crsCode string, opts Options) (*Planner, error) {
	crs, err := domain.LookupCRS(crsCode)
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "crs", Message: "unsupported working crs", Err: err}
	}
	if opts.MaxWidth <= 0 || opts.MaxHeight <= 0 {
		return nil, &domain.ConfigurationError{
			Field:   "max_size",
			Message: fmt.Sprintf("cell size must be positive, got %dx%d", opts.MaxWidth, opts.MaxHeight),
		}
	}
	if opts.DPI <= 0 {
		opts.DPI = geomath.DefaultDPI
	}
	return &Planner{crs: crs, opts: opts}, nil
}

// CRS returns the planner's working CRS.
func (p *Planner) CRS() domain.CRS {
	return p.crs
}

// DPI returns the planner's rendering resolution.
func (p *Planner) DPI() int {
	return p.opts.DPI
}

type interval struct {
	start, end float64
}

// Plan returns the cells covering bbox for every scale.
func (p *Planner) Plan(bbox domain.BoundingBox, scales []int) (domain.GridPlan, error) {
	if err := bbox.Validate(); err != nil {
		return nil, err
	}
	working, err := bbox.Transform(p.crs.Code)
	if err != nil {
		return nil, err
	}

	minX, minY, maxX, maxY := working.MinX, working.MinY, working.MaxX, working.MaxY
	if !p.crs.Geographic {
		minX, minY = math.Floor(minX), math.Floor(minY)
		maxX, maxY = math.Ceil(maxX), math.Ceil(maxY)
	}

	upi := p.crs.MapUnitsPerInch()
	plan := make(domain.GridPlan, len(scales))
	for _, scale := range scales {
		if scale <= 0 {
			return nil, &domain.ConfigurationError{
				Field:   "scales",
				Message: fmt.Sprintf("scale must be positive, got %d", scale),
			}
		}
		width := geomath.PixelsToMapUnits(float64(p.opts.MaxWidth), scale, p.opts.DPI, upi)
		height := geomath.PixelsToMapUnits(float64(p.opts.MaxHeight), scale, p.opts.DPI, upi)

		var xs, ys []interval
		if p.opts.Aligned {
			xs = alignedIntervals(p.crs.OriginX, width, minX, maxX)
			ys = alignedIntervals(p.crs.OriginY, height, minY, maxY)
		} else {
			xs = exactIntervals(width, minX, maxX)
			ys = exactIntervals(height, minY, maxY)
		}

		cells := make([]domain.GridCell, 0, len(xs)*len(ys))
		for _, x := range xs {
			for _, y := range ys {
				cell := domain.GridCell{
					XMin:   x.start,
					YMin:   y.start,
					XMax:   x.end,
					YMax:   y.end,
					Scale:  scale,
					Width:  p.opts.MaxWidth,
					Height: p.opts.MaxHeight,
				}
				if !p.opts.Aligned {
					cell.Width = pixelsFor(x.end-x.start, scale, p.opts.DPI, upi, p.opts.MaxWidth)
					cell.Height = pixelsFor(y.end-y.start, scale, p.opts.DPI, upi, p.opts.MaxHeight)
				}
				cells = append(cells, cell)
			}
		}
		plan[scale] = cells
	}
	return plan, nil
}

// alignedIntervals returns whole steps of size from origin that cover [lo, hi].
// Boundaries are origin + n*size for integer n, independent of lo and hi.
func alignedIntervals(origin, size, lo, hi float64) []interval {
	n := math.Floor((lo - origin) / size)
	for origin+(n+1)*size <= lo {
		n++
	}
	for origin+n*size > lo {
		n--
	}

	var out []interval
	for {
		start := origin + n*size
		end := origin + (n+1)*size
		out = append(out, interval{start: start, end: end})
		if end >= hi {
			return out
		}
		n++
	}
}

// exactIntervals steps from lo and trims the last interval to hi.
func exactIntervals(size, lo, hi float64) []interval {
	var out []interval
	for start := lo; start < hi; start += size {
		out = append(out, interval{start: start, end: math.Min(start+size, hi)})
	}
	return out
}

func pixelsFor(units float64, scale, dpi int, upi float64, limit int) int {
	px := int(math.Ceil(geomath.MapUnitsToPixels(units, scale, dpi, upi) - 1e-9))
	if px < 1 {
		return 1
	}
	if px > limit {
		return limit
	}
	return px
}

var nonAlnum = regexp.MustCompile(`(?i)[^0-9a-z]`)

// CellName returns the deterministic file stem for a cell:
// {scale}_{dpi}_{crs}_{xmin}_{ymin}.
func CellName(cell domain.GridCell, dpi int, crsCode string) string {
	return fmt.Sprintf("%d_%d_%s_%s_%s",
		cell.Scale,
		dpi,
		nonAlnum.ReplaceAllString(crsCode, "_"),
		strconv.FormatFloat(cell.XMin, 'f', -1, 64),
		strconv.FormatFloat(cell.YMin, 'f', -1, 64),
	)
}
