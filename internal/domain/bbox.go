// Package domain contains the core business entities and value objects.
package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Supported coordinate reference system codes.
const (
	CRSWGS84       = "EPSG:4326"
	CRSWebMercator = "EPSG:3857"
)

// MaxMercatorLatitude is the latitude limit of the Web Mercator projection.
const MaxMercatorLatitude = 85.0511287798066

// MetresPerDegree is the length of one degree of longitude at the equator.
const MetresPerDegree = 111319.49079327357

// CRS describes a coordinate reference system the grid planner can work in.
type CRS struct {
	Code          string  // Canonical EPSG code
	Name          string  // Human-readable name
	Geographic    bool    // Units are degrees
	MetresPerUnit float64 // Length of one map unit in metres
	OriginX       float64 // West edge of the area of use, in map units
	OriginY       float64 // South edge of the area of use, in map units
}

var crsAliases = map[string]string{
	"EPSG:4326":   CRSWGS84,
	"CRS:84":      CRSWGS84,
	"EPSG:3857":   CRSWebMercator,
	"EPSG:900913": CRSWebMercator,
	"EPSG:3785":   CRSWebMercator,
}

// SupportedCRS contains the reference systems known to the planner.
var SupportedCRS = map[string]CRS{
	CRSWGS84: {
		Code:          CRSWGS84,
		Name:          "WGS 84",
		Geographic:    true,
		MetresPerUnit: MetresPerDegree,
		OriginX:       -180,
		OriginY:       -90,
	},
	CRSWebMercator: {
		Code:          CRSWebMercator,
		Name:          "WGS 84 / Pseudo-Mercator",
		MetresPerUnit: 1,
		OriginX:       project.WGS84.ToMercator(orb.Point{-180, -85.06})[0],
		OriginY:       project.WGS84.ToMercator(orb.Point{-180, -85.06})[1],
	},
}

// LookupCRS resolves a code or alias (case-insensitive) to a supported CRS.
func LookupCRS(code string) (CRS, error) {
	canonical, ok := crsAliases[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return CRS{}, fmt.Errorf("%q: %w", code, ErrUnsupportedCRS)
	}
	return SupportedCRS[canonical], nil
}

// MapUnitsPerInch returns how many map units make up one physical inch at scale 1.
func (c CRS) MapUnitsPerInch() float64 {
	return 0.0254 / c.MetresPerUnit
}

// BoundingBox is an immutable axis-aligned box in a named CRS.
type BoundingBox struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
	CRS  string
}

// NewBoundingBox creates a validated bounding box. An empty crs means EPSG:4326.
func NewBoundingBox(minX, minY, maxX, maxY float64, crs string) (BoundingBox, error) {
	if crs == "" {
		crs = CRSWGS84
	}
	b := BoundingBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY, CRS: crs}
	if err := b.Validate(); err != nil {
		return BoundingBox{}, err
	}
	return b, nil
}

// ParseBoundingBox parses "minx,miny,maxx,maxy".
func ParseBoundingBox(s, crs string) (BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BoundingBox{}, &ConfigurationError{
			Field:   "bbox",
			Message: fmt.Sprintf("expected minx,miny,maxx,maxy, got %q", s),
			Err:     ErrInvalidBoundingBox,
		}
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BoundingBox{}, &ConfigurationError{
				Field:   "bbox",
				Message: fmt.Sprintf("invalid ordinate %q", p),
				Err:     ErrInvalidBoundingBox,
			}
		}
		vals[i] = v
	}
	return NewBoundingBox(vals[0], vals[1], vals[2], vals[3], crs)
}

// Validate checks ordering and, for geographic boxes, the lon/lat ranges.
func (b BoundingBox) Validate() error {
	crs, err := LookupCRS(b.CRS)
	if err != nil {
		return &ConfigurationError{Field: "bbox.crs", Message: "unsupported crs", Err: err}
	}
	if math.IsNaN(b.MinX) || math.IsNaN(b.MinY) || math.IsNaN(b.MaxX) || math.IsNaN(b.MaxY) {
		return &ConfigurationError{Field: "bbox", Message: "ordinates must be numbers", Err: ErrInvalidBoundingBox}
	}
	if b.MinX >= b.MaxX {
		return &ConfigurationError{
			Field:   "bbox",
			Message: fmt.Sprintf("min_x %v must be less than max_x %v", b.MinX, b.MaxX),
			Err:     ErrInvalidBoundingBox,
		}
	}
	if b.MinY >= b.MaxY {
		return &ConfigurationError{
			Field:   "bbox",
			Message: fmt.Sprintf("min_y %v must be less than max_y %v", b.MinY, b.MaxY),
			Err:     ErrInvalidBoundingBox,
		}
	}
	if crs.Geographic {
		if b.MinX < -180 || b.MaxX > 180 {
			return &ConfigurationError{Field: "bbox", Message: "longitude must be between -180 and 180", Err: ErrInvalidBoundingBox}
		}
		if b.MinY < -90 || b.MaxY > 90 {
			return &ConfigurationError{Field: "bbox", Message: "latitude must be between -90 and 90", Err: ErrInvalidBoundingBox}
		}
	}
	return nil
}

// Transform returns the box expressed in the target CRS. The receiver is not modified.
func (b BoundingBox) Transform(target string) (BoundingBox, error) {
	from, err := LookupCRS(b.CRS)
	if err != nil {
		return BoundingBox{}, err
	}
	to, err := LookupCRS(target)
	if err != nil {
		return BoundingBox{}, err
	}
	if from.Code == to.Code {
		out := b
		out.CRS = to.Code
		return out, nil
	}

	var proj orb.Projection
	switch to.Code {
	case CRSWebMercator:
		proj = project.WGS84.ToMercator
	default:
		proj = project.Mercator.ToWGS84
	}

	lo := orb.Point{b.MinX, b.MinY}
	hi := orb.Point{b.MaxX, b.MaxY}
	if to.Code == CRSWebMercator {
		lo[1] = clampLatitude(lo[1])
		hi[1] = clampLatitude(hi[1])
	}
	lo = proj(lo)
	hi = proj(hi)

	return BoundingBox{MinX: lo[0], MinY: lo[1], MaxX: hi[0], MaxY: hi[1], CRS: to.Code}, nil
}

// Bound returns the box as an orb.Bound.
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

// Intersects reports whether two boxes in the same CRS overlap.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.MinX < o.MaxX && b.MaxX > o.MinX && b.MinY < o.MaxY && b.MaxY > o.MinY
}

// Contains reports whether o lies entirely within b.
func (b BoundingBox) Contains(o BoundingBox) bool {
	return o.MinX >= b.MinX && o.MaxX <= b.MaxX && o.MinY >= b.MinY && o.MaxY <= b.MaxY
}

// Width returns the width of the box.
func (b BoundingBox) Width() float64 {
	return b.MaxX - b.MinX
}

// Height returns the height of the box.
func (b BoundingBox) Height() float64 {
	return b.MaxY - b.MinY
}

// String returns "minx,miny,maxx,maxy crs".
func (b BoundingBox) String() string {
	return fmt.Sprintf("%v,%v,%v,%v %s", b.MinX, b.MinY, b.MaxX, b.MaxY, b.CRS)
}

func clampLatitude(lat float64) float64 {
	return math.Max(-MaxMercatorLatitude, math.Min(MaxMercatorLatitude, lat))
}
