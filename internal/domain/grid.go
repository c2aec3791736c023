package domain

import "github.com/paulmach/orb"

// GridCell is one fetch-sized cell of a planned WMS grid, in the working CRS.
type GridCell struct {
	XMin   float64
	YMin   float64
	XMax   float64
	YMax   float64
	Scale  int
	Width  int // pixels
	Height int // pixels

	SourceURL string
	CachePath string
}

// Bound returns the cell extent as an orb.Bound.
func (c GridCell) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{c.XMin, c.YMin}, Max: orb.Point{c.XMax, c.YMax}}
}

// Intersects reports whether the cell overlaps b. Both must be in the same CRS.
func (c GridCell) Intersects(b BoundingBox) bool {
	return c.XMin < b.MaxX && c.XMax > b.MinX && c.YMin < b.MaxY && c.YMax > b.MinY
}

// GridPlan holds planned cells per scale.
type GridPlan map[int][]GridCell

// Count returns the total number of cells.
func (p GridPlan) Count() int {
	n := 0
	for _, cells := range p {
		n += len(cells)
	}
	return n
}
