package domain

import (
	"path/filepath"
	"sort"
	"strconv"
)

// TileSize is the edge length of a slippy tile in pixels.
const TileSize = 256

// MaxZoom is the deepest zoom level the system provisions or serves.
const MaxZoom = 24

// Tile identifies a slippy map tile.
type Tile struct {
	Z int
	X int
	Y int
}

// Valid reports whether the tile index is inside the pyramid for its zoom.
func (t Tile) Valid() bool {
	if t.Z < 0 || t.Z > MaxZoom {
		return false
	}
	n := 1 << uint(t.Z)
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// Path returns {root}/{z}/{x}/{y}.{ext}.
func (t Tile) Path(root, ext string) string {
	return filepath.Join(root, strconv.Itoa(t.Z), strconv.Itoa(t.X), strconv.Itoa(t.Y)+"."+ext)
}

// Children returns the four tiles at the next zoom in top-left, top-right,
// bottom-left, bottom-right order.
func (t Tile) Children() [4]Tile {
	z, x, y := t.Z+1, t.X*2, t.Y*2
	return [4]Tile{
		{Z: z, X: x, Y: y},
		{Z: z, X: x + 1, Y: y},
		{Z: z, X: x, Y: y + 1},
		{Z: z, X: x + 1, Y: y + 1},
	}
}

// TileSet groups tile indices as zoom -> x -> ys.
type TileSet map[int]map[int][]int

// Add inserts a tile.
func (s TileSet) Add(t Tile) {
	xs, ok := s[t.Z]
	if !ok {
		xs = make(map[int][]int)
		s[t.Z] = xs
	}
	xs[t.X] = append(xs[t.X], t.Y)
}

// Count returns the number of tiles in the set.
func (s TileSet) Count() int {
	n := 0
	for _, xs := range s {
		for _, ys := range xs {
			n += len(ys)
		}
	}
	return n
}

// Tiles flattens the set in ascending zoom and x order, preserving y order.
func (s TileSet) Tiles() []Tile {
	zooms := make([]int, 0, len(s))
	for z := range s {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)

	out := make([]Tile, 0, s.Count())
	for _, z := range zooms {
		xs := make([]int, 0, len(s[z]))
		for x := range s[z] {
			xs = append(xs, x)
		}
		sort.Ints(xs)
		for _, x := range xs {
			for _, y := range s[z][x] {
				out = append(out, Tile{Z: z, X: x, Y: y})
			}
		}
	}
	return out
}

// TileSource names where a served tile came from.
type TileSource string

const (
	TileSourceArchive   TileSource = "archive"
	TileSourceFile      TileSource = "file"
	TileSourceSupertile TileSource = "supertile"
)

// TileLookup is the result of resolving a tile. A zero value is a miss.
type TileLookup struct {
	Data   []byte
	Source TileSource
}

// Hit reports whether the lookup found tile content.
func (l TileLookup) Hit() bool {
	return len(l.Data) > 0
}

// Miss is the lookup result for an uncovered tile.
var Miss = TileLookup{}
