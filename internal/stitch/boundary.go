// Package stitch merges a freshly generated tile tree into an existing cache,
// compositing only the tiles on the edge of the new coverage.
package stitch

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/maruel/natural"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
)

var tilePathPattern = regexp.MustCompile(`(\d+)/(\d+)/(\d+)\.[A-Za-z0-9]+$`)

// ParseTilePath extracts the tile index from a ".../{z}/{x}/{y}.{ext}" path.
func ParseTilePath(path string) (domain.Tile, error) {
	m := tilePathPattern.FindStringSubmatch(filepath.ToSlash(path))
	if m == nil {
		return domain.Tile{}, fmt.Errorf("%s is not a z/x/y tile path: %w", path, domain.ErrInvalidInput)
	}
	z, _ := strconv.Atoi(m[1])
	x, _ := strconv.Atoi(m[2])
	y, _ := strconv.Atoi(m[3])
	return domain.Tile{Z: z, X: x, Y: y}, nil
}

// BoundaryTiles returns the paths, relative to root, of the tiles that can
// touch prior coverage: every tile in the lowest and highest column of each
// zoom, and the lowest and highest row of every column in between.
func BoundaryTiles(root string) ([]string, error) {
	zooms, err := numericEntries(root, true)
	if err != nil {
		return nil, err
	}

	var edge []string
	for _, z := range zooms {
		zoomDir := filepath.Join(root, z)
		xs, err := numericEntries(zoomDir, true)
		if err != nil {
			return nil, err
		}
		if len(xs) == 0 {
			continue
		}

		for i, x := range xs {
			ys, err := numericEntries(filepath.Join(zoomDir, x), false)
			if err != nil {
				return nil, err
			}
			if len(ys) == 0 {
				continue
			}
			if i == 0 || i == len(xs)-1 {
				for _, y := range ys {
					edge = append(edge, filepath.Join(z, x, y))
				}
				continue
			}
			edge = append(edge, filepath.Join(z, x, ys[0]))
			if len(ys) > 1 {
				edge = append(edge, filepath.Join(z, x, ys[len(ys)-1]))
			}
		}
	}
	return edge, nil
}

// numericEntries lists directory entries whose name (minus any extension) is
// an integer, sorted numerically.
func numericEntries(dir string, wantDirs bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() != wantDirs {
			continue
		}
		stem := e.Name()
		if !wantDirs {
			stem = strings.TrimSuffix(stem, filepath.Ext(stem))
		}
		if _, err := strconv.Atoi(stem); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.SliceStable(names, func(i, j int) bool { return natural.Less(names[i], names[j]) })
	return names, nil
}
