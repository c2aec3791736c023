package stitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/geomath"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/output"
)

// Options configures a Merger.
type Options struct {
	Concurrency int  // parallel composite workers
	Quantize    bool // palette-quantise rewritten PNG tiles
}

// Result summarises a merge.
type Result struct {
	Boundary   int // edge tiles found in the new tree
	Composited int // edge tiles that overlapped existing coverage
	Unreadable int // overlapping edge tiles left uncomposited because one side would not decode
	Moved      int // files moved into the cache
}

// Merger stitches new tile trees into a cache tree.
type Merger struct {
	metrics output.MetricsCollector
	logger  *slog.Logger
	opts    Options
}

// NewMerger creates a new merger.
func NewMerger(metrics output.MetricsCollector, logger *slog.Logger, opts Options) *Merger {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Merger{metrics: metrics, logger: logger, opts: opts}
}

// MergeInto composites the boundary tiles of newRoot over their counterparts
// in existingRoot, then moves every file of newRoot into existingRoot and
// removes newRoot. Existing cache tiles are only replaced by the move.
func (m *Merger) MergeInto(ctx context.Context, newRoot, existingRoot string) (Result, error) {
	var res Result

	m.logger.Info("searching existing tiles for edge overlaps", "source", newRoot, "destination", existingRoot)
	edge, err := BoundaryTiles(newRoot)
	if err != nil {
		return res, err
	}
	res.Boundary = len(edge)

	var overlapping []string
	for _, rel := range edge {
		// an empty cache tile is replaced outright by the move
		if info, err := os.Stat(filepath.Join(existingRoot, rel)); err == nil && info.Size() > 0 {
			overlapping = append(overlapping, rel)
		}
	}

	if len(overlapping) > 0 {
		m.logger.Info("stitching edge tiles", "count", len(overlapping))
		var composited, unreadable atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.opts.Concurrency)
		for _, rel := range overlapping {
			rel := rel
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				ok, err := m.compositeFiles(filepath.Join(existingRoot, rel), filepath.Join(newRoot, rel))
				if err != nil {
					return err
				}
				if ok {
					composited.Add(1)
				} else {
					unreadable.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}
		res.Composited = int(composited.Load())
		res.Unreadable = int(unreadable.Load())
		m.metrics.AddStitchComposites(res.Composited)
	}

	m.logger.Info("updating cache with new tiles", "source", newRoot, "destination", existingRoot)
	moved, err := MoveTree(newRoot, existingRoot)
	res.Moved = moved
	if err != nil {
		return res, err
	}
	return res, nil
}

// compositeFiles writes overlayPath over basePath back into overlayPath. It
// reports false without error when either image is unreadable: a broken cache
// tile is replaced by the new tile, and a broken new tile is removed so the
// cached one survives the move.
func (m *Merger) compositeFiles(basePath, overlayPath string) (bool, error) {
	m.logger.Debug("stitching edge tile", "base", basePath, "overlay", overlayPath)
	overlay, err := DecodeFile(overlayPath)
	if errors.Is(err, ErrUndecodable) {
		m.logger.Warn("dropping unreadable new tile", "path", overlayPath, "error", err)
		if err := os.Remove(overlayPath); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	base, err := DecodeFile(basePath)
	if errors.Is(err, ErrUndecodable) {
		m.logger.Warn("replacing unreadable cached tile", "path", basePath, "error", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, EncodeFile(overlayPath, Composite(base, overlay), m.opts.Quantize)
}

// ClipToBounds makes every pixel of the boundary tiles under root that falls
// outside bbox fully transparent. It returns the number of tiles rewritten.
// Tiles that do not decode are left as they are.
func (m *Merger) ClipToBounds(ctx context.Context, root string, bbox domain.BoundingBox) (int, error) {
	merc, err := bbox.Transform(domain.CRSWebMercator)
	if err != nil {
		return 0, err
	}
	edge, err := BoundaryTiles(root)
	if err != nil {
		return 0, err
	}
	m.logger.Info("clipping edge tiles to bbox", "count", len(edge))

	var clipped int
	results := make([]bool, len(edge))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for i, rel := range edge {
		i, rel := i, rel
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := m.clipFile(filepath.Join(root, rel), merc)
			results[i] = ok
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	for _, ok := range results {
		if ok {
			clipped++
		}
	}
	return clipped, nil
}

func (m *Merger) clipFile(path string, merc domain.BoundingBox) (bool, error) {
	tile, err := ParseTilePath(path)
	if err != nil {
		return false, err
	}
	left, bottom, right, top, ok := ClipMargins(tile, merc)
	if !ok {
		return false, nil
	}
	if left == 0 && bottom == 0 && right == 0 && top == 0 {
		return false, nil
	}
	m.logger.Debug("clipping tile", "path", path, "left", left, "bottom", bottom, "right", right, "top", top)

	src, err := DecodeFile(path)
	if errors.Is(err, ErrUndecodable) {
		m.logger.Warn("leaving unreadable tile unclipped", "path", path, "error", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	img := ToNRGBA(src)
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			if i < left || i >= w-right || j < top || j >= h-bottom {
				off := img.PixOffset(b.Min.X+i, b.Min.Y+j)
				img.Pix[off], img.Pix[off+1], img.Pix[off+2], img.Pix[off+3] = 0, 0, 0, 0
			}
		}
	}
	return true, EncodeFile(path, img, m.opts.Quantize)
}

// ClipMargins returns how many pixels on each side of a tile lie outside a
// Web Mercator box. ok is false when the tile does not intersect the box.
func ClipMargins(t domain.Tile, merc domain.BoundingBox) (left, bottom, right, top int, ok bool) {
	tb := geomath.MercatorTileBounds(t)
	if tb.Min[0] >= merc.MaxX || tb.Max[0] <= merc.MinX || tb.Min[1] >= merc.MaxY || tb.Max[1] <= merc.MinY {
		return 0, 0, 0, 0, false
	}
	mpp := geomath.MetresPerPixel(t.Z)
	if merc.MinX > tb.Min[0] {
		left = int((merc.MinX - tb.Min[0]) / mpp)
	}
	if merc.MinY > tb.Min[1] {
		bottom = int((merc.MinY - tb.Min[1]) / mpp)
	}
	if tb.Max[0] > merc.MaxX {
		right = int((tb.Max[0] - merc.MaxX) / mpp)
	}
	if tb.Max[1] > merc.MaxY {
		top = int((tb.Max[1] - merc.MaxY) / mpp)
	}
	return left, bottom, right, top, true
}

// MoveTree moves every file under src to the same relative path under dst,
// creating directories as needed, then removes src. Existing files in dst
// are replaced.
func MoveTree(src, dst string) (int, error) {
	var files []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("walking %s: %w", src, err)
	}

	moved := 0
	for _, from := range files {
		rel, err := filepath.Rel(src, from)
		if err != nil {
			return moved, err
		}
		to := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return moved, fmt.Errorf("creating %s: %w", filepath.Dir(to), err)
		}
		if err := moveFile(from, to); err != nil {
			return moved, err
		}
		moved++
	}
	if err := os.RemoveAll(src); err != nil {
		return moved, fmt.Errorf("removing %s: %w", src, err)
	}
	return moved, nil
}

func moveFile(from, to string) error {
	if err := os.Rename(from, to); err == nil {
		return nil
	}
	// rename fails across filesystems
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", from, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(from)
}
