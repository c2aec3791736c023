package application

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/input"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/output"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/stitch"
)

// PackResult summarises a pack run.
type PackResult struct {
	Layer   string
	Path    string
	Tiles   int
	ZoomMin int
	ZoomMax int
}

// PackService converts a layer's loose tile tree into an archive.
type PackService struct {
	writer output.ArchiveWriter
	cache  LayerCache
	layers input.LayerRegistry
	root   string
	logger *slog.Logger
}

// NewPackService creates a new pack service for layers below root.
func NewPackService(writer output.ArchiveWriter, cache LayerCache, layers input.LayerRegistry, root string, logger *slog.Logger) *PackService {
	return &PackService{writer: writer, cache: cache, layers: layers, root: root, logger: logger}
}

// Pack writes every {z}/{x}/{y}.png below {root}/{layer} into
// {root}/{layer}/{layer}.mbtiles, replacing the previous archive.
func (s *PackService) Pack(ctx context.Context, layer string) (PackResult, error) {
	if err := ValidateLayerName(layer); err != nil {
		return PackResult{}, err
	}
	dir := filepath.Join(s.root, layer)
	res := PackResult{Layer: layer, Path: domain.ArchivePath(s.root, layer), ZoomMin: domain.MaxZoom}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), "."+LooseTileExtension) {
			return nil
		}
		t, err := stitch.ParseTilePath(path)
		if err != nil {
			return nil
		}
		files = append(files, path)
		res.ZoomMin = min(res.ZoomMin, t.Z)
		res.ZoomMax = max(res.ZoomMax, t.Z)
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("%w: %s", domain.ErrLayerNotFound, layer)
		}
		return res, err
	}
	if len(files) == 0 {
		return res, &domain.ValidationError{Field: "layer", Value: layer, Message: "no tiles to pack"}
	}

	tmp := res.Path + ".tmp"
	sink, err := s.writer.Create(ctx, tmp, map[string]string{
		"name":    layer,
		"type":    "baselayer",
		"version": "1",
		"format":  LooseTileExtension,
		"minzoom": strconv.Itoa(res.ZoomMin),
		"maxzoom": strconv.Itoa(res.ZoomMax),
	})
	if err != nil {
		return res, err
	}

	for i, path := range files {
		if err := ctx.Err(); err != nil {
			_ = sink.Close()
			_ = os.Remove(tmp)
			return res, err
		}
		t, _ := stitch.ParseTilePath(path)
		data, err := os.ReadFile(path)
		if err == nil {
			err = sink.Put(ctx, t, data)
		}
		if err != nil {
			_ = sink.Close()
			_ = os.Remove(tmp)
			return res, fmt.Errorf("packing %s: %w", path, err)
		}
		if (i+1)%10000 == 0 {
			s.logger.Info("packing progress", "layer", layer, "tiles", i+1, "total", len(files))
		}
	}
	if err := sink.Close(); err != nil {
		_ = os.Remove(tmp)
		return res, err
	}

	s.cache.Clear(layer)
	if err := os.Rename(tmp, res.Path); err != nil {
		return res, fmt.Errorf("installing archive: %w", err)
	}
	s.layers.Invalidate()

	res.Tiles = len(files)
	s.logger.Info("archive packed", "layer", layer, "path", res.Path, "tiles", res.Tiles,
		"zoom_min", res.ZoomMin, "zoom_max", res.ZoomMax)
	return res, nil
}
