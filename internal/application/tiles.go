package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/output"
)

// LooseTileExtension is the file extension of tiles served from directories.
const LooseTileExtension = "png"

// TileServiceOptions configures supertile caching.
type TileServiceOptions struct {
	SupertileCacheSize int64         // composed supertiles kept in memory; 0 disables
	SupertileTTL       time.Duration // lifetime of a cached supertile
}

// TileService resolves tiles from archives or loose files.
type TileService struct {
	archives output.ArchiveStore
	root     string
	metrics  output.MetricsCollector
	logger   *slog.Logger

	supertiles *ccache.Cache[[]byte]
	ttl        time.Duration
	inflight   singleflight.Group
}

// NewTileService creates a new tile service serving layers below root.
func NewTileService(
	archives output.ArchiveStore,
	root string,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	opts TileServiceOptions,
) *TileService {
	s := &TileService{
		archives: archives,
		root:     root,
		metrics:  metrics,
		logger:   logger,
		ttl:      opts.SupertileTTL,
	}
	if opts.SupertileCacheSize > 0 {
		s.supertiles = ccache.New(ccache.Configure[[]byte]().MaxSize(opts.SupertileCacheSize))
	}
	if s.ttl <= 0 {
		s.ttl = 10 * time.Minute
	}
	return s
}

// GetTile returns the tile from the layer's archive when one exists, otherwise
// from {root}/{layer}/{z}/{x}/{y}.png. A tile found in neither is domain.Miss.
func (s *TileService) GetTile(ctx context.Context, layer string, t domain.Tile) (domain.TileLookup, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveTileDuration(layer, time.Since(start)) }()

	lookup, err := s.resolve(ctx, layer, t)
	if err != nil {
		return domain.Miss, err
	}
	s.recordLookup(layer, lookup)
	return lookup, nil
}

// GetSuperTile composes the four children of t into one 512px PNG. Missing
// children leave their quadrant transparent; four missing children is a Miss.
func (s *TileService) GetSuperTile(ctx context.Context, layer string, t domain.Tile) (domain.TileLookup, error) {
	if err := validateRequest(layer, t); err != nil {
		return domain.Miss, err
	}
	if t.Z >= domain.MaxZoom {
		return domain.Miss, nil
	}

	key := fmt.Sprintf("%s/%d/%d/%d", layer, t.Z, t.X, t.Y)
	if s.supertiles != nil {
		if item := s.supertiles.Get(key); item != nil && !item.Expired() {
			s.metrics.IncTileRequests(layer, "supertile")
			return domain.TileLookup{Data: item.Value(), Source: domain.TileSourceSupertile}, nil
		}
	}

	v, err, _ := s.inflight.Do(key, func() (interface{}, error) {
		data, err := s.composeSuperTile(ctx, layer, t)
		if err != nil || data == nil {
			return data, err
		}
		if s.supertiles != nil {
			s.supertiles.Set(key, data, s.ttl)
		}
		return data, nil
	})
	if err != nil {
		return domain.Miss, err
	}

	data, _ := v.([]byte)
	if data == nil {
		s.metrics.IncTileRequests(layer, "miss")
		return domain.Miss, nil
	}
	s.metrics.IncTileRequests(layer, "supertile")
	return domain.TileLookup{Data: data, Source: domain.TileSourceSupertile}, nil
}

// Clear drops the layer's archive connection and its composed supertiles.
func (s *TileService) Clear(layer string) {
	s.archives.Clear(layer)
	if s.supertiles != nil {
		s.supertiles.DeletePrefix(layer + "/")
	}
}

func (s *TileService) composeSuperTile(ctx context.Context, layer string, t domain.Tile) ([]byte, error) {
	canvas := image.NewNRGBA(image.Rect(0, 0, 2*domain.TileSize, 2*domain.TileSize))
	offsets := [4]image.Point{
		{0, 0},
		{domain.TileSize, 0},
		{0, domain.TileSize},
		{domain.TileSize, domain.TileSize},
	}

	found := 0
	for i, child := range t.Children() {
		lookup, err := s.resolve(ctx, layer, child)
		if err != nil {
			return nil, err
		}
		if !lookup.Hit() {
			continue
		}
		img, _, err := image.Decode(bytes.NewReader(lookup.Data))
		if err != nil {
			s.logger.Warn("skipping undecodable child tile", "layer", layer, "tile", child, "error", err)
			continue
		}
		r := image.Rectangle{Min: offsets[i], Max: offsets[i].Add(image.Pt(domain.TileSize, domain.TileSize))}
		draw.Draw(canvas, r, img, img.Bounds().Min, draw.Src)
		found++
	}
	if found == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encoding supertile: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *TileService) resolve(ctx context.Context, layer string, t domain.Tile) (domain.TileLookup, error) {
	if err := validateRequest(layer, t); err != nil {
		return domain.Miss, err
	}

	archive, err := s.archives.Open(ctx, layer)
	switch {
	case err == nil:
		data, err := archive.Tile(ctx, t)
		if errors.Is(err, domain.ErrTileNotFound) {
			return domain.Miss, nil
		}
		if err != nil {
			return domain.Miss, err
		}
		return domain.TileLookup{Data: data, Source: domain.TileSourceArchive}, nil
	case errors.Is(err, domain.ErrArchiveNotFound):
	default:
		s.logger.Warn("tile archive unavailable, using loose files", "layer", layer, "error", err)
	}

	data, err := os.ReadFile(t.Path(filepath.Join(s.root, layer), LooseTileExtension))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Miss, nil
		}
		return domain.Miss, &domain.StorageError{Operation: "read tile", Key: layer, Err: err}
	}
	return domain.TileLookup{Data: data, Source: domain.TileSourceFile}, nil
}

func (s *TileService) recordLookup(layer string, lookup domain.TileLookup) {
	if lookup.Hit() {
		s.metrics.IncTileRequests(layer, "hit")
		return
	}
	s.metrics.IncTileRequests(layer, "miss")
}

func validateRequest(layer string, t domain.Tile) error {
	if err := ValidateLayerName(layer); err != nil {
		return err
	}
	if !t.Valid() {
		return &domain.ValidationError{Field: "tile", Message: fmt.Sprintf("%d/%d/%d is outside the tile grid", t.Z, t.X, t.Y)}
	}
	return nil
}

// ValidateLayerName rejects names that could escape the tiles root.
func ValidateLayerName(layer string) error {
	if layer == "" || layer == "." || layer == ".." || strings.ContainsAny(layer, `/\`) {
		return &domain.ValidationError{Field: "layer", Message: fmt.Sprintf("invalid layer name %q", layer)}
	}
	return nil
}
