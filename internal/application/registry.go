// Package application contains the application services.
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/maruel/natural"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/output"
)

// AttributionFile holds optional per-layer attribution JSON.
const AttributionFile = "attribution.json"

// LayerRegistry lists the layers under the tiles root that have a coverage
// record. The listing is cached until Invalidate is called.
type LayerRegistry struct {
	mu     sync.RWMutex
	layers []domain.LayerInfo
	loaded bool

	root     string
	archives output.ArchiveStore
	coverage *CoverageRecorder
	metrics  output.MetricsCollector
	logger   *slog.Logger
}

// NewLayerRegistry creates a new layer registry.
func NewLayerRegistry(
	root string,
	archives output.ArchiveStore,
	coverage *CoverageRecorder,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *LayerRegistry {
	return &LayerRegistry{
		root:     root,
		archives: archives,
		coverage: coverage,
		metrics:  metrics,
		logger:   logger,
	}
}

// ListLayers returns every layer with a coverage record, sorted by name.
func (r *LayerRegistry) ListLayers(ctx context.Context) ([]domain.LayerInfo, error) {
	r.mu.RLock()
	if r.loaded {
		out := append([]domain.LayerInfo(nil), r.layers...)
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		layers, err := r.scan(ctx)
		if err != nil {
			return nil, err
		}
		r.layers = layers
		r.loaded = true
		r.metrics.SetLayersLoaded(len(layers))
		r.logger.Info("layer list loaded", "layers", len(layers))
	}
	return append([]domain.LayerInfo(nil), r.layers...), nil
}

// Layer returns one listed layer.
func (r *LayerRegistry) Layer(ctx context.Context, name string) (domain.LayerInfo, error) {
	layers, err := r.ListLayers(ctx)
	if err != nil {
		return domain.LayerInfo{}, err
	}
	for _, l := range layers {
		if l.Name == name {
			return l, nil
		}
	}
	return domain.LayerInfo{}, fmt.Errorf("%w: %s", domain.ErrLayerNotFound, name)
}

// Invalidate drops the cached listing.
func (r *LayerRegistry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.layers = nil
}

// LayerCount returns the number of layers in the cached listing.
func (r *LayerRegistry) LayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.layers)
}

func (r *LayerRegistry) scan(ctx context.Context) ([]domain.LayerInfo, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.LayerInfo{}, nil
		}
		return nil, &domain.StorageError{Operation: "list layers", Key: r.root, Err: err}
	}

	layers := make([]domain.LayerInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, ok, err := r.describe(ctx, e.Name())
		if err != nil {
			r.logger.Warn("skipping unreadable layer", "layer", e.Name(), "error", err)
			continue
		}
		if ok {
			layers = append(layers, info)
		}
	}
	sort.SliceStable(layers, func(i, j int) bool { return natural.Less(layers[i].Name, layers[j].Name) })
	return layers, nil
}

func (r *LayerRegistry) describe(ctx context.Context, name string) (domain.LayerInfo, bool, error) {
	covPath := r.coverage.Path(name)
	stat, err := os.Stat(covPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.LayerInfo{}, false, nil
		}
		return domain.LayerInfo{}, false, err
	}
	geo, err := os.ReadFile(covPath)
	if err != nil {
		return domain.LayerInfo{}, false, err
	}

	info := domain.LayerInfo{
		Name:         name,
		ZoomMin:      0,
		LastModified: stat.ModTime().UnixMilli(),
		GeoJSON:      string(geo),
		Attribution:  json.RawMessage("[]"),
	}

	attr, err := os.ReadFile(filepath.Join(r.root, name, AttributionFile))
	switch {
	case err == nil && json.Valid(attr):
		info.Attribution = json.RawMessage(attr)
	case err == nil:
		r.logger.Warn("ignoring invalid attribution file", "layer", name)
	}

	info.ZoomMax = r.maxZoom(ctx, name)
	return info, true, nil
}

// maxZoom prefers the archive's deepest zoom and falls back to the highest
// numbered zoom directory.
func (r *LayerRegistry) maxZoom(ctx context.Context, name string) int {
	if archive, err := r.archives.Open(ctx, name); err == nil {
		if z, err := archive.MaxZoom(ctx); err == nil {
			return z
		}
	}

	entries, err := os.ReadDir(filepath.Join(r.root, name))
	if err != nil {
		return 0
	}
	maxZ := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if z, err := strconv.Atoi(e.Name()); err == nil && z > maxZ {
			maxZ = z
		}
	}
	return maxZ
}
