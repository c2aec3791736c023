package application

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
)

// CoverageFile is the per-layer record of provisioned areas.
const CoverageFile = "coverage.geojson"

// CoverageRun describes one provisioning run for the coverage record.
type CoverageRun struct {
	RunID    string
	Provider string
	ZoomMin  int
	ZoomMax  int
}

// CoverageRecorder appends provisioned areas to {root}/{layer}/coverage.geojson.
type CoverageRecorder struct {
	root string
	mu   sync.Mutex
}

// NewCoverageRecorder creates a recorder for layers below root.
func NewCoverageRecorder(root string) *CoverageRecorder {
	return &CoverageRecorder{root: root}
}

// Path returns the coverage file of a layer.
func (c *CoverageRecorder) Path(layer string) string {
	return filepath.Join(c.root, layer, CoverageFile)
}

// Load returns the layer's coverage. A layer without a record has an empty collection.
func (c *CoverageRecorder) Load(layer string) (*geojson.FeatureCollection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(layer)
}

// Record appends bbox to the layer's coverage.
func (c *CoverageRecorder) Record(layer string, bbox domain.BoundingBox, run CoverageRun) error {
	geo, err := bbox.Transform(domain.CRSWGS84)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fc, err := c.load(layer)
	if err != nil {
		return err
	}

	f := geojson.NewFeature(geo.Bound().ToPolygon())
	f.Properties["run_id"] = run.RunID
	f.Properties["provider"] = run.Provider
	f.Properties["zoom_min"] = run.ZoomMin
	f.Properties["zoom_max"] = run.ZoomMax
	f.Properties["recorded_at"] = time.Now().UTC().Format(time.RFC3339)
	fc.Append(f)

	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding coverage: %w", err)
	}

	path := c.Path(layer)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Covered reports whether a single recorded area already contains bbox.
func (c *CoverageRecorder) Covered(layer string, bbox domain.BoundingBox) (bool, error) {
	geo, err := bbox.Transform(domain.CRSWGS84)
	if err != nil {
		return false, err
	}
	fc, err := c.Load(layer)
	if err != nil {
		return false, err
	}

	lo, hi := orb.Point{geo.MinX, geo.MinY}, orb.Point{geo.MaxX, geo.MaxY}
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		b := f.Geometry.Bound()
		if b.Contains(lo) && b.Contains(hi) {
			return true, nil
		}
	}
	return false, nil
}

func (c *CoverageRecorder) load(layer string) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(c.Path(layer))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return geojson.NewFeatureCollection(), nil
		}
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", c.Path(layer), err)
	}
	return fc, nil
}
