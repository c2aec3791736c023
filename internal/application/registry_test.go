package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/output"
)

func mustBBox(t *testing.T, minX, minY, maxX, maxY float64) domain.BoundingBox {
	t.Helper()
	b, err := domain.NewBoundingBox(minX, minY, maxX, maxY, domain.CRSWGS84)
	if err != nil {
		t.Fatalf("NewBoundingBox() error = %v", err)
	}
	return b
}

func newTestLayerRegistry(t *testing.T, store *mockArchiveStore) (*LayerRegistry, *CoverageRecorder, string) {
	t.Helper()
	root := t.TempDir()
	coverage := NewCoverageRecorder(root)
	return NewLayerRegistry(root, store, coverage, &output.NoOpMetrics{}, testLogger()), coverage, root
}

func TestLayerRegistryListLayers(t *testing.T) {
	ctx := context.Background()
	store := newMockArchiveStore()
	store.archives["packed"] = &mockArchive{maxZoom: 12}
	registry, coverage, root := newTestLayerRegistry(t, store)

	bbox := mustBBox(t, -127, 54, -126, 55)
	for _, layer := range []string{"layer10", "layer2", "packed"} {
		if err := coverage.Record(layer, bbox, CoverageRun{RunID: "r1", Provider: "test", ZoomMax: 5}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	for _, z := range []string{"3", "9", "notazoom"} {
		if err := os.MkdirAll(filepath.Join(root, "layer2", z), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(root, "layer2", AttributionFile), []byte(`[{"text":"BC Gov"}]`))
	writeFile(t, filepath.Join(root, "layer10", AttributionFile), []byte(`not json`))
	// A directory without coverage is not a served layer.
	if err := os.MkdirAll(filepath.Join(root, "scratch", "1"), 0o755); err != nil {
		t.Fatal(err)
	}

	layers, err := registry.ListLayers(ctx)
	if err != nil {
		t.Fatalf("ListLayers() error = %v", err)
	}

	var names []string
	for _, l := range layers {
		names = append(names, l.Name)
	}
	if got, want := strings.Join(names, ","), "layer2,layer10,packed"; got != want {
		t.Fatalf("ListLayers() names = %s, want %s", got, want)
	}

	byName := map[string]domain.LayerInfo{}
	for _, l := range layers {
		byName[l.Name] = l
	}
	if got := byName["layer2"].ZoomMax; got != 9 {
		t.Errorf("layer2 ZoomMax = %d, want 9", got)
	}
	if got := byName["packed"].ZoomMax; got != 12 {
		t.Errorf("packed ZoomMax = %d, want 12", got)
	}
	if got := string(byName["layer2"].Attribution); got != `[{"text":"BC Gov"}]` {
		t.Errorf("layer2 Attribution = %s", got)
	}
	if got := string(byName["layer10"].Attribution); got != "[]" {
		t.Errorf("layer10 Attribution = %s, want []", got)
	}
	if !strings.Contains(byName["packed"].GeoJSON, "FeatureCollection") {
		t.Errorf("packed GeoJSON = %s, want a feature collection", byName["packed"].GeoJSON)
	}
	if byName["packed"].LastModified == 0 {
		t.Error("LastModified should be set")
	}
	if registry.LayerCount() != 3 {
		t.Errorf("LayerCount() = %d, want 3", registry.LayerCount())
	}
}

func TestLayerRegistryCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	registry, coverage, _ := newTestLayerRegistry(t, newMockArchiveStore())
	bbox := mustBBox(t, 0, 0, 1, 1)

	if err := coverage.Record("first", bbox, CoverageRun{RunID: "a"}); err != nil {
		t.Fatal(err)
	}
	layers, _ := registry.ListLayers(ctx)
	if len(layers) != 1 {
		t.Fatalf("ListLayers() = %d layers, want 1", len(layers))
	}

	if err := coverage.Record("second", bbox, CoverageRun{RunID: "b"}); err != nil {
		t.Fatal(err)
	}
	layers, _ = registry.ListLayers(ctx)
	if len(layers) != 1 {
		t.Errorf("cached ListLayers() = %d layers, want 1", len(layers))
	}

	registry.Invalidate()
	layers, _ = registry.ListLayers(ctx)
	if len(layers) != 2 {
		t.Errorf("ListLayers() after Invalidate = %d layers, want 2", len(layers))
	}

	if _, err := registry.Layer(ctx, "second"); err != nil {
		t.Errorf("Layer(second) error = %v", err)
	}
	if _, err := registry.Layer(ctx, "third"); !errors.Is(err, domain.ErrLayerNotFound) {
		t.Errorf("Layer(third) error = %v, want ErrLayerNotFound", err)
	}
}

func TestLayerRegistryMissingRoot(t *testing.T) {
	coverage := NewCoverageRecorder("/nonexistent/tiles")
	registry := NewLayerRegistry("/nonexistent/tiles", newMockArchiveStore(), coverage, &output.NoOpMetrics{}, testLogger())

	layers, err := registry.ListLayers(context.Background())
	if err != nil {
		t.Fatalf("ListLayers() error = %v", err)
	}
	if len(layers) != 0 {
		t.Errorf("ListLayers() = %v, want empty", layers)
	}
}

func TestCoverageRecorder(t *testing.T) {
	coverage := NewCoverageRecorder(t.TempDir())

	fc, err := coverage.Load("topo")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(fc.Features) != 0 {
		t.Errorf("Load() of new layer = %d features, want 0", len(fc.Features))
	}

	if err := coverage.Record("topo", mustBBox(t, -127, 54, -126, 55), CoverageRun{RunID: "r1", Provider: "bc-topo", ZoomMin: 8, ZoomMax: 14}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := coverage.Record("topo", mustBBox(t, -120, 49, -119, 50), CoverageRun{RunID: "r2"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	fc, err = coverage.Load("topo")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(fc.Features) != 2 {
		t.Fatalf("Load() = %d features, want 2", len(fc.Features))
	}
	if got := fc.Features[0].Properties["provider"]; got != "bc-topo" {
		t.Errorf("provider property = %v, want bc-topo", got)
	}

	tests := []struct {
		name string
		bbox domain.BoundingBox
		want bool
	}{
		{"inside first run", mustBBox(t, -126.8, 54.2, -126.2, 54.8), true},
		{"equal to second run", mustBBox(t, -120, 49, -119, 50), true},
		{"spans both runs", mustBBox(t, -127, 49, -119, 55), false},
		{"elsewhere", mustBBox(t, 10, 10, 11, 11), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coverage.Covered("topo", tt.bbox)
			if err != nil {
				t.Fatalf("Covered() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Covered() = %v, want %v", got, tt.want)
			}
		})
	}
}
