package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/output"
)

// mockWriter implements output.ArchiveWriter, writing an empty file on Close.
type mockWriter struct {
	path     string
	metadata map[string]string
	sink     *mockSink
}

func (m *mockWriter) Create(_ context.Context, path string, metadata map[string]string) (output.TileSink, error) {
	m.path, m.metadata = path, metadata
	m.sink = &mockSink{path: path, tiles: map[domain.Tile][]byte{}}
	return m.sink, nil
}

type mockSink struct {
	path  string
	tiles map[domain.Tile][]byte
}

func (m *mockSink) Put(_ context.Context, t domain.Tile, data []byte) error {
	m.tiles[t] = data
	return nil
}

func (m *mockSink) Close() error {
	return os.WriteFile(m.path, nil, 0o644)
}

func TestPack(t *testing.T) {
	root := t.TempDir()
	layerDir := filepath.Join(root, "topo")
	tiles := []domain.Tile{{Z: 3, X: 1, Y: 2}, {Z: 4, X: 2, Y: 4}, {Z: 5, X: 10, Y: 20}}
	for _, tl := range tiles {
		writeFile(t, tl.Path(layerDir, "png"), []byte(tl.Path("", "png")))
	}
	writeFile(t, filepath.Join(layerDir, CoverageFile), []byte(`{}`))
	writeFile(t, filepath.Join(layerDir, "5", "10", "notes.txt"), []byte("x"))

	writer := &mockWriter{}
	cache := &mockLayerCache{}
	layers := &mockLayers{}
	svc := NewPackService(writer, cache, layers, root, testLogger())

	res, err := svc.Pack(context.Background(), "topo")
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if res.Tiles != len(tiles) {
		t.Errorf("Pack() tiles = %d, want %d", res.Tiles, len(tiles))
	}
	if res.ZoomMin != 3 || res.ZoomMax != 5 {
		t.Errorf("Pack() zoom = %d-%d, want 3-5", res.ZoomMin, res.ZoomMax)
	}
	if res.Path != domain.ArchivePath(root, "topo") {
		t.Errorf("Pack() path = %s", res.Path)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Errorf("archive not installed: %v", err)
	}
	for _, tl := range tiles {
		if got := string(writer.sink.tiles[tl]); got != tl.Path("", "png") {
			t.Errorf("tile %v = %q", tl, got)
		}
	}
	if writer.metadata["maxzoom"] != "5" || writer.metadata["format"] != "png" || writer.metadata["name"] != "topo" {
		t.Errorf("metadata = %v", writer.metadata)
	}
	if len(cache.cleared) != 1 || layers.invalidated != 1 {
		t.Errorf("cleared = %v, invalidated = %d", cache.cleared, layers.invalidated)
	}
}

func TestPackErrors(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	svc := NewPackService(&mockWriter{}, &mockLayerCache{}, &mockLayers{}, root, testLogger())

	tests := []struct {
		layer string
		want  error
	}{
		{"missing", domain.ErrLayerNotFound},
		{"empty", domain.ErrInvalidInput},
		{"..", domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		if _, err := svc.Pack(context.Background(), tt.layer); !errors.Is(err, tt.want) {
			t.Errorf("Pack(%q) error = %v, want %v", tt.layer, err, tt.want)
		}
	}
}
