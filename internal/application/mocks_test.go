package application

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockArchiveStore implements output.ArchiveStore for testing.
type mockArchiveStore struct {
	mu       sync.Mutex
	archives map[string]*mockArchive
	openErr  map[string]error
	opens    int
	cleared  []string
}

func newMockArchiveStore() *mockArchiveStore {
	return &mockArchiveStore{archives: map[string]*mockArchive{}, openErr: map[string]error{}}
}

func (m *mockArchiveStore) Open(_ context.Context, layer string) (output.TileArchive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if err := m.openErr[layer]; err != nil {
		return nil, err
	}
	a, ok := m.archives[layer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrArchiveNotFound, layer)
	}
	return a, nil
}

func (m *mockArchiveStore) Cached(layer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.archives[layer]
	return ok
}

func (m *mockArchiveStore) Clear(layer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, layer)
}

func (m *mockArchiveStore) Close() error { return nil }

func (m *mockArchiveStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.archives)
}

// mockArchive implements output.TileArchive for testing.
type mockArchive struct {
	tiles   map[domain.Tile][]byte
	maxZoom int
	tileErr error
}

func (m *mockArchive) Tile(_ context.Context, t domain.Tile) ([]byte, error) {
	if m.tileErr != nil {
		return nil, m.tileErr
	}
	data, ok := m.tiles[t]
	if !ok {
		return nil, domain.ErrTileNotFound
	}
	return data, nil
}

func (m *mockArchive) MaxZoom(_ context.Context) (int, error) {
	return m.maxZoom, nil
}

// mockStorage implements output.ObjectStorage for testing. Download writes
// the object's content from files.
type mockStorage struct {
	objects     []output.StorageObject
	files       map[string]string
	downloadErr error
	listErr     error
	downloads   int
}

func (m *mockStorage) List(_ context.Context) ([]output.StorageObject, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.objects, nil
}

func (m *mockStorage) Download(_ context.Context, key, dest string) error {
	if m.downloadErr != nil {
		return m.downloadErr
	}
	m.downloads++
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(m.files[key]), 0o644)
}

func (m *mockStorage) GetReader(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, nil
}

func (m *mockStorage) Exists(_ context.Context, _ string) (bool, error) {
	return true, nil
}

// mockLayerCache records cleared layers.
type mockLayerCache struct {
	mu      sync.Mutex
	cleared []string
}

func (m *mockLayerCache) Clear(layer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, layer)
}

// mockLayers implements input.LayerRegistry for testing.
type mockLayers struct {
	invalidated int
}

func (m *mockLayers) ListLayers(_ context.Context) ([]domain.LayerInfo, error) {
	return nil, nil
}

func (m *mockLayers) Invalidate() { m.invalidated++ }

// mockChecker implements ExistsChecker for testing.
type mockChecker struct {
	urls    []string
	missing []string
}

func (m *mockChecker) CheckExists(_ context.Context, requests []domain.ExistsCheckRequest) ([]string, error) {
	for _, r := range requests {
		m.urls = append(m.urls, r.URL)
	}
	return m.missing, nil
}

// solidPNG returns an encoded 256px tile filled with c.
func solidPNG(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, domain.TileSize, domain.TileSize))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	return img
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
