package mbtiles

import (
	"bytes"
	"context"
	"errors"
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

type countingMetrics struct {
	output.NoOpMetrics
	mu    sync.Mutex
	opens int
}

func (m *countingMetrics) IncArchiveOpens(_ string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.opens++
	}
}

func writeArchive(t *testing.T, root, layer string, scheme Scheme, tiles map[domain.Tile][]byte) {
	t.Helper()
	w := NewWriter(scheme, testLogger())
	sink, err := w.Create(context.Background(), domain.ArchivePath(root, layer), map[string]string{
		"name":   layer,
		"format": "png",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for tile, data := range tiles {
		if err := sink.Put(context.Background(), tile, data); err != nil {
			t.Fatalf("Put(%v) error = %v", tile, err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestSchemeRow(t *testing.T) {
	tile := domain.Tile{Z: 3, X: 1, Y: 2}
	if got := SchemeXYZ.Row(tile); got != 2 {
		t.Errorf("SchemeXYZ.Row() = %d, want 2", got)
	}
	if got := SchemeTMS.Row(tile); got != 5 {
		t.Errorf("SchemeTMS.Row() = %d, want 5", got)
	}
}

func TestStoreReadsWrittenTiles(t *testing.T) {
	for _, scheme := range []Scheme{SchemeXYZ, SchemeTMS} {
		t.Run(string(scheme), func(t *testing.T) {
			root := t.TempDir()
			writeArchive(t, root, "topo", scheme, map[domain.Tile][]byte{
				{Z: 10, X: 150, Y: 324}:  []byte("tile-a"),
				{Z: 12, X: 600, Y: 1300}: []byte("tile-b"),
			})

			store := NewStore(root, scheme, nil, testLogger())
			defer store.Close()

			a, err := store.Open(context.Background(), "topo")
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			data, err := a.Tile(context.Background(), domain.Tile{Z: 10, X: 150, Y: 324})
			if err != nil {
				t.Fatalf("Tile() error = %v", err)
			}
			if !bytes.Equal(data, []byte("tile-a")) {
				t.Errorf("Tile() = %q, want %q", data, "tile-a")
			}

			_, err = a.Tile(context.Background(), domain.Tile{Z: 10, X: 151, Y: 324})
			if !errors.Is(err, domain.ErrTileNotFound) {
				t.Errorf("Tile(missing) error = %v, want ErrTileNotFound", err)
			}

			z, err := a.MaxZoom(context.Background())
			if err != nil {
				t.Fatalf("MaxZoom() error = %v", err)
			}
			if z != 12 {
				t.Errorf("MaxZoom() = %d, want 12", z)
			}
		})
	}
}

func TestStoreMissingArchiveNotCached(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, SchemeXYZ, nil, testLogger())
	defer store.Close()

	_, err := store.Open(context.Background(), "topo")
	if !errors.Is(err, domain.ErrArchiveNotFound) {
		t.Fatalf("Open() error = %v, want ErrArchiveNotFound", err)
	}
	if store.Cached("topo") {
		t.Error("failed open should not be cached")
	}

	writeArchive(t, root, "topo", SchemeXYZ, map[domain.Tile][]byte{{Z: 0, X: 0, Y: 0}: []byte("x")})
	if _, err := store.Open(context.Background(), "topo"); err != nil {
		t.Fatalf("Open() after create error = %v", err)
	}
	if !store.Cached("topo") {
		t.Error("archive should be cached after a successful open")
	}
}

func TestStoreOpensOncePerLayer(t *testing.T) {
	root := t.TempDir()
	writeArchive(t, root, "topo", SchemeXYZ, map[domain.Tile][]byte{{Z: 0, X: 0, Y: 0}: []byte("x")})

	metrics := &countingMetrics{}
	store := NewStore(root, SchemeXYZ, metrics, testLogger())
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Open(context.Background(), "topo"); err != nil {
				t.Errorf("Open() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if metrics.opens != 1 {
		t.Errorf("opens = %d, want 1", metrics.opens)
	}
}

func TestStoreClear(t *testing.T) {
	root := t.TempDir()
	writeArchive(t, root, "topo", SchemeXYZ, map[domain.Tile][]byte{{Z: 0, X: 0, Y: 0}: []byte("old")})

	store := NewStore(root, SchemeXYZ, nil, testLogger())
	defer store.Close()

	if _, err := store.Open(context.Background(), "topo"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	store.Clear("topo")
	if store.Cached("topo") {
		t.Error("Cached() = true after Clear()")
	}

	writeArchive(t, root, "topo", SchemeXYZ, map[domain.Tile][]byte{{Z: 0, X: 0, Y: 0}: []byte("new")})
	a, err := store.Open(context.Background(), "topo")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, err := a.Tile(context.Background(), domain.Tile{})
	if err != nil {
		t.Fatalf("Tile() error = %v", err)
	}
	if string(data) != "new" {
		t.Errorf("Tile() = %q, want %q", data, "new")
	}

	// clearing an unknown layer is a no-op
	store.Clear("missing")
}

func TestArchiveHeldAcrossClear(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeArchive(t, root, "topo", SchemeXYZ, map[domain.Tile][]byte{{Z: 0, X: 0, Y: 0}: []byte("old")})

	store := NewStore(root, SchemeXYZ, nil, testLogger())
	defer store.Close()

	held, err := store.Open(ctx, "topo")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	store.Clear("topo")
	writeArchive(t, root, "topo", SchemeXYZ, map[domain.Tile][]byte{{Z: 0, X: 0, Y: 0}: []byte("new")})

	data, err := held.Tile(ctx, domain.Tile{})
	if err != nil {
		t.Fatalf("Tile() on cleared archive error = %v", err)
	}
	if string(data) != "new" {
		t.Errorf("Tile() = %q, want %q", data, "new")
	}
	if !store.Cached("topo") {
		t.Error("replacement archive should be cached")
	}

	held, _ = store.Open(ctx, "topo")
	store.Clear("topo")
	if err := os.Remove(domain.ArchivePath(root, "topo")); err != nil {
		t.Fatal(err)
	}
	if _, err := held.Tile(ctx, domain.Tile{}); !errors.Is(err, domain.ErrTileNotFound) {
		t.Errorf("Tile() after archive removal error = %v, want ErrTileNotFound", err)
	}
	if z, err := held.MaxZoom(ctx); err != nil || z != 0 {
		t.Errorf("MaxZoom() after archive removal = %d, %v", z, err)
	}
}

func TestStoreReadsDuringClear(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeArchive(t, root, "topo", SchemeXYZ, map[domain.Tile][]byte{{Z: 0, X: 0, Y: 0}: []byte("x")})

	store := NewStore(root, SchemeXYZ, nil, testLogger())
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a, err := store.Open(ctx, "topo")
				if err != nil {
					t.Errorf("Open() error = %v", err)
					return
				}
				if _, err := a.Tile(ctx, domain.Tile{}); err != nil {
					t.Errorf("Tile() error = %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		store.Clear("topo")
	}
	wg.Wait()
}

func TestStoreClosedRejectsOpen(t *testing.T) {
	root := t.TempDir()
	writeArchive(t, root, "topo", SchemeXYZ, map[domain.Tile][]byte{{Z: 0, X: 0, Y: 0}: []byte("x")})

	store := NewStore(root, SchemeXYZ, nil, testLogger())
	if _, err := store.Open(context.Background(), "topo"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := store.Open(context.Background(), "topo"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Open() after Close() error = %v, want ErrStoreClosed", err)
	}
	if store.Count() != 0 {
		t.Errorf("Count() = %d, want 0", store.Count())
	}
}

func TestStoreWarm(t *testing.T) {
	root := t.TempDir()
	writeArchive(t, root, "topo", SchemeXYZ, map[domain.Tile][]byte{{Z: 0, X: 0, Y: 0}: []byte("x")})
	writeArchive(t, root, "imagery", SchemeXYZ, map[domain.Tile][]byte{{Z: 0, X: 0, Y: 0}: []byte("x")})
	if err := os.MkdirAll(filepath.Join(root, "loose", "0", "0"), 0o755); err != nil {
		t.Fatal(err)
	}

	store := NewStore(root, SchemeXYZ, nil, testLogger())
	defer store.Close()

	n, err := store.Warm(context.Background())
	if err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Warm() = %d, want 2", n)
	}
	if store.Count() != 2 {
		t.Errorf("Count() = %d, want 2", store.Count())
	}
}

func TestSinkBatches(t *testing.T) {
	root := t.TempDir()
	tiles := make(map[domain.Tile][]byte)
	for x := 0; x < 32; x++ {
		for y := 0; y < 20; y++ {
			tiles[domain.Tile{Z: 5, X: x, Y: y}] = []byte{byte(x), byte(y)}
		}
	}
	writeArchive(t, root, "big", SchemeXYZ, tiles)

	store := NewStore(root, SchemeXYZ, nil, testLogger())
	defer store.Close()
	a, err := store.Open(context.Background(), "big")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, err := a.Tile(context.Background(), domain.Tile{Z: 5, X: 31, Y: 19})
	if err != nil {
		t.Fatalf("Tile() error = %v", err)
	}
	if !bytes.Equal(data, []byte{31, 19}) {
		t.Errorf("Tile() = %v, want [31 19]", data)
	}
}
