package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestFsnotifyOpToOperation(t *testing.T) {
	tests := []struct {
		name     string
		op       fsnotify.Op
		expected Operation
	}{
		{
			name:     "Remove returns OpDelete",
			op:       fsnotify.Remove,
			expected: OpDelete,
		},
		{
			name:     "Rename returns OpDelete",
			op:       fsnotify.Rename,
			expected: OpDelete,
		},
		{
			name:     "Create returns OpCreate",
			op:       fsnotify.Create,
			expected: OpCreate,
		},
		{
			name:     "Write returns OpModify",
			op:       fsnotify.Write,
			expected: OpModify,
		},
		{
			name:     "Chmod returns OpModify",
			op:       fsnotify.Chmod,
			expected: OpModify,
		},
		{
			name:     "Remove takes precedence over Write",
			op:       fsnotify.Remove | fsnotify.Write,
			expected: OpDelete,
		},
		{
			name:     "Rename takes precedence over Create",
			op:       fsnotify.Rename | fsnotify.Create,
			expected: OpDelete,
		},
		{
			name:     "Create takes precedence over Write",
			op:       fsnotify.Create | fsnotify.Write,
			expected: OpCreate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := fsnotifyOpToOperation(tt.op)
			if result != tt.expected {
				t.Errorf("fsnotifyOpToOperation(%v) = %v, want %v", tt.op, result, tt.expected)
			}
		})
	}
}

func TestOperationString(t *testing.T) {
	tests := []struct {
		op       Operation
		expected string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{Operation(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.op.String(); got != tt.expected {
				t.Errorf("Operation.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestLayerFor(t *testing.T) {
	root := filepath.FromSlash("/srv/tiles")
	tests := []struct {
		path  string
		layer string
		ok    bool
	}{
		{"/srv/tiles/topo/topo.mbtiles", "topo", true},
		{"/srv/tiles/topo/TOPO.MBTILES", "topo", true},
		{"/srv/tiles/topo/coverage.geojson", "topo", true},
		{"/srv/tiles/topo/other.mbtiles", "", false},
		{"/srv/tiles/topo/topo.mbtiles-journal", "", false},
		{"/srv/tiles/topo/12/654/1400.png", "", false},
		{"/srv/tiles/topo.mbtiles", "", false},
		{"/elsewhere/topo/topo.mbtiles", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			layer, ok := layerFor(root, filepath.FromSlash(tt.path))
			if layer != tt.layer || ok != tt.ok {
				t.Errorf("layerFor(%q) = %q, %v, want %q, %v", tt.path, layer, ok, tt.layer, tt.ok)
			}
		})
	}
}

type fakeReloader struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeReloader) Clear(layer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, layer)
}

type fakeInvalidator struct{ calls int }

func (f *fakeInvalidator) Invalidate() { f.calls++ }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestReloadHandler(t *testing.T) {
	tiles := &fakeReloader{}
	layers := &fakeInvalidator{}

	handler := ReloadHandler(tiles, layers, testLogger())
	if err := handler(context.Background(), Event{Layer: "topo", Operation: OpModify}); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if len(tiles.cleared) != 1 || tiles.cleared[0] != "topo" {
		t.Errorf("cleared = %v, want [topo]", tiles.cleared)
	}
	if layers.calls != 1 {
		t.Errorf("Invalidate calls = %d, want 1", layers.calls)
	}
}

func TestDebounceCoalescesPerLayer(t *testing.T) {
	events := make(chan Event, 4)
	w := &Watcher{
		handler: func(_ context.Context, e Event) error {
			events <- e
			return nil
		},
		logger:   testLogger(),
		debounce: time.Second,
		pending:  make(map[string]*pendingEvent),
	}

	w.enqueue("topo", "/srv/tiles/topo/topo.mbtiles", OpDelete)
	w.enqueue("topo", "/srv/tiles/topo/topo.mbtiles", OpCreate)
	w.enqueue("topo", "/srv/tiles/topo/coverage.geojson", OpModify)

	w.flush(context.Background(), time.Now())
	if len(w.pending) != 1 {
		t.Fatalf("event dispatched before debounce window elapsed")
	}

	w.flush(context.Background(), time.Now().Add(2*time.Second))
	select {
	case e := <-events:
		if e.Layer != "topo" || e.Operation != OpCreate {
			t.Errorf("event = %+v, want topo create", e)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
	if len(w.pending) != 0 {
		t.Errorf("pending = %d, want 0", len(w.pending))
	}
}

func TestWatcherReportsArchiveChange(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "topo"), 0o755); err != nil {
		t.Fatal(err)
	}

	events := make(chan Event, 8)
	w, err := New(Config{Root: root, Debounce: 50 * time.Millisecond}, func(_ context.Context, e Event) error {
		events <- e
		return nil
	}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "topo", "topo.mbtiles"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-events:
		if e.Layer != "topo" {
			t.Errorf("event layer = %q, want topo", e.Layer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event for archive write")
	}
}
