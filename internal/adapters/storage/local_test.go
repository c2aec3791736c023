package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLocalStorageList(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"topo.mbtiles":             "test",
		"HILLSHADE.MBTILES":        "test",
		"archives/canvec.mbtiles":  "test",
		"archives/canvec.mbtiles-journal": "x",
		"notes.txt":                "x",
		"old.sqlite":               "x",
	})

	objects, err := NewLocalStorage(root).List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	var keys []string
	for _, obj := range objects {
		keys = append(keys, obj.Key)
		if obj.Size != 4 {
			t.Errorf("object %q size = %d, want 4", obj.Key, obj.Size)
		}
		if obj.LastModified == 0 {
			t.Errorf("object %q LastModified should not be 0", obj.Key)
		}
	}
	sort.Strings(keys)
	want := []string{"HILLSHADE.MBTILES", "archives/canvec.mbtiles", "topo.mbtiles"}
	if len(keys) != len(want) {
		t.Fatalf("List() keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("List() keys = %v, want %v", keys, want)
			break
		}
	}
}

func TestLocalStorageListErrors(t *testing.T) {
	if _, err := NewLocalStorage(filepath.Join(t.TempDir(), "missing")).List(context.Background()); err == nil {
		t.Error("List() should error for a missing directory")
	}

	objects, err := NewLocalStorage(t.TempDir()).List(context.Background())
	if err != nil || len(objects) != 0 {
		t.Errorf("List() on empty dir = %v, %v", objects, err)
	}
}

func TestLocalStorageExists(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"topo.mbtiles": "test"})
	storage := NewLocalStorage(root)

	tests := []struct {
		key  string
		want bool
	}{
		{"topo.mbtiles", true},
		{"missing.mbtiles", false},
	}
	for _, tt := range tests {
		got, err := storage.Exists(context.Background(), tt.key)
		if err != nil {
			t.Fatalf("Exists(%q) error = %v", tt.key, err)
		}
		if got != tt.want {
			t.Errorf("Exists(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestLocalStorageDownload(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"archives/topo.mbtiles": "tiles"})
	storage := NewLocalStorage(src)

	dest := filepath.Join(t.TempDir(), "topo", "nested", "topo.mbtiles")
	if err := storage.Download(context.Background(), "archives/topo.mbtiles", dest); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "tiles" {
		t.Errorf("downloaded = %q, %v", data, err)
	}

	// Same source and destination is a no-op.
	if err := storage.Download(context.Background(), "archives/topo.mbtiles", storage.FullPath("archives/topo.mbtiles")); err != nil {
		t.Errorf("Download() onto itself error = %v", err)
	}

	missing := filepath.Join(t.TempDir(), "missing.mbtiles")
	if err := storage.Download(context.Background(), "missing.mbtiles", missing); err == nil {
		t.Error("Download() should fail for a missing key")
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Error("failed download should not leave a file")
	}
}

func TestLocalStorageGetReader(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"topo.mbtiles": "tiles"})
	storage := NewLocalStorage(root)

	r, err := storage.GetReader(context.Background(), "topo.mbtiles")
	if err != nil {
		t.Fatalf("GetReader() error = %v", err)
	}
	defer func() { _ = r.Close() }()
	data, _ := io.ReadAll(r)
	if string(data) != "tiles" {
		t.Errorf("read %q, want tiles", data)
	}

	if _, err := storage.GetReader(context.Background(), "missing.mbtiles"); err == nil {
		t.Error("GetReader() should fail for a missing key")
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := relativeKey("bvsar/archives/topo.mbtiles", "bvsar"); got != "archives/topo.mbtiles" {
		t.Errorf("relativeKey() = %q", got)
	}
	if got := joinKey("bvsar/", "topo.mbtiles"); got != "bvsar/topo.mbtiles" {
		t.Errorf("joinKey() = %q", got)
	}
	if got := joinKey("", "topo.mbtiles"); got != "topo.mbtiles" {
		t.Errorf("joinKey() without prefix = %q", got)
	}
}
