package application

import (
	"context"
	"path/filepath"
	"testing"
)

func TestHealthServiceIsHealthy(t *testing.T) {
	registry, _, root := newTestLayerRegistry(t, newMockArchiveStore())
	service := NewHealthService(registry, newMockArchiveStore(), root)

	if !service.IsHealthy(context.Background()) {
		t.Error("IsHealthy should return true")
	}
}

func TestHealthServiceIsReady(t *testing.T) {
	registry, _, root := newTestLayerRegistry(t, newMockArchiveStore())

	tests := []struct {
		name string
		root string
		want bool
	}{
		{"existing root", root, true},
		{"missing root", filepath.Join(root, "missing"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewHealthService(registry, newMockArchiveStore(), tt.root)
			if got := service.IsReady(context.Background()); got != tt.want {
				t.Errorf("IsReady() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthServiceGetHealthDetails(t *testing.T) {
	store := newMockArchiveStore()
	store.archives["topo"] = &mockArchive{maxZoom: 10}
	registry, coverage, root := newTestLayerRegistry(t, store)
	if err := coverage.Record("topo", mustBBox(t, 0, 0, 1, 1), CoverageRun{RunID: "r"}); err != nil {
		t.Fatal(err)
	}
	service := NewHealthService(registry, store, root)

	details := service.GetHealthDetails(context.Background())

	if !details.Healthy || !details.Ready {
		t.Errorf("details = %+v, want healthy and ready", details)
	}
	if details.LayersListed != 1 {
		t.Errorf("LayersListed = %d, want 1", details.LayersListed)
	}
	if details.ArchivesOpen != 1 {
		t.Errorf("ArchivesOpen = %d, want 1", details.ArchivesOpen)
	}
	if details.Components["tiles_root"] != "ok" || details.Components["layers"] != "ok" {
		t.Errorf("Components = %v", details.Components)
	}
}
