package application

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/geomath"
)

func TestExportInfo(t *testing.T) {
	svc := NewExportService(nil, "/tile", 0, testLogger())
	bbox := mustBBox(t, -127, 54, -126, 55)

	tests := []struct {
		name          string
		zoom          int
		wantPermitted bool
	}{
		{"small zoom", 8, true},
		{"large zoom", 14, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := svc.Info(context.Background(), "topo", tt.zoom, bbox)
			if err != nil {
				t.Fatalf("Info() error = %v", err)
			}
			r := geomath.TileRangeForBounds(bbox, tt.zoom)
			xc, yc := r.Counts()
			if info.XTiles != xc || info.YTiles != yc {
				t.Errorf("Info() counts = %dx%d, want %dx%d", info.XTiles, info.YTiles, xc, yc)
			}
			if info.Permitted != tt.wantPermitted {
				t.Errorf("Info() permitted = %v, want %v (%d tiles)", info.Permitted, tt.wantPermitted, xc*yc)
			}
			want := domain.Tile{Z: tt.zoom, X: r.MinX + xc/2, Y: r.MinY + yc/2}
			wantSample := "/tile/topo/" + strconv.Itoa(want.Z) + "/" + strconv.Itoa(want.X) + "/" + strconv.Itoa(want.Y) + ".png"
			if info.Sample != wantSample {
				t.Errorf("Info() sample = %q, want %q", info.Sample, wantSample)
			}
		})
	}
}

func TestExportMosaic(t *testing.T) {
	ctx := context.Background()
	store := newMockArchiveStore()
	// (0,0) and (1,1) at zoom 1 cover the whole world diagonally.
	store.archives["topo"] = &mockArchive{tiles: map[domain.Tile][]byte{
		{Z: 1, X: 0, Y: 0}: solidPNG(t, red),
		{Z: 1, X: 1, Y: 1}: solidPNG(t, blue),
	}}
	tiles, _ := newTestTileService(t, store, TileServiceOptions{})
	svc := NewExportService(tiles, "/tile", 4, testLogger())

	data, err := svc.Mosaic(ctx, "topo", 1, mustBBox(t, -170, -80, 170, 80))
	if err != nil {
		t.Fatalf("Mosaic() error = %v", err)
	}
	img := decodePNG(t, data)
	if b := img.Bounds(); b.Dx() != 512 || b.Dy() != 512 {
		t.Fatalf("mosaic size = %dx%d, want 512x512", b.Dx(), b.Dy())
	}
	if r, _, _, a := img.At(5, 5).RGBA(); r != 0xffff || a != 0xffff {
		t.Errorf("top-left = r%d a%d, want opaque red", r, a)
	}
	if _, _, b, a := img.At(400, 400).RGBA(); b != 0xffff || a != 0xffff {
		t.Errorf("bottom-right = b%d a%d, want opaque blue", b, a)
	}
	if _, _, _, a := img.At(400, 5).RGBA(); a != 0 {
		t.Errorf("missing tile alpha = %d, want 0", a)
	}

	svc = NewExportService(tiles, "/tile", 3, testLogger())
	if _, err := svc.Mosaic(ctx, "topo", 1, mustBBox(t, -170, -80, 170, 80)); !errors.Is(err, domain.ErrTooManyTiles) {
		t.Errorf("Mosaic() over the limit error = %v, want ErrTooManyTiles", err)
	}
}

func TestExportRejectsBadInput(t *testing.T) {
	svc := NewExportService(nil, "/tile", 0, testLogger())
	bbox := mustBBox(t, 0, 0, 1, 1)

	if _, err := svc.Info(context.Background(), "..", 3, bbox); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Info() bad layer error = %v", err)
	}
	if _, err := svc.Info(context.Background(), "topo", 40, bbox); !errors.Is(err, domain.ErrInvalidZoom) {
		t.Errorf("Info() bad zoom error = %v", err)
	}
}
