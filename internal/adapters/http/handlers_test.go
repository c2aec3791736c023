package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/application"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/config"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/input"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

// mockTiles implements input.TileService for testing.
type mockTiles struct {
	tiles     map[domain.Tile][]byte
	err       error
	superCall domain.Tile
}

func (m *mockTiles) GetTile(_ context.Context, _ string, t domain.Tile) (domain.TileLookup, error) {
	if m.err != nil {
		return domain.Miss, m.err
	}
	if data, ok := m.tiles[t]; ok {
		return domain.TileLookup{Data: data, Source: domain.TileSourceArchive}, nil
	}
	return domain.Miss, nil
}

func (m *mockTiles) GetSuperTile(_ context.Context, _ string, t domain.Tile) (domain.TileLookup, error) {
	m.superCall = t
	return domain.TileLookup{Data: pngHeader, Source: domain.TileSourceSupertile}, nil
}

// mockLayers implements input.LayerRegistry for testing.
type mockLayers struct {
	layers []domain.LayerInfo
	err    error
}

func (m *mockLayers) ListLayers(_ context.Context) ([]domain.LayerInfo, error) {
	return m.layers, m.err
}

func (m *mockLayers) Invalidate() {}

// mockExport implements input.ExportService for testing.
type mockExport struct {
	info      domain.ExportInfo
	mosaicErr error
	gotZoom   int
	gotBBox   domain.BoundingBox
}

func (m *mockExport) Info(_ context.Context, _ string, zoom int, bbox domain.BoundingBox) (domain.ExportInfo, error) {
	m.gotZoom, m.gotBBox = zoom, bbox
	return m.info, nil
}

func (m *mockExport) Mosaic(_ context.Context, _ string, _ int, _ domain.BoundingBox) ([]byte, error) {
	if m.mosaicErr != nil {
		return nil, m.mosaicErr
	}
	return pngHeader, nil
}

// mockHealth implements input.HealthChecker for testing.
type mockHealth struct {
	healthy bool
	ready   bool
}

func (m *mockHealth) IsHealthy(_ context.Context) bool { return m.healthy }

func (m *mockHealth) IsReady(_ context.Context) bool { return m.ready }

func (m *mockHealth) GetHealthDetails(_ context.Context) input.HealthDetails {
	return input.HealthDetails{
		Healthy:      m.healthy,
		Ready:        m.ready,
		LayersListed: 2,
		Components:   map[string]string{"tiles_root": "ok"},
	}
}

// mockSync implements SyncTrigger for testing.
type mockSync struct {
	result application.SyncResult
	err    error
}

func (m *mockSync) TriggerSync(_ context.Context) (application.SyncResult, error) {
	return m.result, m.err
}

type testDeps struct {
	tiles  *mockTiles
	layers *mockLayers
	export *mockExport
	health *mockHealth
	sync   *mockSync
}

func newTestServer(t *testing.T, deps testDeps, opts Options) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if deps.tiles == nil {
		deps.tiles = &mockTiles{}
	}
	if deps.layers == nil {
		deps.layers = &mockLayers{}
	}
	if deps.export == nil {
		deps.export = &mockExport{}
	}
	if deps.health == nil {
		deps.health = &mockHealth{healthy: true, ready: true}
	}
	services := Services{
		Tiles:  deps.tiles,
		Layers: deps.layers,
		Export: deps.export,
		Health: deps.health,
	}
	if deps.sync != nil {
		services.Sync = deps.sync
	}
	cfg := config.ServerConfig{Host: "localhost", Port: 8080, FrontendEnabled: true}
	return NewServer(cfg, services, logger, opts)
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHandleTile(t *testing.T) {
	hit := []byte("\x89PNG\r\n\x1a\ntile")
	tiles := &mockTiles{tiles: map[domain.Tile][]byte{{Z: 3, X: 1, Y: 2}: hit}}
	s := newTestServer(t, testDeps{tiles: tiles}, Options{Placeholder: []byte("blank")})

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantMiss   bool
		wantBody   string
	}{
		{"hit", "/tile/topo/3/1/2.png", http.StatusOK, false, string(hit)},
		{"miss", "/tile/topo/3/1/3.png", http.StatusOK, true, "blank"},
		{"unroutable coordinates", "/tile/topo/3/a/2.png", http.StatusOK, true, "blank"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(s, http.MethodGet, tt.path)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get(MissHeader) == "true"; got != tt.wantMiss {
				t.Errorf("miss header = %v, want %v", got, tt.wantMiss)
			}
			if rr.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rr.Body.String(), tt.wantBody)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
				t.Errorf("Content-Type = %q, want image/png", ct)
			}
		})
	}
}

func TestHandleTileSupertile(t *testing.T) {
	tiles := &mockTiles{}
	s := newTestServer(t, testDeps{tiles: tiles}, Options{})

	rr := serve(s, http.MethodGet, "/tile/topo/4/5/6.png?supertile=1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if tiles.superCall != (domain.Tile{Z: 4, X: 5, Y: 6}) {
		t.Errorf("GetSuperTile called with %v", tiles.superCall)
	}
	if got := rr.Header().Get("X-Tile-Source"); got != string(domain.TileSourceSupertile) {
		t.Errorf("X-Tile-Source = %q", got)
	}
}

func TestHandleTileErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMiss   bool
	}{
		{"invalid tile", &domain.ValidationError{Field: "x", Message: "outside pyramid"}, http.StatusBadRequest, false},
		{"archive failure serves placeholder", &domain.ArchiveError{Layer: "topo", Err: errors.New("disk I/O")}, http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testDeps{tiles: &mockTiles{err: tt.err}}, Options{})
			rr := serve(s, http.MethodGet, "/tile/topo/1/5/0.png")
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get(MissHeader) == "true"; got != tt.wantMiss {
				t.Errorf("miss header = %v, want %v", got, tt.wantMiss)
			}
		})
	}
}

func TestBlankTileIsPNG(t *testing.T) {
	s := newTestServer(t, testDeps{}, Options{})
	rr := serve(s, http.MethodGet, "/tile/topo/0/0/0.png")
	if !strings.HasPrefix(rr.Body.String(), string(pngHeader)) {
		t.Error("default placeholder should be a PNG")
	}
}

func TestHandleListLayers(t *testing.T) {
	layers := &mockLayers{layers: []domain.LayerInfo{
		{Name: "topo", ZoomMax: 16, GeoJSON: `{"type":"FeatureCollection","features":[]}`, Attribution: json.RawMessage(`[]`)},
	}}
	s := newTestServer(t, testDeps{layers: layers}, Options{})

	rr := serve(s, http.MethodGet, "/tile/list")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got []domain.LayerInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got) != 1 || got[0].Name != "topo" || got[0].ZoomMax != 16 {
		t.Errorf("layers = %+v", got)
	}

	layers.layers = nil
	rr = serve(s, http.MethodGet, "/tile/list")
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("empty list body = %q, want []", body)
	}

	layers.err = errors.New("permission denied")
	if rr := serve(s, http.MethodGet, "/tile/list"); rr.Code != http.StatusInternalServerError {
		t.Errorf("failing list status = %d", rr.Code)
	}
}

func TestHandleExport(t *testing.T) {
	export := &mockExport{info: domain.ExportInfo{Zoom: 12, XTiles: 3, YTiles: 4, Permitted: true}}
	s := newTestServer(t, testDeps{export: export}, Options{})

	rr := serve(s, http.MethodGet, "/export/info/12/-127.5/54.1/-127.2/54.3/topo")
	if rr.Code != http.StatusOK {
		t.Fatalf("info status = %d: %s", rr.Code, rr.Body.String())
	}
	var info domain.ExportInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.XTiles != 3 || !info.Permitted {
		t.Errorf("info = %+v", info)
	}
	if export.gotZoom != 12 || export.gotBBox.MinX != -127.5 || export.gotBBox.MaxY != 54.3 {
		t.Errorf("Info called with zoom %d bbox %v", export.gotZoom, export.gotBBox)
	}

	rr = serve(s, http.MethodGet, "/export/png/12/-127.5/54.1/-127.2/54.3/topo")
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/png" {
		t.Errorf("png status = %d, type %q", rr.Code, rr.Header().Get("Content-Type"))
	}
}

func TestHandleExportErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		mosaicErr  error
		wantStatus int
	}{
		{"bad coordinate", "/export/info/12/west/54.1/-127.2/54.3/topo", nil, http.StatusBadRequest},
		{"inverted bbox", "/export/info/12/-127.2/54.1/-127.5/54.3/topo", nil, http.StatusBadRequest},
		{"over the tile limit", "/export/png/12/-127.5/54.1/-127.2/54.3/topo", domain.ErrTooManyTiles, http.StatusTeapot},
		{"unknown layer", "/export/png/12/-127.5/54.1/-127.2/54.3/topo", domain.ErrLayerNotFound, http.StatusNotFound},
		{"internal", "/export/png/12/-127.5/54.1/-127.2/54.3/topo", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testDeps{export: &mockExport{mosaicErr: tt.mosaicErr}}, Options{})
			if rr := serve(s, http.MethodGet, tt.path); rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		health     *mockHealth
		path       string
		wantStatus int
	}{
		{"health ok", &mockHealth{healthy: true, ready: true}, "/health", http.StatusOK},
		{"health down", &mockHealth{}, "/health", http.StatusServiceUnavailable},
		{"live", &mockHealth{healthy: true}, "/health/live", http.StatusOK},
		{"not live", &mockHealth{}, "/health/live", http.StatusServiceUnavailable},
		{"ready", &mockHealth{healthy: true, ready: true}, "/health/ready", http.StatusOK},
		{"not ready", &mockHealth{healthy: true}, "/health/ready", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, testDeps{health: tt.health}, Options{})
			if rr := serve(s, http.MethodGet, tt.path); rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleSync(t *testing.T) {
	syncer := &mockSync{result: application.SyncResult{ArchivesAdded: 2, SyncedAt: time.Now()}}
	s := newTestServer(t, testDeps{sync: syncer}, Options{})

	rr := serve(s, http.MethodPost, "/api/v1/sync")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var result application.SyncResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.ArchivesAdded != 2 {
		t.Errorf("ArchivesAdded = %d, want 2", result.ArchivesAdded)
	}

	syncer.err = application.ErrRateLimited
	rr = serve(s, http.MethodPost, "/api/v1/sync")
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "30" {
		t.Errorf("rate limited status = %d, Retry-After %q", rr.Code, rr.Header().Get("Retry-After"))
	}

	unsynced := newTestServer(t, testDeps{}, Options{})
	if rr := serve(unsynced, http.MethodPost, "/api/v1/sync"); rr.Code != http.StatusNotFound {
		t.Errorf("sync without service status = %d, want 404", rr.Code)
	}
}

func TestHandleOpenAPI(t *testing.T) {
	s := newTestServer(t, testDeps{}, Options{Version: "1.2.3"})

	rr := serve(s, http.MethodGet, "/openapi.json")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var doc struct {
		Info struct {
			Version string `json:"version"`
		} `json:"info"`
		Paths map[string]interface{} `json:"paths"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("openapi.json is not JSON: %v", err)
	}
	if doc.Info.Version != "1.2.3" {
		t.Errorf("info.version = %q, want 1.2.3", doc.Info.Version)
	}
	for _, path := range []string{"/tile/list", "/tile/{layer}/{z}/{x}/{y}.png", "/api/v1/sync"} {
		if _, ok := doc.Paths[path]; !ok {
			t.Errorf("openapi.json missing path %s", path)
		}
	}
}

func TestStaticPagesAndMetrics(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "bvsar_tile_requests_total 1")
	})
	s := newTestServer(t, testDeps{}, Options{MetricsHandler: metricsHandler, MetricsPath: "/metrics"})

	for _, tt := range []struct {
		path string
		want string
	}{
		{"/", "/tile/list"},
		{"/docs", "swagger-ui"},
		{"/metrics", "bvsar_tile_requests_total"},
	} {
		rr := serve(s, http.MethodGet, tt.path)
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), tt.want) {
			t.Errorf("GET %s = %d, body missing %q", tt.path, rr.Code, tt.want)
		}
	}

	if rr := serve(s, http.MethodGet, "/nowhere"); rr.Code != http.StatusNotFound || rr.Header().Get(MissHeader) != "" {
		t.Errorf("unknown route = %d with miss header %q", rr.Code, rr.Header().Get(MissHeader))
	}
}
