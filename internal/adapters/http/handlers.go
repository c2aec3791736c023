package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/application"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
)

// MissHeader marks a placeholder response for an uncovered tile.
const MissHeader = "X-404-tile-response"

// handleTile serves one tile, or a 512px supertile with ?supertile=1.
// Uncovered tiles get the placeholder image and the miss header.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	layer := vars["layer"]

	t, err := parseTile(vars)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var lookup domain.TileLookup
	if isSet(r.URL.Query().Get("supertile")) {
		lookup, err = s.services.Tiles.GetSuperTile(r.Context(), layer, t)
	} else {
		lookup, err = s.services.Tiles.GetTile(r.Context(), layer, t)
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Warn("tile lookup failed", "layer", layer, "z", t.Z, "x", t.X, "y", t.Y, "error", err)
		s.writeMiss(w)
		return
	}

	if !lookup.Hit() {
		s.writeMiss(w)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(lookup.Data))
	w.Header().Set("X-Tile-Source", string(lookup.Source))
	_, _ = w.Write(lookup.Data)
}

// handleListLayers returns every served layer with its coverage.
func (s *Server) handleListLayers(w http.ResponseWriter, r *http.Request) {
	layers, err := s.services.Layers.ListLayers(r.Context())
	if err != nil {
		s.logger.Error("failed to list layers", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to list layers")
		return
	}
	if layers == nil {
		layers = []domain.LayerInfo{}
	}
	s.writeJSON(w, http.StatusOK, layers)
}

// handleExportInfo describes a mosaic export without producing it.
func (s *Server) handleExportInfo(w http.ResponseWriter, r *http.Request) {
	layer, zoom, bbox, err := parseExport(mux.Vars(r))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := s.services.Export.Info(r.Context(), layer, zoom, bbox)
	if err != nil {
		s.handleExportError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleExportPNG renders the covered tiles of a bbox into one PNG.
func (s *Server) handleExportPNG(w http.ResponseWriter, r *http.Request) {
	layer, zoom, bbox, err := parseExport(mux.Vars(r))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := s.services.Export.Mosaic(r.Context(), layer, zoom, bbox)
	if err != nil {
		s.handleExportError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", `attachment; filename="`+layer+"-"+strconv.Itoa(zoom)+`.png"`)
	_, _ = w.Write(data)
}

// handleExportError maps export errors to HTTP statuses. Exports over the
// tile limit get 418.
func (s *Server) handleExportError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTooManyTiles):
		s.writeError(w, http.StatusTeapot, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("export failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Export failed")
	}
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.services.Health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":        boolToStatus(details.Healthy),
		"ready":         details.Ready,
		"layers_listed": details.LayersListed,
		"archives_open": details.ArchivesOpen,
		"components":    details.Components,
		"version":       s.opts.Version,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.services.Health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.services.Health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// handleSync handles the sync trigger endpoint.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.services.Sync == nil {
		s.writeError(w, http.StatusNotFound, "Sync service not available")
		return
	}

	result, err := s.services.Sync.TriggerSync(r.Context())
	if err != nil {
		if errors.Is(err, application.ErrRateLimited) {
			w.Header().Set("Retry-After", "30")
			s.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again in 30 seconds.")
			return
		}
		s.logger.Error("sync failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Sync failed")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleOpenAPI returns the OpenAPI specification.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	spec, err := openAPIJSON(s.opts.Version)
	if err != nil {
		s.logger.Error("failed to get OpenAPI spec", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load OpenAPI specification")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(spec)
}

// handleNotFound serves the placeholder for unroutable tile paths and a JSON
// error for everything else.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/tile/") && r.Method == http.MethodGet {
		s.writeMiss(w)
		return
	}
	s.writeError(w, http.StatusNotFound, "No route for "+r.URL.Path)
}

func (s *Server) writeMiss(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set(MissHeader, "true")
	_, _ = w.Write(s.placeholder)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}

func isSet(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func parseTile(vars map[string]string) (domain.Tile, error) {
	var t domain.Tile
	var err error
	if t.Z, err = strconv.Atoi(vars["z"]); err != nil {
		return t, errors.New("invalid zoom")
	}
	if t.X, err = strconv.Atoi(vars["x"]); err != nil {
		return t, errors.New("invalid x")
	}
	if t.Y, err = strconv.Atoi(vars["y"]); err != nil {
		return t, errors.New("invalid y")
	}
	return t, nil
}

// parseExport reads the zoom and WGS84 bounds shared by the export routes.
func parseExport(vars map[string]string) (string, int, domain.BoundingBox, error) {
	zoom, err := strconv.Atoi(vars["zoom"])
	if err != nil {
		return "", 0, domain.BoundingBox{}, errors.New("invalid zoom")
	}

	var coords [4]float64
	for i, key := range []string{"x_min", "y_min", "x_max", "y_max"} {
		v, err := strconv.ParseFloat(vars[key], 64)
		if err != nil {
			return "", 0, domain.BoundingBox{}, errors.New("invalid " + key)
		}
		coords[i] = v
	}

	bbox, err := domain.NewBoundingBox(coords[0], coords[1], coords[2], coords[3], domain.CRSWGS84)
	if err != nil {
		return "", 0, domain.BoundingBox{}, err
	}
	return vars["layer"], zoom, bbox, nil
}

// blankTile returns a fully transparent 256px PNG.
func blankTile() []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, domain.TileSize, domain.TileSize)))
	return buf.Bytes()
}
