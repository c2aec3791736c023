package application

import (
	"context"
	"errors"
	"os"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/input"
)

// ArchiveCounter reports how many tile archives are open.
type ArchiveCounter interface {
	Count() int
}

// HealthService provides health check functionality.
type HealthService struct {
	layers   *LayerRegistry
	archives ArchiveCounter
	root     string
}

// NewHealthService creates a new health service.
func NewHealthService(layers *LayerRegistry, archives ArchiveCounter, root string) *HealthService {
	return &HealthService{
		layers:   layers,
		archives: archives,
		root:     root,
	}
}

// IsHealthy returns true if the service is healthy.
func (s *HealthService) IsHealthy(ctx context.Context) bool {
	return true // Basic health check
}

// IsReady returns true once the tiles root is readable and the layer list loads.
func (s *HealthService) IsReady(ctx context.Context) bool {
	if s.rootStatus() != "ok" {
		return false
	}
	_, err := s.layers.ListLayers(ctx)
	return err == nil
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	layers, err := s.layers.ListLayers(ctx)
	layerStatus := "ok"
	if err != nil {
		layerStatus = "error: " + err.Error()
	}

	return input.HealthDetails{
		Healthy:      s.IsHealthy(ctx),
		Ready:        s.IsReady(ctx),
		LayersListed: len(layers),
		ArchivesOpen: s.archives.Count(),
		Components: map[string]string{
			"tiles_root": s.rootStatus(),
			"layers":     layerStatus,
		},
	}
}

func (s *HealthService) rootStatus() string {
	info, err := os.Stat(s.root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "missing"
	case err != nil:
		return "error: " + err.Error()
	case !info.IsDir():
		return "not a directory"
	}
	return "ok"
}
