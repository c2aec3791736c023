package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/input"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/provider"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/slippy"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/stitch"
)

// ProviderLookup resolves provider profiles by name.
type ProviderLookup interface {
	Get(name string) (provider.Provider, error)
}

// ExistsChecker issues HEAD requests and returns the URLs that are missing.
type ExistsChecker interface {
	CheckExists(ctx context.Context, requests []domain.ExistsCheckRequest) ([]string, error)
}

// ProvisionOptions configures a ProvisionService.
type ProvisionOptions struct {
	DataDir             string // run directories live in {DataDir}/run
	TilesRoot           string // served layers
	RetainIntermediates bool
	ClipEdges           bool
}

// ProvisionRequest asks for one area to be fetched and merged into a layer.
type ProvisionRequest struct {
	Provider     string
	Layer        string
	BBox         domain.BoundingBox
	Scales       []int // WMS
	ZoomMin      int   // XYZ
	ZoomMax      int   // XYZ
	SkipExisting bool
}

// ProvisionReport summarises a provisioning run.
type ProvisionReport struct {
	RunID    string
	Provider string
	Layer    string
	Planned  int
	Summary  domain.RetrievalSummary
	Copied   int
	Clipped  int
	Merge    stitch.Result
	Skipped  bool // the area was already covered
	Duration time.Duration
}

// ProvisionService runs provider -> retrieval -> clip -> stitch -> coverage.
type ProvisionService struct {
	providers ProviderLookup
	merger    *stitch.Merger
	coverage  *CoverageRecorder
	layers    input.LayerRegistry
	cache     LayerCache
	checker   ExistsChecker
	logger    *slog.Logger
	opts      ProvisionOptions
}

// NewProvisionService creates a new provisioning service.
func NewProvisionService(
	providers ProviderLookup,
	merger *stitch.Merger,
	coverage *CoverageRecorder,
	layers input.LayerRegistry,
	cache LayerCache,
	checker ExistsChecker,
	logger *slog.Logger,
	opts ProvisionOptions,
) *ProvisionService {
	return &ProvisionService{
		providers: providers,
		merger:    merger,
		coverage:  coverage,
		layers:    layers,
		cache:     cache,
		checker:   checker,
		logger:    logger,
		opts:      opts,
	}
}

// Plan resolves the provider and derives its plan without fetching.
func (s *ProvisionService) Plan(ctx context.Context, req ProvisionRequest) (*provider.Plan, error) {
	p, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	return s.plan(ctx, p, req)
}

func (s *ProvisionService) plan(ctx context.Context, p provider.Provider, req ProvisionRequest) (*provider.Plan, error) {
	if err := req.BBox.Validate(); err != nil {
		return nil, err
	}
	return p.Plan(ctx, provider.Request{
		BBox:    req.BBox,
		Scales:  req.Scales,
		ZoomMin: req.ZoomMin,
		ZoomMax: req.ZoomMax,
	})
}

// Provision fetches the requested area. Tiled plans are then clipped,
// stitched into {TilesRoot}/{layer} and recorded in the layer's coverage;
// WMS plans stop once their images are in the cache.
func (s *ProvisionService) Provision(ctx context.Context, req ProvisionRequest) (ProvisionReport, error) {
	start := time.Now()
	report := ProvisionReport{RunID: uuid.NewString(), Provider: req.Provider, Layer: req.Layer}
	log := s.logger.With("run_id", report.RunID, "provider", req.Provider, "layer", req.Layer)

	if req.Layer != "" {
		if err := ValidateLayerName(req.Layer); err != nil {
			return report, err
		}
	}

	if req.SkipExisting && req.Layer != "" {
		covered, err := s.coverage.Covered(req.Layer, req.BBox)
		if err != nil {
			return report, err
		}
		if covered {
			log.Info("area already provisioned, skipping", "bbox", req.BBox.String())
			report.Skipped = true
			return report, nil
		}
	}

	p, err := s.providers.Get(req.Provider)
	if err != nil {
		return report, err
	}
	plan, err := s.plan(ctx, p, req)
	if err != nil {
		return report, err
	}
	if plan.Tiled() && req.Layer == "" {
		return report, &domain.ValidationError{Field: "layer", Message: "tiled providers need a target layer"}
	}
	report.Planned = len(plan.Requests)
	log.Info("provisioning", "type", plan.Type, "requests", report.Planned, "bbox", req.BBox.String())

	report.Summary, err = p.Fetch(ctx, plan)
	if err != nil {
		return report, fmt.Errorf("fetching %s: %w", req.Provider, err)
	}
	if !report.Summary.Complete() {
		log.Warn("provisioning continues with coverage gaps",
			"rejected", report.Summary.Rejected, "failed", report.Summary.Failed)
	}

	if !plan.Tiled() {
		report.Duration = time.Since(start)
		log.Info("images cached", "root", plan.OutputRoot, "duration", report.Duration)
		return report, nil
	}
	runRoot := filepath.Join(s.opts.DataDir, "run", report.RunID)
	runDir := filepath.Join(runRoot, req.Layer)
	if !s.opts.RetainIntermediates {
		defer func() {
			if err := os.RemoveAll(runRoot); err != nil {
				log.Warn("failed to remove run directory", "path", runRoot, "error", err)
			}
		}()
	}

	report.Copied, err = stageTiles(plan, runDir, log)
	if err != nil {
		return report, err
	}

	if s.opts.ClipEdges {
		report.Clipped, err = s.merger.ClipToBounds(ctx, runDir, req.BBox)
		if err != nil {
			return report, fmt.Errorf("clipping run edges: %w", err)
		}
	}

	report.Merge, err = s.merger.MergeInto(ctx, runDir, filepath.Join(s.opts.TilesRoot, req.Layer))
	if err != nil {
		return report, fmt.Errorf("merging run: %w", err)
	}

	if err := s.coverage.Record(req.Layer, req.BBox, CoverageRun{
		RunID:    report.RunID,
		Provider: req.Provider,
		ZoomMin:  req.ZoomMin,
		ZoomMax:  req.ZoomMax,
	}); err != nil {
		return report, fmt.Errorf("recording coverage: %w", err)
	}

	s.cache.Clear(req.Layer)
	s.layers.Invalidate()

	report.Duration = time.Since(start)
	log.Info("provisioning complete",
		"fetched", report.Summary.Fetched,
		"skipped", report.Summary.Skipped,
		"failed", report.Summary.Failed,
		"composited", report.Merge.Composited,
		"unreadable", report.Merge.Unreadable,
		"moved", report.Merge.Moved,
		"duration", report.Duration,
	)
	return report, nil
}

// Verify HEADs every tile of the request against the serving URL and returns
// the URLs that are not served.
func (s *ProvisionService) Verify(ctx context.Context, req ProvisionRequest, baseURL string) ([]string, error) {
	if err := ValidateLayerName(req.Layer); err != nil {
		return nil, err
	}
	tiles, err := slippy.IdentifyTiles(req.BBox, req.ZoomMin, req.ZoomMax)
	if err != nil {
		return nil, err
	}
	tmpl, err := slippy.ParseTemplate(strings.TrimRight(baseURL, "/") + "/tile/" + req.Layer + "/{z}/{x}/{y}.png")
	if err != nil {
		return nil, err
	}
	return s.checker.CheckExists(ctx, slippy.BuildExistsCheckRequests(tiles, tmpl))
}

// stageTiles copies the plan's cached tiles into runDir as PNG, leaving the
// shared cache untouched. Tiles the fetch could not produce are skipped, as
// are cached files that are empty or not images.
func stageTiles(plan *provider.Plan, runDir string, log *slog.Logger) (int, error) {
	copied := 0
	for _, r := range plan.Requests {
		t, err := stitch.ParseTilePath(r.Destination)
		if err != nil {
			return copied, err
		}
		info, err := os.Stat(r.Destination)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return copied, err
		}
		if info.Size() == 0 {
			log.Warn("skipping empty cached tile", "path", r.Destination)
			continue
		}
		if err := stitch.CheckFile(r.Destination); err != nil {
			if errors.Is(err, stitch.ErrUndecodable) {
				log.Warn("skipping unreadable cached tile", "path", r.Destination, "error", err)
				continue
			}
			return copied, err
		}

		dest := t.Path(runDir, LooseTileExtension)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return copied, err
		}
		if strings.EqualFold(filepath.Ext(r.Destination), "."+LooseTileExtension) {
			err = copyFile(r.Destination, dest)
		} else {
			err = transcode(r.Destination, dest)
		}
		if err != nil {
			return copied, fmt.Errorf("staging %s: %w", r.Destination, err)
		}
		copied++
	}
	return copied, nil
}

func transcode(src, dest string) error {
	img, err := stitch.DecodeFile(src)
	if err != nil {
		return err
	}
	return stitch.EncodeFile(dest, img, false)
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}
