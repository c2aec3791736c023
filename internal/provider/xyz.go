package provider

import (
	"context"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/slippy"
)

// DefaultTileContentType is expected when a profile does not set one.
const DefaultTileContentType = "image/png"

// XYZ fetches slippy-map tiles from a z/x/y or quadkey template.
type XYZ struct {
	name    string
	source  slippy.Source
	fetcher Fetcher
}

// NewXYZ validates the profile's URL template.
func NewXYZ(p Profile, cacheRoot string, fetcher Fetcher) (*XYZ, error) {
	tmpl, err := slippy.ParseTemplate(p.URL)
	if err != nil {
		return nil, err
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = DefaultTileContentType
	}
	return &XYZ{
		name: p.Name,
		source: slippy.Source{
			Template:    tmpl,
			CacheRoot:   cacheRoot,
			ContentType: contentType,
			ExtOverride: p.Extension,
		},
		fetcher: fetcher,
	}, nil
}

// Name implements Provider.
func (x *XYZ) Name() string { return x.name }

// Type implements Provider.
func (x *XYZ) Type() Type { return TypeXYZ }

// Source returns the tile source the provider fetches from.
func (x *XYZ) Source() slippy.Source { return x.source }

// Plan enumerates the tiles covering the request.
func (x *XYZ) Plan(_ context.Context, req Request) (*Plan, error) {
	tiles, err := slippy.IdentifyTiles(req.BBox, req.ZoomMin, req.ZoomMax)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Provider:   x.name,
		Type:       TypeXYZ,
		BBox:       req.BBox,
		Tiles:      tiles,
		Requests:   slippy.BuildRetrievalRequests(tiles, x.source),
		OutputRoot: x.source.OutputDir(),
	}, nil
}

// Fetch implements Provider.
func (x *XYZ) Fetch(ctx context.Context, plan *Plan) (domain.RetrievalSummary, error) {
	return x.fetcher.Retrieve(ctx, plan.Requests)
}
