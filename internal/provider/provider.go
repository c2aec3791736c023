// Package provider turns a provisioning request into the retrieval requests
// for one remote imagery source. Every source is either a WMS endpoint or an
// XYZ/quadkey tile service.
package provider

import (
	"context"
	"fmt"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
)

// Type identifies a provider variant.
type Type string

const (
	TypeWMS Type = "wms"
	TypeXYZ Type = "xyz"
)

// Profile describes one configured source.
type Profile struct {
	Name string
	Type Type
	URL  string // WMS base URL or tile URL template

	// WMS
	Layers      []string
	Styles      []string
	Format      string // image subtype, e.g. "png"
	Version     string // 1.1.1 or 1.3.0
	CRS         string
	Transparent bool
	MaxWidth    int
	MaxHeight   int
	DPI         int
	Aligned     bool

	// XYZ
	ContentType string // expected response type
	Extension   string // cache file extension override
}

// Request is what a caller wants provisioned.
type Request struct {
	BBox    domain.BoundingBox
	Scales  []int // WMS
	ZoomMin int   // XYZ
	ZoomMax int   // XYZ
}

// Plan is the work a provider derived from a Request.
type Plan struct {
	Provider   string
	Type       Type
	BBox       domain.BoundingBox
	Requests   []domain.RetrievalRequest
	Cells      domain.GridPlan // WMS only
	Tiles      domain.TileSet  // XYZ only
	OutputRoot string          // directory every destination lives under
}

// Tiled reports whether the plan produces a z/x/y tile tree.
func (p *Plan) Tiled() bool {
	return p.Type == TypeXYZ
}

// Fetcher executes retrieval requests.
type Fetcher interface {
	Retrieve(ctx context.Context, requests []domain.RetrievalRequest) (domain.RetrievalSummary, error)
}

// Provider plans and fetches imagery for one source.
type Provider interface {
	Name() string
	Type() Type
	Plan(ctx context.Context, req Request) (*Plan, error)
	Fetch(ctx context.Context, plan *Plan) (domain.RetrievalSummary, error)
}

// New builds the provider variant for a profile. Cached files are written
// below cacheRoot.
func New(p Profile, cacheRoot string, fetcher Fetcher) (Provider, error) {
	switch p.Type {
	case TypeWMS:
		return NewWMS(p, cacheRoot, fetcher)
	case TypeXYZ:
		return NewXYZ(p, cacheRoot, fetcher)
	default:
		return nil, &domain.ConfigurationError{
			Field:   "providers." + p.Name + ".type",
			Message: fmt.Sprintf("unknown provider type %q", p.Type),
			Err:     domain.ErrUnsupported,
		}
	}
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds every profile.
func NewRegistry(profiles []Profile, cacheRoot string, fetcher Fetcher) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(profiles))}
	for _, p := range profiles {
		if _, dup := r.providers[p.Name]; dup {
			return nil, &domain.ConfigurationError{
				Field:   "providers",
				Message: fmt.Sprintf("duplicate provider name %q", p.Name),
			}
		}
		prov, err := New(p, cacheRoot, fetcher)
		if err != nil {
			return nil, err
		}
		r.providers[p.Name] = prov
	}
	return r, nil
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}
