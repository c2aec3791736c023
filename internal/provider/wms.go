package provider

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/grid"
)

// DefaultWMSVersion is used when a profile does not name one.
const DefaultWMSVersion = "1.1.1"

// WMS fetches GetMap images cell by cell from a planned grid.
type WMS struct {
	profile  Profile
	base     *url.URL
	planner  *grid.Planner
	cacheDir string
	fetcher  Fetcher
}

// NewWMS validates a WMS profile.
func NewWMS(p Profile, cacheRoot string, fetcher Fetcher) (*WMS, error) {
	base, err := url.Parse(p.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &domain.ConfigurationError{
			Field:   "providers." + p.Name + ".url",
			Message: fmt.Sprintf("invalid WMS URL %q", p.URL),
			Err:     domain.ErrInvalidTemplate,
		}
	}
	if len(p.Layers) == 0 {
		return nil, &domain.ConfigurationError{Field: "providers." + p.Name + ".layers", Message: "at least one layer is required"}
	}
	if p.Version == "" {
		p.Version = DefaultWMSVersion
	}
	if p.Version != "1.1.1" && p.Version != "1.3.0" {
		return nil, &domain.ConfigurationError{
			Field:   "providers." + p.Name + ".version",
			Message: fmt.Sprintf("unsupported WMS version %q", p.Version),
			Err:     domain.ErrUnsupported,
		}
	}
	if p.Format == "" {
		p.Format = "png"
	}
	if p.CRS == "" {
		p.CRS = domain.CRSWebMercator
	}

	planner, err := grid.NewPlanner(p.CRS, grid.Options{
		MaxWidth:  p.MaxWidth,
		MaxHeight: p.MaxHeight,
		DPI:       p.DPI,
		Aligned:   p.Aligned,
	})
	if err != nil {
		return nil, err
	}

	return &WMS{
		profile:  p,
		base:     base,
		planner:  planner,
		cacheDir: filepath.Join(cacheRoot, p.Name),
		fetcher:  fetcher,
	}, nil
}

// Name implements Provider.
func (w *WMS) Name() string { return w.profile.Name }

// Type implements Provider.
func (w *WMS) Type() Type { return TypeWMS }

// Plan partitions the request into grid cells and builds one GetMap request per cell.
func (w *WMS) Plan(_ context.Context, req Request) (*Plan, error) {
	if len(req.Scales) == 0 {
		return nil, &domain.ConfigurationError{Field: "scales", Message: "at least one scale is required"}
	}
	cells, err := w.planner.Plan(req.BBox, req.Scales)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Provider:   w.profile.Name,
		Type:       TypeWMS,
		BBox:       req.BBox,
		Cells:      cells,
		OutputRoot: w.cacheDir,
	}

	scales := make([]int, 0, len(cells))
	for s := range cells {
		scales = append(scales, s)
	}
	sort.Ints(scales)

	for _, scale := range scales {
		planned := cells[scale]
		for i := range planned {
			cell := &planned[i]
			cell.SourceURL = w.GetMapURL(*cell)
			cell.CachePath = w.CachePath(*cell)
			plan.Requests = append(plan.Requests, domain.RetrievalRequest{
				URL:          cell.SourceURL,
				Destination:  cell.CachePath,
				ExpectedType: "image/" + w.profile.Format,
			})
		}
	}
	return plan, nil
}

// Fetch implements Provider.
func (w *WMS) Fetch(ctx context.Context, plan *Plan) (domain.RetrievalSummary, error) {
	return w.fetcher.Retrieve(ctx, plan.Requests)
}

// CachePath returns {cache}/{profile}/{scale}/{cell name}.{format}.
func (w *WMS) CachePath(cell domain.GridCell) string {
	name := grid.CellName(cell, w.planner.DPI(), w.planner.CRS().Code)
	return filepath.Join(w.cacheDir, strconv.Itoa(cell.Scale), name+"."+w.profile.Format)
}

// GetMapURL builds the GetMap request for a cell. Version 1.3.0 uses the CRS
// parameter and latitude-first axis order for geographic systems.
func (w *WMS) GetMapURL(cell domain.GridCell) string {
	p := w.profile
	crsParam := "SRS"
	bbox := []float64{cell.XMin, cell.YMin, cell.XMax, cell.YMax}
	if p.Version == "1.3.0" {
		crsParam = "CRS"
		if w.planner.CRS().Geographic {
			bbox = []float64{cell.YMin, cell.XMin, cell.YMax, cell.XMax}
		}
	}
	coords := make([]string, len(bbox))
	for i, v := range bbox {
		coords[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	dpi := strconv.Itoa(w.planner.DPI())

	params := [][2]string{
		{"SERVICE", "WMS"},
		{"VERSION", p.Version},
		{"REQUEST", "GetMap"},
		{"BBOX", strings.Join(coords, ",")},
		{crsParam, w.planner.CRS().Code},
		{"WIDTH", strconv.Itoa(cell.Width)},
		{"HEIGHT", strconv.Itoa(cell.Height)},
		{"LAYERS", strings.Join(p.Layers, ",")},
		{"STYLES", strings.Join(p.Styles, ",")},
		{"FORMAT", "image/" + p.Format},
		{"DPI", dpi},
		{"MAP_RESOLUTION", dpi},
		{"FORMAT_OPTIONS", "dpi:" + dpi},
		{"TRANSPARENT", strings.ToUpper(strconv.FormatBool(p.Transparent))},
	}

	var b strings.Builder
	if w.base.RawQuery != "" {
		b.WriteString(w.base.RawQuery)
	}
	for _, kv := range params {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv[1]))
	}

	u := *w.base
	u.RawQuery = b.String()
	return u.String()
}
