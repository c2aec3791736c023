package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/app"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/application"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/config"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/provider"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Fetch an area from a provider into a layer",
	Example: `  bvsar provision --provider canvec --layer topo --bbox=-127.1,54.6,-126.4,55.0 --zoom-min 8 --zoom-max 15
  bvsar provision --provider bc-wms --bbox=-127.1,54.6,-126.4,55.0 --scales 20000,50000`,
	RunE: runProvision,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the requests a provisioning run would make",
	RunE:  runPlan,
}

var packCmd = &cobra.Command{
	Use:   "pack LAYER",
	Short: "Pack a layer's tile tree into an MBTiles archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runPack,
}

func init() {
	for _, cmd := range []*cobra.Command{provisionCmd, planCmd} {
		cmd.Flags().String("provider", "", "configured provider name")
		cmd.Flags().String("layer", "", "target layer (required for XYZ providers)")
		cmd.Flags().String("bbox", "", "area as minx,miny,maxx,maxy")
		cmd.Flags().String("crs", domain.CRSWGS84, "CRS of --bbox")
		cmd.Flags().Int("zoom-min", 0, "lowest zoom level (XYZ)")
		cmd.Flags().Int("zoom-max", 0, "highest zoom level (XYZ)")
		cmd.Flags().IntSlice("scales", nil, "map scale denominators (WMS)")
		_ = cmd.MarkFlagRequired("provider")
		_ = cmd.MarkFlagRequired("bbox")
	}

	provisionCmd.Flags().Bool("skip-existing", false, "skip the run when the layer already covers the area")
	provisionCmd.Flags().Bool("verify", false, "check every provisioned tile is served after the run")
	provisionCmd.Flags().String("verify-url", "", "server base URL for --verify (default: server.public_url)")
}

// batchApp loads configuration and wires the application for a one-shot
// command. Serving-only components are left out.
func batchApp(ctx context.Context) (*app.App, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.Metrics.Enabled = false
	cfg.Tiles.Watch = false
	cfg.TLS.Enabled = false
	cfg.Sync.Enabled = false

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, app.Options{Version: version})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing application: %w", err)
	}
	return a, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func provisionRequest(cmd *cobra.Command) (application.ProvisionRequest, error) {
	flags := cmd.Flags()
	name, _ := flags.GetString("provider")
	layer, _ := flags.GetString("layer")
	bboxFlag, _ := flags.GetString("bbox")
	crs, _ := flags.GetString("crs")
	zoomMin, _ := flags.GetInt("zoom-min")
	zoomMax, _ := flags.GetInt("zoom-max")
	scales, _ := flags.GetIntSlice("scales")

	bbox, err := domain.ParseBoundingBox(bboxFlag, crs)
	if err != nil {
		return application.ProvisionRequest{}, err
	}

	req := application.ProvisionRequest{
		Provider: name,
		Layer:    layer,
		BBox:     bbox,
		Scales:   scales,
		ZoomMin:  zoomMin,
		ZoomMax:  zoomMax,
	}
	if flags.Lookup("skip-existing") != nil {
		req.SkipExisting, _ = flags.GetBool("skip-existing")
	}
	return req, nil
}

func runPlan(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	req, err := provisionRequest(cmd)
	if err != nil {
		return err
	}
	a, _, err := batchApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	plan, err := a.Provision.Plan(ctx, req)
	if err != nil {
		return err
	}
	return printPlan(cmd.OutOrStdout(), plan)
}

// printPlan writes a per-level summary of plan.
func printPlan(out io.Writer, plan *provider.Plan) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "provider\t%s (%s)\n", plan.Provider, plan.Type)
	fmt.Fprintf(w, "bbox\t%s\n", plan.BBox.String())
	fmt.Fprintf(w, "output\t%s\n", plan.OutputRoot)

	if plan.Tiled() {
		for _, z := range sortedKeys(plan.Tiles) {
			n := 0
			for _, ys := range plan.Tiles[z] {
				n += len(ys)
			}
			fmt.Fprintf(w, "zoom %d\t%d tiles\n", z, n)
		}
	} else {
		for _, scale := range sortedKeys(plan.Cells) {
			fmt.Fprintf(w, "scale 1:%d\t%d cells\n", scale, len(plan.Cells[scale]))
		}
	}
	fmt.Fprintf(w, "requests\t%d\n", len(plan.Requests))
	return w.Flush()
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func runProvision(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	req, err := provisionRequest(cmd)
	if err != nil {
		return err
	}
	a, logger, err := batchApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	report, err := a.Provision.Provision(ctx, req)
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), report)

	if verify, _ := cmd.Flags().GetBool("verify"); verify && !report.Skipped {
		baseURL, _ := cmd.Flags().GetString("verify-url")
		if baseURL == "" {
			baseURL = verifyBaseURL(a.Config.Server)
		}
		missing, err := a.Provision.Verify(ctx, req, baseURL)
		if err != nil {
			return fmt.Errorf("verifying: %w", err)
		}
		if len(missing) > 0 {
			logger.Warn("tiles not served", "count", len(missing), "base_url", baseURL)
			return fmt.Errorf("%d tiles not served by %s", len(missing), baseURL)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "verified against %s\n", baseURL)
	}
	return nil
}

func printReport(out io.Writer, r application.ProvisionReport) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	fmt.Fprintf(w, "run\t%s\n", r.RunID)
	if r.Skipped {
		fmt.Fprintf(w, "skipped\tarea already provisioned in %s\n", r.Layer)
		return
	}
	fmt.Fprintf(w, "requests\t%d\n", r.Planned)
	fmt.Fprintf(w, "fetched\t%d\n", r.Summary.Fetched)
	fmt.Fprintf(w, "skipped\t%d\n", r.Summary.Skipped)
	fmt.Fprintf(w, "rejected\t%d\n", r.Summary.Rejected)
	fmt.Fprintf(w, "failed\t%d\n", r.Summary.Failed)
	if r.Layer != "" {
		fmt.Fprintf(w, "composited\t%d\n", r.Merge.Composited)
		if r.Merge.Unreadable > 0 {
			fmt.Fprintf(w, "unreadable\t%d\n", r.Merge.Unreadable)
		}
		fmt.Fprintf(w, "moved\t%d\n", r.Merge.Moved)
	}
	fmt.Fprintf(w, "duration\t%s\n", r.Duration.Round(time.Millisecond))
}

// verifyBaseURL prefers the public URL and falls back to the local listener.
func verifyBaseURL(cfg config.ServerConfig) string {
	if cfg.PublicURL != "" {
		return strings.TrimRight(cfg.PublicURL, "/")
	}
	host := cfg.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Port)
}

func runPack(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, _, err := batchApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	result, err := a.Pack.Pack(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "packed %d tiles (zoom %d-%d) into %s\n",
		result.Tiles, result.ZoomMin, result.ZoomMax, result.Path)
	return nil
}
