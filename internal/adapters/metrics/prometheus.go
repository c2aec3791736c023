// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	tileRequests        *prometheus.CounterVec
	tileDuration        *prometheus.HistogramVec
	layersLoaded        prometheus.Gauge
	archiveOpens        *prometheus.CounterVec
	retrievalOutcomes   *prometheus.CounterVec
	retrievalRounds     prometheus.Counter
	stitchComposites    prometheus.Counter
	storageOperations   *prometheus.CounterVec
	storageDuration     *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(namespace string) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace)
}

// NewCollectorWith creates a collector registered with reg.
func NewCollectorWith(reg prometheus.Registerer, namespace string) *Collector {
	if namespace == "" {
		namespace = "bvsar"
	}
	factory := promauto.With(reg)

	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Collector{
		gatherer: gatherer,

		tileRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tile_requests_total",
				Help:      "Total number of tile requests by result",
			},
			[]string{"layer", "result"},
		),

		tileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tile_duration_seconds",
				Help:      "Tile resolution duration in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"layer"},
		),

		layersLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "layers_loaded",
				Help:      "Number of listed tile layers",
			},
		),

		archiveOpens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_opens_total",
				Help:      "Total number of tile archive open attempts",
			},
			[]string{"layer", "status"},
		),

		retrievalOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retrieval_requests_total",
				Help:      "Total number of retrieval requests by outcome",
			},
			[]string{"outcome"},
		),

		retrievalRounds: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retrieval_rounds_total",
				Help:      "Total number of retrieval rounds including retries",
			},
		),

		stitchComposites: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stitch_composites_total",
				Help:      "Total number of boundary tiles composited during merges",
			},
		),

		storageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),

		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// IncTileRequests increments the tile request counter.
func (c *Collector) IncTileRequests(layer string, result string) {
	c.tileRequests.WithLabelValues(layer, result).Inc()
}

// ObserveTileDuration records tile resolution duration.
func (c *Collector) ObserveTileDuration(layer string, duration time.Duration) {
	c.tileDuration.WithLabelValues(layer).Observe(duration.Seconds())
}

// SetLayersLoaded sets the number of listed layers.
func (c *Collector) SetLayersLoaded(count int) {
	c.layersLoaded.Set(float64(count))
}

// IncArchiveOpens counts archive open attempts.
func (c *Collector) IncArchiveOpens(layer string, success bool) {
	c.archiveOpens.WithLabelValues(layer, successLabel(success)).Inc()
}

// IncRetrievalOutcome counts one retrieval result.
func (c *Collector) IncRetrievalOutcome(outcome string) {
	c.retrievalOutcomes.WithLabelValues(outcome).Inc()
}

// IncRetrievalRounds counts one retrieval round.
func (c *Collector) IncRetrievalRounds() {
	c.retrievalRounds.Inc()
}

// AddStitchComposites adds to the composited tile counter.
func (c *Collector) AddStitchComposites(count int) {
	c.stitchComposites.Add(float64(count))
}

// IncStorageOperations increments storage operation counter.
func (c *Collector) IncStorageOperations(operation string, success bool) {
	c.storageOperations.WithLabelValues(operation, successLabel(success)).Inc()
}

// ObserveStorageDuration records storage operation duration.
func (c *Collector) ObserveStorageDuration(operation string, duration time.Duration) {
	c.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncHTTPRequests increments the HTTP request counter.
func (c *Collector) IncHTTPRequests(method, path, status string) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPDuration records HTTP request duration.
func (c *Collector) ObserveHTTPDuration(method, path string, duration time.Duration) {
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler exposes the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := routeTemplate(r)
		c.IncHTTPRequests(r.Method, path, statusToString(wrapped.statusCode))
		c.ObserveHTTPDuration(r.Method, path, time.Since(start))
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// routeTemplate labels a request by its mux route template so tile
// coordinates do not become label values.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// statusToString converts HTTP status code to string category.
func statusToString(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

func successLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
