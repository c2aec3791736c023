package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncTileRequests counts served tile requests by layer and result.
	IncTileRequests(layer string, result string)

	// ObserveTileDuration records how long a tile took to resolve.
	ObserveTileDuration(layer string, duration time.Duration)

	// SetLayersLoaded sets the number of listed tile layers.
	SetLayersLoaded(count int)

	// IncArchiveOpens counts archive open attempts.
	IncArchiveOpens(layer string, success bool)

	// IncRetrievalOutcome counts retrieval results (fetched, skipped, rejected, failed).
	IncRetrievalOutcome(outcome string)

	// IncRetrievalRounds counts retrieval rounds, including retries.
	IncRetrievalRounds()

	// AddStitchComposites counts boundary tiles composited during a merge.
	AddStitchComposites(count int)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncTileRequests implements MetricsCollector.
func (n *NoOpMetrics) IncTileRequests(_ string, _ string) {}

// ObserveTileDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveTileDuration(_ string, _ time.Duration) {}

// SetLayersLoaded implements MetricsCollector.
func (n *NoOpMetrics) SetLayersLoaded(_ int) {}

// IncArchiveOpens implements MetricsCollector.
func (n *NoOpMetrics) IncArchiveOpens(_ string, _ bool) {}

// IncRetrievalOutcome implements MetricsCollector.
func (n *NoOpMetrics) IncRetrievalOutcome(_ string) {}

// IncRetrievalRounds implements MetricsCollector.
func (n *NoOpMetrics) IncRetrievalRounds() {}

// AddStitchComposites implements MetricsCollector.
func (n *NoOpMetrics) AddStitchComposites(_ int) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
