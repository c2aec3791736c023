package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/input"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/output"
)

// ErrRateLimited is returned when the sync API rate limit is exceeded.
var ErrRateLimited = errors.New("rate limit exceeded")

// syncCooldown is the minimum time between API-triggered syncs.
const syncCooldown = 30 * time.Second

// LayerCache is cleared when a layer's archive changes on disk.
type LayerCache interface {
	Clear(layer string)
}

// SyncStats contains statistics from a sync operation.
type SyncStats struct {
	Added   int
	Updated int
	Removed int
}

// ArchiveSync mirrors remote .mbtiles archives into the tiles root.
type ArchiveSync struct {
	storage output.ObjectStorage
	root    string
	cache   LayerCache
	layers  input.LayerRegistry
	metrics output.MetricsCollector
	logger  *slog.Logger

	mu     sync.Mutex
	synced map[string]output.StorageObject // layer -> last downloaded object
}

// NewArchiveSync creates a new archive syncer.
func NewArchiveSync(
	storage output.ObjectStorage,
	root string,
	cache LayerCache,
	layers input.LayerRegistry,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *ArchiveSync {
	return &ArchiveSync{
		storage: storage,
		root:    root,
		cache:   cache,
		layers:  layers,
		metrics: metrics,
		logger:  logger,
		synced:  make(map[string]output.StorageObject),
	}
}

// Sync downloads new or changed archives and removes archives it previously
// synced that are gone from remote storage.
func (a *ArchiveSync) Sync(ctx context.Context) (SyncStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("syncing tile archives from storage")
	start := time.Now()
	objects, err := a.storage.List(ctx)
	a.metrics.ObserveStorageDuration("list", time.Since(start))
	a.metrics.IncStorageOperations("list", err == nil)
	if err != nil {
		return SyncStats{}, &domain.StorageError{Operation: "list", Err: err}
	}

	remote := make(map[string]output.StorageObject, len(objects))
	for _, obj := range objects {
		layer := LayerFromKey(obj.Key)
		if ValidateLayerName(layer) != nil {
			a.logger.Warn("ignoring archive with unusable name", "key", obj.Key)
			continue
		}
		remote[layer] = obj
	}

	var stats SyncStats
	for layer, obj := range remote {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		dest := domain.ArchivePath(a.root, layer)
		prev, tracked := a.synced[layer]
		_, statErr := os.Stat(dest)
		exists := statErr == nil

		if tracked && exists && sameObject(prev, obj) {
			continue
		}
		if !tracked && exists && a.localMatches(dest, obj) {
			a.synced[layer] = obj
			continue
		}

		if err := a.download(ctx, layer, obj, dest); err != nil {
			a.logger.Error("failed to download archive", "key", obj.Key, "error", err)
			continue
		}
		a.synced[layer] = obj
		if exists {
			stats.Updated++
			a.logger.Info("archive updated", "layer", layer)
		} else {
			stats.Added++
			a.logger.Info("new archive synced", "layer", layer)
		}
	}

	for layer := range a.synced {
		if _, ok := remote[layer]; ok {
			continue
		}
		a.logger.Info("removing archive not in remote storage", "layer", layer)
		a.cache.Clear(layer)
		if err := os.Remove(domain.ArchivePath(a.root, layer)); err != nil && !os.IsNotExist(err) {
			a.logger.Warn("failed to delete local archive", "layer", layer, "error", err)
			continue
		}
		delete(a.synced, layer)
		stats.Removed++
	}

	if stats.Added+stats.Updated+stats.Removed > 0 {
		a.layers.Invalidate()
	}
	a.logger.Info("sync completed", "added", stats.Added, "updated", stats.Updated, "removed", stats.Removed)
	return stats, nil
}

// SyncedCount returns the number of archives currently mirrored.
func (a *ArchiveSync) SyncedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.synced)
}

func (a *ArchiveSync) download(ctx context.Context, layer string, obj output.StorageObject, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating layer directory: %w", err)
	}
	tmp := dest + ".part"
	start := time.Now()
	err := a.storage.Download(ctx, obj.Key, tmp)
	a.metrics.ObserveStorageDuration("download", time.Since(start))
	a.metrics.IncStorageOperations("download", err == nil)
	if err != nil {
		_ = os.Remove(tmp)
		return &domain.StorageError{Operation: "download", Key: obj.Key, Err: err}
	}

	a.cache.Clear(layer)
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("installing archive: %w", err)
	}
	return nil
}

func (a *ArchiveSync) localMatches(path string, obj output.StorageObject) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() == obj.Size && info.ModTime().Unix() >= obj.LastModified
}

func sameObject(a, b output.StorageObject) bool {
	if a.ETag != "" && b.ETag != "" {
		return a.ETag == b.ETag
	}
	return a.Size == b.Size && a.LastModified == b.LastModified
}

// LayerFromKey derives the layer name from an object key ("topo.mbtiles",
// "archives/topo.mbtiles").
func LayerFromKey(key string) string {
	base := filepath.Base(filepath.FromSlash(key))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SyncResult contains the result of a sync operation.
type SyncResult struct {
	ArchivesAdded   int       `json:"archives_added"`
	ArchivesUpdated int       `json:"archives_updated"`
	ArchivesRemoved int       `json:"archives_removed"`
	ArchivesTotal   int       `json:"archives_total"`
	SyncedAt        time.Time `json:"synced_at"`
	NextScheduledAt time.Time `json:"next_scheduled_at,omitempty"`
}

// SyncService manages periodic synchronization with remote storage.
type SyncService struct {
	syncer   *ArchiveSync
	interval time.Duration
	logger   *slog.Logger

	// Lifecycle management
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Rate limiting for API triggers
	lastAPISync time.Time
	apiMutex    sync.Mutex

	// Prevents concurrent sync operations
	syncOpMutex sync.Mutex

	// Track next scheduled sync for reporting
	nextSync time.Time
	syncMu   sync.RWMutex
}

// NewSyncService creates a new sync service.
func NewSyncService(syncer *ArchiveSync, interval time.Duration, logger *slog.Logger) *SyncService {
	return &SyncService{
		syncer:   syncer,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		// Initialize to past time to allow immediate first API call
		lastAPISync: time.Now().Add(-syncCooldown - time.Second),
	}
}

// Start runs an initial sync and then the periodic scheduler.
func (s *SyncService) Start(ctx context.Context) {
	s.logger.Info("starting sync service", "interval", s.interval)

	s.wg.Add(1)
	go s.run(ctx)
}

// run is the main sync loop.
func (s *SyncService) run(ctx context.Context) {
	defer s.wg.Done()

	s.doSync(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.setNextSync(time.Now().Add(s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync service stopped: context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("sync service stopped")
			return
		case <-ticker.C:
			s.logger.Debug("scheduled sync triggered")
			s.doSync(ctx)
			s.setNextSync(time.Now().Add(s.interval))
		}
	}
}

// Stop gracefully stops the sync service.
func (s *SyncService) Stop() {
	s.logger.Info("stopping sync service")
	close(s.stopCh)
	s.wg.Wait()
}

// TriggerSync manually triggers a sync operation with rate limiting.
// Returns ErrRateLimited if called again within the cooldown.
func (s *SyncService) TriggerSync(ctx context.Context) (SyncResult, error) {
	s.apiMutex.Lock()
	defer s.apiMutex.Unlock()

	if time.Since(s.lastAPISync) < syncCooldown {
		return SyncResult{}, ErrRateLimited
	}
	s.lastAPISync = time.Now()

	return s.doSyncWithResult(ctx)
}

func (s *SyncService) doSync(ctx context.Context) {
	s.syncOpMutex.Lock()
	defer s.syncOpMutex.Unlock()

	if _, err := s.syncer.Sync(ctx); err != nil {
		s.logger.Error("sync failed", "error", err)
	}
}

func (s *SyncService) doSyncWithResult(ctx context.Context) (SyncResult, error) {
	s.syncOpMutex.Lock()
	defer s.syncOpMutex.Unlock()

	stats, err := s.syncer.Sync(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	return SyncResult{
		ArchivesAdded:   stats.Added,
		ArchivesUpdated: stats.Updated,
		ArchivesRemoved: stats.Removed,
		ArchivesTotal:   s.syncer.SyncedCount(),
		SyncedAt:        time.Now(),
		NextScheduledAt: s.getNextSync(),
	}, nil
}

func (s *SyncService) setNextSync(t time.Time) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.nextSync = t
}

func (s *SyncService) getNextSync() time.Time {
	s.syncMu.RLock()
	defer s.syncMu.RUnlock()
	return s.nextSync
}

// Interval returns the sync interval.
func (s *SyncService) Interval() time.Duration {
	return s.interval
}
