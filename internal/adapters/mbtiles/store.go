// Package mbtiles reads and writes MBTiles archives (SQLite files holding a
// tiles table keyed by zoom, column and row).
package mbtiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/output"
)

// Scheme is how archive rows map to slippy y.
type Scheme string

const (
	// SchemeXYZ stores tile_row == y.
	SchemeXYZ Scheme = "xyz"
	// SchemeTMS stores tile_row == 2^z - 1 - y.
	SchemeTMS Scheme = "tms"
)

// Row converts a slippy y to the archive row for the scheme.
func (s Scheme) Row(t domain.Tile) int {
	if s == SchemeTMS {
		return (1 << uint(t.Z)) - 1 - t.Y
	}
	return t.Y
}

// Store implements output.ArchiveStore with one read-only connection per layer.
type Store struct {
	root    string
	scheme  Scheme
	metrics output.MetricsCollector
	logger  *slog.Logger

	mu       sync.RWMutex
	archives map[string]*Archive
	closed   bool
}

// ErrStoreClosed is returned by Open after Close.
var ErrStoreClosed = errors.New("archive store closed")

// NewStore creates a store for archives below root.
func NewStore(root string, scheme Scheme, metrics output.MetricsCollector, logger *slog.Logger) *Store {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	if scheme == "" {
		scheme = SchemeXYZ
	}
	return &Store{
		root:     root,
		scheme:   scheme,
		metrics:  metrics,
		logger:   logger,
		archives: make(map[string]*Archive),
	}
}

// Open returns the cached archive for layer, opening it on first use.
// A failed open is not cached so a later call can pick up a new file.
func (s *Store) Open(ctx context.Context, layer string) (output.TileArchive, error) {
	a, err := s.open(ctx, layer)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) open(ctx context.Context, layer string) (*Archive, error) {
	s.mu.RLock()
	a, ok := s.archives[layer]
	closed := s.closed
	s.mu.RUnlock()
	if ok {
		return a, nil
	}
	if closed {
		return nil, ErrStoreClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if a, ok := s.archives[layer]; ok {
		return a, nil
	}

	path := domain.ArchivePath(s.root, layer)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrArchiveNotFound, layer)
		}
		return nil, &domain.ArchiveError{Layer: layer, Path: path, Err: err}
	}

	db, err := openReadOnly(ctx, path)
	if err != nil {
		s.metrics.IncArchiveOpens(layer, false)
		return nil, &domain.ArchiveError{Layer: layer, Path: path, Err: err}
	}

	a = &Archive{store: s, layer: layer, path: path, scheme: s.scheme, db: db}
	s.archives[layer] = a
	s.metrics.IncArchiveOpens(layer, true)
	s.logger.Info("opened tile archive", "layer", layer, "path", path)
	return a, nil
}

// Cached reports whether the layer's archive is open.
func (s *Store) Cached(layer string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.archives[layer]
	return ok
}

// Clear closes and forgets the layer's archive. Queries already running on it
// finish first; callers still holding it are sent to the layer's next archive.
func (s *Store) Clear(layer string) {
	s.mu.Lock()
	a, ok := s.archives[layer]
	delete(s.archives, layer)
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := a.close(); err != nil {
		s.logger.Warn("failed to close tile archive", "layer", layer, "error", err)
		return
	}
	s.logger.Info("cleared tile archive", "layer", layer)
}

// Warm opens the archive of every layer directory that has one and returns
// the number opened.
func (s *Store) Warm(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("reading tiles root: %w", err)
	}
	opened := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := s.Open(ctx, e.Name()); err != nil {
			if !errors.Is(err, domain.ErrArchiveNotFound) {
				s.logger.Warn("failed to warm tile archive", "layer", e.Name(), "error", err)
			}
			continue
		}
		opened++
	}
	return opened, nil
}

// Count returns the number of open archives.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.archives)
}

// Close closes every open archive. Open fails afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	archives := s.archives
	s.archives = make(map[string]*Archive)
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for layer, a := range archives {
		if err := a.close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", layer, err))
		}
	}
	return errors.Join(errs...)
}

func openReadOnly(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&cache=shared", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Archive is one open MBTiles file.
type Archive struct {
	store  *Store
	layer  string
	path   string
	scheme Scheme

	mu     sync.RWMutex // held for reading by every query
	db     *sql.DB
	closed bool
}

func (a *Archive) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

// successor returns the archive now serving the layer once a has been
// cleared. A layer whose archive has gone reads as empty.
func (a *Archive) successor(ctx context.Context) (*Archive, error) {
	next, err := a.store.open(ctx, a.layer)
	if errors.Is(err, domain.ErrArchiveNotFound) {
		return nil, domain.ErrTileNotFound
	}
	return next, err
}

// Tile returns the stored bytes for t.
func (a *Archive) Tile(ctx context.Context, t domain.Tile) ([]byte, error) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		next, err := a.successor(ctx)
		if err != nil {
			return nil, err
		}
		return next.Tile(ctx, t)
	}
	defer a.mu.RUnlock()

	var data []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		t.Z, t.X, a.scheme.Row(t),
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTileNotFound
		}
		return nil, &domain.ArchiveError{Layer: a.layer, Path: a.path, Err: err}
	}
	return data, nil
}

// MaxZoom returns the deepest zoom level stored, or 0 for an empty archive.
func (a *Archive) MaxZoom(ctx context.Context) (int, error) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		next, err := a.successor(ctx)
		if errors.Is(err, domain.ErrTileNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return next.MaxZoom(ctx)
	}
	defer a.mu.RUnlock()

	var z sql.NullInt64
	if err := a.db.QueryRowContext(ctx, `SELECT MAX(zoom_level) FROM tiles`).Scan(&z); err != nil {
		return 0, &domain.ArchiveError{Layer: a.layer, Path: a.path, Err: err}
	}
	return int(z.Int64), nil
}
