package mbtiles

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/ports/output"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its configuration in package globals.
var migrateMu sync.Mutex

// batchSize is the number of tiles written per transaction.
const batchSize = 500

// Writer implements output.ArchiveWriter.
type Writer struct {
	scheme Scheme
	logger *slog.Logger
}

// NewWriter creates an archive writer.
func NewWriter(scheme Scheme, logger *slog.Logger) *Writer {
	if scheme == "" {
		scheme = SchemeXYZ
	}
	return &Writer{scheme: scheme, logger: logger}
}

// Create replaces any file at path with an empty archive holding metadata.
func (w *Writer) Create(ctx context.Context, path string, metadata map[string]string) (output.TileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing old archive: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := w.migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating archive schema: %w", err)
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO metadata (name, value) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
			k, metadata[k],
		); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("writing metadata %s: %w", k, err)
		}
	}

	w.logger.Info("created tile archive", "path", path)
	return &Sink{path: path, scheme: w.scheme, db: db}, nil
}

func (w *Writer) migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{w.logger})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// gooseLogger routes goose output to slog at debug level.
type gooseLogger struct {
	logger *slog.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// Sink writes tiles into a new archive in batched transactions.
type Sink struct {
	path   string
	scheme Scheme
	db     *sql.DB

	tx      *sql.Tx
	stmt    *sql.Stmt
	pending int
	written int
}

// Put stores one tile, replacing any previous data for the same position.
func (s *Sink) Put(ctx context.Context, t domain.Tile, data []byte) error {
	if s.tx == nil {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)
			ON CONFLICT(zoom_level, tile_column, tile_row) DO UPDATE SET tile_data = excluded.tile_data`)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		s.tx, s.stmt = tx, stmt
	}

	if _, err := s.stmt.ExecContext(ctx, t.Z, t.X, s.scheme.Row(t), data); err != nil {
		return &domain.ArchiveError{Path: s.path, Err: fmt.Errorf("writing tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)}
	}
	s.pending++
	s.written++
	if s.pending >= batchSize {
		return s.commit()
	}
	return nil
}

// Written returns the number of tiles stored so far.
func (s *Sink) Written() int {
	return s.written
}

func (s *Sink) commit() error {
	if s.tx == nil {
		return nil
	}
	_ = s.stmt.Close()
	err := s.tx.Commit()
	s.tx, s.stmt, s.pending = nil, nil, 0
	return err
}

// Close commits pending tiles and closes the archive.
func (s *Sink) Close() error {
	err := s.commit()
	return errors.Join(err, s.db.Close())
}
