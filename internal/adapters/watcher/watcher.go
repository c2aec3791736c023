// Package watcher reports changes to served layers under the tiles root.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/application"
	"github.com/tomfumb/BVSAR-map-data-provisioner/internal/domain"
)

// Event is a debounced change to one layer.
type Event struct {
	Layer     string
	Path      string
	Operation Operation
}

// Operation represents the type of file operation.
type Operation int

// File operation types.
const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Handler is called once per layer after its changes settle.
type Handler func(ctx context.Context, event Event) error

type pendingEvent struct {
	path      string
	timestamp time.Time
	op        Operation
}

// Watcher watches the tiles root and every layer directory below it for
// archive and coverage changes. fsnotify is not recursive, so new layer
// directories are added as they appear.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   Handler
	logger    *slog.Logger
	root      string
	debounce  time.Duration
	mu        sync.Mutex
	pending   map[string]*pendingEvent
}

// Config holds watcher configuration.
type Config struct {
	Root     string
	Debounce time.Duration
}

// New creates a new watcher.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Watcher, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce == 0 {
		cfg.Debounce = 500 * time.Millisecond
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		handler:   handler,
		logger:    logger,
		root:      root,
		debounce:  cfg.Debounce,
		pending:   make(map[string]*pendingEvent),
	}, nil
}

// Start watches the root and its layer directories until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsWatcher.Add(w.root); err != nil {
		return err
	}

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addLayerDir(filepath.Join(w.root, e.Name()))
		}
	}

	w.logger.Info("watching tiles root", "path", w.root, "layers", len(entries))

	go w.eventLoop(ctx)
	go w.debounceLoop(ctx)

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.fsWatcher.Close()
}

func (w *Watcher) addLayerDir(path string) {
	if err := w.fsWatcher.Add(path); err != nil {
		w.logger.Warn("failed to watch layer directory", "path", path, "error", err)
	}
}

func (w *Watcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == w.root {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addLayerDir(event.Name)
		}
	}

	layer, ok := layerFor(w.root, event.Name)
	if !ok {
		return
	}

	w.logger.Debug("file event", "layer", layer, "path", event.Name, "op", event.Op.String())
	w.enqueue(layer, event.Name, fsnotifyOpToOperation(event.Op))
}

func (w *Watcher) enqueue(layer, path string, op Operation) {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, exists := w.pending[layer]
	if !exists {
		w.pending[layer] = &pendingEvent{path: path, timestamp: time.Now(), op: op}
		return
	}

	existing.path = path
	existing.timestamp = time.Now()
	switch {
	case existing.op == OpDelete && op == OpCreate:
		existing.op = OpCreate
	case op == OpDelete:
		existing.op = OpDelete
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush(ctx, time.Now())
		}
	}
}

// flush dispatches every layer whose last event is older than the debounce
// window.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for layer, pending := range w.pending {
		if now.Sub(pending.timestamp) < w.debounce {
			continue
		}
		delete(w.pending, layer)

		event := Event{Layer: layer, Path: pending.path, Operation: pending.op}
		w.logger.Info("layer changed", "layer", layer, "operation", pending.op.String())

		go func(e Event) {
			if err := w.handler(ctx, e); err != nil {
				w.logger.Error("handler error", "layer", e.Layer, "operation", e.Operation.String(), "error", err)
			}
		}(event)
	}
}

func fsnotifyOpToOperation(op fsnotify.Op) Operation {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpDelete
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpModify
	}
}

// layerFor maps a changed path to its layer. Only {root}/{layer}/{layer}.mbtiles
// and {root}/{layer}/coverage.geojson are relevant.
func layerFor(root, path string) (string, bool) {
	dir := filepath.Dir(path)
	if filepath.Dir(dir) != root {
		return "", false
	}
	layer := filepath.Base(dir)
	name := filepath.Base(path)

	switch {
	case name == application.CoverageFile:
		return layer, true
	case strings.EqualFold(name, layer+domain.ArchiveExtension):
		return layer, true
	default:
		return "", false
	}
}

// Reloader is the set of caches a layer change invalidates.
type Reloader interface {
	Clear(layer string)
}

// Invalidator drops a cached layer listing.
type Invalidator interface {
	Invalidate()
}

// ReloadHandler returns a Handler that drops the layer's open archive and
// composed supertiles, then forces the next layer listing to rescan.
func ReloadHandler(tiles Reloader, layers Invalidator, logger *slog.Logger) Handler {
	return func(_ context.Context, event Event) error {
		tiles.Clear(event.Layer)
		layers.Invalidate()
		logger.Info("layer reloaded", "layer", event.Layer, "operation", event.Operation.String())
		return nil
	}
}
