// Package watch feeds newly appearing files into the categorization service
// as they land in a watched directory.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"aisort/internal/categorize"
	"aisort/internal/llm"
	"aisort/internal/types"
)

// debounceWindow batches bursts of filesystem events (downloads, unpacking)
// into one categorization pass.
const debounceWindow = 2 * time.Second

// Watcher observes one directory and categorizes entries as they appear.
type Watcher struct {
	dir     string
	service *categorize.Service
	factory llm.Factory
	cb      categorize.Callbacks
	log     *zap.Logger

	mu      sync.Mutex
	pending map[string]types.FileEntry
}

// New builds a watcher over dir using the given service and client factory.
func New(dir string, service *categorize.Service, factory llm.Factory, cb categorize.Callbacks, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		dir:     dir,
		service: service,
		factory: factory,
		cb:      cb,
		log:     log,
		pending: make(map[string]types.FileEntry),
	}
}

// Run watches until the context is cancelled. Create and rename events are
// debounced and then categorized in name order.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	w.log.Info("Watching directory", zap.String("dir", w.dir))

	var stop atomic.Bool
	go func() {
		<-ctx.Done()
		stop.Store(true)
	}()

	timer := time.NewTimer(debounceWindow)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if entry, ok := w.buildEntry(event.Name); ok {
				w.mu.Lock()
				w.pending[entry.FullPath] = entry
				w.mu.Unlock()
				timer.Reset(debounceWindow)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Watcher error", zap.Error(err))

		case <-timer.C:
			w.flush(&stop)
		}
	}
}

// buildEntry converts an event path into a FileEntry, skipping hidden files
// and paths that vanished before they could be stat'ed.
func (w *Watcher) buildEntry(path string) (types.FileEntry, bool) {
	name := filepath.Base(path)
	if name == "" || name[0] == '.' {
		return types.FileEntry{}, false
	}

	info, err := os.Stat(path)
	if err != nil {
		return types.FileEntry{}, false
	}

	fileType := types.File
	if info.IsDir() {
		fileType = types.Directory
	}
	return types.FileEntry{FullPath: path, FileName: name, Type: fileType}, true
}

// flush categorizes the accumulated entries.
func (w *Watcher) flush(stop *atomic.Bool) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	entries := make([]types.FileEntry, 0, len(w.pending))
	for _, entry := range w.pending {
		entries = append(entries, entry)
	}
	w.pending = make(map[string]types.FileEntry)
	w.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FileName < entries[j].FileName
	})

	w.log.Info("Categorizing new entries", zap.Int("count", len(entries)))
	if _, err := w.service.CategorizeEntries(entries, stop, w.cb, w.factory); err != nil {
		w.log.Error("Watch categorization failed", zap.Error(err))
	}
}
