package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/ingestion"
	"github.com/legal-rag/backend/pkg/logger"
	"github.com/legal-rag/backend/pkg/utils"
)

// Watcher indexes supported files dropped into a directory. Each distinct file
// content is indexed once, however many events the write produces.
type Watcher struct {
	indexer *Indexer
	dir     string
	settle  time.Duration

	mu      sync.Mutex
	seen    map[string]struct{}
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

func NewWatcher(ix *Indexer, dir string) *Watcher {
	return &Watcher{
		indexer: ix,
		dir:     dir,
		settle:  500 * time.Millisecond,
		seen:    make(map[string]struct{}),
		pending: make(map[string]*time.Timer),
	}
}

// MarkIndexed records content that is already in the index, e.g. after a seed run.
func (w *Watcher) MarkIndexed(data []byte) {
	w.mu.Lock()
	w.seen[utils.HashBytes(data)] = struct{}{}
	w.mu.Unlock()
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	logger.Info("Watching directory", zap.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			w.stop()
			logger.Info("Directory watcher stopped", zap.String("dir", w.dir))
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				w.stop()
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.indexer.processor.Extractor().Supports(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-fw.Errors:
			if !ok {
				w.stop()
				return nil
			}
			logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

// schedule restarts the settle timer for path so a burst of writes is handled once.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok && t.Stop() {
		t.Reset(w.settle)
		return
	}

	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.settle, func() {
		defer w.wg.Done()

		w.mu.Lock()
		if w.pending[path] == t {
			delete(w.pending, path)
		}
		w.mu.Unlock()

		w.handle(ctx, path)
	})
	w.pending[path] = t
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) handle(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("Failed to read watched file", zap.String("path", path), zap.Error(err))
		return
	}

	hash := utils.HashBytes(data)
	w.mu.Lock()
	if _, dup := w.seen[hash]; dup {
		w.mu.Unlock()
		logger.Debug("Skipping already indexed content", zap.String("path", path))
		return
	}
	w.seen[hash] = struct{}{}
	w.mu.Unlock()

	if _, err := w.indexer.IndexDocument(ctx, ingestion.Upload{Filename: filepath.Base(path), Data: data}); err != nil {
		w.mu.Lock()
		delete(w.seen, hash)
		w.mu.Unlock()
		logger.Error("Failed to index watched file", zap.String("path", path), zap.Error(err))
	}
}
