// Package inbox submits audio files dropped into a watched directory.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/voxdeck/internal/storage"
)

const defaultSettle = 500 * time.Millisecond

// AudioExtensions lists the file types picked up from the inbox.
var AudioExtensions = []string{".ogg", ".oga", ".opus", ".mp3", ".m4a", ".wav", ".flac", ".aac", ".webm"}

// Importer turns a local audio file into a pending run.
type Importer interface {
	Import(ctx context.Context, path, recipient, source string) (storage.Run, error)
}

// Watcher monitors a directory and imports each new audio file once it has
// stopped changing for the settle period.
type Watcher struct {
	dir      string
	importer Importer
	settle   time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer

	// imported holds the size and mtime each file had when it was imported.
	// Entries are dropped when the file leaves the inbox.
	imported map[string]fileStamp
	wg       sync.WaitGroup
}

type fileStamp struct {
	size    int64
	modTime int64
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{size: info.Size(), modTime: info.ModTime().UnixNano()}
}

// New creates a Watcher on dir. If settle is <= 0, it defaults to 500ms.
func New(dir string, importer Importer, settle time.Duration) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating inbox dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("add watch path: %w", err)
	}
	if settle <= 0 {
		settle = defaultSettle
	}
	return &Watcher{
		dir:      dir,
		importer: importer,
		settle:   settle,
		watcher:  fw,
		logger:   slog.Default(),
		pending:  make(map[string]*time.Timer),
		imported: make(map[string]fileStamp),
	}, nil
}

// Start watches until ctx is cancelled, then waits for in-flight imports.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("inbox watcher started", "dir", w.dir)
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			w.wg.Wait()
			w.logger.Info("inbox watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.forget(event.Name)
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !IsAudioFile(event.Name) {
				w.logger.Debug("ignoring non-audio file", "path", event.Name)
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		// A timer that already fired is about to submit; leave it alone.
		if t.Stop() {
			t.Reset(w.settle)
		}
		return
	}
	w.wg.Add(1)
	w.pending[path] = time.AfterFunc(w.settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.submit(ctx, path)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
}

// forget drops the import record of a file that left the inbox.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.imported, path)
}

// submit imports path unless its current content was already imported. A
// path is only recorded after a successful import, so empty files and
// failed imports are retried on the next write.
func (w *Watcher) submit(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		w.logger.Warn("skipping inbox file", "path", path, "error", err)
		return
	}
	stamp := stampOf(info)

	w.mu.Lock()
	prev, done := w.imported[path]
	w.mu.Unlock()
	if done && prev == stamp {
		return
	}

	run, err := w.importer.Import(ctx, path, "", storage.SourceInbox)
	if err != nil {
		w.logger.Error("inbox import failed", "path", path, "error", err)
		return
	}

	w.mu.Lock()
	w.imported[path] = stamp
	w.mu.Unlock()
	w.logger.Info("inbox file submitted", "path", path, "run_id", run.ID)
}

// IsAudioFile reports whether path has a supported audio extension and is
// not a hidden or partial file.
func IsAudioFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range AudioExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
