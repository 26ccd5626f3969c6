package watcher

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"photocache/internal/blobstore"
	"photocache/internal/logging"
	"photocache/internal/metrics"
)

var log = logging.For("watcher")

// Forgetter drops cache state for a file that no longer exists.
type Forgetter interface {
	ForgetFile(path string) int
}

// Watcher forwards external removals in a cache directory to a Forgetter.
type Watcher struct {
	dir    string
	target Forgetter
	fsw    *fsnotify.Watcher

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a watcher on dir. Call Start to begin processing events.
func New(dir string, target Forgetter) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		metrics.WatcherErrors.Inc()
		return nil, err
	}
	if err := fsw.Add(abs); err != nil {
		metrics.WatcherErrors.Inc()
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{dir: abs, target: target, fsw: fsw}, nil
}

// Start processes events in the background until Stop is called.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.processEvents()
	}()
	log.Debug("watching %s for external removals", w.dir)
}

// Stop closes the underlying watcher and waits for the event loop to exit.
// It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if err := w.fsw.Close(); err != nil {
			log.Error("failed to close file watcher: %v", err)
		}
		w.wg.Wait()
	})
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error("watcher error: %v", err)
			metrics.WatcherErrors.Inc()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	// Temp files and the ledger churn on every write.
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, blobstore.ImageExt) {
		return
	}

	metrics.WatcherEventsTotal.WithLabelValues(eventType(event.Op)).Inc()

	if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if n := w.target.ForgetFile(event.Name); n > 0 {
		log.Info("%s removed externally, forgot %d ledger entries", name, n)
	}
}

// eventType returns a label for the fsnotify operation.
func eventType(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "rename"
	case op&fsnotify.Chmod != 0:
		return "chmod"
	default:
		return "unknown"
	}
}
