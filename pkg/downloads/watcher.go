// Package downloads watches download directories and reports each new
// file once the browser has finished writing it.
package downloads

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Download is a file that appeared in a watched directory and has stopped
// changing.
type Download struct {
	Path       string
	Size       int64
	ModTime    time.Time
	DetectedAt time.Time
}

// Config for the watcher
type Config struct {
	Dirs []string
	// Settle is how long a file's size and mtime must stay unchanged
	// before it is reported.
	Settle    time.Duration
	Downloads chan<- Download
}

// partialSuffixes are in-progress download names used by common browsers.
// The finished file arrives later under its final name.
var partialSuffixes = []string{
	".part", ".crdownload", ".download", ".partial", ".tmp", ".opdownload",
}

type pendingFile struct {
	size       int64
	modTime    time.Time
	lastChange time.Time
}

// Watcher tracks new files in the configured directories.
type Watcher struct {
	cfg     Config
	log     *logrus.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*pendingFile
}

// New creates a Watcher on cfg.Dirs. Directories that do not exist are
// skipped with a warning; it is an error if none can be watched.
func New(cfg Config, log *logrus.Logger) (*Watcher, error) {
	if cfg.Downloads == nil {
		return nil, fmt.Errorf("downloads channel must be set")
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		cfg:     cfg,
		log:     log,
		watcher: fw,
		pending: make(map[string]*pendingFile),
	}

	watched := 0
	for _, dir := range cfg.Dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			log.WithField("path", dir).Warn("Download directory not found, skipping")
			continue
		}
		if err := fw.Add(dir); err != nil {
			log.WithError(err).WithField("path", dir).Warn("Failed to watch download directory")
			continue
		}
		watched++
	}
	if watched == 0 {
		fw.Close()
		return nil, fmt.Errorf("no download directory could be watched")
	}
	return w, nil
}

// Start processes filesystem events until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.log.WithField("dirs", w.cfg.Dirs).Info("Starting download watcher")
	defer w.watcher.Close()

	ticker := time.NewTicker(w.checkInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Download watcher stopping")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event, time.Now())

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Watcher error")

		case now := <-ticker.C:
			for _, d := range w.settled(now) {
				select {
				case w.cfg.Downloads <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (w *Watcher) checkInterval() time.Duration {
	return max(w.cfg.Settle/2, 50*time.Millisecond)
}

func (w *Watcher) handleEvent(event fsnotify.Event, now time.Time) {
	path := event.Name
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		return
	case event.Op&(fsnotify.Create|fsnotify.Write) == 0:
		return
	}
	if IsPartial(path) {
		return
	}

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok {
		p.size, p.modTime, p.lastChange = info.Size(), info.ModTime(), now
		return
	}
	w.pending[path] = &pendingFile{size: info.Size(), modTime: info.ModTime(), lastChange: now}
	w.log.WithField("path", path).Debug("New download detected")
}

// settled returns the pending files that have not changed for the settle
// interval and stops tracking them.
func (w *Watcher) settled(now time.Time) []Download {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []Download
	for path, p := range w.pending {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			delete(w.pending, path)
			continue
		}
		if info.Size() != p.size || !info.ModTime().Equal(p.modTime) {
			p.size, p.modTime, p.lastChange = info.Size(), info.ModTime(), now
			continue
		}
		if now.Sub(p.lastChange) < w.cfg.Settle {
			continue
		}
		delete(w.pending, path)
		out = append(out, Download{Path: path, Size: p.size, ModTime: p.modTime, DetectedAt: now})
	}
	return out
}

// Pending reports how many files are waiting to settle.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// IsPartial reports whether name looks like an in-progress download.
func IsPartial(name string) bool {
	lower := strings.ToLower(filepath.Base(name))
	for _, s := range partialSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}
