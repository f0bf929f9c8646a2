package bundle

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher observes the support base directory for newly arrived bundle
// archives so status endpoints can surface them before anyone loads them.
type Watcher struct {
	baseDir string
	logger  *logrus.Logger

	fsw    *fsnotify.Watcher
	mu     sync.Mutex
	seen   map[string]struct{}
	recent []string
	done   chan struct{}
}

// maxRecentArrivals bounds the arrival list kept in memory.
const maxRecentArrivals = 20

// NewWatcher starts watching baseDir (and its immediate tenant
// subdirectories). A missing directory makes it return an error.
func NewWatcher(baseDir string, logger *logrus.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		baseDir: baseDir,
		logger:  logger,
		fsw:     fsw,
		seen:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	if err := fsw.Add(baseDir); err != nil {
		fsw.Close()
		return nil, err
	}
	if entries, err := os.ReadDir(baseDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				fsw.Add(filepath.Join(baseDir, e.Name()))
			}
		}
	}
	go w.loop()
	return w, nil
}

// RecentArrivals returns archive paths seen since startup, newest last.
func (w *Watcher) RecentArrivals() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.recent))
	copy(out, w.recent)
	return out
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			lower := strings.ToLower(name)
			if isDir(ev.Name) {
				// New tenant directory: watch it too, best effort.
				w.fsw.Add(ev.Name)
				continue
			}
			if !strings.HasSuffix(lower, ".tar.gz") || !(strings.HasPrefix(lower, "sb-") || strings.HasPrefix(lower, "sb_")) {
				continue
			}
			w.mu.Lock()
			if _, dup := w.seen[ev.Name]; !dup {
				w.seen[ev.Name] = struct{}{}
				w.recent = append(w.recent, ev.Name)
				if len(w.recent) > maxRecentArrivals {
					w.recent = w.recent[len(w.recent)-maxRecentArrivals:]
				}
			}
			w.mu.Unlock()
			w.logger.WithField("archive", ev.Name).Info("New support bundle archive arrived")
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Debug("Support dir watcher error")
		case <-w.done:
			return
		}
	}
}
