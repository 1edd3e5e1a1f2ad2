package cards

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 卡片目录监听 ---

// WatchEvent is one debounced batch of card file changes.
type WatchEvent struct {
	// Changed lists created, modified and removed paths, sorted.
	Changed []string
	At      time.Time
}

// Watcher polls card directory trees (baseline and overlay roots) and
// reports changed card files. Polling keeps it portable across the
// filesystems card roots are mounted from.
type Watcher struct {
	mu sync.Mutex

	roots    []string
	interval time.Duration
	debounce time.Duration

	running   bool
	stop      chan struct{}
	done      chan struct{}
	callbacks []func(WatchEvent)
	modTimes  map[string]time.Time

	logger *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the roots are scanned.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDebounce sets how long changes are collected before dispatch.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher over roots. Empty roots are ignored.
func NewWatcher(roots []string, logger *zap.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		interval: time.Second,
		debounce: 200 * time.Millisecond,
		modTimes: make(map[string]time.Time),
		logger:   logger.With(zap.String("component", "card_watcher")),
	}
	for _, r := range roots {
		if r != "" {
			w.roots = append(w.roots, r)
		}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnChange registers a callback. Callbacks run on the watcher goroutine.
func (w *Watcher) OnChange(fn func(WatchEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start records the current state of the roots and begins polling.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	w.modTimes = w.scan()
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, w.stop, w.done)

	w.logger.Info("card watcher started",
		zap.Strings("roots", w.roots),
		zap.Duration("interval", w.interval),
		zap.Int("files", len(w.modTimes)))
	return nil
}

// Stop ends polling and waits for the loop to exit. Pending changes that
// were not yet dispatched are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stop, done := w.stop, w.done
	w.mu.Unlock()

	close(stop)
	<-done
	w.logger.Info("card watcher stopped")
}

func (w *Watcher) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	pending := make(map[string]bool)
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			changed := w.poll()
			if len(changed) == 0 {
				continue
			}
			for _, p := range changed {
				pending[p] = true
			}
			fire = time.After(w.debounce)
		case <-fire:
			fire = nil
			w.dispatch(pending)
			pending = make(map[string]bool)
		}
	}
}

// poll rescans the roots and returns the paths that differ from the last scan.
func (w *Watcher) poll() []string {
	cur := w.scan()

	w.mu.Lock()
	defer w.mu.Unlock()
	var changed []string
	for p, mt := range cur {
		if old, ok := w.modTimes[p]; !ok || !old.Equal(mt) {
			changed = append(changed, p)
		}
	}
	for p := range w.modTimes {
		if _, ok := cur[p]; !ok {
			changed = append(changed, p)
		}
	}
	w.modTimes = cur
	return changed
}

func (w *Watcher) dispatch(pending map[string]bool) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	ev := WatchEvent{Changed: paths, At: time.Now()}

	w.mu.Lock()
	callbacks := make([]func(WatchEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Debug("card files changed", zap.Strings("paths", paths))
	for _, cb := range callbacks {
		cb(ev)
	}
}

// scan walks every root and returns the modification time of each card
// file and overlay tombstone.
func (w *Watcher) scan() map[string]time.Time {
	out := make(map[string]time.Time)
	for _, root := range w.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() || (!isCardFile(path) && !strings.HasSuffix(path, tombstoneExt)) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			out[path] = info.ModTime()
			return nil
		})
		if err != nil {
			w.logger.Warn("scan card root failed", zap.String("root", root), zap.Error(err))
		}
	}
	return out
}
