// Package signalwatch watches a signal file for writes and forwards a
// debounced wake pulse, letting an external process nudge the supervisor
// loop into an early tick instead of waiting for the next fixed-period
// fire (spec §9: "a future refinement may use an event-driven scheduler").
//
// Grounded on jaakkos-stringwork's internal/app.Notifier.watchLoop/
// triggerDebounced: same fsnotify-watch-the-parent-dir-for-this-basename
// shape and same debounce-via-time.AfterFunc collapsing of bursty writes.
// If the watcher fails to start, Run returns and no poll loop is started
// here; the supervisor's fixed polling period still drives ticks.
package signalwatch

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher emits a pulse on C whenever the signal file is created or
// written, debounced so a burst of writes yields one pulse.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *log.Logger

	out chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// New constructs a Watcher for path. It does not start watching until Run
// is called.
func New(path string, logger *log.Logger) *Watcher {
	return &Watcher{path: path, debounce: defaultDebounce, logger: logger, out: make(chan struct{}, 1)}
}

// C is the wake channel; intended to be assigned to supervisor.Supervisor.Wake.
func (w *Watcher) C() <-chan struct{} { return w.out }

// Run watches the signal file's parent directory until ctx is cancelled.
// If fsnotify fails to initialize or to watch the directory, Run logs a
// warning and returns without starting a poll-only fallback: the
// supervisor's fixed polling period already covers that case, matching
// spec 5's "polling is acceptable and intentional" baseline.
func (w *Watcher) Run(ctx context.Context) {
	dir := filepath.Dir(w.path)
	name := filepath.Base(w.path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		if w.logger != nil {
			w.logger.Printf("signalwatch: fsnotify init failed (%v), falling back to polling only", err)
		}
		return
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		if w.logger != nil {
			w.logger.Printf("signalwatch: watch %s failed (%v), falling back to polling only", dir, err)
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.debouncedPulse()
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) debouncedPulse() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.pulse)
}

func (w *Watcher) pulse() {
	select {
	case w.out <- struct{}{}:
	default:
	}
}

// Touch writes a monotonic revision marker to path so watchers (including
// this process's own) observe a write event, mirroring jaakkos-stringwork's
// TouchNotifySignal.
func Touch(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	rev := strconv.FormatInt(time.Now().UnixNano(), 10)
	return os.WriteFile(path, []byte(rev), 0o644)
}
