package watcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type subscription struct {
	path   string
	cancel context.CancelFunc
}

// Watcher multiplexes per-folder subscriptions through one debouncer and
// tracks which folders have lost their live watch.
type Watcher struct {
	source Source
	deb    *Debouncer
	out    chan ChangeEvent
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[string]*subscription
	degraded map[string]string // folder ID -> path
	wg       sync.WaitGroup
}

func New(source Source, debounce time.Duration) *Watcher {
	return &Watcher{
		source:   source,
		deb:      NewDebouncer(debounce),
		out:      make(chan ChangeEvent, 1024),
		logger:   slog.Default(),
		subs:     make(map[string]*subscription),
		degraded: make(map[string]string),
	}
}

// Events returns debounced events. It is closed when Run returns.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.out
}

// Run flushes the debouncer until ctx is cancelled, then stops every
// subscription.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.out)
	defer w.wg.Wait()
	defer w.stopAll()

	tick := w.deb.Window() / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ev := range w.deb.Flush(now) {
				select {
				case w.out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Watch subscribes to a folder. On failure the folder is marked degraded and
// the error is returned; callers fall back to periodic scans.
func (w *Watcher) Watch(ctx context.Context, folderID, path string) error {
	w.mu.Lock()
	if _, ok := w.subs[folderID]; ok {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := w.source.Subscribe(subCtx, path)
	if err != nil {
		cancel()
		w.markDegraded(folderID, path)
		return err
	}

	w.mu.Lock()
	w.subs[folderID] = &subscription{path: path, cancel: cancel}
	delete(w.degraded, folderID)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.forward(subCtx, folderID, path, ch)
	return nil
}

func (w *Watcher) forward(ctx context.Context, folderID, path string, ch <-chan ChangeEvent) {
	defer w.wg.Done()
	for ev := range ch {
		ev.FolderID = folderID
		w.deb.Add(ev, time.Now())
	}
	if ctx.Err() != nil {
		return
	}

	w.logger.Warn("folder watch lost, falling back to periodic scans", "folder", folderID, "path", path)
	w.mu.Lock()
	if sub, ok := w.subs[folderID]; ok {
		sub.cancel()
		delete(w.subs, folderID)
	}
	w.mu.Unlock()
	w.markDegraded(folderID, path)
}

func (w *Watcher) markDegraded(folderID, path string) {
	w.mu.Lock()
	w.degraded[folderID] = path
	w.mu.Unlock()
}

// Unwatch cancels the subscription of a folder and forgets its degraded state.
func (w *Watcher) Unwatch(folderID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sub, ok := w.subs[folderID]; ok {
		sub.cancel()
		delete(w.subs, folderID)
	}
	delete(w.degraded, folderID)
}

func (w *Watcher) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, sub := range w.subs {
		sub.cancel()
		delete(w.subs, id)
	}
}

// Degraded returns the IDs of folders without a live watch, sorted.
func (w *Watcher) Degraded() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.degraded))
	for id := range w.degraded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (w *Watcher) IsDegraded(folderID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.degraded[folderID]
	return ok
}

// Watching reports whether a folder has a live subscription.
func (w *Watcher) Watching(folderID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.subs[folderID]
	return ok
}
