package watcher

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period a path needs before its event is emitted.
const DefaultDebounce = 500 * time.Millisecond

type pendingEvent struct {
	ev       ChangeEvent
	seq      uint64
	lastSeen time.Time
}

// Debouncer coalesces bursts of raw events. A new event for a path that is
// still pending replaces it (merging kinds) and restarts its window, so each
// path emits at most one event per quiet period.
type Debouncer struct {
	window time.Duration

	mu      sync.Mutex
	seq     uint64
	pending map[string]*pendingEvent
	// renames holds unpaired rename-from events, most recent last.
	renames []*pendingEvent
}

func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Debouncer{window: window, pending: make(map[string]*pendingEvent)}
}

func (d *Debouncer) Window() time.Duration { return d.window }

// Add records a raw event observed at now.
func (d *Debouncer) Add(ev ChangeEvent, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = now
	}

	switch ev.Kind {
	case renameFrom:
		d.seq++
		d.renames = append(d.renames, &pendingEvent{ev: ev, seq: d.seq, lastSeen: now})
		return
	case Created:
		if old, ok := d.takeRename(ev.FolderID, now); ok {
			if sameExt(old.ev.Path, ev.Path) {
				ev.Kind = Renamed
				ev.OldPath = old.ev.Path
			} else {
				// A rename that changes the type is treated as remove + add,
				// so the new file goes through the matching extractor.
				d.put(ChangeEvent{Path: old.ev.Path, FolderID: old.ev.FolderID, Kind: Deleted, ObservedAt: old.ev.ObservedAt}, now)
			}
		}
	}
	d.put(ev, now)
}

func (d *Debouncer) takeRename(folderID string, now time.Time) (*pendingEvent, bool) {
	for i := len(d.renames) - 1; i >= 0; i-- {
		r := d.renames[i]
		if r.ev.FolderID != folderID || now.Sub(r.lastSeen) > d.window {
			continue
		}
		d.renames = append(d.renames[:i], d.renames[i+1:]...)
		return r, true
	}
	return nil, false
}

func sameExt(a, b string) bool {
	return strings.EqualFold(filepath.Ext(a), filepath.Ext(b))
}

func (d *Debouncer) put(ev ChangeEvent, now time.Time) {
	if p, ok := d.pending[ev.Path]; ok {
		p.ev = Merge(p.ev, ev)
		p.lastSeen = now
		return
	}
	d.seq++
	d.pending[ev.Path] = &pendingEvent{ev: ev, seq: d.seq, lastSeen: now}
}

// Merge folds next into prev for the same path. The result keeps the
// earliest observation time.
func Merge(prev, next ChangeEvent) ChangeEvent {
	out := next
	out.ObservedAt = prev.ObservedAt
	switch {
	case prev.Kind == Overflow || next.Kind == Overflow:
		out.Kind = Overflow
	case prev.Kind == Created && next.Kind == Modified:
		out.Kind = Created
	case prev.Kind == Deleted && next.Kind == Created:
		out.Kind = Modified
	case prev.Kind == Renamed && next.Kind == Modified:
		out.Kind = Renamed
		out.OldPath = prev.OldPath
	case prev.Kind == Renamed && next.Kind == Deleted:
		out.Kind = Deleted
		out.OldPath = prev.OldPath
	}
	return out
}

// Flush returns the events whose window has elapsed at now, in order of first
// arrival. Unpaired rename-from events become Deleted.
func (d *Debouncer) Flush(now time.Time) []ChangeEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ready []*pendingEvent
	kept := d.renames[:0]
	for _, r := range d.renames {
		if now.Sub(r.lastSeen) >= d.window {
			r.ev.Kind = Deleted
			ready = append(ready, r)
			continue
		}
		kept = append(kept, r)
	}
	d.renames = kept

	for path, p := range d.pending {
		if now.Sub(p.lastSeen) >= d.window {
			ready = append(ready, p)
			delete(d.pending, path)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
	out := make([]ChangeEvent, len(ready))
	for i, p := range ready {
		out[i] = p.ev
	}
	return out
}

// Pending reports how many paths are waiting for their window to elapse.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) + len(d.renames)
}
