// Package queue holds pending change events between the watcher and the
// indexing workers.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/kalambet/owlet/internal/watcher"
)

// DefaultCapacity covers a large cold start without unbounded growth.
const DefaultCapacity = 50000

var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO keyed by path. A path appears at most once: a new
// event for a queued path is merged into the queued one. A path that is
// being processed is never handed out again until Done is called, so events
// for one path are applied in arrival order.
type Queue struct {
	capacity int

	mu       sync.Mutex
	order    *list.List
	items    map[string]*list.Element
	inflight map[string]struct{}
	rescans  map[string]struct{}
	changed  chan struct{}
	closed   bool
	dropped  int
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		inflight: make(map[string]struct{}),
		rescans:  make(map[string]struct{}),
		changed:  make(chan struct{}),
	}
}

// signal wakes every waiter. Callers hold mu.
func (q *Queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Push enqueues ev. It returns false when the queue is full; the event's
// folder is then marked for a full re-scan instead of being lost.
func (q *Queue) Push(ev watcher.ChangeEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if el, ok := q.items[ev.Path]; ok {
		el.Value = watcher.Merge(el.Value.(watcher.ChangeEvent), ev)
		return true
	}
	if len(q.items) >= q.capacity {
		q.dropped++
		if ev.FolderID != "" {
			q.rescans[ev.FolderID] = struct{}{}
		}
		q.signal()
		return false
	}
	q.items[ev.Path] = q.order.PushBack(ev)
	q.signal()
	return true
}

// Pop blocks until an event whose path is not in flight is available. The
// returned path stays in flight until Done.
func (q *Queue) Pop(ctx context.Context) (watcher.ChangeEvent, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return watcher.ChangeEvent{}, ErrClosed
		}
		if ev, ok := q.takeLocked(); ok {
			q.mu.Unlock()
			return ev, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return watcher.ChangeEvent{}, ctx.Err()
		case <-wait:
		}
	}
}

// TryPop is the non-blocking form of Pop.
func (q *Queue) TryPop() (watcher.ChangeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return watcher.ChangeEvent{}, false
	}
	return q.takeLocked()
}

func (q *Queue) takeLocked() (watcher.ChangeEvent, bool) {
	for el := q.order.Front(); el != nil; el = el.Next() {
		ev := el.Value.(watcher.ChangeEvent)
		if _, busy := q.inflight[ev.Path]; busy {
			continue
		}
		q.order.Remove(el)
		delete(q.items, ev.Path)
		q.inflight[ev.Path] = struct{}{}
		return ev, true
	}
	return watcher.ChangeEvent{}, false
}

// Done releases a path handed out by Pop.
func (q *Queue) Done(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, path)
	q.signal()
}

// Changed returns a channel closed at the next state change.
func (q *Queue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// TakeRescans returns and clears the folders that overflowed, sorted.
func (q *Queue) TakeRescans() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.rescans) == 0 {
		return nil
	}
	ids := make([]string, 0, len(q.rescans))
	for id := range q.rescans {
		ids = append(ids, id)
	}
	q.rescans = make(map[string]struct{})
	sort.Strings(ids)
	return ids
}

// Len returns the number of queued events, excluding in-flight ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Idle reports whether nothing is queued or in flight.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && len(q.inflight) == 0
}

func (q *Queue) Capacity() int { return q.capacity }

// Dropped reports how many pushes were refused because the queue was full.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes all waiters; subsequent Pop calls return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signal()
	}
}
