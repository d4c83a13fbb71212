package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kalambet/owlet/internal/filter"
	"github.com/kalambet/owlet/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func kinds(evs []ChangeEvent) []EventKind {
	out := make([]EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestDebouncerMergesBurst(t *testing.T) {
	tests := []struct {
		name  string
		burst []EventKind
		want  EventKind
	}{
		{"create then writes", []EventKind{Created, Modified, Modified}, Created},
		{"create then delete", []EventKind{Created, Deleted}, Deleted},
		{"delete then recreate", []EventKind{Deleted, Created}, Modified},
		{"modify then delete", []EventKind{Modified, Deleted}, Deleted},
		{"repeated writes", []EventKind{Modified, Modified, Modified}, Modified},
		{"overflow wins", []EventKind{Modified, Overflow, Deleted}, Overflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDebouncer(500 * time.Millisecond)
			for i, k := range tt.burst {
				d.Add(ChangeEvent{Path: "/a/file.txt", Kind: k}, t0.Add(time.Duration(i)*100*time.Millisecond))
			}
			last := t0.Add(time.Duration(len(tt.burst)-1) * 100 * time.Millisecond)

			assert.Empty(t, d.Flush(last.Add(499*time.Millisecond)), "window restarts on every event")
			evs := d.Flush(last.Add(500 * time.Millisecond))
			require.Len(t, evs, 1)
			assert.Equal(t, tt.want, evs[0].Kind)
			assert.Equal(t, 0, d.Pending())
		})
	}
}

func TestDebouncerPreservesArrivalOrder(t *testing.T) {
	d := NewDebouncer(100 * time.Millisecond)
	d.Add(ChangeEvent{Path: "/a/1.txt", Kind: Created}, t0)
	d.Add(ChangeEvent{Path: "/a/2.txt", Kind: Created}, t0.Add(time.Millisecond))
	d.Add(ChangeEvent{Path: "/a/1.txt", Kind: Modified}, t0.Add(2*time.Millisecond))
	d.Add(ChangeEvent{Path: "/a/3.txt", Kind: Deleted}, t0.Add(3*time.Millisecond))

	evs := d.Flush(t0.Add(time.Second))
	require.Len(t, evs, 3)
	assert.Equal(t, "/a/1.txt", evs[0].Path)
	assert.Equal(t, "/a/2.txt", evs[1].Path)
	assert.Equal(t, "/a/3.txt", evs[2].Path)
}

func TestDebouncerRenamePairing(t *testing.T) {
	d := NewDebouncer(100 * time.Millisecond)
	d.Add(ChangeEvent{Path: "/a/old.txt", FolderID: "f", Kind: renameFrom}, t0)
	d.Add(ChangeEvent{Path: "/a/new.txt", FolderID: "f", Kind: Created}, t0.Add(time.Millisecond))

	evs := d.Flush(t0.Add(time.Second))
	require.Len(t, evs, 1)
	assert.Equal(t, Renamed, evs[0].Kind)
	assert.Equal(t, "/a/new.txt", evs[0].Path)
	assert.Equal(t, "/a/old.txt", evs[0].OldPath)
}

func TestDebouncerRenameChangingExtension(t *testing.T) {
	d := NewDebouncer(100 * time.Millisecond)
	d.Add(ChangeEvent{Path: "/a/report.txt", FolderID: "f", Kind: renameFrom}, t0)
	d.Add(ChangeEvent{Path: "/a/report.md", FolderID: "f", Kind: Created}, t0.Add(time.Millisecond))

	evs := d.Flush(t0.Add(time.Second))
	require.Len(t, evs, 2)
	assert.Equal(t, []EventKind{Deleted, Created}, kinds(evs))
	assert.Equal(t, "/a/report.txt", evs[0].Path)
	assert.Equal(t, "/a/report.md", evs[1].Path)
}

func TestDebouncerUnpairedRenameIsDelete(t *testing.T) {
	d := NewDebouncer(100 * time.Millisecond)
	d.Add(ChangeEvent{Path: "/a/moved-away.txt", FolderID: "f", Kind: renameFrom}, t0)

	assert.Empty(t, d.Flush(t0.Add(50*time.Millisecond)))
	evs := d.Flush(t0.Add(100 * time.Millisecond))
	require.Len(t, evs, 1)
	assert.Equal(t, Deleted, evs[0].Kind)

	// A create arriving after the window does not pair with the stale rename.
	d.Add(ChangeEvent{Path: "/a/x.txt", FolderID: "f", Kind: renameFrom}, t0)
	d.Add(ChangeEvent{Path: "/a/y.txt", FolderID: "f", Kind: Created}, t0.Add(time.Second))
	evs = d.Flush(t0.Add(2 * time.Second))
	assert.Equal(t, []EventKind{Deleted, Created}, kinds(evs))
}

func TestScanReconciles(t *testing.T) {
	root := t.TempDir()
	write := func(rel, body string) string {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}
	unchanged := write("same.txt", "same")
	changed := write("docs/changed.txt", "new body")
	added := write("docs/added.txt", "fresh")
	write("node_modules/dep/readme.txt", "ignored")
	write("binary.exe", "ignored")

	info, err := os.Stat(unchanged)
	require.NoError(t, err)
	gone := filepath.Join(root, "gone.txt")
	known := map[string]storage.FileState{
		unchanged: {Size: info.Size(), ModifiedAt: info.ModTime()},
		changed:   {Size: 1, ModifiedAt: info.ModTime().Add(-time.Hour)},
		gone:      {Size: 3, ModifiedAt: info.ModTime()},
	}

	f := filter.New(filter.Options{Extensions: []string{".txt"}, ExcludedDirs: []string{"node_modules"}}).WithFolder(root, nil, nil)
	got := map[string]EventKind{}
	stats, err := Scan(context.Background(), root, "f1", f, known, func(ev ChangeEvent) {
		assert.Equal(t, "f1", ev.FolderID)
		got[ev.Path] = ev.Kind
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]EventKind{
		changed: Modified,
		added:   Created,
		gone:    Deleted,
	}, got)
	assert.Equal(t, ScanStats{Seen: 4, Created: 1, Modified: 1, Deleted: 1}, stats)
}

func TestScanMissingRoot(t *testing.T) {
	f := filter.New(filter.Options{Extensions: []string{".txt"}})
	_, err := Scan(context.Background(), filepath.Join(t.TempDir(), "nope"), "f1", f, nil, func(ChangeEvent) {})
	assert.Error(t, err)
}

type chanSource struct {
	ch  chan ChangeEvent
	err error
}

func (s *chanSource) Subscribe(ctx context.Context, root string) (<-chan ChangeEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

func TestWatcherDebouncesAndDetectsLostWatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &chanSource{ch: make(chan ChangeEvent, 8)}
	w := New(src, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.NoError(t, w.Watch(ctx, "f1", "/docs"))
	assert.True(t, w.Watching("f1"))

	src.ch <- ChangeEvent{Path: "/docs/a.txt", Kind: Created}
	src.ch <- ChangeEvent{Path: "/docs/a.txt", Kind: Modified}

	select {
	case ev := <-w.Events():
		assert.Equal(t, Created, ev.Kind)
		assert.Equal(t, "f1", ev.FolderID)
	case <-time.After(2 * time.Second):
		t.Fatal("no debounced event")
	}

	close(src.ch)
	require.Eventually(t, func() bool { return w.IsDegraded("f1") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"f1"}, w.Degraded())
	assert.False(t, w.Watching("f1"))

	w.Unwatch("f1")
	assert.Empty(t, w.Degraded())

	cancel()
	<-done
}

func TestWatcherSubscribeFailureMarksDegraded(t *testing.T) {
	w := New(&chanSource{err: errors.New("too many open files")}, 0)
	err := w.Watch(context.Background(), "f1", "/docs")
	require.Error(t, err)
	assert.True(t, w.IsDegraded("f1"))
}

func TestFSNotifySourceReportsNewFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	src := NewFSNotifySource(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := src.Subscribe(ctx, root)
	require.NoError(t, err)

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	target := filepath.Join(sub, "note.txt")

	seen := false
	deadline := time.After(5 * time.Second)
	// The nested file may be written before its directory is watched; the
	// source reports it either way.
	for !seen {
		select {
		case ev, ok := <-ch:
			require.True(t, ok)
			if ev.Path == sub && ev.Kind == Created {
				require.NoError(t, os.WriteFile(target, []byte("hi"), 0o644))
			}
			if ev.Path == target && (ev.Kind == Created || ev.Kind == Modified) {
				seen = true
			}
		case <-deadline:
			t.Fatal("no event for nested file")
		}
	}

	cancel()
	for range ch {
	}
}
