package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kalambet/owlet/internal/extract"
	"github.com/kalambet/owlet/internal/filter"
	"github.com/kalambet/owlet/internal/queue"
	"github.com/kalambet/owlet/internal/search"
	"github.com/kalambet/owlet/internal/storage"
	"github.com/kalambet/owlet/internal/throttle"
	"github.com/kalambet/owlet/internal/watcher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type steadySignals struct{}

func (steadySignals) IdleFor() time.Duration     { return 0 }
func (steadySignals) Battery() (bool, int, bool) { return false, 0, false }

// countingStore records the size of every committed batch and can be told
// to fail the next commits.
type countingStore struct {
	*storage.Store

	mu       sync.Mutex
	sizes    []int
	failures int
}

func (c *countingStore) ApplyBatch(ctx context.Context, b storage.Batch) error {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return errors.New("disk hiccup")
	}
	c.sizes = append(c.sizes, b.Len())
	c.mu.Unlock()
	return c.Store.ApplyBatch(ctx, b)
}

func (c *countingStore) commits() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.sizes...)
}

type harness struct {
	p     *Pipeline
	store *countingStore
	q     *queue.Queue
	gate  *throttle.Gate
	dir   string
}

func newHarness(t *testing.T, cfg Config, ex Extractor, opts filter.Options) *harness {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	dir := t.TempDir()
	if opts.Extensions == nil {
		opts.Extensions = []string{".txt", ".md", ".pdf", ".docx"}
	}
	f := filter.New(opts).WithFolder(dir, nil, nil)
	lookup := func(id string) (*filter.Filter, bool) { return f, id == "f1" }

	if ex == nil {
		ex = extract.Default(extract.Options{MaxTextBytes: 1 << 20, Retry: extract.RetryPolicy{Attempts: 1}})
	}
	ctrl := throttle.NewController(throttle.Config{BaseWorkers: 2, IdleWorkers: 4}, steadySignals{})
	gate := throttle.NewGate(ctrl)
	q := queue.New(1000)
	cs := &countingStore{Store: s}
	if cfg.Workers == 0 {
		cfg.Workers = ctrl.Ceiling()
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	cfg.CommitRetryDelay = time.Millisecond
	return &harness{p: New(cfg, cs, ex, lookup, q, gate), store: cs, q: q, gate: gate, dir: dir}
}

func (h *harness) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(h.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func (h *harness) process(t *testing.T, kind watcher.EventKind, path, oldPath string) Outcome {
	t.Helper()
	out, err := h.p.ProcessEvent(context.Background(), watcher.ChangeEvent{
		Path: path, OldPath: oldPath, FolderID: "f1", Kind: kind, ObservedAt: time.Now(),
	})
	require.NoError(t, err)
	return out
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.p.batcher.Flush(context.Background()))
}

// run starts the pipeline and returns a stop function that waits for Run
// to return.
func (h *harness) run(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline did not stop")
		}
	}
}

func TestProcessEventStates(t *testing.T) {
	h := newHarness(t, Config{}, nil, filter.Options{MaxFileSize: 64})

	hello := h.write(t, "hello.txt", "hello world")
	broken := h.write(t, "broken.pdf", "%PDF-1.4 this is not really a pdf")
	report := h.write(t, "report.docx", strings.Repeat("x", 200))
	binary := h.write(t, "tool.exe", "MZ")

	assert.Equal(t, Outcome{State: StateIndexed}, h.process(t, watcher.Created, hello, ""))
	assert.Equal(t, StateUnreadable, h.process(t, watcher.Created, broken, "").State)
	assert.Equal(t, Outcome{State: StateIndexed, Reason: filter.ReasonTooLarge}, h.process(t, watcher.Created, report, ""))
	assert.Equal(t, Outcome{State: StateSkipped, Reason: filter.ReasonExtension}, h.process(t, watcher.Created, binary, ""))
	h.flush(t)

	got, err := h.store.GetFileByPath(hello)
	require.NoError(t, err)
	assert.True(t, got.Readable)
	assert.Equal(t, "text", got.ExtractionMethod)
	assert.Equal(t, storage.KindDocument, got.Kind)
	content, err := h.store.GetContent(hello)
	require.NoError(t, err)
	assert.Equal(t, "hello world", content)

	got, err = h.store.GetFileByPath(broken)
	require.NoError(t, err)
	assert.False(t, got.Readable)
	assert.NotEmpty(t, got.ErrorReason)
	assert.NotEmpty(t, got.ContentHash)

	got, err = h.store.GetFileByPath(report)
	require.NoError(t, err)
	assert.True(t, got.Readable)
	assert.Equal(t, extract.MethodMetadataOnly, got.ExtractionMethod)
	assert.Equal(t, int64(200), got.Size)

	_, err = h.store.GetFileByPath(binary)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	s := h.p.Stats()
	assert.Equal(t, int64(2), s.Indexed)
	assert.Equal(t, int64(1), s.Unreadable)
	assert.Equal(t, int64(1), s.Skipped)
}

func TestThreeFileScenarioIsSearchable(t *testing.T) {
	h := newHarness(t, Config{}, nil, filter.Options{MaxFileSize: 64})
	hello := h.write(t, "hello.txt", "hello world")
	broken := h.write(t, "broken.pdf", "%PDF-1.4 this is not really a pdf")
	report := h.write(t, "report.docx", strings.Repeat("zucchini ", 30))

	for _, p := range []string{hello, broken, report} {
		h.process(t, watcher.Created, p, "")
	}
	h.flush(t)

	eng := search.NewEngine(h.store.Store, search.Options{})
	ctx := context.Background()

	res := eng.Search(ctx, "hello", 10, 0)
	require.Len(t, res.Items, 1)
	assert.Equal(t, hello, res.Items[0].Path)

	got, err := h.store.GetFileByPath(broken)
	require.NoError(t, err)
	assert.False(t, got.Readable)
	assert.NotEmpty(t, got.ErrorReason)

	// Too large to extract, so only the name is searchable.
	res = eng.Search(ctx, "report", 10, 0)
	require.Len(t, res.Items, 1)
	assert.Equal(t, report, res.Items[0].Path)
	res = eng.Search(ctx, "zucchini", 10, 0)
	assert.Empty(t, res.Items)
	assert.Zero(t, res.Total)
}

func TestUnchangedFileIsSkipped(t *testing.T) {
	h := newHarness(t, Config{}, nil, filter.Options{})
	p := h.write(t, "notes.md", "# Title\n\nsome notes")

	require.Equal(t, StateIndexed, h.process(t, watcher.Created, p, "").State)
	h.flush(t)
	before, err := h.store.GetFileByPath(p)
	require.NoError(t, err)

	assert.Equal(t, Outcome{State: StateSkipped, Reason: ReasonUnchanged}, h.process(t, watcher.Modified, p, ""))

	// Same bytes, new mtime: only the metadata moves.
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(p, later, later))
	assert.Equal(t, Outcome{State: StateSkipped, Reason: ReasonUnchanged}, h.process(t, watcher.Modified, p, ""))
	h.flush(t)
	after, err := h.store.GetFileByPath(p)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.True(t, after.ModifiedAt.Equal(info.ModTime()), "mtime %v, want %v", after.ModifiedAt, info.ModTime())

	// Nothing changed at all: nothing is staged.
	h.process(t, watcher.Modified, p, "")
	assert.Zero(t, h.p.Stats().Staged)

	h.write(t, "notes.md", "# Title\n\ncompletely different notes")
	assert.Equal(t, StateIndexed, h.process(t, watcher.Modified, p, "").State)
	h.flush(t)
	content, _ := h.store.GetContent(p)
	assert.Contains(t, content, "completely different")
}

type lockedExtractor struct{ calls atomic.Int32 }

func (*lockedExtractor) Name() string              { return "text" }
func (*lockedExtractor) CanHandle(ext string) bool { return ext == ".txt" }
func (l *lockedExtractor) Extract(context.Context, string) (string, error) {
	l.calls.Add(1)
	return "", extract.ErrFileLocked
}

func TestLockedFileBecomesUnreadable(t *testing.T) {
	locked := &lockedExtractor{}
	reg := extract.NewRegistry(extract.Options{Retry: extract.RetryPolicy{Attempts: 3, Delay: time.Millisecond}}, locked)
	h := newHarness(t, Config{}, reg, filter.Options{})
	p := h.write(t, "busy.txt", "held open elsewhere")

	out := h.process(t, watcher.Created, p, "")
	assert.Equal(t, StateUnreadable, out.State)
	assert.Contains(t, out.Reason, "locked")
	assert.Equal(t, int32(3), locked.calls.Load())
	h.flush(t)

	got, err := h.store.GetFileByPath(p)
	require.NoError(t, err)
	assert.False(t, got.Readable)
	assert.Empty(t, got.ContentHash)

	// No hash recorded, so the next event tries again.
	h.process(t, watcher.Modified, p, "")
	assert.Equal(t, int32(6), locked.calls.Load())
}

func TestLockedFileIsNotRescannedUntilChanged(t *testing.T) {
	locked := &lockedExtractor{}
	reg := extract.NewRegistry(extract.Options{Retry: extract.RetryPolicy{Attempts: 3, Delay: time.Millisecond}}, locked)
	h := newHarness(t, Config{}, reg, filter.Options{})
	p := h.write(t, "busy.txt", "held open elsewhere")

	h.process(t, watcher.Created, p, "")
	h.flush(t)
	require.Equal(t, int32(3), locked.calls.Load())

	f, _ := h.p.filters("f1")
	rescan := func() []watcher.ChangeEvent {
		known, err := h.store.FileStates("f1")
		require.NoError(t, err)
		var evs []watcher.ChangeEvent
		_, err = watcher.Scan(context.Background(), h.dir, "f1", f, known, func(ev watcher.ChangeEvent) {
			evs = append(evs, ev)
		})
		require.NoError(t, err)
		return evs
	}
	for i := 0; i < 5; i++ {
		assert.Empty(t, rescan(), "round %d", i)
	}
	assert.Equal(t, int32(3), locked.calls.Load())

	// A change on disk earns it another round of attempts.
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(p, later, later))
	evs := rescan()
	require.Len(t, evs, 1)
	assert.Equal(t, watcher.Modified, evs[0].Kind)
	h.process(t, evs[0].Kind, evs[0].Path, "")
	assert.Equal(t, int32(6), locked.calls.Load())
}

func TestRenameAndDelete(t *testing.T) {
	h := newHarness(t, Config{}, nil, filter.Options{})
	a := h.write(t, "a.txt", "alpha content")
	h.write(t, "dir/x.txt", "x")
	h.write(t, "dir/y.txt", "y")

	h.process(t, watcher.Created, a, "")
	h.process(t, watcher.Created, filepath.Join(h.dir, "dir", "x.txt"), "")
	h.process(t, watcher.Created, filepath.Join(h.dir, "dir", "y.txt"), "")
	h.flush(t)
	orig, err := h.store.GetFileByPath(a)
	require.NoError(t, err)

	b := filepath.Join(h.dir, "b.txt")
	require.NoError(t, os.Rename(a, b))
	assert.Equal(t, Outcome{State: StateSkipped, Reason: ReasonUnchanged}, h.process(t, watcher.Renamed, b, a))
	h.flush(t)

	moved, err := h.store.GetFileByPath(b)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, moved.ID)
	_, err = h.store.GetFileByPath(a)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A renamed directory moves every row below it.
	dir, moved2 := filepath.Join(h.dir, "dir"), filepath.Join(h.dir, "moved")
	require.NoError(t, os.Rename(dir, moved2))
	assert.Equal(t, Outcome{State: StateIndexed, Reason: ReasonDirectoryMoved}, h.process(t, watcher.Renamed, moved2, dir))
	h.flush(t)
	paths, err := h.store.PathsUnder(moved2)
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	require.NoError(t, os.Remove(b))
	assert.Equal(t, StateRemoved, h.process(t, watcher.Deleted, b, "").State)
	require.NoError(t, os.RemoveAll(moved2))
	assert.Equal(t, StateRemoved, h.process(t, watcher.Deleted, moved2, "").State)
	h.flush(t)

	n, err := h.store.CountFiles(storage.FileFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteBeforeCommitRemovesStagedRow(t *testing.T) {
	h := newHarness(t, Config{}, nil, filter.Options{})
	p := h.write(t, "fleeting.txt", "here for a moment")
	require.Equal(t, StateIndexed, h.process(t, watcher.Created, p, "").State)

	require.NoError(t, os.Remove(p))
	assert.Equal(t, StateRemoved, h.process(t, watcher.Deleted, p, "").State)
	h.flush(t)

	_, err := h.store.GetFileByPath(p)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteDirectoryBeforeCommit(t *testing.T) {
	h := newHarness(t, Config{}, nil, filter.Options{})
	old := h.write(t, "inbox/old.txt", "committed earlier")
	h.process(t, watcher.Created, old, "")
	h.flush(t)
	fresh := h.write(t, "inbox/fresh.txt", "still staged")
	h.process(t, watcher.Created, fresh, "")

	dir := filepath.Join(h.dir, "inbox")
	require.NoError(t, os.RemoveAll(dir))
	assert.Equal(t, StateRemoved, h.process(t, watcher.Deleted, dir, "").State)
	h.flush(t)

	n, err := h.store.CountFiles(storage.FileFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRenameBeforeCommit(t *testing.T) {
	h := newHarness(t, Config{}, nil, filter.Options{})
	a := h.write(t, "a.txt", "draft content")
	h.process(t, watcher.Created, a, "")

	b := filepath.Join(h.dir, "b.txt")
	require.NoError(t, os.Rename(a, b))
	assert.Equal(t, StateIndexed, h.process(t, watcher.Renamed, b, a).State)
	h.flush(t)

	_, err := h.store.GetFileByPath(a)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	content, err := h.store.GetContent(b)
	require.NoError(t, err)
	assert.Equal(t, "draft content", content)
}

func TestRenameDirectoryWithStagedChildren(t *testing.T) {
	h := newHarness(t, Config{}, nil, filter.Options{})
	kept := h.write(t, "src/kept.txt", "committed")
	h.process(t, watcher.Created, kept, "")
	h.flush(t)
	staged := h.write(t, "src/staged.txt", "not yet committed")
	h.process(t, watcher.Created, staged, "")

	src, dst := filepath.Join(h.dir, "src"), filepath.Join(h.dir, "dst")
	require.NoError(t, os.Rename(src, dst))
	assert.Equal(t, Outcome{State: StateIndexed, Reason: ReasonDirectoryMoved}, h.process(t, watcher.Renamed, dst, src))
	h.flush(t)

	paths, err := h.store.PathsUnder(src)
	require.NoError(t, err)
	assert.Empty(t, paths)
	paths, err = h.store.PathsUnder(dst)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dst, "kept.txt")}, paths)

	// The staged child is indexed again under its new name.
	ev, ok := h.q.TryPop()
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dst, "staged.txt"), ev.Path)
	h.process(t, ev.Kind, ev.Path, "")
	h.q.Done(ev.Path)
	h.flush(t)
	content, err := h.store.GetContent(filepath.Join(dst, "staged.txt"))
	require.NoError(t, err)
	assert.Equal(t, "not yet committed", content)
}

func TestModifiedMissingFileIsRemoved(t *testing.T) {
	h := newHarness(t, Config{}, nil, filter.Options{})
	p := h.write(t, "gone.txt", "soon gone")
	h.process(t, watcher.Created, p, "")
	h.flush(t)

	require.NoError(t, os.Remove(p))
	assert.Equal(t, StateRemoved, h.process(t, watcher.Modified, p, "").State)
	h.flush(t)
	_, err := h.store.GetFileByPath(p)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUnwatchedFolderIsSkipped(t *testing.T) {
	h := newHarness(t, Config{}, nil, filter.Options{})
	p := h.write(t, "a.txt", "a")
	out, err := h.p.ProcessEvent(context.Background(), watcher.ChangeEvent{Path: p, FolderID: "other", Kind: watcher.Created})
	require.NoError(t, err)
	assert.Equal(t, Outcome{State: StateSkipped, Reason: ReasonNotWatched}, out)
}

func TestOverflowRequestsRescan(t *testing.T) {
	var rescanned []string
	h := newHarness(t, Config{OnRescan: func(id string) { rescanned = append(rescanned, id) }}, nil, filter.Options{})
	out := h.process(t, watcher.Overflow, h.dir, "")
	assert.Equal(t, ReasonRescan, out.Reason)
	assert.Equal(t, []string{"f1"}, rescanned)
}

func TestBatchCommitsAtThreshold(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 100}, nil, filter.Options{})
	for i := 0; i < 150; i++ {
		p := h.write(t, fmt.Sprintf("file%03d.txt", i), fmt.Sprintf("document number %d", i))
		require.True(t, h.q.Push(watcher.ChangeEvent{Path: p, FolderID: "f1", Kind: watcher.Created}))
	}

	stop := h.run(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.p.Drain(ctx))
	stop()

	assert.Equal(t, []int{100, 50}, h.store.commits())
	n, err := h.store.CountFiles(storage.FileFilter{})
	require.NoError(t, err)
	assert.Equal(t, 150, n)
	assert.Equal(t, int64(2), h.p.Stats().Commits)
}

func TestFlushIntervalCommitsSmallBatch(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 100, FlushInterval: 40 * time.Millisecond}, nil, filter.Options{})
	p := h.write(t, "one.txt", "lonely file")
	h.q.Push(watcher.ChangeEvent{Path: p, FolderID: "f1", Kind: watcher.Created})

	stop := h.run(t)
	defer stop()
	assert.Eventually(t, func() bool {
		_, err := h.store.GetFileByPath(p)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1}, h.store.commits())
}

type slowExtractor struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (s *slowExtractor) Extract(context.Context, string) (extract.Result, error) {
	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	s.active.Add(-1)
	return extract.Result{Text: "slow text", Method: "slow"}, nil
}

func (*slowExtractor) KindOf(string) string { return storage.KindDocument }

func TestWorkersNeverExceedAllowance(t *testing.T) {
	slow := &slowExtractor{}
	// Four workers exist but the busy host allows two.
	h := newHarness(t, Config{Workers: 4}, slow, filter.Options{})
	for i := 0; i < 20; i++ {
		p := h.write(t, fmt.Sprintf("f%02d.txt", i), fmt.Sprintf("body %d", i))
		h.q.Push(watcher.ChangeEvent{Path: p, FolderID: "f1", Kind: watcher.Created})
	}

	stop := h.run(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.p.Drain(ctx))
	stop()

	assert.LessOrEqual(t, slow.peak.Load(), int32(2))
	assert.LessOrEqual(t, h.gate.Peak(), 2)
	n, _ := h.store.CountFiles(storage.FileFilter{})
	assert.Equal(t, 20, n)
}

func TestDroppedBatchIsRequeued(t *testing.T) {
	h := newHarness(t, Config{}, nil, filter.Options{})
	a := h.write(t, "a.txt", "a")
	b := h.write(t, "b.txt", "b")
	h.process(t, watcher.Created, a, "")
	h.process(t, watcher.Created, b, "")

	h.store.failures = 2
	err := h.p.batcher.Flush(context.Background())
	assert.ErrorIs(t, err, ErrBatchDropped)
	assert.Equal(t, 2, h.q.Len())
	assert.Equal(t, int64(1), h.p.Stats().DroppedBatches)
	assert.False(t, h.p.Health().Degraded(), "generic errors do not degrade storage")

	// One failure is absorbed by the retry.
	h.store.failures = 1
	h.process(t, watcher.Created, a, "")
	require.NoError(t, h.p.batcher.Flush(context.Background()))
	_, err = h.store.GetFileByPath(a)
	assert.NoError(t, err)
}

func TestShutdownDiscardsStagedOps(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 100}, nil, filter.Options{})
	for i := 0; i < 3; i++ {
		p := h.write(t, fmt.Sprintf("s%d.txt", i), "staged")
		h.q.Push(watcher.ChangeEvent{Path: p, FolderID: "f1", Kind: watcher.Created})
	}

	stop := h.run(t)
	assert.Eventually(t, func() bool { return h.p.Stats().Staged == 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Zero(t, h.p.Stats().Staged)
	assert.Empty(t, h.store.commits())
	n, _ := h.store.CountFiles(storage.FileFilter{})
	assert.Zero(t, n)
}

type blockingExtractor struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingExtractor) Extract(context.Context, string) (extract.Result, error) {
	b.started <- struct{}{}
	<-b.release
	return extract.Result{Text: "done", Method: "blocking"}, nil
}

func (*blockingExtractor) KindOf(string) string { return storage.KindDocument }

func TestBusyCountsOnlyHandlingWorkers(t *testing.T) {
	ex := &blockingExtractor{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, Config{}, ex, filter.Options{})

	stop := h.run(t)
	defer stop()

	// Idle workers sit in Pop with a gate slot each.
	assert.Eventually(t, func() bool { return h.gate.Active() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.p.Busy())

	p := h.write(t, "slow.txt", "slow")
	h.q.Push(watcher.ChangeEvent{Path: p, FolderID: "f1", Kind: watcher.Created})
	<-ex.started
	assert.Equal(t, 1, h.p.Busy())

	close(ex.release)
	assert.Eventually(t, func() bool { return h.p.Busy() == 0 && h.q.Idle() }, 2*time.Second, 5*time.Millisecond)
}
