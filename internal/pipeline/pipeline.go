// Package pipeline turns queued change events into index writes: filter,
// extract, then stage the result for a batched commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kalambet/owlet/internal/extract"
	"github.com/kalambet/owlet/internal/filter"
	"github.com/kalambet/owlet/internal/queue"
	"github.com/kalambet/owlet/internal/storage"
	"github.com/kalambet/owlet/internal/throttle"
	"github.com/kalambet/owlet/internal/watcher"
)

// State is where a file ended up after one pass through the pipeline.
type State int

const (
	StateDiscovered State = iota
	StateExtracting
	StateIndexed
	StateUnreadable
	StateSkipped
	// StateRemoved means the file's rows were staged for deletion.
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateExtracting:
		return "extracting"
	case StateIndexed:
		return "indexed"
	case StateUnreadable:
		return "unreadable"
	case StateSkipped:
		return "skipped"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// Skip reasons that do not come from the filter.
const (
	ReasonUnchanged      = "unchanged"
	ReasonNotWatched     = "folder not watched"
	ReasonRescan         = "rescan requested"
	ReasonDirectoryMoved = "directory moved"
)

type Outcome struct {
	State  State
	Reason string
}

// Store is the part of the index the pipeline reads and commits to.
type Store interface {
	GetFileByPath(path string) (storage.IndexedFile, error)
	PathsUnder(dir string) ([]string, error)
	ApplyBatch(ctx context.Context, b storage.Batch) error
}

type Extractor interface {
	Extract(ctx context.Context, path string) (extract.Result, error)
	KindOf(ext string) string
}

// FilterLookup returns the filter of a watched folder, or false when the
// folder is not watched anymore.
type FilterLookup func(folderID string) (*filter.Filter, bool)

type Config struct {
	// Workers is the pool size, normally the throttle ceiling.
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	ShutdownGrace time.Duration
	// CommitRetryDelay is the pause before the single commit retry.
	CommitRetryDelay time.Duration
	// OnRescan is called for overflow events with the affected folder.
	OnRescan func(folderID string)
	Logger   *slog.Logger
}

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 3 * time.Second
	DefaultShutdownGrace = 10 * time.Second

	degradedPause = 2 * time.Second
)

type Pipeline struct {
	cfg       Config
	store     Store
	extractor Extractor
	filters   FilterLookup
	queue     *queue.Queue
	gate      *throttle.Gate
	batcher   *Batcher
	health    *Health
	logger    *slog.Logger
	now       func() time.Time

	counts [StateRemoved + 1]atomic.Int64
	busy   atomic.Int32
}

func New(cfg Config, store Store, ex Extractor, filters FilterLookup, q *queue.Queue, gate *throttle.Gate) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.CommitRetryDelay <= 0 {
		cfg.CommitRetryDelay = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:       cfg,
		store:     store,
		extractor: ex,
		filters:   filters,
		queue:     q,
		gate:      gate,
		health:    &Health{},
		logger:    logger,
		now:       time.Now,
	}
	p.batcher = newBatcher(store, cfg.BatchSize, cfg.FlushInterval, cfg.CommitRetryDelay, p.health, p.requeue, logger)
	return p
}

// Busy reports how many workers are handling an event right now. Workers
// waiting on the queue hold a gate slot but are not counted.
func (p *Pipeline) Busy() int { return int(p.busy.Load()) }

// Health reports whether the last commit succeeded.
func (p *Pipeline) Health() *Health { return p.health }

// ProcessEvent runs one event through the pipeline and stages its writes.
// Errors are limited to cancellation and index read failures; extraction
// problems end as StateUnreadable.
func (p *Pipeline) ProcessEvent(ctx context.Context, ev watcher.ChangeEvent) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	switch ev.Kind {
	case watcher.Overflow:
		if p.cfg.OnRescan != nil {
			p.cfg.OnRescan(ev.FolderID)
		}
		out = Outcome{State: StateSkipped, Reason: ReasonRescan}
	case watcher.Deleted:
		if ev.OldPath != "" {
			if _, err = p.remove(ctx, ev.OldPath, ev.FolderID); err != nil {
				break
			}
		}
		out, err = p.remove(ctx, ev.Path, ev.FolderID)
	case watcher.Renamed:
		out, err = p.rename(ctx, ev)
	default:
		out, err = p.index(ctx, ev, nil)
	}
	if err == nil {
		p.counts[out.State].Add(1)
	}
	return out, err
}

// remove stages deletion of path and of every row below it, in case path
// was a directory. Rows still waiting in the batcher count too.
func (p *Pipeline) remove(ctx context.Context, path, folderID string) (Outcome, error) {
	children, err := p.store.PathsUnder(path)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing rows under %s: %w", path, err)
	}
	staged := p.batcher.StagedUnder(path)

	// Deleting a path without a row is a no-op, so path goes unconditionally.
	p.stage(ctx, storage.Op{Kind: storage.OpDelete, Path: path, FolderID: folderID})
	for _, c := range children {
		if exists, ok := staged[c]; ok && !exists {
			continue
		}
		p.stage(ctx, storage.Op{Kind: storage.OpDelete, Path: c, FolderID: folderID})
	}
	committed := setOf(children)
	for _, c := range slices.Sorted(maps.Keys(staged)) {
		if staged[c] && c != path && !committed[c] {
			p.stage(ctx, storage.Op{Kind: storage.OpDelete, Path: c, FolderID: folderID})
		}
	}
	return Outcome{State: StateRemoved}, nil
}

func (p *Pipeline) rename(ctx context.Context, ev watcher.ChangeEvent) (Outcome, error) {
	prior, err := p.store.GetFileByPath(ev.OldPath)
	switch {
	case err == nil:
		if exists, ok := p.batcher.StagedUnder(ev.OldPath)[ev.OldPath]; ok && !exists {
			// Already staged for deletion, so there is no row left to move.
			return p.index(ctx, ev, nil)
		}
		p.stage(ctx, storage.Op{Kind: storage.OpMove, OldPath: ev.OldPath, Path: ev.Path, FolderID: ev.FolderID})
		prior.Path = ev.Path
		prior.FolderID = ev.FolderID
		return p.index(ctx, ev, &prior)
	case !errors.Is(err, storage.ErrNotFound):
		return Outcome{}, fmt.Errorf("looking up %s: %w", ev.OldPath, err)
	}

	children, err := p.store.PathsUnder(ev.OldPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("listing rows under %s: %w", ev.OldPath, err)
	}
	staged := p.batcher.StagedUnder(ev.OldPath)

	// The old path may exist only as a staged upsert.
	p.stage(ctx, storage.Op{Kind: storage.OpDelete, Path: ev.OldPath, FolderID: ev.FolderID})

	moved := 0
	for _, c := range children {
		if exists, ok := staged[c]; ok && !exists {
			continue
		}
		p.stage(ctx, storage.Op{Kind: storage.OpMove, OldPath: c, Path: ev.Path + strings.TrimPrefix(c, ev.OldPath), FolderID: ev.FolderID})
		moved++
	}
	committed := setOf(children)
	now := p.now()
	for _, c := range slices.Sorted(maps.Keys(staged)) {
		if !staged[c] || c == ev.OldPath || committed[c] {
			continue
		}
		// Never committed: drop the old row and index the file where it is now.
		p.stage(ctx, storage.Op{Kind: storage.OpDelete, Path: c, FolderID: ev.FolderID})
		p.queue.Push(watcher.ChangeEvent{
			Path: ev.Path + strings.TrimPrefix(c, ev.OldPath), FolderID: ev.FolderID, Kind: watcher.Created, ObservedAt: now,
		})
		moved++
	}
	if moved == 0 {
		return p.index(ctx, ev, nil)
	}
	return Outcome{State: StateIndexed, Reason: ReasonDirectoryMoved}, nil
}

func setOf(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return set
}

// index brings the row for ev.Path in line with the file on disk. prior is
// the row already known for the path, if the caller looked it up.
func (p *Pipeline) index(ctx context.Context, ev watcher.ChangeEvent, prior *storage.IndexedFile) (Outcome, error) {
	f, ok := p.filters(ev.FolderID)
	if !ok {
		return Outcome{State: StateSkipped, Reason: ReasonNotWatched}, nil
	}

	info, err := os.Stat(ev.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return p.remove(ctx, ev.Path, ev.FolderID)
	}
	if err != nil {
		p.logger.Warn("pipeline: stat failed", "path", ev.Path, "error", err)
		return Outcome{State: StateSkipped, Reason: err.Error()}, nil
	}

	if prior == nil {
		row, err := p.store.GetFileByPath(ev.Path)
		switch {
		case err == nil:
			prior = &row
		case !errors.Is(err, storage.ErrNotFound):
			return Outcome{}, fmt.Errorf("looking up %s: %w", ev.Path, err)
		}
	}

	decision, reason := f.ShouldIndex(ev.Path, info)
	if decision == filter.Reject {
		if prior != nil {
			p.stage(ctx, storage.Op{Kind: storage.OpDelete, Path: ev.Path, FolderID: ev.FolderID})
		}
		return Outcome{State: StateSkipped, Reason: reason}, nil
	}

	mod := info.ModTime()
	if prior != nil && prior.FolderID == ev.FolderID && prior.Size == info.Size() &&
		prior.ModifiedAt.Equal(mod) && prior.ContentHash != "" {
		return Outcome{State: StateSkipped, Reason: ReasonUnchanged}, nil
	}

	ext := strings.ToLower(filepath.Ext(ev.Path))
	file := storage.IndexedFile{
		Path:       ev.Path,
		FolderID:   ev.FolderID,
		Name:       filepath.Base(ev.Path),
		Extension:  ext,
		Kind:       p.extractor.KindOf(ext),
		Size:       info.Size(),
		ModifiedAt: mod,
		IndexedAt:  p.now(),
		Readable:   true,
	}

	if decision == filter.MetadataOnly {
		file.ContentHash = extract.MetadataHash(info.Size(), mod.UnixNano())
		file.ExtractionMethod = extract.MethodMetadataOnly
		p.stageUpsert(ctx, file, "")
		return Outcome{State: StateIndexed, Reason: reason}, nil
	}

	// A hash failure is not fatal; extraction reports the real problem.
	hash, _ := extract.ContentHash(ev.Path)
	if prior != nil && hash != "" && prior.ContentHash == hash {
		p.stage(ctx, storage.Op{Kind: storage.OpTouch, Path: ev.Path, FolderID: ev.FolderID, File: file})
		return Outcome{State: StateSkipped, Reason: ReasonUnchanged}, nil
	}

	res, err := p.extractor.Extract(ctx, ev.Path)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		file.Readable = false
		file.ErrorReason = err.Error()
		file.ExtractionMethod = res.Method
		var xe *extract.Error
		if errors.As(err, &xe) {
			file.ExtractionMethod = xe.Method
			// An empty hash lets the next change event retry a locked file.
			if xe.Kind == extract.Transient {
				hash = ""
			}
		}
		file.ContentHash = hash
		p.logger.Info("file unreadable", "path", ev.Path, "error", err)
		p.stageUpsert(ctx, file, "")
		return Outcome{State: StateUnreadable, Reason: file.ErrorReason}, nil
	}

	file.ContentHash = hash
	file.ExtractionMethod = res.Method
	file.Truncated = res.Truncated
	p.stageUpsert(ctx, file, res.Text)
	return Outcome{State: StateIndexed}, nil
}

func (p *Pipeline) stageUpsert(ctx context.Context, f storage.IndexedFile, content string) {
	p.stage(ctx, storage.Op{Kind: storage.OpUpsert, Path: f.Path, FolderID: f.FolderID, File: f, Content: content})
}

// stage hands op to the batcher. A failed commit re-queues its paths, so
// the error is only logged here.
func (p *Pipeline) stage(ctx context.Context, op storage.Op) {
	if err := p.batcher.Add(ctx, op); err != nil && ctx.Err() == nil {
		p.logger.Warn("pipeline: batch commit failed", "error", err)
	}
}

// requeue pushes every path of a dropped batch back onto the queue as a
// modification; processing a missing path removes its row.
func (p *Pipeline) requeue(ops []storage.Op) {
	now := p.now()
	for _, op := range ops {
		if op.OldPath != "" {
			p.queue.Push(watcher.ChangeEvent{Path: op.OldPath, FolderID: op.FolderID, Kind: watcher.Modified, ObservedAt: now})
		}
		p.queue.Push(watcher.ChangeEvent{Path: op.Path, FolderID: op.FolderID, Kind: watcher.Modified, ObservedAt: now})
	}
}

type Stats struct {
	Indexed        int64     `json:"indexed"`
	Unreadable     int64     `json:"unreadable"`
	Skipped        int64     `json:"skipped"`
	Removed        int64     `json:"removed"`
	Commits        int64     `json:"commits"`
	DroppedBatches int64     `json:"dropped_batches"`
	Staged         int       `json:"staged"`
	LastCommit     time.Time `json:"last_commit,omitzero"`
}

func (p *Pipeline) Stats() Stats {
	b := p.batcher.stats()
	return Stats{
		Indexed:        p.counts[StateIndexed].Load(),
		Unreadable:     p.counts[StateUnreadable].Load(),
		Skipped:        p.counts[StateSkipped].Load(),
		Removed:        p.counts[StateRemoved].Load(),
		Commits:        b.commits,
		DroppedBatches: b.dropped,
		Staged:         b.staged,
		LastCommit:     b.lastCommit,
	}
}
