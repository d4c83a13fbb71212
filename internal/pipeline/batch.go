package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/owlet/internal/storage"
)

// ErrBatchDropped is returned when a batch failed to commit twice. Its
// paths have been re-queued.
var ErrBatchDropped = errors.New("batch dropped after failed commit")

// Batcher accumulates staged ops and commits them when the batch reaches
// its size or grows older than the flush interval. Commits are serialized
// and happen in staging order.
type Batcher struct {
	store      Store
	size       int
	interval   time.Duration
	retryDelay time.Duration
	health     *Health
	onDrop     func([]storage.Op)
	logger     *slog.Logger

	// commitMu serializes commits; mu guards the staged ops.
	commitMu sync.Mutex

	mu         sync.Mutex
	ops        []storage.Op
	committing []storage.Op
	oldest     time.Time
	commits    int64
	dropped    int64
	lastCommit time.Time
}

func newBatcher(store Store, size int, interval, retryDelay time.Duration, health *Health, onDrop func([]storage.Op), logger *slog.Logger) *Batcher {
	return &Batcher{
		store:      store,
		size:       size,
		interval:   interval,
		retryDelay: retryDelay,
		health:     health,
		onDrop:     onDrop,
		logger:     logger,
	}
}

// Add stages op and commits a full batch when the size threshold is hit.
func (b *Batcher) Add(ctx context.Context, op storage.Op) error {
	b.mu.Lock()
	if len(b.ops) == 0 {
		b.oldest = time.Now()
	}
	b.ops = append(b.ops, op)
	full := len(b.ops) >= b.size
	b.mu.Unlock()

	if !full {
		return nil
	}
	return b.flush(ctx, true)
}

// Due reports whether staged ops have waited for the flush interval.
func (b *Batcher) Due(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops) > 0 && now.Sub(b.oldest) >= b.interval
}

// Flush commits whatever is staged.
func (b *Batcher) Flush(ctx context.Context) error {
	return b.flush(ctx, false)
}

func (b *Batcher) flush(ctx context.Context, onlyFull bool) error {
	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	for {
		b.mu.Lock()
		n := len(b.ops)
		if n == 0 || (onlyFull && n < b.size) {
			b.mu.Unlock()
			return nil
		}
		n = min(n, b.size)
		batch := storage.Batch{Ops: append([]storage.Op(nil), b.ops[:n]...)}
		b.ops = append(b.ops[:0:0], b.ops[n:]...)
		if len(b.ops) > 0 {
			b.oldest = time.Now()
		}
		b.committing = batch.Ops
		b.mu.Unlock()

		err := b.commit(ctx, batch)
		b.mu.Lock()
		b.committing = nil
		b.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// commit applies batch, retrying once. A batch that fails twice is dropped
// and its ops handed to onDrop.
func (b *Batcher) commit(ctx context.Context, batch storage.Batch) error {
	err := b.store.ApplyBatch(ctx, batch)
	if err != nil && ctx.Err() == nil {
		b.logger.Warn("batch commit failed, retrying", "ops", batch.Len(), "error", err)
		t := time.NewTimer(b.retryDelay)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
		err = b.store.ApplyBatch(ctx, batch)
	}

	if err == nil {
		b.mu.Lock()
		b.commits++
		b.lastCommit = time.Now()
		b.mu.Unlock()
		b.health.ok()
		b.logger.Debug("batch committed", "ops", batch.Len())
		return nil
	}

	if storage.IsUnrecoverable(err) {
		b.health.fail(err)
	}
	if ctx.Err() != nil {
		// Shutdown: the paths are re-derived by the next startup scan.
		return ctx.Err()
	}
	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()
	b.logger.Error("dropping batch after failed retry", "ops", batch.Len(), "error", err)
	if b.onDrop != nil {
		b.onDrop(batch.Ops)
	}
	return fmt.Errorf("%w: %v", ErrBatchDropped, err)
}

// StagedUnder reports the paths at or below path that staged or committing
// ops touch, mapped to whether the file exists once those ops are applied.
// The read side of the store cannot see them yet.
func (b *Batcher) StagedUnder(path string) map[string]bool {
	prefix := strings.TrimRight(path, string(filepath.Separator)) + string(filepath.Separator)
	b.mu.Lock()
	defer b.mu.Unlock()

	present := make(map[string]bool)
	note := func(p string, exists bool) {
		if p == path || strings.HasPrefix(p, prefix) {
			present[p] = exists
		}
	}
	for _, ops := range [][]storage.Op{b.committing, b.ops} {
		for _, op := range ops {
			switch op.Kind {
			case storage.OpUpsert:
				note(op.Path, true)
			case storage.OpDelete:
				note(op.Path, false)
			case storage.OpMove:
				note(op.OldPath, false)
				note(op.Path, true)
			}
		}
	}
	return present
}

// Discard drops staged ops without committing them and returns how many
// there were.
func (b *Batcher) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.ops)
	b.ops = nil
	return n
}

type batcherStats struct {
	commits    int64
	dropped    int64
	staged     int
	lastCommit time.Time
}

func (b *Batcher) stats() batcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return batcherStats{commits: b.commits, dropped: b.dropped, staged: len(b.ops), lastCommit: b.lastCommit}
}
