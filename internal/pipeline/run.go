package pipeline

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/owlet/internal/watcher"
)

// Run starts the worker pool and the flush timer and blocks until ctx is
// cancelled. In-flight files then get the shutdown grace period to finish;
// after it, extraction is aborted. Staged ops that were not committed are
// discarded either way, the next startup scan derives them again.
func (p *Pipeline) Run(ctx context.Context) error {
	work, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	g, gctx := errgroup.WithContext(work)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			p.worker(ctx, gctx)
			return nil
		})
	}
	g.Go(func() error {
		p.flushLoop(ctx, gctx)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	<-ctx.Done()
	p.logger.Info("pipeline stopping", "grace", p.cfg.ShutdownGrace)

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	var err error
	select {
	case err = <-done:
	case <-grace.C:
		p.logger.Warn("shutdown grace elapsed, aborting in-flight work")
		abort()
		err = <-done
	}

	if n := p.batcher.Discard(); n > 0 {
		p.logger.Info("discarded uncommitted ops", "ops", n)
	}
	return err
}

// worker takes events while stop is live. work outlives stop by the
// shutdown grace period and bounds the processing of a taken event.
func (p *Pipeline) worker(stop, work context.Context) {
	for {
		if err := p.gate.Acquire(stop); err != nil {
			return
		}
		ev, err := p.queue.Pop(stop)
		if err != nil {
			p.gate.Release()
			return
		}
		p.busy.Add(1)
		p.handle(work, ev)
		p.busy.Add(-1)
		p.queue.Done(ev.Path)
		p.gate.Release()

		if p.health.Degraded() {
			t := time.NewTimer(degradedPause)
			select {
			case <-stop.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, ev watcher.ChangeEvent) {
	out, err := p.ProcessEvent(ctx, ev)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("pipeline: event failed", "path", ev.Path, "kind", ev.Kind, "error", err)
		}
		return
	}
	p.logger.Debug("file processed", "path", ev.Path, "kind", ev.Kind, "state", out.State, "reason", out.Reason)
}

func (p *Pipeline) flushLoop(stop, work context.Context) {
	tick := max(p.cfg.FlushInterval/4, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop.Done():
			return
		case now := <-ticker.C:
			if p.batcher.Due(now) {
				_ = p.batcher.Flush(work)
			}
		}
	}
}

// Drain blocks until the queue is empty and nothing is in flight, then
// commits what is staged. Used by one-shot indexing and tests; Run must be
// active for the queue to empty.
func (p *Pipeline) Drain(ctx context.Context) error {
	for {
		for {
			changed := p.queue.Changed()
			if p.queue.Idle() {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
			}
		}
		if err := p.batcher.Flush(ctx); err != nil && !errors.Is(err, ErrBatchDropped) {
			return err
		}
		if p.queue.Idle() {
			return nil
		}
	}
}
