package indexer

import (
	"context"
	"errors"
	"time"
)

// loop is the only place that schedules background work. Everything else
// talks to it through the wake channel or the queue.
func (s *Service) loop(ctx context.Context) {
	recompute := time.NewTicker(s.cfg.Throttle.RecomputeInterval)
	defer recompute.Stop()
	maintenance := time.NewTicker(s.cfg.Maintenance.Interval)
	defer maintenance.Stop()
	rescan := time.NewTicker(s.cfg.Watcher.RescanInterval)
	defer rescan.Stop()
	overflow := time.NewTicker(s.opts.RescanCheck)
	defer overflow.Stop()

	events := s.watcher.Events()
	s.syncPending(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.queue.Push(ev)
		case <-s.wake:
			s.syncPending(ctx)
		case now := <-recompute.C:
			s.ctrl.Recompute(now)
			s.gate.Wake()
		case <-rescan.C:
			for _, id := range s.watcher.Degraded() {
				s.sync(ctx, id)
			}
		case <-overflow.C:
			s.rescanOverflowed(ctx)
		case <-maintenance.C:
			s.startMaintenance(ctx)
		}
	}
}

func (s *Service) syncPending(ctx context.Context) {
	for _, id := range s.takePending() {
		s.sync(ctx, id)
	}
}

// rescanOverflowed rescans folders whose events were refused by a full
// queue. It waits until the queue has drained below half its capacity so
// the rescan itself has room.
func (s *Service) rescanOverflowed(ctx context.Context) {
	if s.queue.Len() >= s.queue.Capacity()/2 {
		return
	}
	for _, id := range s.queue.TakeRescans() {
		s.logger.Info("rescanning folder after queue overflow", "folder", id)
		s.sync(ctx, id)
	}
}

func (s *Service) startMaintenance(ctx context.Context) {
	if !s.queue.Idle() || !s.maintaining.CompareAndSwap(false, true) {
		return
	}
	s.syncs.Add(1)
	go func() {
		defer s.syncs.Done()
		defer s.maintaining.Store(false)
		if err := s.maintain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("index maintenance failed", "error", err)
		}
	}()
}

// maxMaintenanceSteps bounds one maintenance round.
const maxMaintenanceSteps = 16

// maintain compacts the index in small rate-limited steps: FTS segment
// merges, then incremental vacuum. It stops as soon as indexing resumes.
func (s *Service) maintain(ctx context.Context) error {
	pages := s.cfg.Maintenance.VacuumPages
	for step := 0; step < maxMaintenanceSteps; step++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if !s.queue.Idle() {
			s.logger.Debug("maintenance yielded to indexing", "steps", step)
			return nil
		}

		free, err := s.store.FreelistPages(ctx)
		if err != nil {
			return err
		}
		if step%2 == 0 {
			if err := s.store.MergeFTS(ctx, pages); err != nil {
				return err
			}
			continue
		}
		if free == 0 {
			s.logger.Debug("maintenance done", "steps", step+1)
			return nil
		}
		if err := s.store.IncrementalVacuum(ctx, pages); err != nil {
			return err
		}
	}
	return nil
}

// Optimize fully merges the FTS index. Used by one-shot indexing, where
// nothing competes for the writer.
func (s *Service) Optimize(ctx context.Context) error {
	if err := s.store.OptimizeFTS(ctx); err != nil {
		return err
	}
	return s.store.IncrementalVacuum(ctx, 0)
}
