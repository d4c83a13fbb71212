// Package indexer wires the watcher, queue, throttle and pipeline into the
// long-running indexing service and owns the set of watched folders.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/owlet/internal/config"
	"github.com/kalambet/owlet/internal/extract"
	"github.com/kalambet/owlet/internal/filter"
	"github.com/kalambet/owlet/internal/pipeline"
	"github.com/kalambet/owlet/internal/prune"
	"github.com/kalambet/owlet/internal/queue"
	"github.com/kalambet/owlet/internal/storage"
	"github.com/kalambet/owlet/internal/throttle"
	"github.com/kalambet/owlet/internal/watcher"
)

// ErrInvalidPath is returned when a folder path is not an absolute path to
// an existing directory.
var ErrInvalidPath = errors.New("invalid folder path")

type Options struct {
	// Source delivers raw change events. Defaults to fsnotify.
	Source watcher.Source
	// Signals reports idle time and battery. Defaults to the host readings.
	Signals throttle.Signals
	// Extractor defaults to every built-in extractor.
	Extractor pipeline.Extractor
	// PrunePoll is how often the prune worker looks for jobs.
	PrunePoll time.Duration
	// RescanCheck is how often overflow markers are looked at.
	RescanCheck time.Duration
	Logger      *slog.Logger
}

// Service is the indexing daemon. Folder operations may be called before
// or during Run; a folder added before Run is scanned when Run starts.
type Service struct {
	cfg     config.Config
	opts    Options
	store   *storage.Store
	base    *filter.Filter
	watcher *watcher.Watcher
	queue   *queue.Queue
	ctrl    *throttle.Controller
	gate    *throttle.Gate
	pipe    *pipeline.Pipeline
	pruner  *prune.Worker
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.RWMutex
	folders map[string]storage.WatchedFolder
	filters map[string]*filter.Filter
	// syncing holds folders with a running sync; true asks for another pass.
	syncing map[string]bool
	pending map[string]struct{}

	// wake nudges the loop when a folder needs a sync.
	wake        chan struct{}
	started     atomic.Bool
	maintaining atomic.Bool
	syncs       sync.WaitGroup
}

func New(cfg config.Config, store *storage.Store, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PrunePoll <= 0 {
		opts.PrunePoll = 2 * time.Second
	}
	if opts.RescanCheck <= 0 {
		opts.RescanCheck = time.Second
	}

	ix := cfg.Indexing
	base := filter.New(filter.Options{
		Extensions:   ix.SupportedExtensions,
		ExcludedDirs: ix.ExcludedFolders,
		MaxFileSize:  ix.MaxFileSizeBytes(),
	})

	tcfg, err := throttleConfig(cfg)
	if err != nil {
		return nil, err
	}
	signals := opts.Signals
	if signals == nil {
		signals = throttle.NewSystemSignals()
	}
	ctrl := throttle.NewController(tcfg, signals)
	gate := throttle.NewGate(ctrl)

	source := opts.Source
	if source == nil {
		source = watcher.NewFSNotifySource(base.ShouldDescend)
	}

	ex := opts.Extractor
	if ex == nil {
		ex = extract.Default(extract.Options{
			MaxTextBytes: ix.MaxTextBytes(),
			Retry: extract.RetryPolicy{
				Attempts: ix.RetryAttempts,
				Delay:    ix.RetryDelay(),
				MaxDelay: 8 * ix.RetryDelay(),
			},
			Logger: logger,
		})
	}

	s := &Service{
		cfg:     cfg,
		opts:    opts,
		store:   store,
		base:    base,
		watcher: watcher.New(source, cfg.Watcher.Debounce()),
		queue:   queue.New(ix.QueueCapacity),
		ctrl:    ctrl,
		gate:    gate,
		pruner:  prune.NewWorker(store, prune.DefaultChunk, opts.PrunePoll),
		limiter: rate.NewLimiter(rate.Limit(cfg.Maintenance.StepsPerSecond), 1),
		logger:  logger,
		folders: make(map[string]storage.WatchedFolder),
		filters: make(map[string]*filter.Filter),
		syncing: make(map[string]bool),
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
	s.pipe = pipeline.New(pipeline.Config{
		Workers:       ctrl.Ceiling(),
		BatchSize:     ix.BatchWriteSize,
		FlushInterval: ix.BatchFlushInterval,
		ShutdownGrace: ix.ShutdownGrace,
		OnRescan:      s.requestSync,
		Logger:        logger,
	}, store, ex, s.filterFor, s.queue, gate)

	if err := s.loadFolders(); err != nil {
		return nil, err
	}
	return s, nil
}

func throttleConfig(cfg config.Config) (throttle.Config, error) {
	start, err := throttle.ParseClock(cfg.Throttle.QuietHoursStart)
	if err != nil {
		return throttle.Config{}, err
	}
	end, err := throttle.ParseClock(cfg.Throttle.QuietHoursEnd)
	if err != nil {
		return throttle.Config{}, err
	}
	return throttle.Config{
		BaseWorkers:         cfg.Indexing.MaxParallelWorkers,
		IdleWorkers:         cfg.Indexing.MaxParallelWorkersWhenIdle,
		IdleAfter:           cfg.Throttle.IdleAfter,
		PauseWhenBatteryLow: cfg.Throttle.PauseWhenBatteryLow,
		BatteryLowPercent:   cfg.Throttle.BatteryLowPercent,
		QuietHours: throttle.QuietHours{
			Enabled: cfg.Throttle.QuietHoursEnabled,
			Start:   start,
			End:     end,
		},
	}, nil
}

func (s *Service) loadFolders() error {
	folders, err := s.store.ListFolders(true)
	if err != nil {
		return fmt.Errorf("loading folders: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range folders {
		s.registerLocked(f)
		s.pending[f.ID] = struct{}{}
	}
	return nil
}

func (s *Service) registerLocked(f storage.WatchedFolder) {
	s.folders[f.ID] = f
	s.filters[f.ID] = s.base.WithFolder(f.Path, f.Include, f.Exclude)
}

// filterFor is the pipeline's view of which folders are still watched.
func (s *Service) filterFor(folderID string) (*filter.Filter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.filters[folderID]
	return f, ok
}

func (s *Service) folder(id string) (storage.WatchedFolder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.folders[id]
	return f, ok
}

// Pipeline exposes counters and health of the indexing pipeline.
func (s *Service) Pipeline() *pipeline.Pipeline { return s.pipe }

// Run starts every background component and blocks until ctx is
// cancelled. Each watched folder gets a catch-up scan on start.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.watcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.pipe.Run(gctx)
	})
	g.Go(func() error {
		s.pruner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.loop(gctx)
		return nil
	})

	s.started.Store(true)
	s.logger.Info("indexing service started", "folders", len(s.Folders()), "workers", s.ctrl.Allowed())
	err := g.Wait()
	s.started.Store(false)
	s.syncs.Wait()
	s.logger.Info("indexing service stopped")
	return err
}

// Started reports whether Run is active.
func (s *Service) Started() bool { return s.started.Load() }

// requestSync asks the loop to (re)subscribe and scan a folder. It never
// blocks and may be called from any goroutine.
func (s *Service) requestSync(folderID string) {
	s.mu.Lock()
	s.pending[folderID] = struct{}{}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) takePending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	clear(s.pending)
	return ids
}

// sync subscribes to a folder if it has no live watch and reconciles the
// index with a full scan. At most one sync per folder runs at a time; a
// request that arrives meanwhile makes the running one go again.
func (s *Service) sync(ctx context.Context, folderID string) {
	if _, ok := s.folder(folderID); !ok {
		return
	}
	s.mu.Lock()
	if _, running := s.syncing[folderID]; running {
		s.syncing[folderID] = true
		s.mu.Unlock()
		return
	}
	s.syncing[folderID] = false
	s.mu.Unlock()

	s.syncs.Add(1)
	go func() {
		defer s.syncs.Done()
		for {
			s.syncOnce(ctx, folderID)

			s.mu.Lock()
			again := s.syncing[folderID] && ctx.Err() == nil
			if !again {
				delete(s.syncing, folderID)
				s.mu.Unlock()
				return
			}
			s.syncing[folderID] = false
			s.mu.Unlock()
		}
	}()
}

func (s *Service) syncOnce(ctx context.Context, folderID string) {
	f, ok := s.folder(folderID)
	if !ok {
		return
	}
	if !s.watcher.Watching(folderID) {
		if err := s.watcher.Watch(ctx, folderID, f.Path); err != nil {
			s.logger.Warn("folder watch failed, relying on periodic scans", "folder", folderID, "path", f.Path, "error", err)
		}
	}
	if _, err := s.scan(ctx, f); err != nil && ctx.Err() == nil {
		s.logger.Warn("catch-up scan failed", "folder", folderID, "path", f.Path, "error", err)
	}
}

func (s *Service) scan(ctx context.Context, f storage.WatchedFolder) (watcher.ScanStats, error) {
	flt, ok := s.filterFor(f.ID)
	if !ok {
		return watcher.ScanStats{}, nil
	}
	known, err := s.store.FileStates(f.ID)
	if err != nil {
		return watcher.ScanStats{}, fmt.Errorf("loading file states: %w", err)
	}
	stats, err := watcher.Scan(ctx, f.Path, f.ID, flt, known, func(ev watcher.ChangeEvent) {
		s.queue.Push(ev)
	})
	if err != nil {
		return stats, err
	}
	s.logger.Info("folder scanned", "folder", f.ID, "path", f.Path,
		"seen", stats.Seen, "created", stats.Created, "modified", stats.Modified, "deleted", stats.Deleted)
	return stats, nil
}
