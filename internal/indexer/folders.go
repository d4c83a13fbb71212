package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/owlet/internal/pipeline"
	"github.com/kalambet/owlet/internal/prune"
	"github.com/kalambet/owlet/internal/storage"
)

type FolderInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Active    bool      `json:"active"`
	Degraded  bool      `json:"degraded"`
	Files     int       `json:"files"`
	Include   []string  `json:"include,omitempty"`
	Exclude   []string  `json:"exclude,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizePath validates a folder path and returns its cleaned form.
func NormalizePath(path string) (string, error) {
	if path == "" || !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %q is not an absolute path", ErrInvalidPath, path)
	}
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, clean)
	}
	return clean, nil
}

// AddFolder starts watching a directory. It returns ErrInvalidPath for a
// bad path and storage.ErrAlreadyExists when the directory is already
// watched. The initial scan runs in the background.
func (s *Service) AddFolder(ctx context.Context, path string, include, exclude []string) (FolderInfo, error) {
	f, err := s.addFolder(path, include, exclude)
	if err != nil {
		return FolderInfo{}, err
	}
	s.requestSync(f.ID)
	return s.info(f, 0), nil
}

func (s *Service) addFolder(path string, include, exclude []string) (storage.WatchedFolder, error) {
	clean, err := NormalizePath(path)
	if err != nil {
		return storage.WatchedFolder{}, err
	}
	f := storage.WatchedFolder{
		ID:        uuid.NewString(),
		Path:      clean,
		Active:    true,
		Include:   include,
		Exclude:   exclude,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateFolder(f); err != nil {
		return storage.WatchedFolder{}, err
	}

	s.mu.Lock()
	s.registerLocked(f)
	s.mu.Unlock()
	s.logger.Info("folder added", "folder", f.ID, "path", f.Path)
	return f, nil
}

// RemoveFolder stops watching a folder. Its rows are deleted by a
// background prune job; until then they stay out of new indexing work.
func (s *Service) RemoveFolder(ctx context.Context, id string) error {
	if err := s.store.DeactivateFolder(id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.folders, id)
	delete(s.filters, id)
	delete(s.pending, id)
	s.mu.Unlock()

	s.watcher.Unwatch(id)
	if err := prune.Enqueue(s.store, id); err != nil {
		return fmt.Errorf("scheduling prune of folder %s: %w", id, err)
	}
	s.logger.Info("folder removed", "folder", id)
	return nil
}

// Folders returns the active folders ordered by path.
func (s *Service) Folders() []storage.WatchedFolder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.WatchedFolder, 0, len(s.folders))
	for _, f := range s.folders {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ListFolders returns the active folders with live watch state and file
// counts.
func (s *Service) ListFolders() ([]FolderInfo, error) {
	counts, err := s.store.FolderFileCounts()
	if err != nil {
		return nil, fmt.Errorf("counting files: %w", err)
	}
	folders := s.Folders()
	out := make([]FolderInfo, 0, len(folders))
	for _, f := range folders {
		out = append(out, s.info(f, counts[f.ID]))
	}
	return out, nil
}

func (s *Service) info(f storage.WatchedFolder, files int) FolderInfo {
	return FolderInfo{
		ID:        f.ID,
		Path:      f.Path,
		Active:    f.Active,
		Degraded:  s.watcher.IsDegraded(f.ID),
		Files:     files,
		Include:   f.Include,
		Exclude:   f.Exclude,
		CreatedAt: f.CreatedAt,
	}
}

// IndexOnce indexes path to completion without the watcher or the
// schedule loop and returns the pipeline counters. An existing folder for
// path is reused; otherwise one is created and stays registered.
func (s *Service) IndexOnce(ctx context.Context, path string) (pipeline.Stats, error) {
	f, err := s.addFolder(path, nil, nil)
	if errors.Is(err, storage.ErrAlreadyExists) {
		f, err = s.folderByPath(path)
	}
	if err != nil {
		return pipeline.Stats{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.pipe.Run(runCtx) }()

	_, scanErr := s.scan(ctx, f)
	var drainErr error
	if scanErr == nil {
		drainErr = s.pipe.Drain(ctx)
	}
	cancel()
	runErr := <-done

	if err := errors.Join(scanErr, drainErr, runErr); err != nil {
		return s.pipe.Stats(), err
	}
	if err := s.Optimize(ctx); err != nil {
		s.logger.Warn("index optimize failed", "error", err)
	}
	return s.pipe.Stats(), nil
}

func (s *Service) folderByPath(path string) (storage.WatchedFolder, error) {
	clean, err := NormalizePath(path)
	if err != nil {
		return storage.WatchedFolder{}, err
	}
	for _, f := range s.Folders() {
		if f.Path == clean {
			return f, nil
		}
	}
	return storage.WatchedFolder{}, storage.ErrNotFound
}

// Status is the service health snapshot served on /health.
type Status struct {
	Status          string                `json:"status"`
	QueueDepth      int                   `json:"queue_depth"`
	WorkersAllowed  int                   `json:"workers_allowed"`
	WorkersActive   int                   `json:"workers_active"`
	ThrottleReason  string                `json:"throttle_reason"`
	IndexSizeBytes  int64                 `json:"index_size_bytes"`
	IndexedFiles    int                   `json:"indexed_files"`
	IndexingActive  bool                  `json:"indexing_active"`
	DegradedFolders []string              `json:"degraded_folders"`
	Storage         pipeline.HealthStatus `json:"storage"`
	Pipeline        pipeline.Stats        `json:"pipeline"`
}

const (
	StatusOK       = "ok"
	StatusStarting = "starting"
	StatusDegraded = "degraded"
)

// Ready reports whether the service is running with a writable index.
func (st Status) Ready() bool { return st.Status == StatusOK }

func (s *Service) Status() Status {
	th := s.ctrl.State()
	st := Status{
		Status:          StatusOK,
		QueueDepth:      s.queue.Len(),
		WorkersAllowed:  th.Allowed,
		WorkersActive:   s.pipe.Busy(),
		ThrottleReason:  string(th.Reason),
		IndexingActive:  !s.queue.Idle(),
		DegradedFolders: s.watcher.Degraded(),
		Storage:         s.pipe.Health().Status(),
		Pipeline:        s.pipe.Stats(),
	}
	if n, err := s.store.CountFiles(storage.FileFilter{}); err == nil {
		st.IndexedFiles = n
	}
	if n, err := s.store.IndexSizeBytes(); err == nil {
		st.IndexSizeBytes = n
	}
	switch {
	case st.Storage.Degraded:
		st.Status = StatusDegraded
	case !s.Started():
		st.Status = StatusStarting
	}
	return st
}
