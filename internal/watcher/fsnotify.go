package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSNotifySource watches directory trees with fsnotify. fsnotify watches are
// not recursive, so every directory gets its own watch and directories
// created later are added as they appear.
type FSNotifySource struct {
	// descend reports whether a directory should be watched.
	descend func(dir string) bool
	logger  *slog.Logger
}

func NewFSNotifySource(descend func(dir string) bool) *FSNotifySource {
	if descend == nil {
		descend = func(string) bool { return true }
	}
	return &FSNotifySource{descend: descend, logger: slog.Default()}
}

func (s *FSNotifySource) Subscribe(ctx context.Context, root string) (<-chan ChangeEvent, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if _, err := s.addTree(w, root, nil); err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan ChangeEvent, 256)
	go s.run(ctx, w, root, out)
	return out, nil
}

// addTree watches dir and every descendant directory. When emit is non-nil,
// files found along the way are reported as Created; they may have been
// written before the watch existed.
func (s *FSNotifySource) addTree(w *fsnotify.Watcher, dir string, emit func(ChangeEvent)) (int, error) {
	added := 0
	visited := make(map[string]bool)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			if emit != nil && d.Type().IsRegular() {
				emit(ChangeEvent{Path: path, Kind: Created})
			}
			return nil
		}
		if path != dir && !s.descend(path) {
			return filepath.SkipDir
		}
		// Symlinked directory loops.
		if real, err := filepath.EvalSymlinks(path); err == nil {
			if visited[real] {
				return filepath.SkipDir
			}
			visited[real] = true
		}
		if err := w.Add(path); err != nil {
			if path == dir {
				return fmt.Errorf("watching %s: %w", path, err)
			}
			s.logger.Warn("failed to watch directory", "path", path, "error", err)
			return nil
		}
		added++
		return nil
	})
	return added, err
}

func (s *FSNotifySource) run(ctx context.Context, w *fsnotify.Watcher, root string, out chan<- ChangeEvent) {
	defer close(out)
	defer w.Close()

	emit := func(ev ChangeEvent) {
		ev.ObservedAt = time.Now()
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			s.handle(w, ev, emit)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.logger.Warn("watch queue overflow", "root", root)
				emit(ChangeEvent{Path: root, Kind: Overflow})
				continue
			}
			s.logger.Error("watch failed", "root", root, "error", err)
			return
		}
	}
}

func (s *FSNotifySource) handle(w *fsnotify.Watcher, ev fsnotify.Event, emit func(ChangeEvent)) {
	path := ev.Name
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if !s.descend(path) {
				return
			}
			// The directory itself may be the target of a rename.
			emit(ChangeEvent{Path: path, Kind: Created})
			if _, err := s.addTree(w, path, emit); err != nil {
				s.logger.Warn("failed to watch new directory", "path", path, "error", err)
			}
			return
		}
		if info.Mode().IsRegular() {
			emit(ChangeEvent{Path: path, Kind: Created})
		}
	case ev.Has(fsnotify.Write):
		emit(ChangeEvent{Path: path, Kind: Modified})
	case ev.Has(fsnotify.Remove):
		emit(ChangeEvent{Path: path, Kind: Deleted})
	case ev.Has(fsnotify.Rename):
		emit(ChangeEvent{Path: path, Kind: renameFrom})
	}
}
