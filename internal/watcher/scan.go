package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kalambet/owlet/internal/filter"
	"github.com/kalambet/owlet/internal/storage"
)

// ScanStats summarizes one reconciliation pass.
type ScanStats struct {
	Seen     int
	Created  int
	Modified int
	Deleted  int
}

// Scan walks root and compares it with known, the index's view of the
// folder, emitting the events needed to bring the index up to date. Files
// whose size and modification time match are left alone.
func Scan(ctx context.Context, root, folderID string, f *filter.Filter, known map[string]storage.FileState, emit func(ChangeEvent)) (ScanStats, error) {
	var stats ScanStats
	remaining := make(map[string]struct{}, len(known))
	for p := range known {
		remaining[p] = struct{}{}
	}
	now := time.Now()
	send := func(path string, kind EventKind) {
		emit(ChangeEvent{Path: path, FolderID: folderID, Kind: kind, ObservedAt: now})
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			slog.Warn("scan: skipping unreadable entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && !f.ShouldDescend(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		stats.Seen++
		state, indexed := known[path]
		delete(remaining, path)

		if decision, _ := f.ShouldIndex(path, info); !decision.Allowed() {
			// Rules changed since the file was indexed.
			if indexed {
				send(path, Deleted)
				stats.Deleted++
			}
			return nil
		}

		switch {
		case !indexed:
			send(path, Created)
			stats.Created++
		case state.Size != info.Size() || !state.ModifiedAt.Equal(info.ModTime()):
			send(path, Modified)
			stats.Modified++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("scanning %s: %w", root, err)
	}

	for path := range remaining {
		send(path, Deleted)
		stats.Deleted++
	}
	return stats, nil
}
