// Package watcher turns filesystem notifications into debounced change
// events for watched folders, and reconciles folders against the index with
// full scans when live notifications are unavailable.
package watcher

import (
	"context"
	"time"
)

type EventKind int

const (
	Created EventKind = iota + 1
	Modified
	Deleted
	Renamed
	// Overflow means the OS dropped notifications for the folder; only a
	// full scan can recover.
	Overflow

	// renameFrom is the first half of a rename as reported by the OS. The
	// debouncer pairs it with the following Created or turns it into Deleted.
	renameFrom
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	case Overflow:
		return "overflow"
	case renameFrom:
		return "rename-from"
	}
	return "unknown"
}

type ChangeEvent struct {
	Path string
	// OldPath is set for Renamed, and for Deleted when a renamed file was
	// removed before the rename was processed.
	OldPath    string
	FolderID   string
	Kind       EventKind
	ObservedAt time.Time
}

// Source delivers raw change events for one directory tree. The channel is
// closed when ctx is cancelled or when the underlying watch fails; a close
// while ctx is still live means the subscription is lost.
type Source interface {
	Subscribe(ctx context.Context, root string) (<-chan ChangeEvent, error)
}
