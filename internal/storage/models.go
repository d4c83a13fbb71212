package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when an active folder with the same path is already watched.
var ErrAlreadyExists = errors.New("already exists")

// File kinds.
const (
	KindDocument = "document"
	KindImage    = "image"
	KindOther    = "other"
)

type WatchedFolder struct {
	ID            string
	Path          string
	Active        bool
	Include       []string
	Exclude       []string
	CreatedAt     time.Time
	DeactivatedAt time.Time
}

// IndexedFile is one row of indexed_files. ModifiedAt is the change-detection
// source of truth and is stored with nanosecond precision.
type IndexedFile struct {
	ID               int64
	Path             string
	FolderID         string
	Name             string
	Extension        string
	Kind             string
	Size             int64
	ModifiedAt       time.Time
	IndexedAt        time.Time
	ContentHash      string
	Readable         bool
	ErrorReason      string
	ExtractionMethod string
	Truncated        bool
}

// FileState is the subset of IndexedFile used by catch-up scans.
type FileState struct {
	Size       int64
	ModifiedAt time.Time
}

type FileFilter struct {
	FolderID string
	// Readable filters by readability when non-nil.
	Readable *bool
	Limit    int
	Offset   int
}

type OpKind int

const (
	OpUpsert OpKind = iota
	OpDelete
	OpMove
	// OpTouch refreshes size and times of an existing row, leaving content as is.
	OpTouch
)

func (k OpKind) String() string {
	switch k {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	case OpMove:
		return "move"
	case OpTouch:
		return "touch"
	}
	return "unknown"
}

// Op is a single staged change. Upsert uses File and Content, Delete uses
// Path, Move uses OldPath and Path, Touch uses File. FolderID is informational and lets a
// dropped batch be re-queued against the right folder.
type Op struct {
	Kind     OpKind
	Path     string
	OldPath  string
	FolderID string
	File     IndexedFile
	Content  string
}

// Batch is an ordered list of ops applied in a single transaction.
type Batch struct {
	Ops []Op
}

func (b *Batch) Upsert(f IndexedFile, content string) {
	b.Ops = append(b.Ops, Op{Kind: OpUpsert, Path: f.Path, FolderID: f.FolderID, File: f, Content: content})
}

func (b *Batch) Delete(path string) {
	b.Ops = append(b.Ops, Op{Kind: OpDelete, Path: path})
}

func (b *Batch) Move(oldPath, newPath string) {
	b.Ops = append(b.Ops, Op{Kind: OpMove, Path: newPath, OldPath: oldPath})
}

func (b *Batch) Touch(f IndexedFile) {
	b.Ops = append(b.Ops, Op{Kind: OpTouch, Path: f.Path, FolderID: f.FolderID, File: f})
}

func (b *Batch) Len() int { return len(b.Ops) }

// Paths returns every path touched by the batch, old paths of moves included.
func (b *Batch) Paths() []string {
	paths := make([]string, 0, len(b.Ops))
	for _, op := range b.Ops {
		if op.OldPath != "" {
			paths = append(paths, op.OldPath)
		}
		paths = append(paths, op.Path)
	}
	return paths
}

type SearchParams struct {
	// Match is an FTS5 MATCH expression. Empty with a non-empty Exclude lists
	// every file not matching Exclude.
	Match   string
	Exclude string
	Limit   int
	Offset  int
}

type SearchHit struct {
	File    IndexedFile
	Score   float64
	Snippet string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
