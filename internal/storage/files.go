package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const fileColumns = `id, path, folder_id, name, extension, kind, size, modified_at, indexed_at,
	content_hash, readable, error_reason, extraction_method, truncated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner, extra ...any) (IndexedFile, error) {
	var f IndexedFile
	var modified int64
	var indexedAt string
	var readable, truncated int
	dest := []any{
		&f.ID, &f.Path, &f.FolderID, &f.Name, &f.Extension, &f.Kind, &f.Size, &modified, &indexedAt,
		&f.ContentHash, &readable, &f.ErrorReason, &f.ExtractionMethod, &truncated,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return IndexedFile{}, err
	}
	f.ModifiedAt = time.Unix(0, modified).UTC()
	f.IndexedAt, _ = time.Parse(time.RFC3339Nano, indexedAt)
	f.Readable = readable == 1
	f.Truncated = truncated == 1
	return f, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ApplyBatch applies every op of b, in order, inside one transaction. Either
// all ops are visible afterwards or none are.
func (s *Store) ApplyBatch(ctx context.Context, b Batch) error {
	if b.Len() == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer tx.Rollback()

	for i, op := range b.Ops {
		switch op.Kind {
		case OpUpsert:
			err = upsertFile(ctx, tx, op.File, op.Content)
		case OpDelete:
			err = deleteFile(ctx, tx, op.Path)
		case OpMove:
			err = moveFile(ctx, tx, op.OldPath, op.Path)
		case OpTouch:
			err = touchFile(ctx, tx, op.File)
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("batch op %d (%s %s): %w", i, op.Kind, op.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

func upsertFile(ctx context.Context, tx *sql.Tx, f IndexedFile, content string) error {
	indexedAt := f.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now()
	}
	kind := f.Kind
	if kind == "" {
		kind = KindOther
	}

	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO indexed_files (path, folder_id, name, extension, kind, size, modified_at, indexed_at,
			content_hash, readable, error_reason, extraction_method, truncated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			folder_id = excluded.folder_id,
			name = excluded.name,
			extension = excluded.extension,
			kind = excluded.kind,
			size = excluded.size,
			modified_at = excluded.modified_at,
			indexed_at = excluded.indexed_at,
			content_hash = excluded.content_hash,
			readable = excluded.readable,
			error_reason = excluded.error_reason,
			extraction_method = excluded.extraction_method,
			truncated = excluded.truncated
		RETURNING id`,
		f.Path, f.FolderID, f.Name, f.Extension, kind, f.Size, f.ModifiedAt.UnixNano(),
		indexedAt.UTC().Format(time.RFC3339Nano), f.ContentHash, boolInt(f.Readable), f.ErrorReason,
		f.ExtractionMethod, boolInt(f.Truncated),
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("upserting file row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_content WHERE rowid = ?`, id); err != nil {
		return fmt.Errorf("clearing content: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO file_content (rowid, name, path, content) VALUES (?, ?, ?, ?)`,
		id, f.Name, f.Path, content); err != nil {
		return fmt.Errorf("inserting content: %w", err)
	}
	return nil
}

func deleteFile(ctx context.Context, tx *sql.Tx, path string) error {
	var id int64
	err := tx.QueryRowContext(ctx, `DELETE FROM indexed_files WHERE path = ? RETURNING id`, path).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting file row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM file_content WHERE rowid = ?`, id); err != nil {
		return fmt.Errorf("deleting content: %w", err)
	}
	return nil
}

// moveFile re-keys a row without touching its content. A row already at
// newPath is replaced.
func moveFile(ctx context.Context, tx *sql.Tx, oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}
	if err := deleteFile(ctx, tx, newPath); err != nil {
		return err
	}
	name := filepath.Base(newPath)
	ext := strings.ToLower(filepath.Ext(newPath))

	var id int64
	err := tx.QueryRowContext(ctx, `UPDATE indexed_files SET path = ?, name = ?, extension = ?, indexed_at = ?
		WHERE path = ? RETURNING id`,
		newPath, name, ext, time.Now().UTC().Format(time.RFC3339Nano), oldPath).Scan(&id)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("moving file row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE file_content SET name = ?, path = ? WHERE rowid = ?`, name, newPath, id); err != nil {
		return fmt.Errorf("moving content: %w", err)
	}
	return nil
}

func touchFile(ctx context.Context, tx *sql.Tx, f IndexedFile) error {
	indexedAt := f.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `UPDATE indexed_files SET folder_id = ?, size = ?, modified_at = ?, indexed_at = ?
		WHERE path = ?`,
		f.FolderID, f.Size, f.ModifiedAt.UnixNano(), indexedAt.UTC().Format(time.RFC3339Nano), f.Path)
	if err != nil {
		return fmt.Errorf("touching file row: %w", err)
	}
	return nil
}

// GetFileByPath returns the row for path or ErrNotFound.
func (s *Store) GetFileByPath(path string) (IndexedFile, error) {
	f, err := scanFile(s.read.QueryRow(`SELECT `+fileColumns+` FROM indexed_files WHERE path = ?`, path))
	if err == sql.ErrNoRows {
		return IndexedFile{}, ErrNotFound
	}
	if err != nil {
		return IndexedFile{}, err
	}
	return f, nil
}

// GetContent returns the indexed text for path.
func (s *Store) GetContent(path string) (string, error) {
	var content string
	err := s.read.QueryRow(`SELECT c.content FROM file_content c JOIN indexed_files f ON f.id = c.rowid
		WHERE f.path = ?`, path).Scan(&content)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return content, err
}

// PathsUnder returns the indexed paths below dir, dir itself excluded.
func (s *Store) PathsUnder(dir string) ([]string, error) {
	prefix := strings.TrimRight(dir, string(filepath.Separator)) + string(filepath.Separator)
	rows, err := s.read.Query(`SELECT path FROM indexed_files WHERE substr(path, 1, ?) = ? ORDER BY path`,
		utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// FileStates returns size and modification time for every file of a folder,
// keyed by path. A locked file keeps its real time here, so scans leave it
// alone until it changes on disk.
func (s *Store) FileStates(folderID string) (map[string]FileState, error) {
	rows, err := s.read.Query(`SELECT path, size, modified_at FROM indexed_files WHERE folder_id = ?`, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]FileState)
	for rows.Next() {
		var path string
		var size, modified int64
		if err := rows.Scan(&path, &size, &modified); err != nil {
			return nil, err
		}
		states[path] = FileState{Size: size, ModifiedAt: time.Unix(0, modified).UTC()}
	}
	return states, rows.Err()
}

func fileWhere(filter FileFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.FolderID != "" {
		conds = append(conds, "folder_id = ?")
		args = append(args, filter.FolderID)
	}
	if filter.Readable != nil {
		conds = append(conds, "readable = ?")
		args = append(args, boolInt(*filter.Readable))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListFiles returns file rows ordered by path.
func (s *Store) ListFiles(filter FileFilter) ([]IndexedFile, error) {
	where, args := fileWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.read.Query(`SELECT `+fileColumns+` FROM indexed_files`+where+` ORDER BY path LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []IndexedFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// CountFiles counts file rows matching filter; Limit and Offset are ignored.
func (s *Store) CountFiles(filter FileFilter) (int, error) {
	where, args := fileWhere(filter)
	var n int
	err := s.read.QueryRow(`SELECT COUNT(*) FROM indexed_files`+where, args...).Scan(&n)
	return n, err
}

// FolderFileCounts returns the number of indexed files per folder ID.
func (s *Store) FolderFileCounts() (map[string]int, error) {
	rows, err := s.read.Query(`SELECT folder_id, COUNT(*) FROM indexed_files GROUP BY folder_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// IndexSizeBytes reports the size of the main database file in bytes.
func (s *Store) IndexSizeBytes() (int64, error) {
	var size int64
	err := s.read.QueryRow(`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&size)
	return size, err
}
