package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateFolder inserts an active folder. It returns ErrAlreadyExists when an
// active folder with the same path exists.
func (s *Store) CreateFolder(f WatchedFolder) error {
	include, err := json.Marshal(nonNil(f.Include))
	if err != nil {
		return fmt.Errorf("encoding include globs: %w", err)
	}
	exclude, err := json.Marshal(nonNil(f.Exclude))
	if err != nil {
		return fmt.Errorf("encoding exclude globs: %w", err)
	}
	created := f.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.Exec(`INSERT INTO watched_folders (id, path, active, include_globs, exclude_globs, created_at)
		VALUES (?, ?, 1, ?, ?, ?)`,
		f.ID, f.Path, string(include), string(exclude), created.UTC().Format(time.RFC3339))
	if err != nil {
		if isConstraint(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting folder: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const folderColumns = `id, path, active, include_globs, exclude_globs, created_at, deactivated_at`

func scanFolder(row rowScanner) (WatchedFolder, error) {
	var f WatchedFolder
	var active int
	var include, exclude, created string
	var deactivated sql.NullString
	if err := row.Scan(&f.ID, &f.Path, &active, &include, &exclude, &created, &deactivated); err != nil {
		return WatchedFolder{}, err
	}
	f.Active = active == 1
	if err := json.Unmarshal([]byte(include), &f.Include); err != nil {
		return WatchedFolder{}, fmt.Errorf("decoding include globs for %s: %w", f.ID, err)
	}
	if err := json.Unmarshal([]byte(exclude), &f.Exclude); err != nil {
		return WatchedFolder{}, fmt.Errorf("decoding exclude globs for %s: %w", f.ID, err)
	}
	f.CreatedAt, _ = time.Parse(time.RFC3339, created)
	if deactivated.Valid {
		f.DeactivatedAt, _ = time.Parse(time.RFC3339, deactivated.String)
	}
	return f, nil
}

func (s *Store) GetFolder(id string) (WatchedFolder, error) {
	f, err := scanFolder(s.read.QueryRow(`SELECT `+folderColumns+` FROM watched_folders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return WatchedFolder{}, ErrNotFound
	}
	return f, err
}

// ListFolders returns folders ordered by creation time.
func (s *Store) ListFolders(activeOnly bool) ([]WatchedFolder, error) {
	query := `SELECT ` + folderColumns + ` FROM watched_folders`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	rows, err := s.read.Query(query + ` ORDER BY created_at ASC, path ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []WatchedFolder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// DeactivateFolder soft-deletes an active folder. Its files stay until a
// prune job removes them.
func (s *Store) DeactivateFolder(id string) error {
	res, err := s.db.Exec(`UPDATE watched_folders SET active = 0, deactivated_at = ? WHERE id = ? AND active = 1`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneFolderFiles deletes up to limit files of a folder and returns how many
// were removed.
func (s *Store) PruneFolderFiles(folderID string, limit int) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning prune transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM indexed_files WHERE folder_id = ? LIMIT ?`, folderID, limit)
	if err != nil {
		return 0, err
	}
	var ids []any
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	in := "(?" + strings.Repeat(",?", len(ids)-1) + ")"
	if _, err := tx.Exec(`DELETE FROM file_content WHERE rowid IN `+in, ids...); err != nil {
		return 0, fmt.Errorf("pruning content: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM indexed_files WHERE id IN `+in, ids...); err != nil {
		return 0, fmt.Errorf("pruning files: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return len(ids), nil
}
