package storage

import (
	"context"
	"fmt"
)

// FreelistPages returns the number of unused pages that an incremental
// vacuum could release.
func (s *Store) FreelistPages(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&n)
	return n, err
}

// IncrementalVacuum releases up to pages free pages back to the filesystem.
func (s *Store) IncrementalVacuum(ctx context.Context, pages int) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA incremental_vacuum(%d)`, pages)); err != nil {
		return fmt.Errorf("incremental vacuum: %w", err)
	}
	return nil
}

// MergeFTS performs one bounded FTS5 segment merge step of roughly pages
// leaf pages.
func (s *Store) MergeFTS(ctx context.Context, pages int) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO file_content(file_content, rank) VALUES('merge', ?)`, pages); err != nil {
		return fmt.Errorf("fts merge: %w", err)
	}
	return nil
}

// OptimizeFTS fully merges the FTS5 index.
func (s *Store) OptimizeFTS(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO file_content(file_content) VALUES('optimize')`); err != nil {
		return fmt.Errorf("fts optimize: %w", err)
	}
	return nil
}
