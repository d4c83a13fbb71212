package storage

import (
	"context"
	"fmt"
)

// Column weights for bm25(): name, path, content. A hit in the file name
// outranks the same hit buried in body text.
const rankExpr = `bm25(file_content, 10.0, 4.0, 1.0)`

// SearchFiles runs a ranked full-text query. Ties on score are broken by
// recency, then shorter path, then path, so results are fully ordered.
func (s *Store) SearchFiles(ctx context.Context, p SearchParams) ([]SearchHit, error) {
	var query string
	var args []any

	switch {
	case p.Match != "":
		match := p.Match
		if p.Exclude != "" {
			match = "(" + p.Match + ") NOT (" + p.Exclude + ")"
		}
		query = `SELECT ` + prefixed("f.") + `, ` + rankExpr + ` AS score,
				snippet(file_content, -1, '[', ']', '…', 12)
			FROM file_content JOIN indexed_files f ON f.id = file_content.rowid
			WHERE file_content MATCH ?
			ORDER BY score ASC, f.modified_at DESC, length(f.path) ASC, f.path ASC
			LIMIT ? OFFSET ?`
		args = []any{match, p.Limit, p.Offset}
	case p.Exclude != "":
		query = `SELECT ` + prefixed("f.") + `, 0.0, ''
			FROM indexed_files f
			WHERE f.id NOT IN (SELECT rowid FROM file_content WHERE file_content MATCH ?)
			ORDER BY f.modified_at DESC, length(f.path) ASC, f.path ASC
			LIMIT ? OFFSET ?`
		args = []any{p.Exclude, p.Limit, p.Offset}
	default:
		return nil, nil
	}

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		f, err := scanFile(rows, &h.Score, &h.Snippet)
		if err != nil {
			return nil, err
		}
		h.File = f
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return hits, fmt.Errorf("reading search results: %w", err)
	}
	return hits, nil
}

// CountMatches returns the total number of files matching p, ignoring paging.
func (s *Store) CountMatches(ctx context.Context, p SearchParams) (int, error) {
	var n int
	var err error
	switch {
	case p.Match != "":
		match := p.Match
		if p.Exclude != "" {
			match = "(" + p.Match + ") NOT (" + p.Exclude + ")"
		}
		err = s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_content WHERE file_content MATCH ?`, match).Scan(&n)
	case p.Exclude != "":
		err = s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM indexed_files
			WHERE id NOT IN (SELECT rowid FROM file_content WHERE file_content MATCH ?)`, p.Exclude).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting matches: %w", err)
	}
	return n, nil
}

func prefixed(alias string) string {
	return alias + `id, ` + alias + `path, ` + alias + `folder_id, ` + alias + `name, ` + alias + `extension, ` +
		alias + `kind, ` + alias + `size, ` + alias + `modified_at, ` + alias + `indexed_at, ` +
		alias + `content_hash, ` + alias + `readable, ` + alias + `error_reason, ` +
		alias + `extraction_method, ` + alias + `truncated`
}
