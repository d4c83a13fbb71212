// Package filter decides whether a filesystem path is eligible for indexing.
//
// Decisions are pure: they depend only on the path, the stat result handed
// in by the caller, and the configured rules.
package filter

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

type Decision int

const (
	Reject Decision = iota
	Index
	// MetadataOnly indexes name, size and timestamps without content.
	MetadataOnly
)

func (d Decision) String() string {
	switch d {
	case Reject:
		return "reject"
	case Index:
		return "index"
	case MetadataOnly:
		return "metadata-only"
	}
	return "unknown"
}

// Allowed reports whether the path should appear in the index at all.
func (d Decision) Allowed() bool {
	return d == Index || d == MetadataOnly
}

// Rejection and downgrade reasons.
const (
	ReasonNone              = ""
	ReasonDirectory         = "directory"
	ReasonExcludedDirectory = "excluded directory"
	ReasonExcludedPattern   = "excluded pattern"
	ReasonNotIncluded       = "not included"
	ReasonExtension         = "extension not allowed"
	ReasonTooLarge          = "exceeds size ceiling"
)

type Options struct {
	// Extensions lists allowed extensions with the leading dot. Matching is
	// case-insensitive.
	Extensions []string
	// ExcludedDirs lists directory names skipped at any depth.
	ExcludedDirs []string
	// MaxFileSize is the ceiling in bytes above which files are indexed
	// metadata-only. Zero disables the ceiling.
	MaxFileSize int64
}

type Filter struct {
	exts        map[string]struct{}
	excluded    map[string]struct{}
	maxFileSize int64

	root    string
	include []string
	exclude []string
}

func New(opts Options) *Filter {
	f := &Filter{
		exts:        make(map[string]struct{}, len(opts.Extensions)),
		excluded:    make(map[string]struct{}, len(opts.ExcludedDirs)),
		maxFileSize: opts.MaxFileSize,
	}
	for _, e := range opts.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		f.exts[e] = struct{}{}
	}
	for _, d := range opts.ExcludedDirs {
		d = strings.ToLower(strings.Trim(strings.TrimSpace(d), `/\`))
		if d != "" {
			f.excluded[d] = struct{}{}
		}
	}
	return f
}

// WithFolder returns a copy scoped to a watched folder root with optional
// doublestar include and exclude globs evaluated relative to root. Invalid
// patterns are dropped.
func (f *Filter) WithFolder(root string, include, exclude []string) *Filter {
	c := *f
	c.root = filepath.Clean(root)
	c.include = validPatterns(include)
	c.exclude = validPatterns(exclude)
	return &c
}

func validPatterns(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		p = filepath.ToSlash(strings.TrimSpace(p))
		if p != "" && doublestar.ValidatePattern(p) {
			out = append(out, p)
		}
	}
	return out
}

// ShouldIndex classifies path. info is the caller's stat of path.
func (f *Filter) ShouldIndex(path string, info fs.FileInfo) (Decision, string) {
	if info != nil && info.IsDir() {
		return Reject, ReasonDirectory
	}

	rel := f.relative(path)
	dir := filepath.Dir(rel)
	if dir != "." && f.hasExcludedSegment(dir) {
		return Reject, ReasonExcludedDirectory
	}
	if f.matchesAny(f.exclude, rel) {
		return Reject, ReasonExcludedPattern
	}
	if len(f.include) > 0 && !f.matchesAny(f.include, rel) {
		return Reject, ReasonNotIncluded
	}

	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := f.exts[ext]; !ok {
		return Reject, ReasonExtension
	}

	if f.maxFileSize > 0 && info != nil && info.Size() > f.maxFileSize {
		return MetadataOnly, ReasonTooLarge
	}
	return Index, ReasonNone
}

// ShouldDescend reports whether a directory walk or watch should enter dir.
func (f *Filter) ShouldDescend(dir string) bool {
	rel := f.relative(dir)
	if rel == "." {
		return true
	}
	if f.hasExcludedSegment(rel) {
		return false
	}
	// A pattern like "build/**" excludes the directory itself.
	return !f.matchesAny(f.exclude, rel+"/**")
}

// Allowed reports whether ext (with dot) is in the allow-list.
func (f *Filter) Allowed(ext string) bool {
	_, ok := f.exts[strings.ToLower(ext)]
	return ok
}

func (f *Filter) relative(path string) string {
	path = filepath.Clean(path)
	if f.root == "" {
		return path
	}
	rel, err := filepath.Rel(f.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func (f *Filter) hasExcludedSegment(dir string) bool {
	if len(f.excluded) == 0 {
		return false
	}
	for _, seg := range strings.FieldsFunc(dir, isSeparator) {
		if _, ok := f.excluded[strings.ToLower(seg)]; ok {
			return true
		}
	}
	return false
}

func isSeparator(r rune) bool {
	return r == '/' || r == filepath.Separator
}

func (f *Filter) matchesAny(patterns []string, rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
