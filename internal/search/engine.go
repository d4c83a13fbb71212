package search

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/owlet/internal/storage"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	DefaultTimeout  = 2 * time.Second
)

// Warnings attached to partial results.
const (
	WarnTimeout      = "search timed out, results are incomplete"
	WarnCountTimeout = "counting timed out, total is a lower bound"
	WarnFailed       = "search failed, results are incomplete"
)

// Store is the read side of the index used for search.
type Store interface {
	SearchFiles(ctx context.Context, p storage.SearchParams) ([]storage.SearchHit, error)
	CountMatches(ctx context.Context, p storage.SearchParams) (int, error)
}

type Item struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Extension  string    `json:"extension"`
	Kind       string    `json:"kind"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Score      float64   `json:"score"`
	Snippet    string    `json:"snippet"`
	Readable   bool      `json:"readable"`
	Error      string    `json:"error,omitempty"`
}

// Results is the read-only outcome of one search.
type Results struct {
	Query     string `json:"query"`
	Items     []Item `json:"results"`
	Total     int    `json:"total"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Partial   bool   `json:"partial"`
	Warning   string `json:"warning,omitempty"`
	Offset    int    `json:"offset"`
	Limit     int    `json:"limit"`
}

type Options struct {
	DefaultPageSize int
	MaxPageSize     int
	Timeout         time.Duration
	Logger          *slog.Logger
}

type Engine struct {
	store   Store
	defSize int
	maxSize int
	timeout time.Duration
	logger  *slog.Logger
}

func NewEngine(store Store, opts Options) *Engine {
	e := &Engine{
		store:   store,
		defSize: opts.DefaultPageSize,
		maxSize: opts.MaxPageSize,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
	if e.maxSize <= 0 {
		e.maxSize = MaxPageSize
	}
	if e.defSize <= 0 {
		e.defSize = DefaultPageSize
	}
	e.defSize = min(e.defSize, e.maxSize)
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// PageSize resolves a requested limit against the defaults.
func (e *Engine) PageSize(limit int) int {
	if limit <= 0 {
		return e.defSize
	}
	return min(limit, e.maxSize)
}

// Search parses raw and runs it.
func (e *Engine) Search(ctx context.Context, raw string, limit, offset int) Results {
	return e.Run(ctx, Parse(raw, limit, offset))
}

// Run executes q. It never fails: timeouts and storage errors produce a
// partial result with a warning.
func (e *Engine) Run(ctx context.Context, q Query) (res Results) {
	start := time.Now()
	limit := e.PageSize(q.Limit())
	res = Results{Query: q.Raw(), Items: []Item{}, Offset: q.Offset(), Limit: limit}
	defer func() { res.ElapsedMs = time.Since(start).Milliseconds() }()

	if q.Empty() {
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	params := storage.SearchParams{
		Match:   q.Match(),
		Exclude: q.ExcludeMatch(),
		Limit:   limit,
		Offset:  q.Offset(),
	}

	hits, err := e.store.SearchFiles(ctx, params)
	for _, h := range hits {
		res.Items = append(res.Items, toItem(h))
	}
	if err != nil {
		res.Partial = true
		res.Total = res.Offset + len(res.Items)
		if isTimeout(ctx, err) {
			res.Warning = WarnTimeout
			e.logger.Warn("search timed out", "query", q.Raw(), "timeout", e.timeout)
		} else {
			res.Warning = WarnFailed
			e.logger.Error("search failed", "query", q.Raw(), "error", err)
		}
		return res
	}

	total, err := e.store.CountMatches(ctx, params)
	if err != nil {
		res.Partial = true
		res.Total = res.Offset + len(res.Items)
		res.Warning = WarnCountTimeout
		if !isTimeout(ctx, err) {
			e.logger.Error("counting matches failed", "query", q.Raw(), "error", err)
		}
		return res
	}
	// The count is taken after the page; concurrent commits may shift it.
	res.Total = max(total, res.Offset+len(res.Items))
	return res
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func toItem(h storage.SearchHit) Item {
	return Item{
		Path:       h.File.Path,
		Name:       h.File.Name,
		Extension:  h.File.Extension,
		Kind:       h.File.Kind,
		Size:       h.File.Size,
		ModifiedAt: h.File.ModifiedAt,
		Score:      h.Score,
		Snippet:    h.Snippet,
		Readable:   h.File.Readable,
		Error:      h.File.ErrorReason,
	}
}
