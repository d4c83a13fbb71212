// Package extract turns files into searchable plain text.
//
// Extractors are tried in specificity order. Lock contention is retried
// through a RetryPolicy; every other failure is permanent for that extractor
// and the next capable one gets a chance.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrFileLocked    = errors.New("file is locked by another process")
	ErrBinaryContent = errors.New("content is binary")
	ErrCorrupt       = errors.New("file is corrupt or malformed")
)

// MethodMetadataOnly marks files indexed without content because no
// extractor handles their type.
const MethodMetadataOnly = "metadata-only"

type Extractor interface {
	Name() string
	// CanHandle reports whether the extractor accepts ext (lower-case, with dot).
	CanHandle(ext string) bool
	Extract(ctx context.Context, path string) (string, error)
}

type Kind int

const (
	// Transient failures are expected to clear on their own (file locks).
	Transient Kind = iota + 1
	// Permanent failures will fail again on identical input.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Error is returned by Registry.Extract when no extractor produced text.
type Error struct {
	Kind     Kind
	Method   string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Kind == Transient {
		return fmt.Sprintf("%s: %v (after %d attempts)", e.Method, e.Err, e.Attempts)
	}
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is an extraction failure that may succeed later.
func IsTransient(err error) bool {
	var xe *Error
	return errors.As(err, &xe) && xe.Kind == Transient
}

type Result struct {
	Text      string
	Method    string
	Truncated bool
}

type Options struct {
	// MaxTextBytes caps extracted text. Zero disables the cap.
	MaxTextBytes int
	Retry        RetryPolicy
	Logger       *slog.Logger
}

type Registry struct {
	extractors []Extractor
	maxText    int
	retry      RetryPolicy
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRegistry builds a registry over extractors, which must already be in
// specificity order.
func NewRegistry(opts Options, extractors ...Extractor) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		extractors: extractors,
		maxText:    opts.MaxTextBytes,
		retry:      opts.Retry,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Default returns a registry with every built-in extractor.
func Default(opts Options) *Registry {
	return NewRegistry(opts,
		NewPDF(),
		NewOffice(),
		NewDoc(),
		NewEmail(),
		NewHTML(),
		NewMarkdown(),
		NewText(),
	)
}

// CanHandle reports whether any extractor accepts ext.
func (r *Registry) CanHandle(ext string) bool {
	ext = strings.ToLower(ext)
	for _, ex := range r.extractors {
		if ex.CanHandle(ext) {
			return true
		}
	}
	return false
}

// Extract returns the text of path. A file type nobody handles yields a
// metadata-only result and no error.
func (r *Registry) Extract(ctx context.Context, path string) (Result, error) {
	ext := strings.ToLower(filepath.Ext(path))

	var lastErr error
	for _, ex := range r.extractors {
		if !ex.CanHandle(ext) {
			continue
		}
		text, err := r.extractWithRetry(ctx, ex, path)
		if err == nil {
			text, truncated := Truncate(text, r.maxText)
			return Result{Text: text, Method: ex.Name(), Truncated: truncated}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		// A locked file stays locked for every extractor.
		if IsTransient(err) {
			return Result{Method: ex.Name()}, err
		}
		r.logger.Debug("extractor failed", "extractor", ex.Name(), "path", path, "error", err)
		lastErr = err
	}

	if lastErr == nil {
		return Result{Method: MethodMetadataOnly}, nil
	}
	return Result{}, lastErr
}

func (r *Registry) extractWithRetry(ctx context.Context, ex Extractor, path string) (string, error) {
	attempt := r.retry.Start()
	for {
		text, err := safeExtract(ctx, ex, path)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !IsLocked(err) {
			return "", &Error{Kind: Permanent, Method: ex.Name(), Attempts: attempt.N(), Err: err}
		}
		delay, ok := attempt.Next()
		if !ok {
			return "", &Error{Kind: Transient, Method: ex.Name(), Attempts: attempt.N(), Err: ErrFileLocked}
		}
		r.logger.Debug("file locked, retrying", "path", path, "attempt", attempt.N(), "delay", delay)
		if err := r.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

// safeExtract converts parser panics on malformed input into ErrCorrupt.
func safeExtract(ctx context.Context, ex Extractor, path string) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			text = ""
			err = fmt.Errorf("%w: %v", ErrCorrupt, rec)
		}
	}()
	return ex.Extract(ctx, path)
}

// IsLocked reports whether err means another process holds the file.
func IsLocked(err error) bool {
	return errors.Is(err, ErrFileLocked) || isLockErrno(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Truncate cuts s to at most max bytes on a rune boundary.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".tif": true, ".tiff": true, ".webp": true, ".heic": true, ".svg": true,
}

// KindOf classifies an extension as document, image or other.
func (r *Registry) KindOf(ext string) string {
	ext = strings.ToLower(ext)
	switch {
	case imageExts[ext]:
		return "image"
	case r.CanHandle(ext):
		return "document"
	}
	return "other"
}
