package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/owlet/internal/indexer"
	"github.com/kalambet/owlet/internal/search"
	"github.com/kalambet/owlet/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Folders is the folder management side of the indexing service.
type Folders interface {
	AddFolder(ctx context.Context, path string, include, exclude []string) (indexer.FolderInfo, error)
	RemoveFolder(ctx context.Context, id string) error
	ListFolders() ([]indexer.FolderInfo, error)
	Status() indexer.Status
}

// Searcher runs full-text queries.
type Searcher interface {
	Search(ctx context.Context, raw string, limit, offset int) search.Results
}

// FileStore is the read side of the file index.
type FileStore interface {
	ListFiles(filter storage.FileFilter) ([]storage.IndexedFile, error)
	CountFiles(filter storage.FileFilter) (int, error)
	GetFileByPath(path string) (storage.IndexedFile, error)
}

type Deps struct {
	Folders Folders
	Search  Searcher
	Files   FileStore
	// Token guards the mutating routes when non-empty.
	Token string
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps, false))
	r.Get("/health/ready", handleHealth(deps, true))
	r.Get("/health/live", handleHealth(deps, false))

	r.Route("/api", func(r chi.Router) {
		r.Get("/search", handleSearch(deps))
		r.Get("/folders", handleListFolders(deps))
		r.Get("/files", handleListFiles(deps))

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.Token))
			r.Post("/folders", handleAddFolder(deps))
			r.Delete("/folders/{id}", handleRemoveFolder(deps))
		})
	})

	return r
}

// handleHealth serves the status snapshot. Without ready it always answers
// 200; with ready it answers 503 until the service runs with a writable index.
func handleHealth(deps Deps, ready bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := deps.Folders.Status()
		if st.DegradedFolders == nil {
			st.DegradedFolders = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		if ready && !st.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(st)
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		limit := parseIntParam(r, "limit", 0, 0)
		offset := parseIntParam(r, "offset", 0, 0)

		res := deps.Search.Search(r.Context(), q, limit, offset)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

func handleListFolders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		folders, err := deps.Folders.ListFolders()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list folders: %v", err)
			return
		}
		if folders == nil {
			folders = []indexer.FolderInfo{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(folders)
	}
}

type AddFolderRequest struct {
	Path    string   `json:"path"`
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

func handleAddFolder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AddFolderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}

		info, err := deps.Folders.AddFolder(r.Context(), req.Path, req.Include, req.Exclude)
		switch {
		case errors.Is(err, indexer.ErrInvalidPath):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, storage.ErrAlreadyExists):
			httpError(w, http.StatusConflict, "conflict_error", "folder %s is already watched", req.Path)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to add folder: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(info)
	}
}

func handleRemoveFolder(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := deps.Folders.RemoveFolder(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "folder not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to remove folder: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deactivated", "id": id})
	}
}

// FileStatus is the API view of one indexed file.
type FileStatus struct {
	Path             string    `json:"path"`
	FolderID         string    `json:"folder_id"`
	Name             string    `json:"name"`
	Extension        string    `json:"extension"`
	Kind             string    `json:"kind"`
	Size             int64     `json:"size"`
	ModifiedAt       time.Time `json:"modified_at"`
	IndexedAt        time.Time `json:"indexed_at"`
	Readable         bool      `json:"readable"`
	Error            string    `json:"error,omitempty"`
	ExtractionMethod string    `json:"extraction_method,omitempty"`
	Truncated        bool      `json:"truncated"`
}

func fileStatus(f storage.IndexedFile) FileStatus {
	return FileStatus{
		Path:             f.Path,
		FolderID:         f.FolderID,
		Name:             f.Name,
		Extension:        f.Extension,
		Kind:             f.Kind,
		Size:             f.Size,
		ModifiedAt:       f.ModifiedAt,
		IndexedAt:        f.IndexedAt,
		Readable:         f.Readable,
		Error:            f.ErrorReason,
		ExtractionMethod: f.ExtractionMethod,
		Truncated:        f.Truncated,
	}
}

type FileList struct {
	Files  []FileStatus `json:"files"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func handleListFiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := storage.FileFilter{
			FolderID: r.URL.Query().Get("folder"),
			Limit:    parseIntParam(r, "limit", 50, 500),
			Offset:   parseIntParam(r, "offset", 0, 0),
		}
		readable, err := parseStatus(r.URL.Query().Get("status"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		filter.Readable = readable

		files, err := deps.Files.ListFiles(filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list files: %v", err)
			return
		}
		total, err := deps.Files.CountFiles(filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count files: %v", err)
			return
		}

		out := FileList{Files: make([]FileStatus, 0, len(files)), Total: total, Limit: filter.Limit, Offset: filter.Offset}
		for _, f := range files {
			out.Files = append(out.Files, fileStatus(f))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func parseStatus(s string) (*bool, error) {
	var readable bool
	switch s {
	case "":
		return nil, nil
	case "readable":
		readable = true
	case "unreadable":
		readable = false
	default:
		return nil, fmt.Errorf("status must be readable or unreadable, got %q", s)
	}
	return &readable, nil
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
