// Package prune removes the index rows of deactivated folders in the
// background, driven by the durable job queue.
package prune

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/owlet/internal/storage"
)

// JobType is the job queue type handled by Worker.
const JobType = "prune_folder"

// DefaultChunk bounds how many rows one delete transaction removes, so a
// large folder never holds the writer for long.
const DefaultChunk = 500

// JobStore abstracts the job queue and the prune delete.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	PruneFolderFiles(folderID string, limit int) (int, error)
}

// Enqueuer stores new jobs.
type Enqueuer interface {
	EnqueueJob(job storage.Job) error
}

type payload struct {
	FolderID string `json:"folder_id"`
}

// Enqueue schedules removal of every row of folderID.
func Enqueue(store Enqueuer, folderID string) error {
	body, err := json.Marshal(payload{FolderID: folderID})
	if err != nil {
		return err
	}
	return store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(body),
	})
}

// Worker processes prune_folder jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	chunk  int
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. If chunk is <= 0 it defaults to DefaultChunk;
// if pollInterval is <= 0, it defaults to 2s.
func NewWorker(store JobStore, chunk int, pollInterval time.Duration) *Worker {
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		store:  store,
		chunk:  chunk,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("prune iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single prune_folder job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("prune job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if p.FolderID == "" {
		return fmt.Errorf("payload has no folder_id")
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.store.PruneFolderFiles(p.FolderID, w.chunk)
		if err != nil {
			return fmt.Errorf("pruning folder %s: %w", p.FolderID, err)
		}
		total += n
		if n < w.chunk {
			break
		}
	}

	w.logger.Info("folder pruned", "folder_id", p.FolderID, "files", total)
	return nil
}
