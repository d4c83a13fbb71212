package prune

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/owlet/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedFolder(t *testing.T, store *storage.Store, folderID string, n int) {
	t.Helper()
	var b storage.Batch
	for i := 0; i < n; i++ {
		path := fmt.Sprintf("/%s/file%03d.txt", folderID, i)
		b.Upsert(storage.IndexedFile{
			Path:       path,
			FolderID:   folderID,
			Name:       fmt.Sprintf("file%03d.txt", i),
			Extension:  ".txt",
			Kind:       storage.KindDocument,
			ModifiedAt: time.Now(),
			Readable:   true,
		}, "body "+path)
	}
	if err := store.ApplyBatch(context.Background(), b); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, jobType string) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE type = ?`, jobType).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job: %v", err)
	}
	return status, attempts
}

// resetRunAfter makes a backed-off job immediately claimable.
func resetRunAfter(t *testing.T, store *storage.Store) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ?`, now); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestWorker_PrunesFolder(t *testing.T) {
	store := openTestStore(t)
	seedFolder(t, store, "gone", 7)
	seedFolder(t, store, "kept", 2)

	if err := Enqueue(store, "gone"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := NewWorker(store, 3, 0)
	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	n, err := store.CountFiles(storage.FileFilter{FolderID: "gone"})
	if err != nil {
		t.Fatalf("CountFiles: %v", err)
	}
	if n != 0 {
		t.Errorf("pruned folder still has %d files", n)
	}
	if n, _ := store.CountFiles(storage.FileFilter{FolderID: "kept"}); n != 2 {
		t.Errorf("other folder has %d files, want 2", n)
	}
	if status, _ := jobStatus(t, store, JobType); status != "completed" {
		t.Errorf("job status = %q, want completed", status)
	}

	didWork, err = w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("second RunOnce = %v, %v; want no work", didWork, err)
	}
}

// flakyStore fails the first prune calls.
type flakyStore struct {
	*storage.Store
	failures atomic.Int32
}

func (f *flakyStore) PruneFolderFiles(folderID string, limit int) (int, error) {
	if f.failures.Add(-1) >= 0 {
		return 0, errors.New("database is busy")
	}
	return f.Store.PruneFolderFiles(folderID, limit)
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	seedFolder(t, store, "gone", 4)
	if err := Enqueue(store, "gone"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	flaky := &flakyStore{Store: store}
	flaky.failures.Store(1)
	w := NewWorker(flaky, 10, 0)
	ctx := context.Background()

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	status, attempts := jobStatus(t, store, JobType)
	if status != "pending" || attempts != 1 {
		t.Errorf("after failure: status=%q attempts=%d, want pending/1", status, attempts)
	}

	// Backed off: nothing claimable yet.
	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Error("job claimed before its backoff elapsed")
	}

	resetRunAfter(t, store)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}
	if status, _ := jobStatus(t, store, JobType); status != "completed" {
		t.Errorf("final status = %q, want completed", status)
	}
	if n, _ := store.CountFiles(storage.FileFilter{FolderID: "gone"}); n != 0 {
		t.Errorf("%d files left after retry", n)
	}
}

func TestWorker_BadPayloadFails(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "bad", Type: JobType, PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	w := NewWorker(store, 0, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	job, err := store.GetJob("bad")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != "failed" || job.LastError == "" {
		t.Errorf("job = %+v, want failed with an error", job)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, 0, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	seedFolder(t, store, "gone", 3)
	if err := Enqueue(store, "gone"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := store.CountFiles(storage.FileFilter{FolderID: "gone"}); n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n, _ := store.CountFiles(storage.FileFilter{FolderID: "gone"}); n != 0 {
		t.Errorf("Run did not prune: %d files left", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
