package pipeline

import (
	"sync"
	"time"
)

// Health tracks whether the index accepts writes. It turns degraded after
// an unrecoverable commit error and recovers on the next good commit.
type Health struct {
	mu    sync.Mutex
	err   error
	since time.Time
}

type HealthStatus struct {
	Degraded bool      `json:"degraded"`
	Error    string    `json:"error,omitempty"`
	Since    time.Time `json:"since,omitzero"`
}

func (h *Health) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.since = time.Now()
	}
	h.err = err
}

func (h *Health) ok() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = nil
	h.since = time.Time{}
}

func (h *Health) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err != nil
}

func (h *Health) Status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		return HealthStatus{}
	}
	return HealthStatus{Degraded: true, Error: h.err.Error(), Since: h.since}
}
