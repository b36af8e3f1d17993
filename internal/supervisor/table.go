package supervisor

import (
	"sort"
	"sync"
	"time"

	"github.com/osvaldoandrade/batchsup/internal/process"
	"github.com/osvaldoandrade/batchsup/pkg/domain"
)

// WorkerHandle is the supervisor's record of one worker. Handles are owned
// by the worker table and never shared with workers.
type WorkerHandle struct {
	ID        string
	Process   process.Process
	StartedAt time.Time
	Status    domain.WorkerStatus
	ExitCode  int
	Files     int

	flush func()
}

type workerTable struct {
	mu      sync.Mutex
	handles map[string]*WorkerHandle
	order   []string
}

func newWorkerTable() *workerTable {
	return &workerTable{handles: make(map[string]*WorkerHandle)}
}

func (t *workerTable) add(h *WorkerHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles[h.ID] = h
	t.order = append(t.order, h.ID)
}

// live returns a handle that has not been reaped yet, or nil.
func (t *workerTable) live(id string) *WorkerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok || !isLive(h.Status) {
		return nil
	}
	return h
}

func (t *workerTable) liveHandles() []*WorkerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*WorkerHandle, 0, len(t.order))
	for _, id := range t.order {
		h := t.handles[id]
		if isLive(h.Status) {
			out = append(out, h)
		}
	}
	return out
}

func isLive(st domain.WorkerStatus) bool {
	return st == domain.WorkerPending || st == domain.WorkerRunning
}

func (t *workerTable) liveCount() int {
	return len(t.liveHandles())
}

// exited snapshots the live workers whose process has already finished.
func (t *workerTable) exited() []*WorkerHandle {
	var out []*WorkerHandle
	for _, h := range t.liveHandles() {
		if process.Exited(h.Process) {
			out = append(out, h)
		}
	}
	return out
}

func (t *workerTable) setStatus(h *WorkerHandle, st domain.WorkerStatus, code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h.Status = st
	h.ExitCode = code
}

// WorkerState is the externally visible view of one worker.
type WorkerState struct {
	ID        string              `json:"id"`
	Status    domain.WorkerStatus `json:"status"`
	ExitCode  int                 `json:"exitCode"`
	StartedAt time.Time           `json:"startedAt"`
	Files     int                 `json:"files,omitempty"`
}

func (t *workerTable) states() []WorkerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]WorkerState, 0, len(t.order))
	for _, id := range t.order {
		h := t.handles[id]
		out = append(out, WorkerState{ID: h.ID, Status: h.Status, ExitCode: h.ExitCode, StartedAt: h.StartedAt, Files: h.Files})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
