package task

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"
)

// Status is the in-memory state of a live download.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusDownloading  Status = "downloading"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
)

func (s Status) String() string {
	return string(s)
}

// IsActive reports whether the task still owns its title.
func (s Status) IsActive() bool {
	return s == StatusInitializing || s == StatusDownloading || s == StatusPaused
}

// Task is the process-lifetime bookkeeping for one download. It is never
// persisted; already stored segments are what make a download resumable.
type Task struct {
	mu         sync.Mutex
	titleID    string
	runID      string
	status     Status
	downloaded int
	total      int
	running    bool
	runDone    chan struct{} // closed when the running segment loop exits
	changed    chan struct{} // closed on every status change
}

// Snapshot is a point-in-time copy of a Task.
type Snapshot struct {
	TitleID    string `json:"title_id"`
	RunID      string `json:"run_id"`
	Status     Status `json:"status"`
	Downloaded int    `json:"downloaded_segments"`
	Total      int    `json:"total_segments"`
	Percent    int    `json:"progress"`
}

func newTask(titleID string, status Status) *Task {
	return &Task{
		titleID: titleID,
		runID:   uuid.NewString(),
		status:  status,
		changed: make(chan struct{}),
	}
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		TitleID:    t.titleID,
		RunID:      t.runID,
		Status:     t.status,
		Downloaded: t.downloaded,
		Total:      t.total,
		Percent:    percent(t.downloaded, t.total),
	}
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setStatusLocked(s)
}

func (t *Task) setStatusLocked(s Status) {
	if t.status == s {
		return
	}
	t.status = s
	close(t.changed)
	t.changed = make(chan struct{})
}

// transition moves the task to next only when it is currently in one of from.
func (t *Task) transition(next Status, from ...Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range from {
		if t.status == f {
			t.setStatusLocked(next)
			return true
		}
	}
	return false
}

func (t *Task) setProgress(downloaded, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.downloaded = downloaded
	t.total = total
}

// startRun claims the segment loop for this task.
func (t *Task) startRun() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return false
	}
	t.running = true
	t.runDone = make(chan struct{})
	return true
}

func (t *Task) endRun() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	close(t.runDone)
}

// waitRun blocks until the segment loop, if one is running, has exited.
func (t *Task) waitRun(ctx context.Context) error {
	t.mu.Lock()
	running, done := t.running, t.runDone
	t.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// waitWhilePaused blocks while the task is paused and returns the status
// that ended the wait.
func (t *Task) waitWhilePaused(ctx context.Context) (Status, error) {
	for {
		t.mu.Lock()
		status, changed := t.status, t.changed
		t.mu.Unlock()
		if status != StatusPaused {
			return status, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}

// taskTable is the set of live downloads owned by one Manager.
type taskTable struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func newTaskTable() *taskTable {
	return &taskTable{tasks: make(map[string]*Task)}
}

func (tt *taskTable) get(id string) *Task {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.tasks[id]
}

// register adds a new task unless one already exists for id.
func (tt *taskTable) register(id string, status Status) (*Task, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if existing, ok := tt.tasks[id]; ok {
		return existing, false
	}
	t := newTask(id, status)
	tt.tasks[id] = t
	return t, true
}

// remove drops t from the table if it is still the task registered for id.
func (tt *taskTable) remove(id string, t *Task) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.tasks[id] == t {
		delete(tt.tasks, id)
	}
}

func (tt *taskTable) snapshots() []Snapshot {
	tt.mu.Lock()
	tasks := make([]*Task, 0, len(tt.tasks))
	for _, t := range tt.tasks {
		tasks = append(tasks, t)
	}
	tt.mu.Unlock()

	out := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}
