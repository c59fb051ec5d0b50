// Package task tracks long-running operations: their log, per-device
// progress and cooperative cancellation. Tasks are kept in memory; the
// log doubles as the live stream consumed over the websocket.
package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Task is a snapshot of one tracked operation.
type Task struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Status  Status            `json:"status"`
	Log     []string          `json:"log"`
	Devices map[string]string `json:"devices"`
	Started time.Time         `json:"started"`
	Ended   time.Time         `json:"ended,omitempty"`

	// BusTask marks tasks that touch a shared bus; fast status paths
	// report bus_busy while one is running.
	BusTask bool `json:"bus_task"`
}

type record struct {
	Task
	cancelled bool
	cancel    context.CancelFunc
}

// Store holds all tasks created since startup.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*record
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		tasks: make(map[string]*record),
		now:   time.Now,
	}
}

// Create registers a new running task and returns its id together with
// a context cancelled when the task is. Ids are millisecond timestamps,
// bumped on collision.
func (s *Store) Create(ctx context.Context, name string, busTask bool) (string, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.now().UnixMilli()
	id := fmt.Sprintf("%d", ms)
	for _, ok := s.tasks[id]; ok; _, ok = s.tasks[id] {
		ms++
		id = fmt.Sprintf("%d", ms)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	s.tasks[id] = &record{
		Task: Task{
			ID:      id,
			Name:    name,
			Status:  StatusRunning,
			Devices: make(map[string]string),
			Started: s.now(),
			BusTask: busTask,
		},
		cancel: cancel,
	}
	return id, taskCtx
}

// AppendLog adds one line to a task's log. Trailing newlines are
// stripped so the log is line-oriented regardless of the producer.
func (s *Store) AppendLog(id, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.tasks[id]; ok {
		rec.Log = append(rec.Log, strings.TrimRight(line, "\n"))
	}
}

// Sink returns an AppendLog adapter for streaming subprocess output.
func (s *Store) Sink(id string) func(string) {
	return func(line string) { s.AppendLog(id, line) }
}

// SetDeviceStatus records per-device progress inside a task.
func (s *Store) SetDeviceStatus(id, device, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.tasks[id]; ok {
		rec.Devices[device] = status
	}
}

// Cancel requests cooperative cancellation: the status flips to
// cancelled right away and a marker line lands in the log, but the
// task keeps running until it reaches its next checkpoint and calls
// Complete. A task that already ended keeps its final status.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok || rec.cancelled || !rec.Ended.IsZero() {
		return false
	}
	rec.cancelled = true
	rec.Status = StatusCancelled
	rec.Log = append(rec.Log, "--- Task cancelled ---")
	if rec.cancel != nil {
		rec.cancel()
	}
	return true
}

// Cancelled reports whether cancellation was requested.
func (s *Store) Cancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	return ok && rec.cancelled
}

// Complete finalizes a task. A pending cancellation wins over the
// status the runner reports; completing twice keeps the first outcome.
func (s *Store) Complete(id string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok || !rec.Ended.IsZero() {
		return
	}
	if rec.cancelled {
		status = StatusCancelled
	}
	rec.Status = status
	rec.Ended = s.now()
	if rec.cancel != nil {
		rec.cancel()
	}
}

// Get returns a snapshot of one task.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return rec.snapshot(), true
}

// List returns snapshots of all tasks, newest id first.
func (s *Store) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, rec := range s.tasks {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// DeviceOverride returns the live per-device status a running task has
// recorded, if any. Fleet status reporting prefers it over probing.
func (s *Store) DeviceOverride(device string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.tasks {
		if !rec.Ended.IsZero() {
			continue
		}
		if v, ok := rec.Devices[device]; ok {
			return v, true
		}
	}
	return "", false
}

// BusTaskRunning reports whether any bus-touching task is active.
func (s *Store) BusTaskRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.tasks {
		if rec.BusTask && rec.Ended.IsZero() {
			return true
		}
	}
	return false
}

// LogsSince returns log lines from offset on and whether the task has
// reached a terminal state. Used by the log streaming endpoint.
func (s *Store) LogsSince(id string, offset int) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, true
	}
	done := !rec.Ended.IsZero()
	if offset >= len(rec.Log) {
		return nil, done
	}
	out := make([]string, len(rec.Log)-offset)
	copy(out, rec.Log[offset:])
	return out, done
}

func (r *record) snapshot() Task {
	t := r.Task
	t.Log = append([]string(nil), r.Log...)
	t.Devices = make(map[string]string, len(r.Devices))
	for k, v := range r.Devices {
		t.Devices[k] = v
	}
	return t
}
