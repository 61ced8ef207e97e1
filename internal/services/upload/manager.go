// Package upload runs at most one background Drive task per annotator.
// Starting a new task cancels the previous one for the same annotator.
package upload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

type TaskStatus struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Kind       string     `json:"kind"`
	State      State      `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Func is the body of a task. It must return promptly once ctx is cancelled.
type Func func(ctx context.Context) (any, error)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	status TaskStatus
}

func (t *task) snapshot() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Manager tracks the latest task of every annotator.
type Manager struct {
	CancelWait time.Duration
	// OnFinish, when set, observes every task that leaves the running state.
	OnFinish func(TaskStatus)

	base    context.Context
	stop    context.CancelFunc
	startMu sync.Mutex
	mu      sync.Mutex
	tasks   map[string]*task
	wg      sync.WaitGroup
}

func NewManager(cancelWait time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		CancelWait: cancelWait,
		base:       ctx,
		stop:       cancel,
		tasks:      make(map[string]*task),
	}
}

// Start cancels any running task of the annotator, waits up to CancelWait
// for it to exit, then launches fn in the background.
func (m *Manager) Start(username, kind string, fn Func) TaskStatus {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	prev := m.tasks[username]
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
		select {
		case <-prev.done:
		case <-time.After(m.CancelWait):
			slog.Warn("Previous upload task did not stop in time", "username", username, "task", prev.snapshot().ID)
		}
	}

	ctx, cancel := context.WithCancel(m.base)
	t := &task{
		cancel: cancel,
		done:   make(chan struct{}),
		status: TaskStatus{
			ID:        uuid.NewString(),
			Username:  username,
			Kind:      kind,
			State:     StateRunning,
			StartedAt: time.Now(),
		},
	}

	m.mu.Lock()
	m.tasks[username] = t
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, t, fn)

	slog.Info("Started background task", "username", username, "kind", kind, "task", t.status.ID)
	return t.snapshot()
}

func (m *Manager) run(ctx context.Context, t *task, fn Func) {
	defer m.wg.Done()
	defer close(t.done)
	defer t.cancel()

	result, err := fn(ctx)
	finished := time.Now()

	t.mu.Lock()
	t.status.FinishedAt = &finished
	t.status.Result = result
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil):
		t.status.State = StateCancelled
		t.status.Error = err.Error()
	case err != nil:
		t.status.State = StateFailed
		t.status.Error = err.Error()
	default:
		t.status.State = StateSucceeded
	}
	status := t.status
	t.mu.Unlock()

	if status.State == StateFailed {
		slog.Error("Background task failed", "username", status.Username, "kind", status.Kind, "task", status.ID, "err", err)
	} else {
		slog.Info("Background task finished", "username", status.Username, "kind", status.Kind, "task", status.ID, "state", status.State)
	}
	if m.OnFinish != nil {
		m.OnFinish(status)
	}
}

// Status returns the latest task of the annotator.
func (m *Manager) Status(username string) (TaskStatus, bool) {
	m.mu.Lock()
	t, ok := m.tasks[username]
	m.mu.Unlock()
	if !ok {
		return TaskStatus{}, false
	}
	return t.snapshot(), true
}

// Shutdown cancels every task and waits for them until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
