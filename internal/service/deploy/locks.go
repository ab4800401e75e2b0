package deploy

import (
	"context"
	"sync"
)

// task is the lock table entry for one in-flight attempt.
type task struct {
	deploymentID string
	cancel       context.CancelFunc
	done         chan struct{}
}

// lockTable grants at most one in-flight attempt per project. Acquisition is
// fail-fast; nothing queues.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*task
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*task)}
}

func (l *lockTable) acquire(projectID string) (*task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.entries[projectID]; held {
		return nil, false
	}
	t := &task{done: make(chan struct{})}
	l.entries[projectID] = t
	return t, true
}

func (l *lockTable) bind(t *task, deploymentID string, cancel context.CancelFunc) {
	l.mu.Lock()
	t.deploymentID = deploymentID
	t.cancel = cancel
	l.mu.Unlock()
}

// release drops the entry if it still belongs to t and closes t.done.
func (l *lockTable) release(projectID string, t *task) {
	l.mu.Lock()
	if l.entries[projectID] == t {
		delete(l.entries, projectID)
	}
	l.mu.Unlock()
	close(t.done)
}

func (l *lockTable) held(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[projectID]
	return ok
}

func (l *lockTable) deployment(projectID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.entries[projectID]
	if !ok {
		return "", false
	}
	return t.deploymentID, true
}

// cancelAll cancels every bound task and returns their done channels.
func (l *lockTable) cancelAll() []<-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	waits := make([]<-chan struct{}, 0, len(l.entries))
	for _, t := range l.entries {
		if t.cancel != nil {
			t.cancel()
		}
		waits = append(waits, t.done)
	}
	return waits
}
