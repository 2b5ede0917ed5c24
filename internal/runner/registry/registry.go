// Package registry tracks live CLI subprocesses by task and chat so they can
// be cancelled individually, per workspace, or all at once on shutdown.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/malamar-dev/malamar/internal/common/logger"
)

// Process is the kill handle for a tracked subprocess.
type Process interface {
	Kill() error
}

type entry struct {
	proc        Process
	workspaceID string
}

// Registry holds process handles keyed by task id and chat id.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]entry
	chats  map[string]entry
	logger *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		tasks:  make(map[string]entry),
		chats:  make(map[string]entry),
		logger: log,
	}
}

// TrackTask registers a subprocess for a task. A prior entry under the same
// task id is killed first.
func (r *Registry) TrackTask(taskID, workspaceID string, proc Process) {
	r.mu.Lock()
	prev, existed := r.tasks[taskID]
	r.tasks[taskID] = entry{proc: proc, workspaceID: workspaceID}
	r.mu.Unlock()

	if existed {
		r.kill(prev.proc)
	}
}

// TrackChat registers a subprocess for a chat. A prior entry under the same
// chat id is killed first.
func (r *Registry) TrackChat(chatID, workspaceID string, proc Process) {
	r.mu.Lock()
	prev, existed := r.chats[chatID]
	r.chats[chatID] = entry{proc: proc, workspaceID: workspaceID}
	r.mu.Unlock()

	if existed {
		r.kill(prev.proc)
	}
}

// KillTask kills and removes the task's subprocess. Returns whether an entry
// existed.
func (r *Registry) KillTask(taskID string) bool {
	r.mu.Lock()
	e, ok := r.tasks[taskID]
	if ok {
		delete(r.tasks, taskID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.kill(e.proc)
	return true
}

// KillChat kills and removes the chat's subprocess. Returns whether an entry
// existed.
func (r *Registry) KillChat(chatID string) bool {
	r.mu.Lock()
	e, ok := r.chats[chatID]
	if ok {
		delete(r.chats, chatID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.kill(e.proc)
	return true
}

// KillWorkspace kills every tracked subprocess belonging to the workspace.
func (r *Registry) KillWorkspace(workspaceID string) {
	r.mu.Lock()
	var victims []Process
	for taskID, e := range r.tasks {
		if e.workspaceID == workspaceID {
			victims = append(victims, e.proc)
			delete(r.tasks, taskID)
		}
	}
	for chatID, e := range r.chats {
		if e.workspaceID == workspaceID {
			victims = append(victims, e.proc)
			delete(r.chats, chatID)
		}
	}
	r.mu.Unlock()

	for _, proc := range victims {
		r.kill(proc)
	}
}

// KillAll kills every tracked subprocess. Used by graceful shutdown.
func (r *Registry) KillAll() {
	r.mu.Lock()
	victims := make([]Process, 0, len(r.tasks)+len(r.chats))
	for _, e := range r.tasks {
		victims = append(victims, e.proc)
	}
	for _, e := range r.chats {
		victims = append(victims, e.proc)
	}
	r.tasks = make(map[string]entry)
	r.chats = make(map[string]entry)
	r.mu.Unlock()

	for _, proc := range victims {
		r.kill(proc)
	}
}

// UntrackTask removes the task's entry without killing (normal completion).
func (r *Registry) UntrackTask(taskID string) {
	r.mu.Lock()
	delete(r.tasks, taskID)
	r.mu.Unlock()
}

// UntrackChat removes the chat's entry without killing.
func (r *Registry) UntrackChat(chatID string) {
	r.mu.Lock()
	delete(r.chats, chatID)
	r.mu.Unlock()
}

// Count returns the number of tracked subprocesses.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks) + len(r.chats)
}

// kill is best-effort; an already-exited process is not an error.
func (r *Registry) kill(proc Process) {
	if err := proc.Kill(); err != nil {
		r.logger.Debug("subprocess kill returned error", zap.Error(err))
	}
}
