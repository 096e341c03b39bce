package trace

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Task is one traced thread. Tasks are created by the session when a new
// tid is first observed (initial spawn, clone, fork) and released when the
// kernel reaps them. A task registers itself in its group's task set and in
// the session-wide set as part of creation, and removes itself from both on
// release.
type Task struct {
	// Tid is the thread id as observed inside the traced context.
	Tid int32
	// RealTid is the thread id as observed by the tracer's own kernel view.
	RealTid int32

	serial uint32
	group  *TaskGroup

	mu         sync.Mutex
	status     WaitStatus
	seen       bool // a status has been observed
	resumed    bool // resumed and not yet heard from
	detached   bool
	pendingSig unix.Signal // signal to deliver on next resume
}

// Uid returns the task's session-unique identity.
func (t *Task) Uid() TaskUid {
	return TaskUid{Tid: t.Tid, Serial: t.serial}
}

// Group returns the owning task group.
func (t *Task) Group() *TaskGroup { return t.group }

// Status returns the last observed wait status and whether one has been
// observed yet.
func (t *Task) Status() (WaitStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.seen
}

func (t *Task) setStatus(ws WaitStatus) {
	t.mu.Lock()
	t.status = ws
	t.seen = true
	t.resumed = false
	t.mu.Unlock()
}

// Resumed reports whether the task has been resumed and not yet reported a
// status change. Before destabilization the scheduler keeps at most one
// task in this state.
func (t *Task) Resumed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumed
}

func (t *Task) markResumed() {
	t.mu.Lock()
	t.resumed = true
	t.mu.Unlock()
}

// Detached reports whether the tracer has released control of the task.
func (t *Task) Detached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detached
}

func (t *Task) markDetached() {
	t.mu.Lock()
	t.detached = true
	t.mu.Unlock()
}

// setPendingSignal records a signal observed at a delivery stop, to be
// re-delivered when the task is next resumed.
func (t *Task) setPendingSignal(sig unix.Signal) {
	t.mu.Lock()
	t.pendingSig = sig
	t.mu.Unlock()
}

// takePendingSignal returns and clears the pending signal.
func (t *Task) takePendingSignal() unix.Signal {
	t.mu.Lock()
	sig := t.pendingSig
	t.pendingSig = 0
	t.mu.Unlock()
	return sig
}
