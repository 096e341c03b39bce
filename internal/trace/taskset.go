package trace

import (
	"fmt"
	"slices"

	"rttracer/internal/maps"
)

// TaskSet tracks the live member tasks of an owner: each TaskGroup owns one,
// and the Session owns one spanning every group. Membership is mutated only
// by tasks joining and leaving as part of their own lifecycle; the
// ConcurrentMap backing exists for the metrics and diagnostics readers.
//
// The set does not own task lifetime. Insert and Erase preconditions are
// invariants of the scheduling core: a duplicate insert or a missing erase
// means task bookkeeping has already diverged from the kernel's, so both
// panic rather than continue.
type TaskSet struct {
	tasks maps.ConcurrentMap[uint64, *Task]
}

// NewTaskSet creates an empty TaskSet.
func NewTaskSet() *TaskSet {
	return &TaskSet{tasks: maps.NewConcurrentMap[uint64, *Task]()}
}

// Insert adds t to the set. The task must not already be a member.
func (s *TaskSet) Insert(t *Task) {
	_, loaded := s.tasks.LoadOrStore(t.Uid().Packed(), func() *Task { return t })
	if loaded {
		panic(fmt.Sprintf("task %s inserted twice", t.Uid()))
	}
}

// Erase removes t from the set. The task must be a member.
func (s *TaskSet) Erase(t *Task) {
	if _, ok := s.tasks.LoadAndDelete(t.Uid().Packed()); !ok {
		panic(fmt.Sprintf("task %s erased but not a member", t.Uid()))
	}
}

// Has reports membership.
func (s *TaskSet) Has(t *Task) bool {
	_, ok := s.tasks.Load(t.Uid().Packed())
	return ok
}

// Empty reports whether the set has no members.
func (s *TaskSet) Empty() bool {
	empty := true
	s.tasks.Range(func(_ uint64, _ *Task) bool {
		empty = false
		return false
	})
	return empty
}

// Len returns the number of members.
func (s *TaskSet) Len() int {
	var n int
	s.tasks.Range(func(_ uint64, _ *Task) bool {
		n++
		return true
	})
	return n
}

// Range calls f for each member until f returns false.
func (s *TaskSet) Range(f func(t *Task) bool) {
	s.tasks.Range(func(_ uint64, t *Task) bool {
		return f(t)
	})
}

// Tasks returns a snapshot of the members ordered by tid, for operations
// that must address every member uniformly (e.g. broadcasting a detach).
func (s *TaskSet) Tasks() []*Task {
	out := make([]*Task, 0, 8)
	s.tasks.Range(func(_ uint64, t *Task) bool {
		out = append(out, t)
		return true
	})
	slices.SortFunc(out, func(a, b *Task) int {
		return int(a.Tid) - int(b.Tid)
	})
	return out
}
