package trace

import (
	"rttracer/internal/maps"

	"github.com/phuslu/log"
)

// TaskManager is responsible for the lifecycle of Task objects and the
// tid-to-current-task mapping, with the same identifier-reuse discipline the
// GroupManager applies to tgids.
type TaskManager struct {
	uidToTask    maps.ConcurrentMap[uint64, *Task]
	tidToCurrent maps.ConcurrentMap[int32, *Task]

	// Back-reference to the owning session, set after construction.
	session *Session

	log log.Logger
}

// newTaskManager creates and initializes a new TaskManager.
func newTaskManager(log log.Logger) *TaskManager {
	return &TaskManager{
		log:          log,
		uidToTask:    maps.NewConcurrentMap[uint64, *Task](),
		tidToCurrent: maps.NewConcurrentMap[int32, *Task](),
	}
}

// setSession sets the back-reference to the owning session.
func (tm *TaskManager) setSession(s *Session) {
	tm.session = s
}

// Create constructs a task for a freshly observed tid, joining it to group
// and to the session-wide task set.
func (tm *TaskManager) Create(group *TaskGroup, tid, realTid int32) *Task {
	t := &Task{
		Tid:     tid,
		RealTid: realTid,
		serial:  tm.session.serials.Next(),
		group:   group,
	}

	group.TaskSet().Insert(t)
	tm.session.allTasks.Insert(t)
	tm.uidToTask.Store(t.Uid().Packed(), t)
	tm.tidToCurrent.Store(tid, t)
	tm.session.rec.TaskCreated()

	tm.log.Debug().
		Str("task", t.Uid().String()).
		Str("group", group.Uid().String()).
		Msg("Task created")
	return t
}

// Release removes a reaped task from all tracking. Returns true when the
// task was the last member of its group, making the group eligible for
// destruction.
func (tm *TaskManager) Release(t *Task) (groupEmpty bool) {
	t.group.TaskSet().Erase(t)
	tm.session.allTasks.Erase(t)
	tm.uidToTask.Delete(t.Uid().Packed())

	// Remove the tid mapping only if it still points at t; a reused tid
	// already points at its successor.
	tm.tidToCurrent.Update(t.Tid, func(current *Task, exists bool) (*Task, bool) {
		if exists && current == t {
			return nil, false
		}
		return current, true
	})

	tm.session.rec.TaskReaped()
	tm.log.Debug().Str("task", t.Uid().String()).Msg("Task released")
	return t.group.TaskSet().Empty()
}

// ByUid returns the live task with the given identity.
func (tm *TaskManager) ByUid(uid TaskUid) (*Task, bool) {
	return tm.uidToTask.Load(uid.Packed())
}

// CurrentByTid returns the task currently holding a numeric tid.
func (tm *TaskManager) CurrentByTid(tid int32) (*Task, bool) {
	return tm.tidToCurrent.Load(tid)
}

// Count returns the number of live tasks.
func (tm *TaskManager) Count() int {
	var n int
	tm.uidToTask.Range(func(_ uint64, _ *Task) bool {
		n++
		return true
	})
	return n
}
