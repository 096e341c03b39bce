package trace

import (
	"rttracer/internal/maps"

	"github.com/phuslu/log"
)

// GroupManager is exclusively responsible for the lifecycle of TaskGroup
// objects. It creates, tracks, and destroys groups, and maintains the
// tgid-to-current-group mapping so that identifier reuse after a reap never
// resolves to a dead group.
type GroupManager struct {
	// uidToGroup is the authoritative registry: every live group, keyed by
	// packed TaskGroupUid.
	uidToGroup maps.ConcurrentMap[uint64, *TaskGroup]

	// tgidToCurrent maps a numeric tgid to the group instance currently
	// holding it. Replaced wholesale when the kernel reuses the tgid.
	tgidToCurrent maps.ConcurrentMap[int32, *TaskGroup]

	// Back-reference to the owning session, set after construction.
	session *Session

	log log.Logger
}

// newGroupManager creates and initializes a new GroupManager.
func newGroupManager(log log.Logger) *GroupManager {
	return &GroupManager{
		log:           log,
		uidToGroup:    maps.NewConcurrentMap[uint64, *TaskGroup](),
		tgidToCurrent: maps.NewConcurrentMap[int32, *TaskGroup](),
	}
}

// setSession sets the back-reference to the owning session.
func (gm *GroupManager) setSession(s *Session) {
	gm.session = s
}

// Create constructs a new group for a freshly observed thread-group
// identity and registers it. parent is nil for the root group.
func (gm *GroupManager) Create(parent *TaskGroup, tgid, realTgid int32) *TaskGroup {
	serial := gm.session.serials.Next()
	g := newTaskGroup(gm.session, parent, tgid, realTgid, serial)

	gm.uidToGroup.Store(g.Uid().Packed(), g)
	gm.tgidToCurrent.Store(tgid, g)
	gm.session.rec.GroupCreated()

	parentUid := "none"
	if parent != nil {
		parentUid = parent.Uid().String()
	}
	gm.log.Debug().
		Str("group", g.Uid().String()).
		Int32("real_tgid", realTgid).
		Str("parent", parentUid).
		Msg("Task group created")
	return g
}

// Destroy removes g from the registries and unlinks it from the hierarchy.
// Precondition: g's task set is empty (destroy panics otherwise).
func (gm *GroupManager) Destroy(g *TaskGroup) {
	g.destroy()

	gm.uidToGroup.Delete(g.Uid().Packed())

	// Remove the tgid mapping only if it still points at g. If the tgid
	// was already reused by a newer group, leave the new mapping alone.
	gm.tgidToCurrent.Update(g.Tgid, func(current *TaskGroup, exists bool) (*TaskGroup, bool) {
		if exists && current == g {
			return nil, false
		}
		return current, true
	})

	gm.session.rec.GroupDestroyed()
	gm.log.Debug().Str("group", g.Uid().String()).Msg("Task group destroyed")
}

// ByUid returns the live group with the given identity.
func (gm *GroupManager) ByUid(uid TaskGroupUid) (*TaskGroup, bool) {
	return gm.uidToGroup.Load(uid.Packed())
}

// CurrentByTgid returns the group currently holding a numeric tgid.
func (gm *GroupManager) CurrentByTgid(tgid int32) (*TaskGroup, bool) {
	return gm.tgidToCurrent.Load(tgid)
}

// Count returns the number of live groups.
func (gm *GroupManager) Count() int {
	var n int
	gm.uidToGroup.Range(func(_ uint64, _ *TaskGroup) bool {
		n++
		return true
	})
	return n
}

// Range iterates over all live groups. Iteration stops if f returns false.
func (gm *GroupManager) Range(f func(g *TaskGroup) bool) {
	gm.uidToGroup.Range(func(_ uint64, g *TaskGroup) bool {
		return f(g)
	})
}
