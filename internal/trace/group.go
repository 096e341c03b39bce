package trace

import (
	"fmt"
	"slices"
	"sync"

	"rttracer/internal/maps"

	"github.com/phuslu/log"
)

// TaskGroup tracks one kernel thread-group from the tracer's perspective:
// the set of tasks sharing a group identity, rooted at the original group
// leader. Every member task holds a reference to its group; the group is
// destroyed only after the last member has been released.
type TaskGroup struct {
	// Tgid is the thread-group id as observed inside the traced context.
	// May differ from RealTgid when the traced environment virtualizes ids.
	Tgid int32
	// RealTgid is the thread-group id as observed by the tracer's kernel.
	RealTgid int32

	serial uint32
	tasks  *TaskSet

	// children contains the live child groups, keyed by packed uid. The
	// links are structural only; the session's registry owns group
	// lifetime.
	children maps.ConcurrentMap[uint64, *TaskGroup]

	mu         sync.Mutex
	session    *Session
	parent     *TaskGroup
	flags      groupFlags
	exitStatus WaitStatus
	hasExit    bool
	threadDb   *ThreadDb

	log log.Logger
}

// groupFlags is the group's mutable flag record. Unstable is one-way: the
// only writer is Destabilize and nothing ever clears it.
type groupFlags struct {
	// Dumpable tracks core-dumpability. Tasks may try to make themselves
	// undumpable; the tracer records the attempt here and lies about it
	// when its own memory-snapshot machinery needs dumpability.
	Dumpable bool

	// HasExeced is set once any member replaces the program image, which
	// resets kernel-level properties the tracer must re-derive.
	HasExeced bool

	// ReceivedSigframeSigsegv is set when a member faulted while the
	// tracer pushed a synthetic signal-handler frame. Recording only.
	ReceivedSigframeSigsegv bool

	// Unstable means scheduling of the group's remaining members has been
	// handed back to the kernel; see Destabilize.
	Unstable bool
}

// newTaskGroup constructs a group and links it under parent. The link is
// established here, inside construction, so no observer ever sees a group
// whose parent does not know about it.
func newTaskGroup(session *Session, parent *TaskGroup, tgid, realTgid int32, serial uint32) *TaskGroup {
	g := &TaskGroup{
		Tgid:     tgid,
		RealTgid: realTgid,
		serial:   serial,
		tasks:    NewTaskSet(),
		children: maps.NewConcurrentMap[uint64, *TaskGroup](),
		session:  session,
		parent:   parent,
		flags:    groupFlags{Dumpable: true},
		log:      session.log,
	}
	if parent != nil {
		parent.children.Store(g.Uid().Packed(), g)
	}
	return g
}

// Uid returns the group's session-unique identity.
func (g *TaskGroup) Uid() TaskGroupUid {
	return TaskGroupUid{Tgid: g.Tgid, Serial: g.serial}
}

// TaskSet returns the tracker for the group's member tasks.
func (g *TaskGroup) TaskSet() *TaskSet { return g.tasks }

// Destabilize marks the group's members as unstable: a member may look
// runnable yet never report a status change if resumed, because the kernel
// is tearing the whole group down and harvests the remaining members in an
// order the tracer cannot observe or predict.
//
// The tracer's core invariant is that every tracee status change results
// from the tracer resuming a chosen task. Mass death at a group-exit
// syscall or on a core-dumping signal breaks that: after the first member's
// exit notification the tracer detaches from it, and blocking on any
// specific remaining member risks deadlock since the kernel may reap a
// different one first. Destabilizing the group tells the scheduling loop to
// stop choosing and fall back to waiting on any task, dispatching on
// whatever the kernel reports next.
//
// The transition is one-way. Returns false if the group was already
// unstable, which is a benign no-op.
func (g *TaskGroup) Destabilize() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.flags.Unstable {
		g.log.Debug().Str("group", g.Uid().String()).Msg("Group already unstable")
		return false
	}
	g.flags.Unstable = true
	g.log.Debug().Str("group", g.Uid().String()).Int("tasks", g.tasks.Len()).
		Msg("Group destabilized, kernel controls member harvest order")
	return true
}

// Unstable reports whether the group has been destabilized.
func (g *TaskGroup) Unstable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flags.Unstable
}

// Dumpable reports the tracked core-dumpability.
func (g *TaskGroup) Dumpable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flags.Dumpable
}

// SetDumpable records a member's change to core-dumpability.
func (g *TaskGroup) SetDumpable(dumpable bool) {
	g.mu.Lock()
	g.flags.Dumpable = dumpable
	g.mu.Unlock()
}

// HasExeced reports whether any member has replaced the program image.
func (g *TaskGroup) HasExeced() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flags.HasExeced
}

// NoteExec records an exec-family image replacement.
func (g *TaskGroup) NoteExec() {
	g.mu.Lock()
	g.flags.HasExeced = true
	g.mu.Unlock()
}

// ReceivedSigframeSigsegv reports the recording-only sigframe fault flag.
func (g *TaskGroup) ReceivedSigframeSigsegv() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flags.ReceivedSigframeSigsegv
}

// NoteSigframeSigsegv records a fault during synthetic signal-frame push.
func (g *TaskGroup) NoteSigframeSigsegv() {
	g.mu.Lock()
	g.flags.ReceivedSigframeSigsegv = true
	g.mu.Unlock()
}

// ExitStatus returns the group's exit status and whether one has been
// observed.
func (g *TaskGroup) ExitStatus() (WaitStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exitStatus, g.hasExit
}

// SetExitStatus records the wait status that began the group's exit.
func (g *TaskGroup) SetExitStatus(ws WaitStatus) {
	g.mu.Lock()
	g.exitStatus = ws
	g.hasExit = true
	g.mu.Unlock()
}

// Session returns the owning session, or nil after ForgetSession.
func (g *TaskGroup) Session() *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

// ForgetSession clears the back-reference to the owning session. Called
// during session teardown for groups still referenced externally; afterwards
// Session returns nil and no other group state is altered.
func (g *TaskGroup) ForgetSession() {
	g.mu.Lock()
	g.session = nil
	g.mu.Unlock()
}

// Parent returns the parent group, or nil for a root group or after the
// parent's destruction.
func (g *TaskGroup) Parent() *TaskGroup {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.parent
}

// Children returns a snapshot of the live child groups, ordered by serial.
func (g *TaskGroup) Children() []*TaskGroup {
	out := make([]*TaskGroup, 0, 4)
	g.children.Range(func(_ uint64, child *TaskGroup) bool {
		out = append(out, child)
		return true
	})
	slices.SortFunc(out, func(a, b *TaskGroup) int {
		return int(a.serial) - int(b.serial)
	})
	return out
}

// ThreadDb returns the group's thread-local-storage resolver, constructing
// it on first call. A runtime without support yields a resolver whose
// queries report unsupported.
func (g *TaskGroup) ThreadDb() *ThreadDb {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.threadDb == nil {
		enabled := g.session != nil && g.session.threadDbEnabled
		g.threadDb = newThreadDb(g.RealTgid, enabled)
	}
	return g.threadDb
}

// destroy unlinks the group from the hierarchy. Only the session's group
// registry calls this, after the last member task has been released; a
// non-empty task set here means task bookkeeping has already diverged from
// the kernel's.
func (g *TaskGroup) destroy() {
	if !g.tasks.Empty() {
		panic(fmt.Sprintf("task group %s destroyed with %d live tasks",
			g.Uid(), g.tasks.Len()))
	}

	// Children are notified before the parent pointer could dangle.
	g.children.Range(func(key uint64, child *TaskGroup) bool {
		child.mu.Lock()
		child.parent = nil
		child.mu.Unlock()
		g.children.Delete(key)
		return true
	})

	g.mu.Lock()
	parent := g.parent
	g.parent = nil
	g.threadDb = nil
	g.mu.Unlock()

	if parent != nil {
		parent.children.Delete(g.Uid().Packed())
	}
}
