package trace

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/phuslu/log"
)

// Scheduler serializes execution of the traced tree: it resumes exactly one
// task at a time and blocks until that task reports a status change, so
// every tracee-visible event is one the tracer induced. The single
// exception is a destabilized group, whose remaining members are harvested
// with nonspecific waits in whatever order the kernel reaps them.
type Scheduler struct {
	session *Session
	kernel  Kernel
	log     log.Logger

	// lastTid is the round-robin cursor over the session task set.
	lastTid int32
}

// NewScheduler creates a scheduler driving session through kernel.
func NewScheduler(session *Session, kernel Kernel) *Scheduler {
	return &Scheduler{
		session: session,
		kernel:  kernel,
		log:     session.log,
	}
}

// Run drives the traced tree until every task has been reaped or ctx is
// cancelled.
func (sc *Scheduler) Run(ctx context.Context) error {
	for sc.session.Tasks.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if sc.session.HasUnstable() {
			if err := sc.drainOne(); err != nil {
				return err
			}
			continue
		}
		if err := sc.step(); err != nil {
			return err
		}
	}
	sc.log.Info().Msg("All tasks reaped, trace complete")
	return nil
}

// step performs one turn of strict turn-taking: pick a task, resume it,
// block until it reports, dispatch.
func (sc *Scheduler) step() error {
	t := sc.nextTask()
	if t == nil {
		// Live tasks exist but none is schedulable and no group is
		// unstable: the serialization invariant is already broken.
		return fmt.Errorf("no schedulable task among %d live tasks", sc.session.Tasks.Count())
	}

	// A task already resumed (into its final exit) only needs waiting on.
	if !t.Resumed() {
		sig := t.takePendingSignal()
		if err := sc.kernel.Resume(t.Tid, sig); err != nil {
			return fmt.Errorf("stable-group task vanished: %w", err)
		}
		t.markResumed()
	}

	ws, err := sc.kernel.WaitSpecific(t.Tid)
	if err != nil {
		return err
	}
	t.setStatus(ws)
	return sc.dispatch(t, ws)
}

// drainOne performs one nonspecific wait while unstable groups are being
// torn down, dispatching on whichever task the kernel reports.
func (sc *Scheduler) drainOne() error {
	sc.session.rec.NonspecificWait()
	tid, ws, err := sc.kernel.WaitAny()
	if err != nil {
		return err
	}

	t, ok := sc.session.Tasks.CurrentByTid(tid)
	if !ok {
		// A harvest notification for a task already released (or a
		// grandchild we never tracked). Expected during mass death.
		sc.log.Trace().Int32("tid", tid).Str("status", ws.String()).
			Msg("Ignoring status for untracked tid")
		return nil
	}
	t.setStatus(ws)
	return sc.dispatch(t, ws)
}

// dispatch reacts to one reported status change. The reporting task is left
// stopped unless the handling explicitly resumes or detaches it.
func (sc *Scheduler) dispatch(t *Task, ws WaitStatus) error {
	group := t.Group()

	switch {
	case ws.Exited(), ws.Signaled():
		// The task is gone. The last status a group member reports is the
		// group's exit status.
		group.SetExitStatus(ws)
		sc.session.ReleaseTask(t)
		return nil

	case ws.IsExitEvent():
		return sc.handleExitEvent(t, ws)

	case ws.IsCoreDumpSignalStop():
		return sc.handleCoreDumpSignal(t, ws)

	case ws.IsCloneEvent():
		childTid, err := sc.kernel.EventChildTid(t.Tid)
		if err != nil {
			return err
		}
		sc.session.CreateTask(group, childTid, childTid)
		return nil

	case ws.IsForkEvent():
		childTgid, err := sc.kernel.EventChildTid(t.Tid)
		if err != nil {
			return err
		}
		child := sc.session.CreateGroup(group, childTgid, childTgid)
		sc.session.CreateTask(child, childTgid, childTgid)
		return nil

	case ws.IsExecEvent():
		group.NoteExec()
		return nil

	case ws.Stopped():
		sig := ws.StopSignal()
		// The initial attach stop and syscall traps are tracer plumbing,
		// not tracee signals.
		if sig != unix.SIGSTOP && sig&0x7f != unix.SIGTRAP {
			t.setPendingSignal(sig)
		}
		return nil

	default:
		return fmt.Errorf("task %s reported unintelligible status %s", t.Uid(), ws)
	}
}

// handleExitEvent handles a task entering the kernel's exit path. If other
// members of its group are still live, the kernel may be tearing the whole
// group down, and it will reap the members in an order the tracer cannot
// block on: destabilize, detach the reporting task, and let nonspecific
// waits harvest the rest. A sole member can be waited on specifically.
func (sc *Scheduler) handleExitEvent(t *Task, ws WaitStatus) error {
	group := t.Group()
	group.SetExitStatus(ws)

	if group.TaskSet().Len() > 1 {
		sc.session.DestabilizeGroup(group)
		if err := sc.kernel.Detach(t.Tid); err != nil {
			sc.log.Debug().Err(err).Str("task", t.Uid().String()).
				Msg("Detach raced with reap")
		}
		t.markDetached()
		sc.session.ReleaseTask(t)
		return nil
	}

	// Last member: resume into the real exit; the next specific wait
	// reports the final status.
	if err := sc.kernel.Resume(t.Tid, 0); err != nil {
		return err
	}
	t.markResumed()
	return nil
}

// handleCoreDumpSignal handles a delivery stop for a core-dumping signal,
// which kills the entire thread group once delivered. Scheduling control is
// handed back to the kernel before delivery.
func (sc *Scheduler) handleCoreDumpSignal(t *Task, ws WaitStatus) error {
	group := t.Group()
	group.SetExitStatus(ws)
	sc.session.DestabilizeGroup(group)

	if err := sc.kernel.Resume(t.Tid, ws.StopSignal()); err != nil {
		sc.log.Debug().Err(err).Str("task", t.Uid().String()).
			Msg("Resume raced with reap")
	}
	t.markResumed()
	return nil
}

// nextTask picks the next schedulable task round-robin by tid: detached
// tasks and members of unstable groups are never chosen.
func (sc *Scheduler) nextTask() *Task {
	var first, next, resumed *Task
	sc.session.AllTasks().Range(func(t *Task) bool {
		if t.Detached() || t.Group().Unstable() {
			return true
		}
		if t.Resumed() {
			// At most one task is outstanding under strict turn-taking;
			// it must be heard from before anything else runs.
			resumed = t
			return false
		}
		if first == nil || t.Tid < first.Tid {
			first = t
		}
		if t.Tid > sc.lastTid && (next == nil || t.Tid < next.Tid) {
			next = t
		}
		return true
	})
	if resumed != nil {
		return resumed
	}
	if next == nil {
		next = first // wrap around
	}
	if next != nil {
		sc.lastTid = next.Tid
	}
	return next
}
