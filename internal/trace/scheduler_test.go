package trace

import (
	"context"
	"testing"

	"rttracer/internal/config"
	"rttracer/internal/metrics"

	"golang.org/x/sys/unix"
)

// fakeKernel scripts kernel behavior for the scheduler: per-tid status
// queues for specific waits, and a single ordered queue modeling the order
// in which the kernel harvests tasks during nonspecific waits.
type fakeKernel struct {
	t *testing.T

	specific map[int32][]WaitStatus
	anyQueue []anyEvent
	childTid map[int32]int32

	resumes  []resumeCall
	detaches []int32
}

type anyEvent struct {
	tid int32
	ws  WaitStatus
}

type resumeCall struct {
	tid int32
	sig unix.Signal
}

func newFakeKernel(t *testing.T) *fakeKernel {
	return &fakeKernel{
		t:        t,
		specific: make(map[int32][]WaitStatus),
		childTid: make(map[int32]int32),
	}
}

func (k *fakeKernel) queue(tid int32, statuses ...WaitStatus) {
	k.specific[tid] = append(k.specific[tid], statuses...)
}

func (k *fakeKernel) queueAny(tid int32, ws WaitStatus) {
	k.anyQueue = append(k.anyQueue, anyEvent{tid: tid, ws: ws})
}

func (k *fakeKernel) Resume(tid int32, sig unix.Signal) error {
	k.resumes = append(k.resumes, resumeCall{tid: tid, sig: sig})
	return nil
}

func (k *fakeKernel) Detach(tid int32) error {
	k.detaches = append(k.detaches, tid)
	return nil
}

func (k *fakeKernel) WaitSpecific(tid int32) (WaitStatus, error) {
	q := k.specific[tid]
	if len(q) == 0 {
		k.t.Fatalf("unscripted specific wait on tid %d", tid)
	}
	k.specific[tid] = q[1:]
	return q[0], nil
}

func (k *fakeKernel) WaitAny() (int32, WaitStatus, error) {
	if len(k.anyQueue) == 0 {
		k.t.Fatal("unscripted nonspecific wait")
	}
	ev := k.anyQueue[0]
	k.anyQueue = k.anyQueue[1:]
	return ev.tid, ev.ws, nil
}

func (k *fakeKernel) EventChildTid(tid int32) (int32, error) {
	child, ok := k.childTid[tid]
	if !ok {
		k.t.Fatalf("unscripted event message for tid %d", tid)
	}
	return child, nil
}

// countingRecorder counts nonspecific waits on top of the no-op recorder.
type countingRecorder struct {
	metrics.Nop
	nonspecific int
}

func (r *countingRecorder) NonspecificWait() { r.nonspecific++ }

func newTestSession(t *testing.T, rec metrics.Recorder) *Session {
	t.Helper()
	return NewSession(config.TracerConfig{}, rec)
}

// A group-exit on a multi-member group must destabilize it, after which the
// scheduler drains whatever the kernel reports, in the kernel's order, until
// the group is empty and destroyed.
func TestRunDrainsGroupExitInKernelOrder(t *testing.T) {
	rec := &countingRecorder{}
	s := newTestSession(t, rec)
	k := newFakeKernel(t)
	sc := NewScheduler(s, k)

	parent, _ := s.CreateInitialGroup(100, 100)
	g := s.CreateGroup(parent, 201, 201)
	s.CreateTask(g, 201, 201)
	s.CreateTask(g, 202, 202)
	s.CreateTask(g, 203, 203)

	// Turn 1: the leader takes its turn with an uneventful syscall stop.
	k.queue(100, StoppedStatus(unix.SIGTRAP|0x80))
	// Turn 2: tid 201 hits the exit path with two siblings still live.
	k.queue(201, EventStatus(unix.PTRACE_EVENT_EXIT))
	// The kernel then harvests in its own order: 203 first, then a tid the
	// session never tracked, then 202.
	k.queueAny(203, ExitedStatus(0))
	k.queueAny(999, ExitedStatus(0))
	k.queueAny(202, ExitedStatus(0))
	// Back to stable scheduling: the leader exits.
	k.queue(100, ExitedStatus(0))

	guid := g.Uid()
	if err := sc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if s.Tasks.Count() != 0 || s.Groups.Count() != 0 {
		t.Fatalf("leftover state: %d tasks, %d groups", s.Tasks.Count(), s.Groups.Count())
	}
	if len(k.detaches) != 1 || k.detaches[0] != 201 {
		t.Fatalf("detaches = %v, want [201]", k.detaches)
	}
	if rec.nonspecific != 3 {
		t.Fatalf("nonspecific waits = %d, want 3", rec.nonspecific)
	}
	if _, ok := s.Groups.ByUid(guid); ok {
		t.Fatal("drained group still registered")
	}
	if got := len(parent.Children()); got != 0 {
		t.Fatalf("parent still has %d children", got)
	}
	if ws, ok := g.ExitStatus(); !ok || !ws.Exited() || ws.ExitCode() != 0 {
		t.Fatalf("group exit status = %s, ok=%v", ws, ok)
	}
	if s.HasUnstable() {
		t.Fatal("session still unstable after drain")
	}
}

// A delivery stop for a core-dumping signal destabilizes the group and
// resumes the reporting task with the signal; the kernel then kills every
// member and the drain loop collects the corpses.
func TestRunCoreDumpSignalKillsGroup(t *testing.T) {
	s := newTestSession(t, nil)
	k := newFakeKernel(t)
	sc := NewScheduler(s, k)

	g, _ := s.CreateInitialGroup(300, 300)
	s.CreateTask(g, 301, 301)

	k.queue(300, StoppedStatus(unix.SIGSEGV))
	k.queueAny(301, SignaledStatus(unix.SIGSEGV, true))
	k.queueAny(300, SignaledStatus(unix.SIGSEGV, true))

	if err := sc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The first resume attaches the tracer's turn; the second delivers the
	// fatal signal back to the faulting task.
	var delivered bool
	for _, r := range k.resumes {
		if r.tid == 300 && r.sig == unix.SIGSEGV {
			delivered = true
		}
	}
	if !delivered {
		t.Fatalf("SIGSEGV never delivered back, resumes = %v", k.resumes)
	}
	ws, ok := g.ExitStatus()
	if !ok || !ws.Signaled() || ws.FatalSignal() != unix.SIGSEGV || !ws.CoreDumped() {
		t.Fatalf("group exit status = %s, ok=%v", ws, ok)
	}
	if len(k.detaches) != 0 {
		t.Fatalf("unexpected detaches %v", k.detaches)
	}
	if s.Tasks.Count() != 0 || s.Groups.Count() != 0 {
		t.Fatalf("leftover state: %d tasks, %d groups", s.Tasks.Count(), s.Groups.Count())
	}
}

// Clone events add a task to the reporting group; fork events create a
// child group linked under the reporting one; exec events mark the group.
// A sole member's exit event is resumed in place and waited on specifically.
func TestStepTracksCloneForkExec(t *testing.T) {
	s := newTestSession(t, nil)
	k := newFakeKernel(t)
	sc := NewScheduler(s, k)

	g, _ := s.CreateInitialGroup(400, 400)

	k.childTid[400] = 401
	k.childTid[401] = 500

	k.queue(400, EventStatus(unix.PTRACE_EVENT_CLONE))
	if err := sc.step(); err != nil {
		t.Fatalf("clone step: %v", err)
	}
	if g.TaskSet().Len() != 2 {
		t.Fatalf("group has %d tasks after clone, want 2", g.TaskSet().Len())
	}

	k.queue(401, EventStatus(unix.PTRACE_EVENT_FORK))
	if err := sc.step(); err != nil {
		t.Fatalf("fork step: %v", err)
	}
	forked, ok := s.Groups.CurrentByTgid(500)
	if !ok {
		t.Fatal("forked group not registered")
	}
	if forked.Parent() != g {
		t.Fatal("forked group not linked under its parent")
	}
	if kids := g.Children(); len(kids) != 1 || kids[0] != forked {
		t.Fatalf("parent children = %v", kids)
	}

	k.queue(500, EventStatus(unix.PTRACE_EVENT_EXEC))
	if err := sc.step(); err != nil {
		t.Fatalf("exec step: %v", err)
	}
	if !forked.HasExeced() {
		t.Fatal("exec not recorded on forked group")
	}

	// The original group's two tasks exit in turn. Its destruction must
	// clear the forked group's parent pointer.
	k.queue(400, ExitedStatus(0))
	k.queue(401, ExitedStatus(0))
	for i := 0; i < 2; i++ {
		if err := sc.step(); err != nil {
			t.Fatalf("exit step %d: %v", i, err)
		}
	}
	if _, ok := s.Groups.ByUid(g.Uid()); ok {
		t.Fatal("emptied group still registered")
	}
	if forked.Parent() != nil {
		t.Fatal("forked group still points at destroyed parent")
	}

	// Sole member exit event: resumed in place, then waited on again
	// without a second resume.
	k.queue(500, EventStatus(unix.PTRACE_EVENT_EXIT), ExitedStatus(7))
	if err := sc.step(); err != nil {
		t.Fatalf("exit event step: %v", err)
	}
	resumesBefore := len(k.resumes)
	if err := sc.step(); err != nil {
		t.Fatalf("final step: %v", err)
	}
	if len(k.resumes) != resumesBefore {
		t.Fatalf("already-resumed task resumed again: %v", k.resumes)
	}

	if len(k.detaches) != 0 {
		t.Fatalf("unexpected detaches %v", k.detaches)
	}
	if s.Tasks.Count() != 0 || s.Groups.Count() != 0 {
		t.Fatalf("leftover state: %d tasks, %d groups", s.Tasks.Count(), s.Groups.Count())
	}
	if ws, ok := forked.ExitStatus(); !ok || !ws.Exited() || ws.ExitCode() != 7 {
		t.Fatalf("forked group exit status = %s, ok=%v", ws, ok)
	}
}

// Run returns promptly when the context is cancelled, without touching the
// kernel.
func TestRunHonorsCancelledContext(t *testing.T) {
	s := newTestSession(t, nil)
	k := newFakeKernel(t)
	sc := NewScheduler(s, k)

	s.CreateInitialGroup(700, 700)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sc.Run(ctx); err != context.Canceled {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if len(k.resumes) != 0 {
		t.Fatalf("kernel touched after cancel: %v", k.resumes)
	}
}

// A signal-delivery stop for an ordinary signal is held back and handed to
// the task on its next resume.
func TestRunDefersPendingSignalToNextResume(t *testing.T) {
	s := newTestSession(t, nil)
	k := newFakeKernel(t)
	sc := NewScheduler(s, k)

	s.CreateInitialGroup(600, 600)

	k.queue(600, StoppedStatus(unix.SIGUSR1), ExitedStatus(0))

	if err := sc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(k.resumes) != 2 {
		t.Fatalf("resumes = %v, want 2 calls", k.resumes)
	}
	if k.resumes[0].sig != 0 {
		t.Fatalf("first resume carried signal %v", k.resumes[0].sig)
	}
	if k.resumes[1].sig != unix.SIGUSR1 {
		t.Fatalf("second resume sig = %v, want SIGUSR1", k.resumes[1].sig)
	}
}
