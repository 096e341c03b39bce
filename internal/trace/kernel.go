package trace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kernel is the tracer's view of the host kernel's process-control
// interface. The scheduler only talks to the kernel through it, which keeps
// the wait/resume protocol testable with a scripted reap order.
type Kernel interface {
	// Resume lets tid run until its next stop, delivering sig if nonzero.
	Resume(tid int32, sig unix.Signal) error

	// Detach releases tid from tracer control. After detaching, the kernel
	// finishes tearing the task down on its own schedule.
	Detach(tid int32) error

	// WaitSpecific blocks until tid reports a status change.
	WaitSpecific(tid int32) (WaitStatus, error)

	// WaitAny blocks until any traced task reports a status change and
	// returns its tid. Used only while draining unstable groups, where the
	// kernel decides the harvest order.
	WaitAny() (int32, WaitStatus, error)

	// EventChildTid returns the tid of the new task after a clone or fork
	// event stop on tid.
	EventChildTid(tid int32) (int32, error)
}

// ptraceKernel implements Kernel with the real ptrace/wait interface.
type ptraceKernel struct{}

// NewPtraceKernel returns the production Kernel.
func NewPtraceKernel() Kernel {
	return ptraceKernel{}
}

// traceOptions are set on every traced task so clone/fork/exec/exit show up
// as event stops instead of happening behind the tracer's back.
const traceOptions = unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACESYSGOOD

// SetTraceOptions applies the tracer's ptrace options to a newly attached
// task. Must be called while the task is stopped.
func SetTraceOptions(tid int32) error {
	if err := unix.PtraceSetOptions(int(tid), traceOptions); err != nil {
		return fmt.Errorf("set ptrace options on %d: %w", tid, err)
	}
	return nil
}

func (ptraceKernel) Resume(tid int32, sig unix.Signal) error {
	if err := unix.PtraceSyscall(int(tid), int(sig)); err != nil {
		return fmt.Errorf("resume %d: %w", tid, err)
	}
	return nil
}

func (ptraceKernel) Detach(tid int32) error {
	if err := unix.PtraceDetach(int(tid)); err != nil {
		return fmt.Errorf("detach %d: %w", tid, err)
	}
	return nil
}

func (ptraceKernel) WaitSpecific(tid int32) (WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(int(tid), &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return WaitStatus{}, fmt.Errorf("wait for %d: %w", tid, err)
		}
		return WaitStatus{raw: ws}, nil
	}
}

func (ptraceKernel) WaitAny() (int32, WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, WaitStatus{}, fmt.Errorf("wait any: %w", err)
		}
		return int32(pid), WaitStatus{raw: ws}, nil
	}
}

func (ptraceKernel) EventChildTid(tid int32) (int32, error) {
	msg, err := unix.PtraceGetEventMsg(int(tid))
	if err != nil {
		return 0, fmt.Errorf("event message for %d: %w", tid, err)
	}
	return int32(msg), nil
}
