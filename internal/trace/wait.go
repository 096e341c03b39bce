package trace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// WaitStatus wraps the kernel wait status word reported for a traced task.
type WaitStatus struct {
	raw unix.WaitStatus
}

// StatusFromRaw builds a WaitStatus from the raw status word.
func StatusFromRaw(raw uint32) WaitStatus {
	return WaitStatus{raw: unix.WaitStatus(raw)}
}

// Raw returns the underlying status word.
func (w WaitStatus) Raw() uint32 { return uint32(w.raw) }

// Exited reports a normal exit.
func (w WaitStatus) Exited() bool { return w.raw.Exited() }

// ExitCode returns the exit code for an Exited status, -1 otherwise.
func (w WaitStatus) ExitCode() int { return w.raw.ExitStatus() }

// Signaled reports termination by a signal.
func (w WaitStatus) Signaled() bool { return w.raw.Signaled() }

// FatalSignal returns the terminating signal for a Signaled status.
func (w WaitStatus) FatalSignal() unix.Signal { return w.raw.Signal() }

// CoreDumped reports that the terminating signal produced a core dump.
func (w WaitStatus) CoreDumped() bool { return w.raw.CoreDump() }

// Stopped reports a ptrace stop.
func (w WaitStatus) Stopped() bool { return w.raw.Stopped() }

// StopSignal returns the signal for a Stopped status.
func (w WaitStatus) StopSignal() unix.Signal { return w.raw.StopSignal() }

// PtraceEvent returns the ptrace event number embedded in a stop status,
// 0 when none.
func (w WaitStatus) PtraceEvent() int {
	if ev := w.raw.TrapCause(); ev > 0 {
		return ev
	}
	return 0
}

// IsExitEvent reports a PTRACE_EVENT_EXIT stop: the task has entered the
// kernel's exit path but has not been reaped yet. This is the notification
// that starts group teardown.
func (w WaitStatus) IsExitEvent() bool {
	return w.Stopped() && w.PtraceEvent() == unix.PTRACE_EVENT_EXIT
}

// IsCloneEvent reports a PTRACE_EVENT_CLONE stop (new task, same group).
func (w WaitStatus) IsCloneEvent() bool {
	return w.Stopped() && w.PtraceEvent() == unix.PTRACE_EVENT_CLONE
}

// IsForkEvent reports a PTRACE_EVENT_FORK or PTRACE_EVENT_VFORK stop
// (new task in a new group).
func (w WaitStatus) IsForkEvent() bool {
	if !w.Stopped() {
		return false
	}
	ev := w.PtraceEvent()
	return ev == unix.PTRACE_EVENT_FORK || ev == unix.PTRACE_EVENT_VFORK
}

// IsExecEvent reports a PTRACE_EVENT_EXEC stop (program image replaced).
func (w WaitStatus) IsExecEvent() bool {
	return w.Stopped() && w.PtraceEvent() == unix.PTRACE_EVENT_EXEC
}

// IsCoreDumpSignalStop reports a signal-delivery stop for a signal whose
// default disposition kills the whole thread group with a core dump.
func (w WaitStatus) IsCoreDumpSignalStop() bool {
	return w.Stopped() && w.PtraceEvent() == 0 && isCoreDumpSignal(w.StopSignal())
}

func (w WaitStatus) String() string {
	switch {
	case w.Exited():
		return fmt.Sprintf("exited(%d)", w.ExitCode())
	case w.Signaled():
		if w.CoreDumped() {
			return fmt.Sprintf("killed(%s,core)", unix.SignalName(w.FatalSignal()))
		}
		return fmt.Sprintf("killed(%s)", unix.SignalName(w.FatalSignal()))
	case w.Stopped():
		if ev := w.PtraceEvent(); ev != 0 {
			return fmt.Sprintf("stopped(%s,event=%d)", unix.SignalName(w.StopSignal()), ev)
		}
		return fmt.Sprintf("stopped(%s)", unix.SignalName(w.StopSignal()))
	default:
		return fmt.Sprintf("status(%#x)", uint32(w.raw))
	}
}

// isCoreDumpSignal reports whether sig's default action is a core-dumping
// group kill.
func isCoreDumpSignal(sig unix.Signal) bool {
	switch sig {
	case unix.SIGQUIT, unix.SIGILL, unix.SIGTRAP, unix.SIGABRT, unix.SIGBUS,
		unix.SIGFPE, unix.SIGSEGV, unix.SIGXCPU, unix.SIGXFSZ, unix.SIGSYS:
		return true
	}
	return false
}

// Status constructors. The scheduler never builds statuses itself, but the
// record/replay log and the tests need to synthesize the exact words the
// kernel would report.

// ExitedStatus returns the status word for a normal exit with code.
func ExitedStatus(code int) WaitStatus {
	return StatusFromRaw(uint32(code&0xff) << 8)
}

// SignaledStatus returns the status word for termination by sig.
func SignaledStatus(sig unix.Signal, core bool) WaitStatus {
	raw := uint32(sig) & 0x7f
	if core {
		raw |= 0x80
	}
	return StatusFromRaw(raw)
}

// StoppedStatus returns the status word for a signal-delivery stop.
func StoppedStatus(sig unix.Signal) WaitStatus {
	return StatusFromRaw(uint32(sig)<<8 | 0x7f)
}

// EventStatus returns the status word for a ptrace event stop.
func EventStatus(event int) WaitStatus {
	return StatusFromRaw(uint32(event)<<16 | uint32(unix.SIGTRAP)<<8 | 0x7f)
}
