package trace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"

	"rttracer/internal/config"
	"rttracer/internal/logger"
	"rttracer/internal/metrics"

	"golang.org/x/sys/unix"

	"github.com/phuslu/log"
)

// Tracer bundles a session and its scheduler over one spawned tracee tree.
type Tracer struct {
	Session *Session

	sched    *Scheduler
	kernel   Kernel
	cmd      *exec.Cmd
	traceDir string
	log      log.Logger
}

// Launch spawns the target command under ptrace control and builds the
// session around its root task. The calling goroutine is locked to its OS
// thread; Run must be called from the same goroutine, since the kernel only
// accepts ptrace requests from the attaching thread.
func Launch(cfg config.TracerConfig, rec metrics.Recorder, args []string) (*Tracer, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no command to trace")
	}
	runtime.LockOSThread()

	session := NewSession(cfg, rec)

	traceDir := filepath.Join(cfg.TraceDir, session.ID.String())
	if err := os.MkdirAll(traceDir, 0755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tracee: %w", err)
	}
	pid := int32(cmd.Process.Pid)

	// The child stops before its first instruction; collect that stop and
	// arm the event options before anything can run unobserved.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(int(pid), &ws, unix.WALL, nil); err != nil {
		return nil, fmt.Errorf("initial stop of %d: %w", pid, err)
	}
	if err := SetTraceOptions(pid); err != nil {
		return nil, err
	}

	session.CreateInitialGroup(pid, pid)

	tlog := logger.NewLoggerWithContext("tracer")
	tlog.Info().
		Int32("pid", pid).
		Str("command", args[0]).
		Str("trace_dir", traceDir).
		Msg("Tracee launched")

	kernel := NewPtraceKernel()
	return &Tracer{
		Session:  session,
		sched:    NewScheduler(session, kernel),
		kernel:   kernel,
		cmd:      cmd,
		traceDir: traceDir,
		log:      tlog,
	}, nil
}

// Run drives the tracee tree to completion, then tears the session down and
// writes the session summary.
func (tr *Tracer) Run(ctx context.Context) error {
	runErr := tr.sched.Run(ctx)
	if runErr == context.Canceled {
		// Cancelled mid-trace: let the tracee tree keep running untraced.
		tr.Session.DetachAll(tr.kernel)
	}

	// Collect the direct child so it cannot linger as a zombie. It may
	// already have been reaped by a nonspecific wait.
	_ = tr.cmd.Wait()

	if err := tr.writeSummary(); err != nil {
		tr.log.Error().Err(err).Msg("Failed to write session summary")
	}

	tr.Session.Shutdown()
	return runErr
}

// writeSummary records session-level facts for diagnostic output. The trace
// log format itself lives elsewhere.
func (tr *Tracer) writeSummary() error {
	path := filepath.Join(tr.traceDir, "session.txt")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "session %s\n", tr.Session.ID)
	fmt.Fprintf(f, "command %v\n", tr.cmd.Args)
	if state := tr.cmd.ProcessState; state != nil {
		fmt.Fprintf(f, "exit %s\n", state)
	}
	return nil
}
