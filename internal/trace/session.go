package trace

import (
	"sync/atomic"

	"rttracer/internal/config"
	"rttracer/internal/logger"
	"rttracer/internal/metrics"

	"github.com/google/uuid"
	"github.com/phuslu/log"
)

// Session owns all groups and tasks of one tracing run and is the single
// mutation point for their lifecycles. The control loop is one goroutine;
// the registries tolerate the concurrent readers behind the metrics and
// diagnostics endpoints.
type Session struct {
	// ID names this run in logs and in the trace directory.
	ID uuid.UUID

	Groups *GroupManager
	Tasks  *TaskManager

	// allTasks spans every live task across groups, for scheduling and for
	// operations addressed to the whole tracee tree.
	allTasks *TaskSet

	serials *SerialAllocator
	rec     metrics.Recorder

	threadDbEnabled  bool
	dumpableOverride bool

	// unstableLive counts live groups currently destabilized. Nonzero
	// switches the scheduler to nonspecific waits.
	unstableLive atomic.Int64

	log log.Logger
}

// NewSession creates an empty session.
func NewSession(cfg config.TracerConfig, rec metrics.Recorder) *Session {
	if rec == nil {
		rec = metrics.Nop{}
	}
	id := uuid.New()
	slog := logger.NewLoggerWithContext("session")
	slog.Context = log.NewContext(slog.Context).Str("session", id.String()).Value()

	s := &Session{
		ID:               id,
		allTasks:         NewTaskSet(),
		serials:          &SerialAllocator{},
		rec:              rec,
		threadDbEnabled:  cfg.ThreadDbEnabled,
		dumpableOverride: cfg.DumpableOverride,
		log:              slog,
	}

	gm := newGroupManager(slog)
	tm := newTaskManager(slog)
	gm.setSession(s)
	tm.setSession(s)
	s.Groups = gm
	s.Tasks = tm
	return s
}

// AllTasks returns the session-wide task set.
func (s *Session) AllTasks() *TaskSet { return s.allTasks }

// CreateInitialGroup registers the root group of the traced tree, together
// with its leader task.
func (s *Session) CreateInitialGroup(tgid, realTgid int32) (*TaskGroup, *Task) {
	g := s.Groups.Create(nil, tgid, realTgid)
	t := s.Tasks.Create(g, tgid, realTgid)
	return g, t
}

// CreateGroup registers a new thread-group identity observed at a
// group-creating fork.
func (s *Session) CreateGroup(parent *TaskGroup, tgid, realTgid int32) *TaskGroup {
	return s.Groups.Create(parent, tgid, realTgid)
}

// CreateTask registers a new task joining group.
func (s *Session) CreateTask(group *TaskGroup, tid, realTid int32) *Task {
	return s.Tasks.Create(group, tid, realTid)
}

// ReleaseTask removes a reaped task. When the task was the last member of
// its group, the group is destroyed as well: no further members can appear
// once the group's numeric identity is gone.
func (s *Session) ReleaseTask(t *Task) {
	group := t.Group()
	if s.Tasks.Release(t) {
		if group.Unstable() {
			s.unstableLive.Add(-1)
		}
		s.Groups.Destroy(group)
	}
}

// DestabilizeGroup hands scheduling of g's remaining members back to the
// kernel. Idempotent; only the first call changes state.
func (s *Session) DestabilizeGroup(g *TaskGroup) {
	if g.Destabilize() {
		s.unstableLive.Add(1)
		s.rec.GroupDestabilized()
	}
}

// HasUnstable reports whether any live group is destabilized, in which case
// the scheduler must wait nonspecifically.
func (s *Session) HasUnstable() bool {
	return s.unstableLive.Load() > 0
}

// DumpableFor reports the dumpability the tracer should present for g:
// the recorded value, unless the override lies to keep internal memory
// snapshotting working.
func (s *Session) DumpableFor(g *TaskGroup) bool {
	if s.dumpableOverride {
		return true
	}
	return g.Dumpable()
}

// DetachAll releases every live task from tracer control, leaving the
// tracee tree running untraced. Used when tracing is cancelled rather than
// run to completion.
func (s *Session) DetachAll(k Kernel) {
	for _, t := range s.allTasks.Tasks() {
		if t.Detached() {
			continue
		}
		if err := k.Detach(t.Tid); err != nil {
			s.log.Debug().Err(err).Str("task", t.Uid().String()).
				Msg("Detach raced with reap")
		}
		t.markDetached()
	}
}

// Shutdown tears the session down. Groups still referenced externally
// (diagnostic holders) get their session back-reference cleared so a stale
// reference can never reach freed session state.
func (s *Session) Shutdown() {
	s.Groups.Range(func(g *TaskGroup) bool {
		g.ForgetSession()
		return true
	})
	s.log.Info().
		Int("groups", s.Groups.Count()).
		Int("tasks", s.Tasks.Count()).
		Msg("Session shut down")
}
