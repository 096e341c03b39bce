package trace

import (
	"errors"
	"testing"

	"rttracer/internal/config"
)

func TestDestabilizeIsOneWay(t *testing.T) {
	s := newTestSession(t, nil)
	g, _ := s.CreateInitialGroup(10, 10)

	if g.Unstable() {
		t.Fatal("fresh group already unstable")
	}
	if !g.Destabilize() {
		t.Fatal("first Destabilize returned false")
	}
	if g.Destabilize() {
		t.Fatal("second Destabilize claimed to change state")
	}
	if !g.Unstable() {
		t.Fatal("group not unstable after Destabilize")
	}
}

func TestDestabilizeCountedOnce(t *testing.T) {
	s := newTestSession(t, nil)
	g, task := s.CreateInitialGroup(11, 11)

	s.DestabilizeGroup(g)
	s.DestabilizeGroup(g)
	if got := s.unstableLive.Load(); got != 1 {
		t.Fatalf("unstable count = %d after double destabilize, want 1", got)
	}
	if !s.HasUnstable() {
		t.Fatal("HasUnstable false with a destabilized group live")
	}

	s.ReleaseTask(task)
	if s.HasUnstable() {
		t.Fatal("HasUnstable true after the unstable group died")
	}
}

func TestHierarchyLinkedAtConstruction(t *testing.T) {
	s := newTestSession(t, nil)
	p := s.CreateGroup(nil, 20, 20)
	c := s.CreateGroup(p, 21, 21)

	if c.Parent() != p {
		t.Fatal("child does not point at parent")
	}
	if kids := p.Children(); len(kids) != 1 || kids[0] != c {
		t.Fatalf("parent children = %v", kids)
	}

	s.Groups.Destroy(c)
	if len(p.Children()) != 0 {
		t.Fatal("destroyed child still linked under parent")
	}
	if c.Parent() != nil {
		t.Fatal("destroyed child still points at parent")
	}

	s.Groups.Destroy(p)
}

func TestDestroyClearsChildParents(t *testing.T) {
	s := newTestSession(t, nil)
	p := s.CreateGroup(nil, 30, 30)
	c1 := s.CreateGroup(p, 31, 31)
	c2 := s.CreateGroup(p, 32, 32)

	s.Groups.Destroy(p)
	if c1.Parent() != nil || c2.Parent() != nil {
		t.Fatal("children still point at destroyed parent")
	}
}

func TestDestroyWithLiveTasksPanics(t *testing.T) {
	s := newTestSession(t, nil)
	g, _ := s.CreateInitialGroup(40, 40)

	defer func() {
		if recover() == nil {
			t.Fatal("destroying a group with live tasks did not panic")
		}
	}()
	s.Groups.Destroy(g)
}

func TestThreadDbMemoized(t *testing.T) {
	s := NewSession(config.TracerConfig{ThreadDbEnabled: true}, nil)
	g, _ := s.CreateInitialGroup(1<<30, 1<<30) // no such process

	db := g.ThreadDb()
	if db == nil {
		t.Fatal("ThreadDb returned nil")
	}
	if g.ThreadDb() != db {
		t.Fatal("ThreadDb not memoized")
	}

	// Probing a nonexistent process yields a disabled resolver, never a
	// construction failure.
	if db.Supported() {
		t.Fatal("resolver claims support for a nonexistent process")
	}
	if _, err := db.ResolveTLS(1, 0); !errors.Is(err, ErrTLSUnsupported) {
		t.Fatalf("ResolveTLS error = %v, want ErrTLSUnsupported", err)
	}
	db.RegisterModule(1, 0x1000) // no-op while disabled
	if _, err := db.ResolveTLS(1, 8); !errors.Is(err, ErrTLSUnsupported) {
		t.Fatalf("ResolveTLS after register = %v, want ErrTLSUnsupported", err)
	}
}

func TestThreadDbDisabledByConfig(t *testing.T) {
	s := NewSession(config.TracerConfig{ThreadDbEnabled: false}, nil)
	g, _ := s.CreateInitialGroup(50, 50)

	if g.ThreadDb().Supported() {
		t.Fatal("resolver enabled with thread_db configured off")
	}
}

func TestForgetSessionLeavesStateIntact(t *testing.T) {
	s := newTestSession(t, nil)
	g, _ := s.CreateInitialGroup(60, 60)
	g.NoteExec()
	g.SetDumpable(false)

	g.ForgetSession()
	if g.Session() != nil {
		t.Fatal("session reference survives ForgetSession")
	}
	if !g.HasExeced() || g.Dumpable() {
		t.Fatal("ForgetSession altered unrelated group state")
	}
	if g.TaskSet().Len() != 1 {
		t.Fatal("ForgetSession altered the task set")
	}
}

func TestSigframeFlagRecording(t *testing.T) {
	s := newTestSession(t, nil)
	g, _ := s.CreateInitialGroup(70, 70)

	if g.ReceivedSigframeSigsegv() {
		t.Fatal("flag set on a fresh group")
	}
	g.NoteSigframeSigsegv()
	if !g.ReceivedSigframeSigsegv() {
		t.Fatal("flag not recorded")
	}
}

func TestDumpableOverride(t *testing.T) {
	s := NewSession(config.TracerConfig{DumpableOverride: true}, nil)
	g, _ := s.CreateInitialGroup(80, 80)

	g.SetDumpable(false)
	if g.Dumpable() {
		t.Fatal("SetDumpable(false) not recorded")
	}
	if !s.DumpableFor(g) {
		t.Fatal("override did not report dumpable")
	}

	plain := newTestSession(t, nil)
	g2, _ := plain.CreateInitialGroup(81, 81)
	g2.SetDumpable(false)
	if plain.DumpableFor(g2) {
		t.Fatal("recorded dumpability ignored without override")
	}
}
