package trace

import "testing"

func makeTask(tid int32, serial uint32) *Task {
	return &Task{Tid: tid, RealTid: tid, serial: serial}
}

func TestTaskSetInsertEraseHas(t *testing.T) {
	s := NewTaskSet()
	a := makeTask(1, 1)
	b := makeTask(2, 2)

	if !s.Empty() || s.Len() != 0 {
		t.Fatal("fresh set not empty")
	}
	s.Insert(a)
	s.Insert(b)
	if s.Len() != 2 || !s.Has(a) || !s.Has(b) {
		t.Fatalf("set contents wrong after inserts, len=%d", s.Len())
	}

	s.Erase(a)
	if s.Has(a) || !s.Has(b) || s.Len() != 1 {
		t.Fatal("erase removed the wrong member")
	}
}

func TestTaskSetDoubleInsertPanics(t *testing.T) {
	s := NewTaskSet()
	a := makeTask(3, 3)
	s.Insert(a)

	defer func() {
		if recover() == nil {
			t.Fatal("double insert did not panic")
		}
	}()
	s.Insert(a)
}

func TestTaskSetEraseNonMemberPanics(t *testing.T) {
	s := NewTaskSet()

	defer func() {
		if recover() == nil {
			t.Fatal("erasing a non-member did not panic")
		}
	}()
	s.Erase(makeTask(4, 4))
}

func TestTaskSetSameTidDifferentSerial(t *testing.T) {
	// Two incarnations of one tid are distinct members.
	s := NewTaskSet()
	old := makeTask(5, 10)
	reborn := makeTask(5, 11)

	s.Insert(old)
	s.Insert(reborn)
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
	s.Erase(old)
	if !s.Has(reborn) {
		t.Fatal("erasing the old incarnation removed the new one")
	}
}

func TestTaskSetTasksSorted(t *testing.T) {
	s := NewTaskSet()
	for _, tid := range []int32{30, 10, 20} {
		s.Insert(makeTask(tid, uint32(tid)))
	}

	got := s.Tasks()
	if len(got) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(got))
	}
	for i, want := range []int32{10, 20, 30} {
		if got[i].Tid != want {
			t.Fatalf("snapshot[%d].Tid = %d, want %d", i, got[i].Tid, want)
		}
	}
}
