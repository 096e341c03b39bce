package trace

import (
	"sync"
	"testing"
)

func TestUidDistinctUnderReuse(t *testing.T) {
	var serials SerialAllocator

	// The kernel hands the same tgid out repeatedly; every incarnation must
	// get a distinct uid.
	const tgid = 4242
	seen := make(map[uint64]TaskGroupUid)
	for i := 0; i < 100; i++ {
		uid := TaskGroupUid{Tgid: tgid, Serial: serials.Next()}
		if prev, dup := seen[uid.Packed()]; dup {
			t.Fatalf("uid collision: %s and %s", uid, prev)
		}
		seen[uid.Packed()] = uid
	}
}

func TestUidPackedSeparatesTgidAndSerial(t *testing.T) {
	a := TaskGroupUid{Tgid: 1, Serial: 2}
	b := TaskGroupUid{Tgid: 2, Serial: 1}
	if a.Packed() == b.Packed() {
		t.Fatalf("distinct uids packed to the same key: %s %s", a, b)
	}

	c := TaskUid{Tid: 1, Serial: 2}
	d := TaskUid{Tid: 2, Serial: 1}
	if c.Packed() == d.Packed() {
		t.Fatalf("distinct uids packed to the same key: %s %s", c, d)
	}
}

func TestSerialAllocatorMonotonic(t *testing.T) {
	var serials SerialAllocator
	if first := serials.Next(); first != 1 {
		t.Fatalf("first serial = %d, want 1", first)
	}
	prev := uint32(1)
	for i := 0; i < 1000; i++ {
		s := serials.Next()
		if s <= prev {
			t.Fatalf("serial %d not greater than previous %d", s, prev)
		}
		prev = s
	}
}

func TestSerialAllocatorConcurrent(t *testing.T) {
	var serials SerialAllocator
	const goroutines, perG = 8, 1000

	out := make([][]uint32, goroutines)
	var wg sync.WaitGroup
	for i := range out {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got := make([]uint32, 0, perG)
			for j := 0; j < perG; j++ {
				got = append(got, serials.Next())
			}
			out[i] = got
		}(i)
	}
	wg.Wait()

	seen := make(map[uint32]bool, goroutines*perG)
	for _, got := range out {
		for _, s := range got {
			if seen[s] {
				t.Fatalf("serial %d allocated twice", s)
			}
			seen[s] = true
		}
	}
}
