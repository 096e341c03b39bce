package trace

import (
	"fmt"
	"sync/atomic"
)

// The kernel recycles thread and thread-group identifiers as soon as an
// entity is reaped, so a numeric id alone cannot name a tracked entity for
// the lifetime of a session. Every tracked entity therefore carries a
// creation-order serial next to its numeric id; the pair is unique for the
// whole session even when the kernel hands the same number to a later group.

// TaskGroupUid identifies one thread-group instance observed by the tracer.
type TaskGroupUid struct {
	// Tgid is the thread-group id as observed inside the traced context.
	Tgid int32
	// Serial is the session-wide creation-order serial.
	Serial uint32
}

// Packed returns the uid as a single map key: tgid in the high 32 bits,
// serial in the low 32.
func (u TaskGroupUid) Packed() uint64 {
	return uint64(uint32(u.Tgid))<<32 | uint64(u.Serial)
}

func (u TaskGroupUid) String() string {
	return fmt.Sprintf("%d(%d)", u.Tgid, u.Serial)
}

// TaskUid identifies one thread instance observed by the tracer.
type TaskUid struct {
	Tid    int32
	Serial uint32
}

// Packed returns the uid as a single map key, same layout as TaskGroupUid.
func (u TaskUid) Packed() uint64 {
	return uint64(uint32(u.Tid))<<32 | uint64(u.Serial)
}

func (u TaskUid) String() string {
	return fmt.Sprintf("%d(%d)", u.Tid, u.Serial)
}

// SerialAllocator hands out strictly increasing serials for one session.
// Serial 0 is never allocated and marks an invalid uid.
type SerialAllocator struct {
	next atomic.Uint32
}

// Next returns the next serial. The first allocated serial is 1.
func (a *SerialAllocator) Next() uint32 {
	return a.next.Add(1)
}
