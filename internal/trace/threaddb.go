package trace

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrTLSUnsupported is returned by resolution queries on a resolver that
// was constructed in the disabled state.
var ErrTLSUnsupported = errors.New("thread-local storage resolution unsupported")

// ThreadDb resolves thread-local addressing for one task group. It is
// constructed lazily on first use and lives as long as the group. A runtime
// without TLS debug support yields a resolver in a disabled state, not a
// construction failure: absent resolution degrades functionality but never
// stops tracing.
type ThreadDb struct {
	tgid      int32
	supported bool

	mu      sync.Mutex
	modules map[uint64]uint64 // module id -> static TLS block base
}

// newThreadDb probes the group's runtime and returns a resolver, disabled
// when probing fails or the feature is configured off.
func newThreadDb(realTgid int32, enabled bool) *ThreadDb {
	db := &ThreadDb{
		tgid:    realTgid,
		modules: make(map[uint64]uint64),
	}
	if enabled {
		db.supported = hasThreadedRuntime(realTgid)
	}
	return db
}

// Supported reports whether resolution queries can succeed.
func (db *ThreadDb) Supported() bool { return db.supported }

// RegisterModule records the static TLS base for a loaded module. Fed by
// the session when it observes module loads; a no-op on a disabled resolver.
func (db *ThreadDb) RegisterModule(moduleID, base uint64) {
	if !db.supported {
		return
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.modules[moduleID] = base
}

// ResolveTLS returns the address of a thread-local variable given its
// module and offset.
func (db *ThreadDb) ResolveTLS(moduleID, offset uint64) (uint64, error) {
	if !db.supported {
		return 0, ErrTLSUnsupported
	}
	db.mu.Lock()
	base, ok := db.modules[moduleID]
	db.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("module %#x not registered: %w", moduleID, ErrTLSUnsupported)
	}
	return base + offset, nil
}

// hasThreadedRuntime checks whether the traced process maps a libc with
// thread support. Best effort: an unreadable maps file means no support.
func hasThreadedRuntime(tgid int32) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", tgid))
	if err != nil {
		return false
	}
	s := string(data)
	return strings.Contains(s, "libpthread") || strings.Contains(s, "libc.so") ||
		strings.Contains(s, "libc-")
}
