package maps

// mapImplementation selects the concurrent map used by the tracer registries.
// Valid options: "xsync", "sharded", "cornelk", "sync".
const mapImplementation = "xsync"

// Integer is a constraint that permits any integer type.
// Registry keys are thread-group and thread identifiers, or packed UIDs,
// so integer keys are all we ever need.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap is a generic, thread-safe map for integer keys. The tracer's
// control loop is single-threaded, but registries are also read by the
// metrics and diagnostics HTTP handlers, so every registry goes through
// this interface rather than a bare map.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	// LoadOrStore returns the existing value and true, or stores the
	// factory's value and returns it with false.
	LoadOrStore(key K, valueFactory func() V) (V, bool)
	// Update atomically reads, modifies and writes the entry for key.
	// updateFunc returns the new value and whether to keep the entry.
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
}

// NewConcurrentMap returns the default concurrent map implementation.
// Change mapImplementation to swap it globally.
func NewConcurrentMap[K Integer, V any]() ConcurrentMap[K, V] {
	switch mapImplementation {
	case "xsync":
		return NewXSyncMap[K, V]()
	case "sharded":
		return NewShardedMap[K, V]()
	case "cornelk":
		return NewCornelkMap[K, V]()
	case "sync":
		return NewStdSyncMap[K, V]()
	default:
		return NewXSyncMap[K, V]()
	}
}
