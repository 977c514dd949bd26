package cache

// Cache is the executor-facing API of a node-local shared-memory cache.
// All methods are safe for concurrent use by multiple goroutines.
//
// Insert, Remove and Replace only enqueue work for the tracker and return
// before it is applied, so a Contains right after Insert may still report
// false. Membership can also go stale between Contains and Retrieve when the
// tracker evicts in between; Retrieve then fails with ErrAbsentKey.
type Cache interface {
	// Insert copies v into a new shared segment and asks the tracker to
	// admit it under key. It returns false when the value was not cached;
	// the failure is only logged.
	Insert(key string, v Value) bool

	// InsertAny converts v with FromAny and inserts it. Unsupported shapes
	// (maps included) are a silent no-op returning false.
	InsertAny(key string, v any) bool

	// Retrieve returns the cached value and counts a hit. Arrays alias
	// shared memory and stay valid until Array.Release or Close, whichever
	// comes first; lists and tuples are copies. Arrays retrieved twice
	// share one mapping, unmapped when the last of them is released.
	Retrieve(key string) (Value, error)

	// Remove asks the tracker to drop key. It does not wait.
	Remove(key string) error

	// Replace is Remove followed by Insert; the pair is not atomic.
	Replace(key string, v Value) bool

	// Contains reports whether key is currently cached. It never blocks.
	Contains(key string) bool

	// Entries returns a snapshot of the directory.
	Entries() []Entry

	// Len returns the number of cached entries.
	Len() int

	// Close releases the client's mappings and connection.
	Close() error
}
