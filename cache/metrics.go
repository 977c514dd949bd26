package cache

// EvictReason explains why the tracker dropped an entry.
type EvictReason int

const (
	// EvictCapacity: removed to make room for a new entry's bytes.
	EvictCapacity EvictReason = iota
	// EvictEntries: removed because the directory ran out of slots.
	EvictEntries
)

func (r EvictReason) String() string {
	if r == EvictEntries {
		return "entries"
	}
	return "capacity"
}

// Metrics exposes cache-level observability hooks.
// Hit and Miss are reported by clients on Retrieve; the rest by the tracker.
type Metrics interface {
	Hit()
	Miss()
	Admit(bytes int64)
	Evict(reason EvictReason)
	Size(entries int, bytes int64)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is safe for concurrent use and intended as the default when
// no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                          {}
func (NoopMetrics) Miss()                         {}
func (NoopMetrics) Admit(int64)                   {}
func (NoopMetrics) Evict(EvictReason)             {}
func (NoopMetrics) Size(entries int, bytes int64) {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}
