package cache

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IvanBrykalov/shmcache/internal/directory"
	"github.com/IvanBrykalov/shmcache/internal/shm"
	"github.com/IvanBrykalov/shmcache/policy/leasthits"
	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testOptions returns options for an isolated node: private segment dir,
// ephemeral port.
func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Capacity:         1 << 20,
		Addr:             "127.0.0.1:0",
		AuthKey:          "test-key",
		SegmentDir:       t.TempDir(),
		Namespace:        "test",
		MaxEntries:       64,
		HandshakeTimeout: 2 * time.Second,
		Logger:           discardLogger(),
	}
}

func startNode(t *testing.T, opts Options) *Node {
	t.Helper()
	n, err := Start(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func localClient(t *testing.T, n *Node) *Client {
	t.Helper()
	c := n.Client()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitContains(t *testing.T, c *Client, key string) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Contains(key) }, eventually, time.Millisecond, "key %q never admitted", key)
}

func waitAbsent(t *testing.T, c *Client, key string) {
	t.Helper()
	require.Eventually(t, func() bool { return !c.Contains(key) }, eventually, time.Millisecond, "key %q never dropped", key)
}

// ---- tracker fixtures ----

type releases struct {
	mu      sync.Mutex
	handles []string
}

func (r *releases) release(h string) error {
	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()
	return nil
}

func (r *releases) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.handles...)
}

type countingMetrics struct {
	hits, misses, admits, evicts atomic.Int64
	entries                      atomic.Int64
	bytes                        atomic.Int64
}

func (m *countingMetrics) Hit()              { m.hits.Add(1) }
func (m *countingMetrics) Miss()             { m.misses.Add(1) }
func (m *countingMetrics) Admit(int64)       { m.admits.Add(1) }
func (m *countingMetrics) Evict(EvictReason) { m.evicts.Add(1) }

func (m *countingMetrics) Size(e int, b int64) {
	m.entries.Store(int64(e))
	m.bytes.Store(b)
}

func newTestTracker(t *testing.T, capacity int64, maxEntries int) (*Tracker, *releases, *countingMetrics) {
	t.Helper()
	const slots = 64
	seg, err := shm.Create(t.TempDir(), "directory", directory.Size(slots))
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })
	dir, err := directory.Format(seg.Mem, slots)
	require.NoError(t, err)

	rel := &releases{}
	m := &countingMetrics{}
	tr := newTracker(trackerConfig{
		capacity:   capacity,
		maxEntries: maxEntries,
		dir:        dir,
		policy:     leasthits.New(),
		release:    rel.release,
		metrics:    m,
		log:        discardLogger(),
	})
	return tr, rel, m
}

func put(key string, size int64) Put {
	return Put{Key: key, Handle: "h_" + key, Size: size, Representation: ShareableList}
}
