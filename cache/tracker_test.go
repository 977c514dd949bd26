package cache

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Capacity 100, two 60-byte entries: the first is evicted to admit the second.
func TestTracker_CapacityEvictsFirst(t *testing.T) {
	t.Parallel()
	tr, rel, m := newTestTracker(t, 100, 0)

	require.NoError(t, tr.apply(put("A", 60)))
	require.NoError(t, tr.apply(put("B", 60)))

	assert.Equal(t, int64(60), tr.Used())
	assert.Equal(t, 1, tr.Len())
	assert.False(t, tr.dir.Contains("A"))
	assert.True(t, tr.dir.Contains("B"))
	assert.Equal(t, []string{"h_A"}, rel.list())
	assert.Equal(t, int64(1), m.evicts.Load())
	assert.Equal(t, int64(60), m.bytes.Load())
}

// After every admission, used never exceeds capacity plus the size just admitted,
// and used always equals the sum of resident sizes.
func TestTracker_BoundedOvershoot(t *testing.T) {
	t.Parallel()
	const capacity = 1000
	tr, _, _ := newTestTracker(t, capacity, 0)
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		size := int64(r.Intn(400))
		if r.Intn(10) == 0 {
			size = int64(1500 + r.Intn(500)) // oversized
		}
		key := fmt.Sprintf("k%d", r.Intn(60))
		_, dup := tr.entries[key]
		require.NoError(t, tr.apply(put(key, size)))

		if !dup {
			assert.LessOrEqual(t, tr.Used(), int64(capacity)+size, "step %d", i)
		}

		var sum int64
		for _, e := range tr.entries {
			sum += e.size
		}
		require.Equal(t, sum, tr.Used(), "step %d", i)
		require.Equal(t, len(tr.entries), tr.dir.Len())
	}
}

// Victims are taken in non-decreasing hit order, oldest first on ties.
func TestTracker_EvictsLeastHitFirst(t *testing.T) {
	t.Parallel()
	tr, rel, _ := newTestTracker(t, 90, 0)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, tr.apply(put(k, 30)))
	}
	hit := func(key string, n int) {
		e, ok := tr.dir.Lookup(key)
		require.True(t, ok)
		for i := 0; i < n; i++ {
			require.True(t, tr.dir.Hit(key, e.Generation))
		}
	}
	hit("a", 3)
	hit("b", 1)

	// Needs 30 bytes: c has no hits.
	require.NoError(t, tr.apply(put("d", 30)))
	assert.Equal(t, []string{"h_c"}, rel.list())

	// Needs 60 bytes: d (0 hits) then b (1 hit).
	require.NoError(t, tr.apply(put("e", 60)))
	assert.Equal(t, []string{"h_c", "h_d", "h_b"}, rel.list())
	assert.True(t, tr.dir.Contains("a"))
	assert.Equal(t, int64(90), tr.Used())
}

// Ties on hits go to the oldest admission.
func TestTracker_TiesByAdmissionOrder(t *testing.T) {
	t.Parallel()
	tr, rel, _ := newTestTracker(t, 30, 0)

	for _, k := range []string{"x", "y", "z"} {
		require.NoError(t, tr.apply(put(k, 10)))
	}
	require.NoError(t, tr.apply(put("w", 10)))
	require.NoError(t, tr.apply(put("v", 10)))
	assert.Equal(t, []string{"h_x", "h_y"}, rel.list())
}

// A duplicate Put only counts a hit and releases the redundant segment.
func TestTracker_DuplicatePut(t *testing.T) {
	t.Parallel()
	tr, rel, m := newTestTracker(t, 100, 0)

	require.NoError(t, tr.apply(put("A", 40)))
	dup := put("A", 40)
	dup.Handle = "h_A_second"
	require.NoError(t, tr.apply(dup))
	require.NoError(t, tr.apply(put("A", 40)))

	e, ok := tr.dir.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.Hits)
	assert.Equal(t, "h_A", e.Handle)
	assert.Equal(t, int64(40), tr.Used())
	assert.Equal(t, []string{"h_A_second"}, rel.list(), "same handle is not released")
	assert.Equal(t, int64(1), m.admits.Load())
}

func TestTracker_RemoveMissing(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTestTracker(t, 100, 0)

	err := tr.apply(Remove{Key: "missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAbsentKey))
	assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))
	assert.Zero(t, tr.Used())
}

func TestTracker_RemoveReleases(t *testing.T) {
	t.Parallel()
	tr, rel, _ := newTestTracker(t, 100, 0)

	require.NoError(t, tr.apply(put("A", 25)))
	require.NoError(t, tr.apply(Remove{Key: "A"}))
	assert.Zero(t, tr.Used())
	assert.Zero(t, tr.Len())
	assert.False(t, tr.dir.Contains("A"))
	assert.Equal(t, []string{"h_A"}, rel.list())
}

func TestTracker_EntryBound(t *testing.T) {
	t.Parallel()
	tr, rel, _ := newTestTracker(t, 1<<20, 2)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, tr.apply(put(k, 1)))
	}
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, []string{"h_a"}, rel.list())
}

func TestTracker_RunStopsOnQuit(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTestTracker(t, 100, 0)

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background()) }()

	require.True(t, tr.Send(put("A", 10)))
	require.True(t, tr.Send(Quit{}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("tracker did not stop")
	}
	assert.Equal(t, 1, tr.Len())
	assert.NoError(t, tr.Err())
	assert.False(t, tr.Send(put("B", 10)), "sends after stop are dropped")
}

// Removing an absent key is fatal: the tracker stops and later messages are
// dropped.
func TestTracker_FailFast(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTestTracker(t, 100, 0)

	require.True(t, tr.Send(put("A", 10)))
	require.True(t, tr.Send(Remove{Key: "missing"}))

	err := tr.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTrackerFailure))
	assert.True(t, errors.Is(err, ErrAbsentKey))
	assert.Equal(t, err, tr.Err())

	assert.False(t, tr.Send(put("B", 10)))
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_FailureReleasesQueuedPuts(t *testing.T) {
	t.Parallel()
	tr, rel, _ := newTestTracker(t, 100, 0)

	require.True(t, tr.Send(Remove{Key: "missing"}))
	require.True(t, tr.Send(put("A", 10)))
	require.True(t, tr.Send(Remove{Key: "A"}))
	require.True(t, tr.Send(put("B", 10)))

	require.Error(t, tr.Run(context.Background()))
	assert.True(t, tr.Stopped())
	assert.Equal(t, []string{"h_A", "h_B"}, rel.list(), "queued segments are handed back")
	assert.Zero(t, tr.Len())
	assert.Zero(t, tr.Pending())
}

func TestTracker_MalformedIsFatal(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTestTracker(t, 100, 0)

	_, derr := DecodeMessage([]byte{3, 'P', 'U'})
	require.Error(t, derr)
	require.True(t, tr.Send(malformed{err: derr}))

	err := tr.Run(context.Background())
	assert.True(t, errors.Is(err, ErrTrackerFailure))
}
