//go:build unix

package cache

import (
	"fmt"
	"math/rand"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

// A mixed workload of concurrent Insert/Retrieve/Contains/Remove from many
// executors against a small cache, so eviction runs constantly.
// Should pass under `-race` without detector reports.
func TestRace_Executors(t *testing.T) {
	opts := testOptions(t)
	opts.Capacity = 4 << 10
	opts.MaxEntries = 32
	n := startNode(t, opts)

	workers := 2 * runtime.GOMAXPROCS(0)
	deadline := time.Now().Add(time.Second)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		c := localClient(t, n)
		g.Go(func() error {
			r := rand.New(rand.NewSource(int64(w) * 9973))
			for time.Now().Before(deadline) {
				k := "shared:" + strconv.Itoa(r.Intn(64))
				switch r.Intn(100) {
				case 0, 1, 2, 3, 4: // ~5% remove, on this worker's own keys only
					own := fmt.Sprintf("w%d:%d", w, r.Intn(4))
					if c.Contains(own) {
						// Nobody else removes this key, but an eviction may win
						// the race and stop the tracker; inserts then degrade
						// to no-ops, which this test tolerates.
						_ = c.Remove(own)
					}
				case 5, 6, 7, 8, 9, 10, 11, 12, 13, 14: // ~10% insert
					a, _ := NewArray(make([]float64, 1+r.Intn(32)))
					c.Insert(k, a)
					c.Insert(fmt.Sprintf("w%d:%d", w, r.Intn(4)), List{int64(w), "x"})
				default: // ~85% lookups
					if !c.Contains(k) {
						continue
					}
					v, err := c.Retrieve(k)
					if err != nil {
						if errors.Is(err, ErrAbsentKey) {
							continue
						}
						return err
					}
					if _, err := ArrayView[float64](v.(Array)); err != nil {
						return err
					}
					if err := v.(Array).Release(); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if st := n.Stats(); st.Used > opts.Capacity+32*8 {
		t.Fatalf("used %d exceeds capacity %d by more than one entry", st.Used, opts.Capacity)
	}
}
