package leasthits

import (
	"testing"

	"github.com/IvanBrykalov/shmcache/policy"
	"github.com/stretchr/testify/assert"
)

func keys(cs []policy.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Key
	}
	return out
}

// Fewest hits first; ties broken by admission order.
func TestRank_HitsThenOrder(t *testing.T) {
	t.Parallel()

	cs := []policy.Candidate{
		{Key: "hot", Hits: 9, Order: 1},
		{Key: "young", Hits: 0, Order: 5},
		{Key: "old", Hits: 0, Order: 2},
		{Key: "warm", Hits: 3, Order: 0},
	}
	New().Rank(cs)
	assert.Equal(t, []string{"old", "young", "warm", "hot"}, keys(cs))

	for i := 1; i < len(cs); i++ {
		assert.LessOrEqual(t, cs[i-1].Hits, cs[i].Hits)
	}
}

func TestSelect_StopsWhenEnoughFreed(t *testing.T) {
	t.Parallel()

	cs := []policy.Candidate{
		{Key: "a", Size: 10},
		{Key: "b", Size: 30},
		{Key: "c", Size: 100},
	}
	v, freed := policy.Select(cs, 35)
	assert.Equal(t, []string{"a", "b"}, keys(v))
	assert.Equal(t, int64(40), freed)

	v, freed = policy.Select(cs, 1000)
	assert.Len(t, v, 3)
	assert.Equal(t, int64(140), freed)

	v, freed = policy.Select(cs, 0)
	assert.Empty(t, v)
	assert.Zero(t, freed)
}

func TestName(t *testing.T) {
	assert.Equal(t, Name, New().Name())
}
