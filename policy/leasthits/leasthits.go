// Package leasthits implements the least-hits-first eviction policy: entries
// that were retrieved the fewest times go first, and among equals the entry
// admitted earliest goes first.
package leasthits

import (
	"sort"

	"github.com/IvanBrykalov/shmcache/policy"
)

// Name is the policy name reported by Policy.Name.
const Name = "least-hits"

// Policy is stateless; the zero value is ready to use.
type Policy struct{}

// New returns the least-hits-first policy.
func New() Policy { return Policy{} }

// Name implements policy.Policy.
func (Policy) Name() string { return Name }

// Rank implements policy.Policy. The sort is stable so candidates that tie on
// both hits and order keep the caller's relative order.
func (Policy) Rank(cands []policy.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Hits != cands[j].Hits {
			return cands[i].Hits < cands[j].Hits
		}
		return cands[i].Order < cands[j].Order
	})
}

var _ policy.Policy = Policy{}
