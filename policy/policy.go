// Package policy defines the eviction policy contract used by the tracker.
package policy

// Candidate is a resident entry offered to a policy for ranking.
// Order is the entry's admission sequence number; lower means older.
type Candidate struct {
	Key   string
	Size  int64
	Hits  uint64
	Order uint64
}

// Policy orders eviction candidates.
//
// Rank reorders cands in place so that the entry to evict first comes
// first. The tracker calls Rank from its own goroutine only.
type Policy interface {
	Name() string
	Rank(cands []Candidate)
}

// Select walks ranked candidates and picks victims until their sizes add up
// to at least need bytes or the candidates run out. The last victim may
// overshoot need; callers treat that as acceptable.
func Select(ranked []Candidate, need int64) (victims []Candidate, freed int64) {
	if need <= 0 {
		return nil, 0
	}
	for _, c := range ranked {
		if freed >= need {
			break
		}
		victims = append(victims, c)
		freed += c.Size
	}
	return victims, freed
}
