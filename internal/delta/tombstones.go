package delta

import "github.com/matheus3301/chatsync/internal/store"

// TombstoneSet is a snapshot of the tombstones of one kind.
type TombstoneSet struct {
	byID map[string]store.Tombstone
}

// NewTombstoneSet indexes ts by id.
func NewTombstoneSet(ts []store.Tombstone) TombstoneSet {
	s := TombstoneSet{byID: make(map[string]store.Tombstone, len(ts))}
	for _, t := range ts {
		s.byID[t.ID] = t
	}
	return s
}

// Contains reports whether id is tombstoned.
func (s TombstoneSet) Contains(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of tombstones.
func (s TombstoneSet) Len() int { return len(s.byID) }

// reconciliation is the tombstone bookkeeping derived from one fetch.
type reconciliation struct {
	clear    []string
	survived []string
	stuck    []string
}

// countsFor reports whether a fetch that started at fetchStart is evidence
// about t. A fetch issued before the delete may legitimately still list it.
func countsFor(t store.Tombstone, fetchStart int64) bool {
	return fetchStart > t.CreatedAt
}

func (r *reconciliation) survive(t store.Tombstone, maxSurvivals int) {
	r.survived = append(r.survived, t.ID)
	if t.Survived+1 > maxSurvivals {
		r.stuck = append(r.stuck, t.ID)
	}
}

// reconcileFull shrinks the set to the ids the server still returned.
func (s TombstoneSet) reconcileFull(serverIDs map[string]struct{}, fetchStart int64, maxSurvivals int) reconciliation {
	var r reconciliation
	for id, t := range s.byID {
		if _, present := serverIDs[id]; !present {
			r.clear = append(r.clear, id)
			continue
		}
		if countsFor(t, fetchStart) {
			r.survive(t, maxSurvivals)
		}
	}
	return r
}

// reconcileDelta clears tombstones the server reported removed and counts
// upserts of tombstoned ids as survivals. Ids the delta does not mention are
// left alone.
func (s TombstoneSet) reconcileDelta(upserted []string, removed []string, fetchStart int64, maxSurvivals int) reconciliation {
	var r reconciliation
	for _, id := range removed {
		if s.Contains(id) {
			r.clear = append(r.clear, id)
		}
	}
	seen := make(map[string]struct{}, len(upserted))
	for _, id := range upserted {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if t, ok := s.byID[id]; ok && countsFor(t, fetchStart) {
			r.survive(t, maxSurvivals)
		}
	}
	return r
}

// visible drops tombstoned entities, keeping order.
func visible[E store.Entity](items []E, s TombstoneSet) []E {
	out := make([]E, 0, len(items))
	for _, e := range items {
		if !s.Contains(e.EntityID()) {
			out = append(out, e)
		}
	}
	return out
}
