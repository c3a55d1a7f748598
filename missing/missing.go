// Package missing implements the per-PG missing-object accounting of
// spec.md §3/§4.2: which objects a replica knows it needs newer versions
// of, and which peers might hold an acceptable copy of each. Grounded on
// the teacher's raft/tracker.ProgressTracker (raft/tracker/tracker.go),
// which tracks per-peer state in a plain map and recomputes derived
// aggregates (Committed) from that map on demand rather than incrementally
// — the same discipline spec.md §4.2 requires for num_unfound.
package missing

import "github.com/coldshard/pgcore/pgid"

// Item is one entry of the missing set (spec.md §3 "Missing set").
// Invariant: the local copy is either absent (Have == pgid.Zero) or at
// Have < Need.
type Item struct {
	Need pgid.Eversion
	Have pgid.Eversion
}

// Set is the missing-object accounting for a single PG replica.
type Set struct {
	items map[pgid.OID]Item
	// locations maps a missing oid to the set of peers known to possibly
	// hold an acceptable copy (spec.md §3 missing_loc).
	locations map[pgid.OID]map[pgid.PeerID]struct{}

	// unfound caches the count of oids with an empty location set. It is
	// recomputed lazily, on the next read after entries or sources are
	// added or removed (unfoundDirty).
	unfound      int
	unfoundDirty bool
}

func New() *Set {
	return &Set{
		items:     make(map[pgid.OID]Item),
		locations: make(map[pgid.OID]map[pgid.PeerID]struct{}),
	}
}

func (s *Set) Len() int { return len(s.items) }

func (s *Set) Get(o pgid.OID) (Item, bool) {
	it, ok := s.items[o]
	return it, ok
}

// AddNextEvent updates the missing entry for a newly-appended log entry:
// need advances to the entry's version, and have is left at whatever the
// previous need (or the local copy's version) already was (spec.md §4.2).
func (s *Set) AddNextEvent(oid pgid.OID, entryVersion pgid.Eversion, localHave pgid.Eversion) {
	prev, ok := s.items[oid]
	have := localHave
	if ok {
		have = prev.Need
	}
	if have.LessEqual(entryVersion) && have != entryVersion {
		s.items[oid] = Item{Need: entryVersion, Have: have}
		s.unfoundDirty = true
	}
}

// Got advances the have-version for oid; once have reaches need the entry
// is removed from the missing set entirely (spec.md §4.2 "got").
func (s *Set) Got(oid pgid.OID, v pgid.Eversion) {
	it, ok := s.items[oid]
	if !ok {
		return
	}
	it.Have = v
	if it.Have == it.Need {
		delete(s.items, oid)
		delete(s.locations, oid)
		s.unfoundDirty = true
		return
	}
	s.items[oid] = it
}

// AddSource records that peer may hold an acceptable copy of oid. This is
// the structural change that requires NumUnfound to be recomputed.
func (s *Set) AddSource(oid pgid.OID, peer pgid.PeerID) {
	if _, ok := s.items[oid]; !ok {
		return
	}
	set, ok := s.locations[oid]
	if !ok {
		set = make(map[pgid.PeerID]struct{})
		s.locations[oid] = set
	}
	if _, already := set[peer]; !already {
		set[peer] = struct{}{}
		s.unfoundDirty = true
	}
}

// RmSource drops peer as a possible source for every oid that lists it —
// used when a peer is marked down or lost (spec.md §4.2 "rm_source").
func (s *Set) RmSource(peer pgid.PeerID) {
	for oid, set := range s.locations {
		if _, ok := set[peer]; ok {
			delete(set, peer)
			s.unfoundDirty = true
			if len(set) == 0 {
				delete(s.locations, oid)
			}
		}
	}
}

// Locations returns the known holders of oid, or nil if none are known.
func (s *Set) Locations(oid pgid.OID) []pgid.PeerID {
	set, ok := s.locations[oid]
	if !ok {
		return nil
	}
	out := make([]pgid.PeerID, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// NumUnfound returns the count of missing objects with no known source
// (spec.md §4.2 invariant, §8.4). Recomputed lazily on structural change.
func (s *Set) NumUnfound() int {
	if !s.unfoundDirty {
		return s.unfound
	}
	n := 0
	for oid := range s.items {
		if len(s.locations[oid]) == 0 {
			n++
		}
	}
	s.unfound = n
	s.unfoundDirty = false
	return n
}

// MarkAllUnfoundLost removes every currently-unfound object from the
// missing set, the external operation spec.md §8 scenario S4 calls
// mark_all_unfound_lost. Returns the oids that were dropped.
func (s *Set) MarkAllUnfoundLost() []pgid.OID {
	var dropped []pgid.OID
	for oid := range s.items {
		if len(s.locations[oid]) == 0 {
			dropped = append(dropped, oid)
			delete(s.items, oid)
			delete(s.locations, oid)
		}
	}
	if len(dropped) > 0 {
		s.unfoundDirty = true
	}
	return dropped
}

// OIDs returns every currently missing object id, unordered. Callers that
// need index order (spec.md §4.6 recovery pull order) intersect this with
// the log's by_oid ordering.
func (s *Set) OIDs() []pgid.OID {
	out := make([]pgid.OID, 0, len(s.items))
	for oid := range s.items {
		out = append(out, oid)
	}
	return out
}
