// Package priorset computes the prior/probe set of spec.md §3/§4.3: the
// peers that must be consulted before a PG is safe to peer, derived purely
// from past membership intervals, the current map, and node liveness.
// Grounded on the teacher's raft/tracker package (raft/tracker/tracker.go),
// which likewise derives a quorum-relevant set (Voters) from static
// configuration rather than mutable per-call state — PriorSet here has no
// hidden state of its own, only the interval history it's handed.
package priorset

import "github.com/coldshard/pgcore/pgid"

// Interval is one entry of the past-intervals map (spec.md §3 "Past
// intervals"): the acting set that held the PG during [EpochStart,
// EpochEnd), and whether the PG could have taken writes during it.
type Interval struct {
	EpochStart  uint64
	EpochEnd    uint64
	UpSet       []pgid.PeerID
	ActingSet   []pgid.PeerID
	MaybeWentRW bool
}

// Liveness answers the two per-peer questions PriorSet needs about the
// current map: whether a peer is reachable, and, if not, the epoch at
// which the cluster map would consider it permanently lost (0 if it has
// not been marked lost at all).
type Liveness interface {
	IsUp(p pgid.PeerID) bool
	LostAtEpoch(p pgid.PeerID) uint64
}

// Set is the derived prior/probe set (spec.md §3 "Prior set").
type Set struct {
	Probe     map[pgid.PeerID]struct{}
	Down      map[pgid.PeerID]struct{}
	BlockedBy map[pgid.PeerID]uint64 // peer -> lost-epoch threshold that would clear it
	PGDown    bool
}

// Build implements spec.md §4.3 steps 1-4.
func Build(intervals []Interval, acting []pgid.PeerID, live Liveness) Set {
	probe := make(map[pgid.PeerID]struct{})

	for _, iv := range intervals {
		if !iv.MaybeWentRW {
			continue
		}
		for _, p := range iv.ActingSet {
			// Drop members the map reports permanently lost at or before
			// this interval's EpochEnd and keep those lost later: a later
			// member's loss happened strictly after the
			// interval and so cannot have erased data written during it,
			// but a loss recorded before or during the interval means they
			// never had a chance to hold that write.
			lost := live.LostAtEpoch(p)
			if lost != 0 && lost <= iv.EpochEnd {
				continue
			}
			probe[p] = struct{}{}
		}
	}

	for _, p := range acting {
		probe[p] = struct{}{}
	}

	down := make(map[pgid.PeerID]struct{})
	blockedBy := make(map[pgid.PeerID]uint64)
	for p := range probe {
		if live.IsUp(p) {
			continue
		}
		down[p] = struct{}{}
		// The member is indispensable to the probe set until the map
		// records it lost; blocked_by records that this member unblocks
		// once a lost-epoch is assigned (marking it removes the need to
		// wait for its info/log).
		lost := live.LostAtEpoch(p)
		blockedBy[p] = lost
	}

	pgDown := false
	for p, lost := range blockedBy {
		_ = p
		if lost == 0 {
			pgDown = true
			break
		}
	}

	return Set{Probe: probe, Down: down, BlockedBy: blockedBy, PGDown: pgDown}
}

// AffectedByMap reports whether newmap's up/lost status differs from live
// for any peer in probe ∪ down — the signal to rebuild the prior set
// (spec.md §4.3 affected_by_map).
func AffectedByMap(s Set, oldLive, newLive Liveness) bool {
	touched := make(map[pgid.PeerID]struct{}, len(s.Probe)+len(s.Down))
	for p := range s.Probe {
		touched[p] = struct{}{}
	}
	for p := range s.Down {
		touched[p] = struct{}{}
	}
	for p := range touched {
		if oldLive.IsUp(p) != newLive.IsUp(p) {
			return true
		}
		if oldLive.LostAtEpoch(p) != newLive.LostAtEpoch(p) {
			return true
		}
	}
	return false
}
