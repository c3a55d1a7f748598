// Package pglog implements the IndexedLog described in spec.md §3/§4.1: an
// ordered, versioned per-PG operation log with secondary indexes by object
// id and by request id, supporting append, tail-trim, head-rewind and
// structural merge. Entries are addressed by slot id rather than pointer
// (spec.md §9 design note "cross-references between log entries and
// index") so the index can never dangle: by_oid/by_reqid map keys to slot
// ids in an append-only arena, and trim/rewind explicitly free slots.
//
// Grounded on the teacher's raft/raftlog.RaftLog (ordered log with
// committed/applied cursors) and the tracking discipline of
// raft/unstable.go, generalized from a single committed/applied cursor to
// the tail/head cursors and secondary indexes spec.md requires.
package pglog

import (
	"errors"
	"fmt"

	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/pgid"
)

// ErrOutOfOrderAppend is returned by Append when the new entry's version
// does not exceed the current head (spec.md §4.1 append precondition).
var ErrOutOfOrderAppend = errors.New("pglog: append version must exceed head")

// slot is one arena entry. A freed slot has valid=false and is never reused
// across the log's mutation history in-process; the underlying array only
// ever grows, and dead entries are dropped from the ordered view on trim.
type slot struct {
	entry pb.LogEntry
	valid bool
}

// IndexedLog is the per-PG operation log (spec.md §3 "Log (IndexedLog)").
// Not safe for concurrent use; callers serialize access under the owning
// PG's lock (pgctl.Handle), matching spec.md §5.
type IndexedLog struct {
	arena []slot
	// order lists live slot ids from oldest to newest. Kept separate from
	// the arena so TrimTail/Rewind can shrink the visible sequence in O(k)
	// without renumbering slot ids referenced by the index maps.
	order []int

	byOID   map[pgid.OID]int
	byReqID map[pgid.ReqID]int

	tail pgid.Eversion // one version below the oldest entry, or Zero
	head pgid.Eversion // version of the newest entry, or Zero

	// DivergentPriors maps a superseded version to the object it belonged
	// to, populated by Rewind (spec.md §4.1 "Rewind-to-head").
	DivergentPriors map[pgid.Eversion]pgid.OID
}

// New returns an empty log with the given tail (spec.md §3: tail = version
// one below the oldest entry, or (0,0)).
func New(tail pgid.Eversion) *IndexedLog {
	return &IndexedLog{
		byOID:           make(map[pgid.OID]int),
		byReqID:         make(map[pgid.ReqID]int),
		tail:            tail,
		head:            tail,
		DivergentPriors: make(map[pgid.Eversion]pgid.OID),
	}
}

func (l *IndexedLog) Tail() pgid.Eversion { return l.tail }
func (l *IndexedLog) Head() pgid.Eversion { return l.head }
func (l *IndexedLog) Len() int            { return len(l.order) }

// Entries returns the live entries oldest-first. Callers must not mutate
// the returned slice's contents.
func (l *IndexedLog) Entries() []pb.LogEntry {
	out := make([]pb.LogEntry, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.arena[id].entry)
	}
	return out
}

// EntriesSince returns live entries with version > since, oldest-first —
// the log suffix used to answer a GetMissing peer query (spec.md §4.4).
func (l *IndexedLog) EntriesSince(since pgid.Eversion) []pb.LogEntry {
	var out []pb.LogEntry
	for _, id := range l.order {
		e := l.arena[id].entry
		if since.Less(e.Version) {
			out = append(out, e)
		}
	}
	return out
}

// Append adds entry to the head of the log (spec.md §4.1 append).
// Precondition: entry.Version > Head(). Updates by_oid and, if the entry
// carries a request id, by_reqid.
func (l *IndexedLog) Append(entry pb.LogEntry) error {
	if !l.head.Less(entry.Version) {
		return fmt.Errorf("%w: head=%s new=%s", ErrOutOfOrderAppend, l.head, entry.Version)
	}
	id := len(l.arena)
	l.arena = append(l.arena, slot{entry: entry, valid: true})
	l.order = append(l.order, id)
	l.byOID[entry.OID] = id
	if entry.ReqIDIndexed() {
		l.byReqID[entry.ReqID] = id
	}
	l.head = entry.Version
	return nil
}

// TrimTail drops entries with version <= v (spec.md §4.1 trim-from-tail).
// An index slot is only cleared when it still points at the entry being
// removed — a later append may already have superseded it for that key.
func (l *IndexedLog) TrimTail(v pgid.Eversion) {
	if l.tail.Less(v) {
		l.tail = v
	}
	cut := 0
	for cut < len(l.order) {
		id := l.order[cut]
		e := l.arena[id].entry
		if v.Less(e.Version) {
			break
		}
		l.deindexIfCurrent(id)
		l.arena[id].valid = false
		cut++
	}
	l.order = l.order[cut:]
}

func (l *IndexedLog) deindexIfCurrent(id int) {
	e := l.arena[id].entry
	if cur, ok := l.byOID[e.OID]; ok && cur == id {
		delete(l.byOID, e.OID)
	}
	if e.ReqIDIndexed() {
		if cur, ok := l.byReqID[e.ReqID]; ok && cur == id {
			delete(l.byReqID, e.ReqID)
		}
	}
}

// Rewind discards entries with version > newHead (spec.md §4.1
// "Rewind-to-head"), used during divergent-log merge (§4.5 step 4). For
// each discarded entry whose index slot it still owns, the index is
// repaired by scanning backwards for the newest surviving entry with that
// key (two-phase: unindex first, then reindex the survivor — see below).
// Entries whose prior_version is non-zero and <= the (possibly already
// advanced) tail are recorded in DivergentPriors for later reconciliation.
func (l *IndexedLog) Rewind(newHead pgid.Eversion) map[pgid.Eversion]pgid.OID {
	produced := make(map[pgid.Eversion]pgid.OID)
	cut := len(l.order)
	for cut > 0 {
		id := l.order[cut-1]
		e := l.arena[id].entry
		if !newHead.Less(e.Version) {
			break
		}
		cut--
	}
	discarded := l.order[cut:]
	l.order = l.order[:cut]

	// Phase 1: drop the discarded entries' index ownership.
	for _, id := range discarded {
		l.deindexIfCurrent(id)
		l.arena[id].valid = false
	}
	// Phase 2: for each key touched by a discarded entry, reindex the
	// newest still-live entry for that key by scanning the surviving
	// order backwards (spec.md §9: "new before unindexing old" formalized
	// as two clean phases rather than an in-place mutate-during-scan).
	touchedOID := make(map[pgid.OID]bool)
	touchedReqID := make(map[pgid.ReqID]bool)
	for _, id := range discarded {
		e := l.arena[id].entry
		touchedOID[e.OID] = true
		if e.ReqIDIndexed() {
			touchedReqID[e.ReqID] = true
		}
	}
	for i := len(l.order) - 1; i >= 0 && (len(touchedOID) > 0 || len(touchedReqID) > 0); i-- {
		id := l.order[i]
		e := l.arena[id].entry
		if touchedOID[e.OID] {
			if _, exists := l.byOID[e.OID]; !exists {
				l.byOID[e.OID] = id
			}
			delete(touchedOID, e.OID)
		}
		if e.ReqIDIndexed() && touchedReqID[e.ReqID] {
			if _, exists := l.byReqID[e.ReqID]; !exists {
				l.byReqID[e.ReqID] = id
			}
			delete(touchedReqID, e.ReqID)
		}
	}

	for _, id := range discarded {
		e := l.arena[id].entry
		if !e.PriorVersion.IsZero() && e.PriorVersion.LessEqual(l.tail) {
			produced[e.PriorVersion] = e.OID
			l.DivergentPriors[e.PriorVersion] = e.OID
		}
	}

	if len(l.order) == 0 {
		l.head = l.tail
	} else {
		l.head = l.arena[l.order[len(l.order)-1]].entry.Version
	}
	return produced
}

// LookupByOID returns the newest in-log entry for oid, if any.
func (l *IndexedLog) LookupByOID(oid pgid.OID) (pb.LogEntry, bool) {
	id, ok := l.byOID[oid]
	if !ok {
		return pb.LogEntry{}, false
	}
	return l.arena[id].entry, true
}

// LookupByReqID returns the indexed entry's version for a client request,
// or the "never" sentinel (spec.md §4.1 lookup_by_reqid: used for write
// idempotence).
func (l *IndexedLog) LookupByReqID(r pgid.ReqID) (pgid.Eversion, bool) {
	id, ok := l.byReqID[r]
	if !ok {
		return pgid.Zero, false
	}
	return l.arena[id].entry.Version, true
}

// CheckInvariants validates the two index invariants of spec.md §8.1: every
// by_oid/by_reqid entry points at the newest live entry for that key. Used
// by property tests, not on the hot path.
func (l *IndexedLog) CheckInvariants() error {
	wantOID := make(map[pgid.OID]pgid.Eversion)
	wantReqID := make(map[pgid.ReqID]pgid.Eversion)
	for _, id := range l.order {
		e := l.arena[id].entry
		if v, ok := wantOID[e.OID]; !ok || v.Less(e.Version) {
			wantOID[e.OID] = e.Version
		}
		if e.ReqIDIndexed() {
			if v, ok := wantReqID[e.ReqID]; !ok || v.Less(e.Version) {
				wantReqID[e.ReqID] = e.Version
			}
		}
	}
	if len(wantOID) != len(l.byOID) {
		return fmt.Errorf("pglog: by_oid has %d entries, want %d", len(l.byOID), len(wantOID))
	}
	for oid, v := range wantOID {
		id, ok := l.byOID[oid]
		if !ok || l.arena[id].entry.Version != v {
			return fmt.Errorf("pglog: by_oid[%s] stale", oid)
		}
	}
	if len(wantReqID) != len(l.byReqID) {
		return fmt.Errorf("pglog: by_reqid has %d entries, want %d", len(l.byReqID), len(wantReqID))
	}
	for r, v := range wantReqID {
		id, ok := l.byReqID[r]
		if !ok || l.arena[id].entry.Version != v {
			return fmt.Errorf("pglog: by_reqid[%s] stale", r)
		}
	}
	return nil
}
