package pglog

import (
	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/pgid"
)

// SplitBits selects which of a parent PG's log entries belong to a child
// shard after a split, by testing the low bits of the object id's hash.
// Kept as a function value rather than a concrete bit-mask type so callers
// can plug in whatever object-id hash the store package uses.
type SplitBits func(oid pgid.OID) bool

// MergeFrom performs the structural merge used when a PG absorbs another
// log's matching entries on split (spec.md §4.1 merge_from). Entries in
// other that belong to this shard (per belongsHere) are appended in
// ascending version order; entries already present (by version) are
// skipped rather than re-appended, so MergeFrom is safe to call more than
// once with overlapping inputs. Entries at or below this log's head are
// skipped as well, so only entries newer than the head are added.
func (l *IndexedLog) MergeFrom(other *IndexedLog, belongsHere SplitBits) {
	have := make(map[pgid.Eversion]struct{}, other.Len())
	for _, e := range l.Entries() {
		have[e.Version] = struct{}{}
	}

	var toAdd []pb.LogEntry
	for _, e := range other.Entries() {
		if !belongsHere(e.OID) {
			continue
		}
		if _, ok := have[e.Version]; ok {
			continue
		}
		toAdd = append(toAdd, e)
	}

	// Entries must be appended in increasing version order to satisfy
	// Append's precondition; other.Entries() is already ordered oldest
	// first, and toAdd preserves that order.
	for _, e := range toAdd {
		if l.head.Less(e.Version) {
			_ = l.Append(e)
		}
	}
}
