package recovery

import (
	"github.com/coldshard/pgcore/pgid"
)

// BackfillInterval is one chunk of a full-object-namespace scan (spec.md
// §4.6 "Backfiller scanning in BackfillScanMax-sized chunks"). Begin is
// inclusive, End is exclusive; ExtendsToEnd marks the final chunk of a
// scan.
type BackfillInterval struct {
	Begin        pgid.OID
	End          pgid.OID
	ExtendsToEnd bool
	Objects      map[pgid.OID]pgid.Eversion
}

// Lister is the local object-store enumeration a Backfiller drives; it is
// satisfied by any collection that can list keys within [begin, end) up to
// a bound, ascending. The module's only implementation is peering's
// logLister, which lists the oids in a PG's log; store.BoltStore does
// not provide one.
type Lister interface {
	// ListRange returns up to max (oid, version) pairs at or after begin
	// and strictly before end, ascending by oid, plus whether the result
	// reached end (as opposed to being cut short by max).
	ListRange(begin, end pgid.OID, max int) (items map[pgid.OID]pgid.Eversion, lastOID pgid.OID, reachedEnd bool)
}

// Backfiller drives a full object-namespace comparison against one peer,
// chunked to bound memory and message size (spec.md §4.6). It holds no
// network state itself — Scan produces the next interval to send; the
// caller (peering's sendNextScan) turns that into an MsgScan.
type Backfiller struct {
	PG        pgid.PGID
	ChunkSize int

	lister Lister
	cursor pgid.OID
	done   bool
}

func NewBackfiller(pg pgid.PGID, lister Lister, chunkSize int) *Backfiller {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	return &Backfiller{PG: pg, ChunkSize: chunkSize, lister: lister}
}

// Scan produces the next BackfillInterval, advancing the internal cursor.
// It returns ok == false once the prior call already reached the end of
// the namespace.
func (b *Backfiller) Scan() (BackfillInterval, bool) {
	if b.done {
		return BackfillInterval{}, false
	}
	begin := b.cursor
	items, last, reachedEnd := b.lister.ListRange(begin, pgid.OIDMax, b.ChunkSize)

	end := pgid.OIDMax
	next := pgid.OID(string(last) + "\x00") // smallest oid after last
	if !reachedEnd {
		end = next
	}

	interval := BackfillInterval{
		Begin:        begin,
		End:          end,
		ExtendsToEnd: reachedEnd,
		Objects:      items,
	}

	if reachedEnd {
		b.done = true
	} else {
		b.cursor = next
	}
	return interval, true
}

// Done reports whether the scan has covered the entire namespace.
func (b *Backfiller) Done() bool { return b.done }

// Reset restarts the scan from the beginning of the namespace — used when
// a backfill target's map epoch changes mid-scan and the interval must be
// recomputed (spec.md §4.6 "epoch change during backfill restarts the
// scan").
func (b *Backfiller) Reset() {
	b.cursor = ""
	b.done = false
}

// Diff compares a local interval's contents against the same interval as
// reported by a peer, returning the oids that are missing or stale
// locally (present at a newer version on the peer) and the oids the peer
// no longer has (candidates for local removal).
func Diff(local, remote map[pgid.OID]pgid.Eversion) (needPush []pgid.OID, needRemove []pgid.OID) {
	for oid, remoteVer := range remote {
		localVer, ok := local[oid]
		if !ok || localVer.Less(remoteVer) {
			needPush = append(needPush, oid)
		}
	}
	for oid := range local {
		if _, ok := remote[oid]; !ok {
			needRemove = append(needRemove, oid)
		}
	}
	return needPush, needRemove
}
