// Package pgid defines the core identifiers of the placement-group peering
// core: the (epoch, seq) version, the opaque object and request identifiers,
// and the placement-group id itself. These map directly onto spec.md §3 and
// carry no dependency on any other package in the module.
package pgid

import "fmt"

// Eversion is the (epoch, seq) pair spec.md §3 calls "eversion": a total
// order over writes, lexicographic by epoch then sequence. The zero value
// (0,0) denotes "never written".
type Eversion struct {
	Epoch uint64
	Seq   uint64
}

// Zero is the "never written" sentinel.
var Zero = Eversion{}

// Less reports whether v is strictly ordered before o.
func (v Eversion) Less(o Eversion) bool {
	if v.Epoch != o.Epoch {
		return v.Epoch < o.Epoch
	}
	return v.Seq < o.Seq
}

// LessEqual reports v <= o.
func (v Eversion) LessEqual(o Eversion) bool {
	return v == o || v.Less(o)
}

// Max returns the larger of v and o.
func Max(v, o Eversion) Eversion {
	if v.Less(o) {
		return o
	}
	return v
}

// Min returns the smaller of v and o.
func Min(v, o Eversion) Eversion {
	if o.Less(v) {
		return o
	}
	return v
}

func (v Eversion) IsZero() bool { return v == Zero }

func (v Eversion) String() string { return fmt.Sprintf("%d'%d", v.Epoch, v.Seq) }

// OID is an opaque, totally-ordered object identifier. The peering core
// never interprets the bytes; it only compares and hashes them, so a plain
// string (the object-store's own key encoding) is sufficient.
type OID string

// OIDMax is a sentinel strictly greater than any real OID, used as the
// exclusive upper bound of a half-open range (spec.md §3 backfill interval).
const OIDMax OID = "\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff"

func (o OID) Less(other OID) bool { return o < other }

// ReqID uniquely identifies a client write request for idempotence
// (spec.md §3). Opaque to the peering core.
type ReqID string

// PGID names a placement group: a pool identifier plus a stable hash seed
// bucketing the object namespace into that pool's shards.
type PGID struct {
	Pool uint64
	Seed uint32
}

func (p PGID) String() string { return fmt.Sprintf("%d.%x", p.Pool, p.Seed) }

// PeerID identifies a storage node that may hold a replica of a PG.
type PeerID uint64
