// Package recovery implements the recovery and backfill orchestrator of
// spec.md §4.6: pulling missing objects in a bounded, ordered fashion, and
// scanning a peer's object namespace in chunks when its log has already
// been trimmed past what the local replica needs. Grounded on the
// teacher's transport/stream_writer.go (chunked, backpressure-bounded
// message pushes over one peer connection) and db/wal's chunked segment
// scanning, generalized from "replay the WAL in order" to "replay the
// missing set in oid order".
package recovery

import (
	"sort"

	"github.com/coldshard/pgcore/logging"
	"github.com/coldshard/pgcore/missing"
	"github.com/coldshard/pgcore/pgid"
)

// Puller drives recovery of a PG's missing set, bounded to at most
// MaxInFlight concurrent pulls (spec.md §4.6 "MaxRecoveryOpsPerPG"). Each
// Next call scans the whole missing set in ascending oid order, starting
// from the lowest missing oid; no complete_to cursor is kept.
type Puller struct {
	PG          pgid.PGID
	MaxInFlight int

	miss *missing.Set

	inFlight map[pgid.OID]struct{}
}

// NewPuller creates a puller bounded to maxInFlight concurrent pulls
// against miss.
func NewPuller(pg pgid.PGID, miss *missing.Set, maxInFlight int) *Puller {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Puller{
		PG:          pg,
		MaxInFlight: maxInFlight,
		miss:        miss,
		inFlight:    make(map[pgid.OID]struct{}),
	}
}

// PullOp is one object this tick's call to Next selected for recovery.
type PullOp struct {
	OID     pgid.OID
	Need    pgid.Eversion
	Have    pgid.Eversion
	Sources []pgid.PeerID
}

// Next returns up to MaxInFlight-len(in-flight) new pull operations, in
// ascending oid order, skipping any oid already in flight or with no
// known source (spec.md §4.6 "objects with an empty missing_loc are
// skipped until a source appears").
func (p *Puller) Next() []PullOp {
	budget := p.MaxInFlight - len(p.inFlight)
	if budget <= 0 {
		return nil
	}

	oids := p.miss.OIDs()
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })

	var ops []PullOp
	for _, oid := range oids {
		if len(ops) >= budget {
			break
		}
		if _, busy := p.inFlight[oid]; busy {
			continue
		}
		sources := p.miss.Locations(oid)
		if len(sources) == 0 {
			continue
		}
		item, ok := p.miss.Get(oid)
		if !ok {
			continue
		}
		p.inFlight[oid] = struct{}{}
		ops = append(ops, PullOp{OID: oid, Need: item.Need, Have: item.Have, Sources: sources})
	}
	return ops
}

// Complete marks oid as pulled to version v, releasing it from the
// in-flight set and advancing the underlying missing.Set (spec.md §4.6
// "on push-op reply, missing.got").
func (p *Puller) Complete(oid pgid.OID, v pgid.Eversion) {
	delete(p.inFlight, oid)
	p.miss.Got(oid, v)
	logging.Debug("recovery pull complete").
		Str("pg", p.PG.String()).
		Str("oid", string(oid)).
		Str("version", v.String()).
		Record()
}

// Fail releases oid back to the pull queue without advancing it — used
// when a push-op round-trip errors and the object stays missing (spec.md
// §4.6 "a failed pull leaves the object in the missing set for the next
// tick").
func (p *Puller) Fail(oid pgid.OID) {
	delete(p.inFlight, oid)
}

// Done reports whether every currently-known missing object has been
// pulled and nothing remains in flight.
func (p *Puller) Done() bool {
	return p.miss.Len() == 0 && len(p.inFlight) == 0
}

// InFlight returns the count of pulls this Puller currently considers
// outstanding.
func (p *Puller) InFlight() int { return len(p.inFlight) }
