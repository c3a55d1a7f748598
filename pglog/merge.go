package pglog

import (
	"errors"
	"fmt"

	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/pgid"
)

// ErrNeedsBackfill is returned by MergeLog when the authoritative log's tail
// is past the local log's head: there is no overlap at all and the PG must
// be backfilled from scratch rather than log-merged (spec.md §4.5 step 1).
var ErrNeedsBackfill = errors.New("pglog: authoritative log tail beyond local head, backfill required")

// ErrProtocolDivergence is returned when two logs disagree about the
// contents of an entry they both have at the same version — a fatal
// protocol error (spec.md §4.5 step 2, §7 protocol-divergence).
type ErrProtocolDivergence struct {
	Version    pgid.Eversion
	LocalOID   pgid.OID
	PeerOID    pgid.OID
}

func (e *ErrProtocolDivergence) Error() string {
	return fmt.Sprintf("pglog: divergent entry at %s: local oid=%s peer oid=%s", e.Version, e.LocalOID, e.PeerOID)
}

// DivergentResolution describes the outcome of resolving one divergent
// prior produced while rewinding the local tail during a merge (spec.md
// §4.5 step 5).
type DivergentResolution struct {
	OID         pgid.OID
	Superseded  pgid.Eversion // the version being resolved (the old prior_version)
	HasLocalCopy bool
	// Need is the newest authoritative version for OID after the merge, if
	// one exists in the merged log.
	Need    pgid.Eversion
	HasNeed bool
	// Unfound is true when the merged log holds no entry for OID. Only the
	// merged log is checked; neither a local copy of the object nor any
	// peer is consulted for this flag.
	Unfound bool
}

// MergeLog implements spec.md §4.5: reconcile local's log against the
// authoritative (peerInfo, peerEntries) pair. Mutates local and localInfo
// in place within the caller's single transaction (spec.md: "All in one
// transaction against the object store"). Returns the divergent-prior
// resolutions the caller folds into this replica's own Missing set.
func MergeLog(local *IndexedLog, localInfo *pb.PGInfoRecord, peerInfo pb.PGInfoRecord, peerEntries []pb.LogEntry) ([]DivergentResolution, error) {
	peerTail := peerInfo.LogTail
	peerHead := peerInfo.LastUpdate

	if local.Head().Less(peerTail) {
		return nil, ErrNeedsBackfill
	}

	overlapLo := pgid.Max(local.Tail(), peerTail)
	overlapHi := pgid.Min(local.Head(), peerHead)
	if err := checkOverlap(local, peerEntries, overlapLo, overlapHi); err != nil {
		return nil, err
	}

	// Step: rewind any local-only tail beyond what the authoritative side
	// has acknowledged. Entries with version > peerHead cannot appear in
	// peerEntries by construction, so this is exactly spec.md's "for each
	// local entry with version > oinfo.last_update not present in olog".
	divergent := local.Rewind(peerHead)

	// Step: extend the head with the authoritative suffix.
	for _, e := range peerEntries {
		if local.Head().Less(e.Version) && e.Version.LessEqual(peerHead) {
			if err := local.Append(e); err != nil {
				return nil, fmt.Errorf("pglog: extend head: %w", err)
			}
		}
	}

	// Step: resolve divergent priors now that the merged log reflects the
	// authoritative history.
	resolutions := make([]DivergentResolution, 0, len(divergent))
	for supersededVersion, oid := range divergent {
		res := DivergentResolution{OID: oid, Superseded: supersededVersion}
		if newest, ok := local.LookupByOID(oid); ok {
			res.HasNeed = true
			res.Need = newest.Version
			res.HasLocalCopy = newest.Version.LessEqual(supersededVersion)
		} else {
			res.Unfound = true
		}
		resolutions = append(resolutions, res)
	}

	localInfo.LastUpdate = peerHead
	localInfo.LastComplete = pgid.Min(localInfo.LastComplete, peerHead)

	return resolutions, nil
}

func checkOverlap(local *IndexedLog, peerEntries []pb.LogEntry, lo, hi pgid.Eversion) error {
	if hi.Less(lo) {
		return nil
	}
	peerByVersion := make(map[pgid.Eversion]pb.LogEntry, len(peerEntries))
	for _, e := range peerEntries {
		if lo.LessEqual(e.Version) && e.Version.LessEqual(hi) {
			peerByVersion[e.Version] = e
		}
	}
	for _, e := range local.Entries() {
		if !(lo.LessEqual(e.Version) && e.Version.LessEqual(hi)) {
			continue
		}
		pe, ok := peerByVersion[e.Version]
		if !ok {
			// The peer didn't send this version because it falls outside
			// the entries slice we were given; treated as agreement since
			// GetLog always requests the full suffix back to overlapLo.
			continue
		}
		if pe.OID != e.OID || pe.ReqID != e.ReqID || pe.Kind != e.Kind {
			return &ErrProtocolDivergence{Version: e.Version, LocalOID: e.OID, PeerOID: pe.OID}
		}
	}
	return nil
}
