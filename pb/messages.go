package pb

import "github.com/coldshard/pgcore/pgid"

// MessageKind enumerates the messenger message kinds the peering core
// consumes (spec.md §6): PGQuery, PGNotify, PGInfo, PGLog, the backfill and
// recovery reservation protocols, PGScan and PGBackfill.
type MessageKind uint8

const (
	MsgQuery MessageKind = iota
	MsgNotify
	MsgInfo
	MsgLog
	MsgBackfillReserveReq
	MsgBackfillReserveGrant
	MsgBackfillReserveReject
	MsgBackfillReserveRelease
	MsgRecoveryReserveReq
	MsgRecoveryReserveGrant
	MsgRecoveryReserveRelease
	MsgScan
	MsgBackfill
)

func (k MessageKind) String() string {
	names := [...]string{
		"Query", "Notify", "Info", "Log",
		"BackfillReserveReq", "BackfillReserveGrant", "BackfillReserveReject", "BackfillReserveRelease",
		"RecoveryReserveReq", "RecoveryReserveGrant", "RecoveryReserveRelease",
		"Scan", "Backfill",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// QueryKind distinguishes the three query shapes the primary issues while
// peering: QueryInfo (GetInfo), QueryLog (GetLog) and QueryMissing
// (GetMissing).
type QueryKind uint8

const (
	QueryInfo QueryKind = iota
	QueryLog
	QueryMissing
)

// Message is the envelope every messenger payload travels in. Every message
// carries a source id, an epoch and a PG id (spec.md §6).
type Message struct {
	Kind  MessageKind
	From  pgid.PeerID
	To    pgid.PeerID
	PG    pgid.PGID
	Epoch uint64

	Query    *QueryPayload
	Notify   *NotifyPayload
	Info     *PGInfoRecord
	Log      *LogPayload
	Reserve  *ReservePayload
	Scan     *ScanPayload
	Backfill *BackfillPayload
}

// QueryPayload backs MsgQuery.
type QueryPayload struct {
	What QueryKind
	// Since bounds a QueryLog/QueryMissing request to the suffix after this
	// version (spec.md §4.4 GetMissing: "query each acting replica for its
	// log suffix since local last_update").
	Since pgid.Eversion
}

// NotifyPayload backs MsgNotify: a replica's info in response to a query.
type NotifyPayload struct {
	Info    PGInfoRecord
	History PGHistory
}

// LogPayload backs MsgLog: an authoritative log tail plus the info needed
// to reconcile it (spec.md §4.5).
type LogPayload struct {
	Info    PGInfoRecord
	Entries []LogEntry
}

// ReservePayload backs the reservation request/grant/reject/release
// messages (spec.md §4.6). Priority breaks ties between competing backfill
// requests on a shared remote slot.
type ReservePayload struct {
	Priority int
	// GrantEpoch is the map epoch in which a grant was issued; grants are
	// discarded by the recipient if this epoch goes stale (spec.md §5
	// "Cancellation & timeouts").
	GrantEpoch uint64
}

// ScanPayload backs MsgScan: a request for a peer's BackfillInterval over a
// key range (spec.md §4.6).
type ScanPayload struct {
	Begin pgid.OID
	End   pgid.OID
}

// BackfillPayload backs MsgBackfill. With Reply set, it carries a target's
// reported inventory for [Begin, End) in answer to a MsgScan; without it,
// it carries the primary's push/remove instruction for that same range.
type BackfillPayload struct {
	Begin        pgid.OID
	End          pgid.OID
	ExtendsToEnd bool
	Objects      map[pgid.OID]pgid.Eversion
	Remove       []pgid.OID
	Reply        bool
}
