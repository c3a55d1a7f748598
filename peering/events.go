package peering

import (
	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/pgid"
)

// EventKind enumerates the principal events of spec.md §4.4.
type EventKind int

const (
	EvInitialize EventKind = iota
	EvLoad
	EvAdvanceMap
	EvActMap
	EvFlushedEvt
	EvMQuery
	EvMNotify
	EvMInfo
	EvMLog
	EvGotInfo
	EvGotLog
	EvNeedUpThru
	EvCheckRepops
	EvLocalBackfillReserved
	EvRemoteBackfillReserved
	EvRemoteReservationRejected
	EvLocalRecoveryReserved
	EvRemoteRecoveryReserved
	EvAllRemotesReserved
	EvRequestBackfill
	EvRequestRecovery
	EvBackfilled
	EvAllReplicasRecovered
	EvAllReplicasActivated
	EvGoClean
	EvIsIncomplete
	EvNeedActingChange
	EvQueryState
	EvReservationReleased
	EvReservationDenied
	EvMScan
	EvMBackfill
)

func (k EventKind) String() string {
	names := [...]string{
		"Initialize", "Load", "AdvanceMap", "ActMap", "FlushedEvt", "MQuery",
		"MNotify", "MInfo", "MLog", "GotInfo", "GotLog", "NeedUpThru",
		"CheckRepops", "LocalBackfillReserved", "RemoteBackfillReserved",
		"RemoteReservationRejected", "LocalRecoveryReserved",
		"RemoteRecoveryReserved", "AllRemotesReserved", "RequestBackfill",
		"RequestRecovery", "Backfilled", "AllReplicasRecovered",
		"AllReplicasActivated", "GoClean", "IsIncomplete",
		"NeedActingChange", "QueryState", "ReservationReleased",
		"ReservationDenied", "MScan", "MBackfill",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// MapUpdate carries the fields spec.md §4.4 lists for AdvanceMap.
type MapUpdate struct {
	NewEpoch  uint64
	LastEpoch uint64
	NewUp     []pgid.PeerID
	NewActing []pgid.PeerID
}

// Event is a single tagged-union event fed into Machine.Dispatch. Only the
// fields relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind EventKind

	Map MapUpdate

	From  pgid.PeerID
	Epoch uint64

	Query pb.QueryPayload

	Notify pb.NotifyPayload

	Info pb.PGInfoRecord

	Log pb.LogPayload

	Scan     pb.ScanPayload
	Backfill pb.BackfillPayload

	// Peer is not read by any handler; reservation events identify the
	// peer through From.
	Peer pgid.PeerID
}
