// Package peering implements the hierarchical PG peering state machine of
// spec.md §4.4: a tagged-variant state plus an explicit parent pointer
// (spec.md §9 design note), driven by a table of (state, event) ->
// (state, actions) transitions that never block. Grounded on the
// teacher's raft/raft.go stepper (a big switch over (state, message type)
// that emits pending Ready work rather than blocking) and raft/rawnode.go's
// Ready()/Advance() two-phase side-effect commit, which this package
// mirrors with Machine.Dispatch returning Actions the caller applies.
package peering

// State identifies one node of the hierarchical peering state machine.
// Parent lookups are static (parentOf), not stored per-instance, since the
// hierarchy never changes shape at runtime.
type State int

const (
	Initial State = iota
	Reset
	Started
	Start
	Primary
	PrimaryPeering
	GetInfo
	GetLog
	GetMissing
	Incomplete
	WaitUpThru
	WaitFlushedPeering
	Active
	Activating
	WaitLocalBackfillReserved
	WaitRemoteBackfillReserved
	WaitLocalRecoveryReserved
	WaitRemoteRecoveryReserved
	Recovering
	Backfilling
	Recovered
	Clean
	WaitActingChange
	Stray
	ReplicaActive
	RepNotRecovering
	RepWaitBackfillReserved
	RepWaitRecoveryReserved
	RepRecovering
	NotBackfilling
	Crashed
)

var stateNames = map[State]string{
	Initial:                 "Initial",
	Reset:                   "Reset",
	Started:                 "Started",
	Start:                   "Start",
	Primary:                 "Primary",
	PrimaryPeering:          "Primary/Peering",
	GetInfo:                 "Primary/Peering/GetInfo",
	GetLog:                  "Primary/Peering/GetLog",
	GetMissing:              "Primary/Peering/GetMissing",
	Incomplete:              "Primary/Peering/Incomplete",
	WaitUpThru:              "Primary/Peering/WaitUpThru",
	WaitFlushedPeering:      "Primary/Peering/WaitFlushedPeering",
	Active:                     "Primary/Active",
	Activating:                 "Primary/Active/Activating",
	WaitLocalBackfillReserved:  "Primary/Active/WaitLocalBackfillReserved",
	WaitRemoteBackfillReserved: "Primary/Active/WaitRemoteBackfillReserved",
	WaitLocalRecoveryReserved:  "Primary/Active/WaitLocalRecoveryReserved",
	WaitRemoteRecoveryReserved: "Primary/Active/WaitRemoteRecoveryReserved",
	Recovering:              "Primary/Active/Recovering",
	Backfilling:             "Primary/Active/Backfilling",
	Recovered:               "Primary/Active/Recovered",
	Clean:                   "Primary/Active/Clean",
	WaitActingChange:        "Primary/WaitActingChange",
	Stray:                   "Stray",
	ReplicaActive:           "ReplicaActive",
	RepNotRecovering:        "ReplicaActive/RepNotRecovering",
	RepWaitBackfillReserved: "ReplicaActive/RepWaitBackfillReserved",
	RepWaitRecoveryReserved: "ReplicaActive/RepWaitRecoveryReserved",
	RepRecovering:           "ReplicaActive/RepRecovering",
	NotBackfilling:          "Primary/Active/NotBackfilling",
	Crashed:                 "Crashed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// parentOf gives the immediate parent for hierarchical fallthrough
// dispatch (spec.md §9: "child states inherit parent reactions by falling
// through a manual dispatch"). The root states map to Initial's zero
// parent, signaled by ok == false.
var parentOf = map[State]State{
	Reset:                   Initial,
	Started:                 Reset,
	Start:                   Started,
	Primary:                 Started,
	PrimaryPeering:          Primary,
	GetInfo:                 PrimaryPeering,
	GetLog:                  PrimaryPeering,
	GetMissing:              PrimaryPeering,
	Incomplete:              PrimaryPeering,
	WaitUpThru:              PrimaryPeering,
	WaitFlushedPeering:      PrimaryPeering,
	Active:                     Primary,
	Activating:                 Active,
	WaitLocalBackfillReserved:  Active,
	WaitRemoteBackfillReserved: Active,
	WaitLocalRecoveryReserved:  Active,
	WaitRemoteRecoveryReserved: Active,
	Recovering:              Active,
	Backfilling:             Active,
	NotBackfilling:          Active,
	Recovered:               Active,
	Clean:                   Recovered,
	WaitActingChange:        Primary,
	Stray:                   Started,
	ReplicaActive:           Started,
	RepNotRecovering:        ReplicaActive,
	RepWaitBackfillReserved: ReplicaActive,
	RepWaitRecoveryReserved: ReplicaActive,
	RepRecovering:           ReplicaActive,
}

func parent(s State) (State, bool) {
	p, ok := parentOf[s]
	return p, ok
}

// isHoldingReservation reports whether s represents a state that holds a
// live recovery/backfill reservation and must therefore release it on any
// exit path, including a crash (spec.md §9 "Reservations").
func isHoldingReservation(s State) bool {
	switch s {
	case Recovering, Backfilling, RepRecovering, RepWaitBackfillReserved, RepWaitRecoveryReserved,
		WaitLocalBackfillReserved, WaitRemoteBackfillReserved, WaitLocalRecoveryReserved, WaitRemoteRecoveryReserved:
		return true
	default:
		return false
	}
}
