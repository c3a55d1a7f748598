package peering

import (
	"fmt"

	"github.com/coldshard/pgcore/logging"
	"github.com/coldshard/pgcore/missing"
	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/pglog"
	"github.com/coldshard/pgcore/pgid"
	"github.com/coldshard/pgcore/priorset"
	"github.com/coldshard/pgcore/recovery"
)

// ActionKind enumerates the side effects a transition can request. The
// machine never performs these itself — Dispatch returns them, pgctl.Handle
// collects them in DrainEvents, and service.WorkerPool executes them
// outside the state machine's own
// call stack, the same Ready()/Advance() split the teacher's raft.RawNode
// uses to keep the stepper itself non-blocking.
type ActionKind int

const (
	ActionSend ActionKind = iota
	ActionPersistInfo
	ActionPersistLog
	ActionStartRecovery
	ActionStartBackfill
	ActionApplyBackfill
	ActionReleaseReservation
	ActionRequestReservation
	ActionMarkDown
	ActionLog
)

// Action is one queued side effect. Requester distinguishes the two roles
// ActionRequestReservation/ActionReleaseReservation can play: zero means
// this node is the one requesting/releasing its own local slot toward a
// remote grantor; non-zero names the peer this node is granting to (or
// releasing a grant for) as the local grantor.
type Action struct {
	Kind      ActionKind
	To        pgid.PeerID
	Msg       pb.Message
	Text      string
	Backfill  bool
	Requester pgid.PeerID
}

// PeerInfo pairs a peer's reported pg_info with whether a reply is still
// outstanding.
type PeerInfo struct {
	Info    pb.PGInfoRecord
	Replied bool
}

// Machine is one PG's peering state machine instance. It carries no
// concurrency control of its own — the owning pgctl.Handle serializes all
// Dispatch calls under the PG lock (spec.md §4.4 "Scheduling model").
type Machine struct {
	PG      pgid.PGID
	Epoch   uint64
	State   State
	Primary bool

	Up     []pgid.PeerID
	Acting []pgid.PeerID

	Log     *pglog.IndexedLog
	Info    pb.PGInfoRecord
	Missing *missing.Set

	PriorSet priorset.Set

	// PeerInfos accumulates MNotify/MInfo replies while probing.
	PeerInfos map[pgid.PeerID]*PeerInfo
	// AuthoritativeFrom is the peer chosen by find_best_info in GetLog.
	AuthoritativeFrom pgid.PeerID

	DirtyInfo bool
	DirtyLog  bool

	HaveUnfound bool

	// BackfillTargets holds the acting peers chosen for ranged-copy
	// backfill rather than object-by-object recovery (onAllReplicasActivated's
	// recovery-vs-backfill decision).
	BackfillTargets []pgid.PeerID

	reservingBackfill    bool
	reservedRemote       map[pgid.PeerID]struct{}
	wantRemote           int
	reservationRequester pgid.PeerID

	backfillDone map[pgid.PeerID]struct{}
	backfillers  map[pgid.PeerID]*recovery.Backfiller
	pendingScan  map[pgid.PeerID]recovery.BackfillInterval

	// Puller holds the in-progress object-by-object recovery driver across
	// worker-pool ticks; the worker pool owns creating and clearing it.
	Puller *recovery.Puller

	selfID pgid.PeerID

	actions []Action
}

func New(pg pgid.PGID, initial pb.PGInfoRecord) *Machine {
	return &Machine{
		PG:        pg,
		State:     Initial,
		Log:       pglog.New(initial.LogTail),
		Info:      initial,
		Missing:   missing.New(),
		PeerInfos: make(map[pgid.PeerID]*PeerInfo),
	}
}

func (m *Machine) emit(a Action) { m.actions = append(m.actions, a) }

func (m *Machine) transition(to State) {
	logging.Debug("peering transition").
		Str("pg", m.PG.String()).
		Str("from", m.State.String()).
		Str("to", to.String()).
		Record()
	m.State = to
}

// Dispatch runs one event through the machine to quiescence and returns
// the accumulated actions. It never blocks: substates that are waiting on
// peers simply return with an empty or partial action list, and re-enter
// on the next relevant event (spec.md §4.4 "Suspension").
func (m *Machine) Dispatch(ev Event) ([]Action, error) {
	m.actions = nil
	if err := m.step(m.State, ev); err != nil {
		return m.actions, err
	}
	return m.actions, nil
}

// step dispatches ev against s, falling through to the parent state's
// handler when s has none of its own for this event kind (spec.md §9
// "child states inherit parent reactions").
func (m *Machine) step(s State, ev Event) error {
	handled, err := m.handle(s, ev)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}
	if p, ok := parent(s); ok {
		return m.step(p, ev)
	}
	// Unhandled event at the root: spec.md §4.4 "Crashed (terminal on
	// unexpected event)".
	if s != Crashed {
		return m.crash(fmt.Errorf("peering: unhandled event %s in state %s", ev.Kind, s))
	}
	return nil
}

func (m *Machine) crash(cause error) error {
	if isHoldingReservation(m.State) {
		m.releaseReservations()
	}
	m.transition(Crashed)
	m.emit(Action{Kind: ActionLog, Text: cause.Error()})
	return cause
}

// releaseReservations tears down whatever reservation state this machine
// currently holds: its own local slot (always), plus, for a primary that
// had already been granted remote slots, a release message to each grantor
// (spec.md §8.6 "for every granted reservation, exactly one release
// message is sent"). On a replica this also balances the Grant it made to
// reservationRequester when it first agreed to hold the slot.
func (m *Machine) releaseReservations() {
	m.emit(Action{Kind: ActionReleaseReservation, Requester: m.reservationRequester})

	kind := pb.MsgRecoveryReserveRelease
	if m.reservingBackfill {
		kind = pb.MsgBackfillReserveRelease
	}
	for p := range m.reservedRemote {
		m.emit(Action{Kind: ActionSend, To: p, Msg: pb.Message{
			Kind: kind, From: m.selfID, To: p, PG: m.PG, Epoch: m.Epoch,
		}})
	}
	m.reservedRemote = nil
	m.reservationRequester = 0
	m.backfillDone = nil
	m.backfillers = nil
	m.pendingScan = nil
}

// handle is the per-(state,event) transition table. It returns handled ==
// false when s does not react to ev, so step() can fall through to the
// parent.
func (m *Machine) handle(s State, ev Event) (bool, error) {
	// AdvanceMap is handled uniformly at (almost) every level: any state
	// reacts if the new map changes who is acting or up (spec.md §4.4
	// "AdvanceMap in any state").
	if ev.Kind == EvAdvanceMap && s != Crashed {
		return true, m.onAdvanceMap(ev)
	}

	switch s {
	case Initial:
		switch ev.Kind {
		case EvInitialize, EvLoad:
			m.transition(Reset)
			return true, nil
		}
	case Reset:
		// Reset -> Started happens as part of onAdvanceMap (handled above)
		// once acting/up are known; a bare entry with no map yet just waits.
	case Started:
		// no event reacts purely at Started; Start below owns the role
		// decision.
	case Start:
		switch ev.Kind {
		case EvActMap:
			return true, m.decideRole()
		}
	case PrimaryPeering:
		// Fallthrough container only; leaf substates below own events.
	case GetInfo:
		switch ev.Kind {
		case EvMNotify:
			return true, m.onNotify(ev)
		case EvGotInfo:
			m.transition(GetLog)
			return true, m.startGetLog()
		}
	case GetLog:
		switch ev.Kind {
		case EvMLog:
			return true, m.onLog(ev)
		case EvGotLog:
			m.transition(GetMissing)
			return true, m.startGetMissing()
		}
	case GetMissing:
		switch ev.Kind {
		case EvMInfo:
			return true, m.onPeerMissingInfo(ev)
		case EvNeedUpThru:
			m.transition(WaitUpThru)
			return true, nil
		case EvCheckRepops:
			m.transition(WaitFlushedPeering)
			return true, nil
		}
	case Incomplete:
		switch ev.Kind {
		case EvIsIncomplete:
			return true, nil
		}
	case WaitUpThru:
		switch ev.Kind {
		case EvCheckRepops:
			m.transition(WaitFlushedPeering)
			return true, nil
		}
	case WaitFlushedPeering:
		switch ev.Kind {
		case EvFlushedEvt:
			m.transition(Activating)
			return true, m.startActivating()
		}
	case Activating:
		switch ev.Kind {
		case EvMInfo:
			return true, m.onReplicaActivated(ev)
		case EvAllReplicasActivated:
			return true, m.onAllReplicasActivated()
		}
	case WaitLocalBackfillReserved:
		switch ev.Kind {
		case EvLocalBackfillReserved:
			return true, m.sendBackfillReserveRequests()
		case EvActMap:
			return true, m.startBackfillReservation()
		}
	case WaitRemoteBackfillReserved:
		switch ev.Kind {
		case EvRemoteBackfillReserved:
			m.reservedRemote[ev.From] = struct{}{}
			if len(m.reservedRemote) >= m.wantRemote {
				return true, m.enterBackfilling()
			}
			return true, nil
		case EvRemoteReservationRejected:
			m.releaseReservations()
			m.transition(NotBackfilling)
			return true, nil
		}
	case WaitLocalRecoveryReserved:
		switch ev.Kind {
		case EvLocalRecoveryReserved:
			return true, m.sendRecoveryReserveRequests()
		case EvActMap:
			return true, m.startRecoveryReservation()
		}
	case WaitRemoteRecoveryReserved:
		switch ev.Kind {
		case EvRemoteRecoveryReserved:
			m.reservedRemote[ev.From] = struct{}{}
			if len(m.reservedRemote) >= m.wantRemote {
				m.transition(Recovering)
				m.emit(Action{Kind: ActionStartRecovery})
				return true, nil
			}
			return true, nil
		case EvRemoteReservationRejected:
			m.releaseReservations()
			m.transition(NotBackfilling)
			return true, nil
		}
	case Recovering:
		switch ev.Kind {
		case EvAllReplicasRecovered:
			m.releaseReservations()
			m.transition(Recovered)
			return true, m.maybeGoClean()
		case EvRemoteReservationRejected:
			m.releaseReservations()
			m.transition(NotBackfilling)
			return true, nil
		}
	case Backfilling:
		switch ev.Kind {
		case EvBackfilled:
			m.releaseReservations()
			m.transition(Recovered)
			return true, m.maybeGoClean()
		case EvRemoteReservationRejected:
			m.releaseReservations()
			m.transition(NotBackfilling)
			return true, nil
		case EvMBackfill:
			if ev.Backfill.Reply {
				return true, m.onBackfillReply(ev)
			}
		}
	case NotBackfilling:
		switch ev.Kind {
		case EvActMap:
			return true, m.onAllReplicasActivated()
		}
	case Recovered:
		switch ev.Kind {
		case EvGoClean:
			m.transition(Clean)
			return true, nil
		}
	case Clean:
		// steady state; only AdvanceMap (handled above) moves it.
	case WaitActingChange:
		switch ev.Kind {
		case EvNeedActingChange:
			m.transition(Reset)
			return true, nil
		}
	case Stray:
		// leaf; EvMQuery is answered generically below regardless of state.
	case ReplicaActive:
		// container; leaves below.
	case RepNotRecovering:
		switch ev.Kind {
		case EvRequestBackfill:
			m.transition(RepWaitBackfillReserved)
			m.reservationRequester = ev.From
			m.emit(Action{Kind: ActionRequestReservation, Requester: ev.From, Backfill: true})
			return true, nil
		case EvRequestRecovery:
			m.transition(RepWaitRecoveryReserved)
			m.reservationRequester = ev.From
			m.emit(Action{Kind: ActionRequestReservation, Requester: ev.From, Backfill: false})
			return true, nil
		}
	case RepWaitBackfillReserved:
		switch ev.Kind {
		case EvLocalBackfillReserved:
			m.transition(RepRecovering)
			return true, nil
		case EvReservationDenied:
			m.transition(RepNotRecovering)
			m.reservationRequester = 0
			return true, nil
		}
	case RepWaitRecoveryReserved:
		switch ev.Kind {
		case EvLocalRecoveryReserved:
			m.transition(RepRecovering)
			return true, nil
		case EvReservationDenied:
			m.transition(RepNotRecovering)
			m.reservationRequester = 0
			return true, nil
		}
	case RepRecovering:
		switch ev.Kind {
		case EvReservationReleased:
			m.releaseReservations()
			m.transition(RepNotRecovering)
			return true, nil
		}
	case Crashed:
		// terminal; nothing reacts.
	}
	switch ev.Kind {
	case EvQueryState:
		return true, nil
	case EvMQuery:
		return true, m.onQuery(ev)
	case EvMInfo:
		return true, m.onActivationNotice(ev)
	case EvMScan:
		return true, m.onScanQuery(ev)
	case EvMBackfill:
		if !ev.Backfill.Reply {
			return true, m.applyBackfillPush(ev)
		}
		return true, nil
	}
	return false, nil
}

