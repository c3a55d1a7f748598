package peering

import (
	"sort"

	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/pglog"
	"github.com/coldshard/pgcore/pgid"
	"github.com/coldshard/pgcore/recovery"
)

const (
	backfillChunkSize      = 512
	backfillReplyChunkSize = 512
)

// logLister adapts an IndexedLog's contents to recovery.Lister, so the
// backfill driver below can chunk-scan a PG's own log-derived namespace
// the same way it would chunk-scan a real object-store cursor.
type logLister struct {
	log *pglog.IndexedLog
}

// ListRange satisfies recovery.Lister: begin is inclusive, end exclusive.
func (l *logLister) ListRange(begin, end pgid.OID, max int) (map[pgid.OID]pgid.Eversion, pgid.OID, bool) {
	byOID := make(map[pgid.OID]pgid.Eversion)
	for _, e := range l.log.Entries() {
		if e.OID.Less(begin) || !e.OID.Less(end) {
			continue
		}
		if v, ok := byOID[e.OID]; !ok || v.Less(e.Version) {
			byOID[e.OID] = e.Version
		}
	}

	oids := make([]pgid.OID, 0, len(byOID))
	for o := range byOID {
		oids = append(oids, o)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i].Less(oids[j]) })

	if max <= 0 || len(oids) <= max {
		return byOID, end, true
	}
	trimmed := make(map[pgid.OID]pgid.Eversion, max)
	for _, o := range oids[:max] {
		trimmed[o] = byOID[o]
	}
	return trimmed, oids[max-1], false
}

// enterBackfilling starts one recovery.Backfiller per target now that every
// remote slot has been granted, and kicks off the first scan of each.
func (m *Machine) enterBackfilling() error {
	m.transition(Backfilling)
	m.backfillDone = make(map[pgid.PeerID]struct{})
	m.backfillers = make(map[pgid.PeerID]*recovery.Backfiller)
	m.pendingScan = make(map[pgid.PeerID]recovery.BackfillInterval)
	for _, p := range m.BackfillTargets {
		m.backfillers[p] = recovery.NewBackfiller(m.PG, &logLister{log: m.Log}, backfillChunkSize)
		m.sendNextScan(p)
	}
	m.emit(Action{Kind: ActionStartBackfill})
	return nil
}

func (m *Machine) sendNextScan(target pgid.PeerID) {
	bf := m.backfillers[target]
	interval, ok := bf.Scan()
	if !ok {
		m.markBackfillTargetDone(target)
		return
	}
	m.pendingScan[target] = interval
	m.emit(Action{Kind: ActionSend, To: target, Msg: pb.Message{
		Kind: pb.MsgScan, From: m.selfID, To: target, PG: m.PG, Epoch: m.Epoch,
		Scan: &pb.ScanPayload{Begin: interval.Begin, End: interval.End},
	}})
}

// onScanQuery answers a MsgScan against this node's own log-derived
// inventory, replying in kind over MsgBackfill with Reply set.
func (m *Machine) onScanQuery(ev Event) error {
	items, lastOID, reachedEnd := (&logLister{log: m.Log}).ListRange(ev.Scan.Begin, ev.Scan.End, backfillReplyChunkSize)
	end := ev.Scan.End
	if !reachedEnd {
		// End is exclusive: the smallest oid after lastOID.
		end = pgid.OID(string(lastOID) + "\x00")
	}
	m.emit(Action{Kind: ActionSend, To: ev.From, Msg: pb.Message{
		Kind: pb.MsgBackfill, From: m.selfID, To: ev.From, PG: m.PG, Epoch: m.Epoch,
		Backfill: &pb.BackfillPayload{Begin: ev.Scan.Begin, End: end, ExtendsToEnd: reachedEnd, Objects: items, Reply: true},
	}})
	return nil
}

// onBackfillReply diffs a target's reported inventory for the pending scan
// range against this node's own authoritative inventory for that same
// range, then sends the push/remove instruction it computes. If this
// node's own pending scan interval reached the end of the namespace, the
// target is marked done; otherwise the next chunk is scanned immediately.
// The target's ExtendsToEnd flag in the reply is not consulted.
func (m *Machine) onBackfillReply(ev Event) error {
	pending, ok := m.pendingScan[ev.From]
	if !ok {
		return nil
	}
	needPush, needRemove := recovery.Diff(ev.Backfill.Objects, pending.Objects)
	pushObjects := make(map[pgid.OID]pgid.Eversion, len(needPush))
	for _, oid := range needPush {
		pushObjects[oid] = pending.Objects[oid]
	}
	delete(m.pendingScan, ev.From)

	m.emit(Action{Kind: ActionSend, To: ev.From, Msg: pb.Message{
		Kind: pb.MsgBackfill, From: m.selfID, To: ev.From, PG: m.PG, Epoch: m.Epoch,
		Backfill: &pb.BackfillPayload{Begin: pending.Begin, End: pending.End, Objects: pushObjects, Remove: needRemove},
	}})

	if pending.ExtendsToEnd {
		m.markBackfillTargetDone(ev.From)
	} else {
		m.sendNextScan(ev.From)
	}

	if m.allBackfillTargetsDone() {
		m.releaseReservations()
		m.transition(Recovered)
		return m.maybeGoClean()
	}
	return nil
}

func (m *Machine) markBackfillTargetDone(p pgid.PeerID) {
	if m.backfillDone == nil {
		m.backfillDone = make(map[pgid.PeerID]struct{})
	}
	m.backfillDone[p] = struct{}{}
}

func (m *Machine) allBackfillTargetsDone() bool {
	if len(m.BackfillTargets) == 0 {
		return false
	}
	for _, p := range m.BackfillTargets {
		if _, ok := m.backfillDone[p]; !ok {
			return false
		}
	}
	return true
}

// applyBackfillPush handles the receiving side of a push/remove
// instruction: it clears the pushed oids from the local missing set (a
// backfilled object is by definition no longer missing) and asks the
// worker pool to write the actual bytes/removals through the object
// store, which sits outside the peering machine's own state.
func (m *Machine) applyBackfillPush(ev Event) error {
	for oid, v := range ev.Backfill.Objects {
		m.Missing.Got(oid, v)
	}
	bp := ev.Backfill
	m.emit(Action{Kind: ActionApplyBackfill, Msg: pb.Message{Backfill: &bp}})
	m.DirtyInfo = true
	return nil
}
