// Package service wires the peering state machine, the recovery
// orchestrator, the object store, the messenger, and the cluster-map
// service into the operations spec.md §6 exposes to callers: pg.new,
// pg.queue_event, pg.do_request, pg.write_if_dirty, pg.dump_recovery_info.
// Grounded on the teacher's app/app_node.go (StartAppNode) and
// app/kvservice.go: one node-wide registry owning every group's control
// block, a worker pool draining queued events, and a transport dispatcher
// feeding inbound messages back in as events — the same shape as an
// AppNode owning one raft group, generalized to many PGs.
package service

import (
	"fmt"
	"sync"

	"github.com/coldshard/pgcore/clustermap"
	"github.com/coldshard/pgcore/logging"
	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/peering"
	"github.com/coldshard/pgcore/pgctl"
	"github.com/coldshard/pgcore/pgid"
	"github.com/coldshard/pgcore/pglog"
	"github.com/coldshard/pgcore/recovery"
	"github.com/coldshard/pgcore/store"
)

// Sender is the wire-send half of transport.Transport (which satisfies it
// directly). Kept as an interface rather than a concrete *transport.Transport
// so tests can wire multiple registries together with an in-memory sender
// instead of real sockets.
type Sender interface {
	Send(m pb.Message)
}

// Registry owns every PG this node hosts a replica of.
type Registry struct {
	LocalID pgid.PeerID

	Store        store.Store
	Transport    Sender
	Cluster      *clustermap.Service
	Reservations *recovery.Reservations
	LogStore     *pglog.FileStore

	mu  sync.RWMutex
	pgs map[pgid.PGID]*pgctl.Handle

	events chan queuedEvent
}

type queuedEvent struct {
	pg pgid.PGID
	ev peering.Event
}

// NewRegistry builds a registry bound to the given node identity and
// collaborators, and subscribes it to cluster-map updates so every hosted
// PG's peering machine is advanced whenever the map changes (spec.md §6
// "pg.handle_advance_map is invoked for every PG whose acting or up set
// changed").
func NewRegistry(localID pgid.PeerID, st store.Store, tr Sender, cluster *clustermap.Service) *Registry {
	r := &Registry{
		LocalID:      localID,
		Store:        st,
		Transport:    tr,
		Cluster:      cluster,
		Reservations: recovery.NewReservations(1),
		pgs:          make(map[pgid.PGID]*pgctl.Handle),
		events:       make(chan queuedEvent, 4096),
	}
	if cluster != nil {
		cluster.Subscribe(r.onMapChange)
	}
	return r
}

// New creates (or returns the existing) control block for pg, seeded with
// initial's persisted info record (spec.md §6 pg.new).
func (r *Registry) New(pg pgid.PGID, initial pb.PGInfoRecord) *pgctl.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.pgs[pg]; ok {
		return h
	}
	h := pgctl.New(pg, initial)
	h.SetLocalID(r.LocalID)
	r.pgs[pg] = h
	return h
}

func (r *Registry) lookup(pg pgid.PGID) (*pgctl.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.pgs[pg]
	return h, ok
}

// Remove drops pg from the registry once its final reference is released
// (spec.md §4.7 refcount reaching zero after MarkDeleting).
func (r *Registry) Remove(pg pgid.PGID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pgs, pg)
}

// QueueEvent enqueues ev for pg's worker to process (spec.md §6
// pg.queue_event). Safe to call from any goroutine, including the
// transport's reader goroutines and clustermap's Publish callback.
func (r *Registry) QueueEvent(pg pgid.PGID, ev peering.Event) {
	select {
	case r.events <- queuedEvent{pg: pg, ev: ev}:
	default:
		logging.Warn("service event queue full, dropping event").
			Str("pg", pg.String()).
			Str("event", ev.Kind.String()).
			Record()
	}
}

// onMapChange is the clustermap.Callback: for every PG this node hosts, it
// routes the new membership through HandleAdvanceMap so the prior set is
// rebuilt (priorset.Build) before the AdvanceMap event reaches the peering
// machine (spec.md §4.3/§4.4: GetInfo probes exactly the prior set's
// members, so the prior set must exist before AdvanceMap is dispatched).
// *clustermap.Snapshot already satisfies priorset.Liveness directly.
func (r *Registry) onMapChange(snap *clustermap.Snapshot) {
	r.mu.RLock()
	pgs := make([]pgid.PGID, 0, len(r.pgs))
	for pg := range r.pgs {
		pgs = append(pgs, pg)
	}
	r.mu.RUnlock()

	var up []pgid.PeerID
	for p := range snap.Up {
		up = append(up, p)
	}

	for _, pg := range pgs {
		h, ok := r.lookup(pg)
		if !ok {
			continue
		}
		acting := snap.Acting[pg]
		h.Lock()
		h.HandleAdvanceMap(snap.Epoch, up, acting, snap)
		h.Unlock()
		r.wake(pg)
	}
}

// wake nudges the worker pool to drain pg's already-queued events. It
// posts a QueryState event, which every state reacts to as a no-op, purely
// to route pg through the shared events channel.
func (r *Registry) wake(pg pgid.PGID) {
	select {
	case r.events <- queuedEvent{pg: pg, ev: peering.Event{Kind: peering.EvQueryState}}:
	default:
		logging.Warn("service event queue full, dropping wake").Str("pg", pg.String()).Record()
	}
}

// Deliver implements transport.Dispatcher: inbound messenger messages are
// translated into peering events and queued against their target PG
// (spec.md §6 "the messenger hands each arriving message to the owning
// PG's queue").
func (r *Registry) Deliver(m pb.Message) {
	ev, ok := eventFromMessage(m)
	if !ok {
		logging.Warn("dropping message with no peering translation").
			Str("kind", m.Kind.String()).Record()
		return
	}
	r.QueueEvent(m.PG, ev)
}

func eventFromMessage(m pb.Message) (peering.Event, bool) {
	base := peering.Event{From: m.From, Epoch: m.Epoch}
	switch m.Kind {
	case pb.MsgQuery:
		base.Kind = peering.EvMQuery
		if m.Query != nil {
			base.Query = *m.Query
		}
	case pb.MsgNotify:
		base.Kind = peering.EvMNotify
		if m.Notify != nil {
			base.Notify = *m.Notify
		}
	case pb.MsgInfo:
		base.Kind = peering.EvMInfo
		if m.Info != nil {
			base.Info = *m.Info
		}
	case pb.MsgLog:
		base.Kind = peering.EvMLog
		if m.Log != nil {
			base.Log = *m.Log
		}
	case pb.MsgBackfillReserveGrant, pb.MsgRecoveryReserveGrant:
		base.Kind = peering.EvRemoteBackfillReserved
		if m.Kind == pb.MsgRecoveryReserveGrant {
			base.Kind = peering.EvRemoteRecoveryReserved
		}
	case pb.MsgBackfillReserveReject:
		base.Kind = peering.EvRemoteReservationRejected
	case pb.MsgBackfillReserveReq:
		base.Kind = peering.EvRequestBackfill
	case pb.MsgRecoveryReserveReq:
		base.Kind = peering.EvRequestRecovery
	case pb.MsgBackfillReserveRelease, pb.MsgRecoveryReserveRelease:
		base.Kind = peering.EvReservationReleased
	case pb.MsgScan:
		base.Kind = peering.EvMScan
		if m.Scan != nil {
			base.Scan = *m.Scan
		}
	case pb.MsgBackfill:
		base.Kind = peering.EvMBackfill
		if m.Backfill != nil {
			base.Backfill = *m.Backfill
		}
	default:
		return peering.Event{}, false
	}
	return base, true
}

// DoRequest looks up pg and, if present, applies fn to its handle under
// lock, persisting any dirty state fn's execution produced before
// returning (spec.md §6 pg.do_request: "a client operation acquires the
// PG, runs to completion, and releases").
func (r *Registry) DoRequest(pg pgid.PGID, fn func(*pgctl.Handle) error) error {
	h, ok := r.lookup(pg)
	if !ok {
		return fmt.Errorf("service: unknown pg %s", pg)
	}
	h.Lock()
	defer h.Unlock()
	if err := fn(h); err != nil {
		return err
	}
	return h.WriteIfDirty(r.persistInfo(pg), r.persistLog(pg))
}

func (r *Registry) persistInfo(pg pgid.PGID) func(pb.PGInfoRecord) error {
	return func(info pb.PGInfoRecord) error {
		data, err := info.Marshal()
		if err != nil {
			return err
		}
		txn := r.Store.BeginTxn(pg)
		if err := txn.Put(pg, pgid.OID("__pginfo__"), data); err != nil {
			return err
		}
		return r.Store.ApplyTransaction(pg, info.LastUpdate.Seq, txn, nil, nil)
	}
}

// persistLog appends newly-durable entries to the append-only log file and
// rewrites the divergent-priors side map (spec.md §4.1 "Persistence"). A
// nil LogStore (e.g. in unit tests that don't care about on-disk log
// durability) makes this a no-op rather than requiring every caller to
// wire one up.
func (r *Registry) persistLog(pg pgid.PGID) func([]pb.LogEntry, map[pgid.Eversion]pgid.OID) error {
	return func(entries []pb.LogEntry, priors map[pgid.Eversion]pgid.OID) error {
		if r.LogStore == nil {
			return nil
		}
		if len(entries) > 0 {
			if err := r.LogStore.AppendRecords(pg, entries); err != nil {
				return err
			}
		}
		return r.LogStore.SaveDivergentPriors(pg, priors)
	}
}

// RecoveryInfo is the snapshot dump_recovery_info renders (spec.md §6).
type RecoveryInfo struct {
	PG          pgid.PGID
	State       string
	NumMissing  int
	NumUnfound  int
	Primary     bool
}

// DumpRecoveryInfo formats the current recovery-relevant state of every
// hosted PG via formatter, matching spec.md §6's pg.dump_recovery_info
// contract of "produce a caller-supplied representation of live state" —
// modeled on logging.Fields' own builder-then-render idiom.
func (r *Registry) DumpRecoveryInfo(formatter func(RecoveryInfo) string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.pgs))
	for pg, h := range r.pgs {
		h.Lock()
		info := RecoveryInfo{
			PG:      pg,
			State:   h.State().String(),
			Primary: h.Machine().Primary,
		}
		if m := h.Machine(); m.Missing != nil {
			info.NumMissing = m.Missing.Len()
			info.NumUnfound = m.Missing.NumUnfound()
		}
		h.Unlock()
		out = append(out, formatter(info))
	}
	return out
}
