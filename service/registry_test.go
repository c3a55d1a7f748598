package service

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/coldshard/pgcore/clustermap"
	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/peering"
	"github.com/coldshard/pgcore/pgid"
	"github.com/coldshard/pgcore/store"
)

// memSender relays ActionSend messages between a fixed set of in-process
// registries by peer id, standing in for a real transport.Transport so
// multi-node peering rounds can be driven deterministically in tests
// without sockets (transport.Transport.attach matches inbound connections
// by host only, which is ambiguous for same-host multi-node tests).
type memSender struct {
	regs map[pgid.PeerID]*Registry
}

func (s *memSender) Send(m pb.Message) {
	if r, ok := s.regs[m.To]; ok {
		r.Deliver(m)
	}
}

// waitForState polls h until it reaches want or the deadline expires.
func waitForState(t *testing.T, h interface {
	Lock()
	Unlock()
	State() peering.State
}, want peering.State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		h.Lock()
		state := h.State()
		h.Unlock()
		if state == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %s, want %s within the deadline", state, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func ev(epoch, seq uint64) pgid.Eversion { return pgid.Eversion{Epoch: epoch, Seq: seq} }

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pg.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegistryNewIsIdempotentPerPG(t *testing.T) {
	reg := NewRegistry(1, openTestStore(t), nil, nil)
	pg := pgid.PGID{Pool: 1, Seed: 1}

	h1 := reg.New(pg, pb.PGInfoRecord{})
	h2 := reg.New(pg, pb.PGInfoRecord{})
	if h1 != h2 {
		t.Fatal("expected New to return the same handle for a pg already registered")
	}
}

func TestWorkerPoolDrainsQueuedAdvanceMap(t *testing.T) {
	reg := NewRegistry(1, openTestStore(t), nil, nil)
	pg := pgid.PGID{Pool: 1, Seed: 2}
	reg.New(pg, pb.PGInfoRecord{})

	pool := NewWorkerPool(reg, 2)
	pool.Start()
	defer pool.Stop()

	reg.QueueEvent(pg, peering.Event{Kind: peering.EvAdvanceMap, Map: peering.MapUpdate{
		NewEpoch: 3, NewUp: []pgid.PeerID{1}, NewActing: []pgid.PeerID{1},
	}})

	deadline := time.After(2 * time.Second)
	for {
		h, ok := reg.lookup(pg)
		if !ok {
			t.Fatal("pg disappeared from registry")
		}
		h.Lock()
		state := h.State()
		h.Unlock()
		if state == peering.WaitFlushedPeering {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("state = %s, want WaitFlushedPeering within the deadline", state)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDeliverTranslatesMessageIntoQueuedEvent(t *testing.T) {
	reg := NewRegistry(1, openTestStore(t), nil, nil)
	pg := pgid.PGID{Pool: 1, Seed: 3}
	reg.New(pg, pb.PGInfoRecord{})

	reg.Deliver(pb.Message{Kind: pb.MsgQuery, From: 2, PG: pg, Query: &pb.QueryPayload{What: pb.QueryInfo}})

	select {
	case qe := <-reg.events:
		if qe.pg != pg || qe.ev.Kind != peering.EvMQuery || qe.ev.From != 2 {
			t.Fatalf("unexpected queued event: %+v", qe)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Deliver to enqueue an event")
	}
}

func TestDumpRecoveryInfoReportsEveryHostedPG(t *testing.T) {
	reg := NewRegistry(1, openTestStore(t), nil, nil)
	reg.New(pgid.PGID{Pool: 1, Seed: 1}, pb.PGInfoRecord{})
	reg.New(pgid.PGID{Pool: 1, Seed: 2}, pb.PGInfoRecord{})

	lines := reg.DumpRecoveryInfo(func(r RecoveryInfo) string { return r.PG.String() })
	if len(lines) != 2 {
		t.Fatalf("DumpRecoveryInfo returned %d lines, want 2", len(lines))
	}
}

// TestScenarioS1CleanRestartReachesClean drives spec.md §8 scenario S1
// end-to-end across three real Registry/WorkerPool instances wired
// together by an in-memory sender: every replica already agrees, so
// peering should walk GetInfo -> GetLog -> GetMissing -> Activating ->
// Clean without ever needing recovery or backfill.
func TestScenarioS1CleanRestartReachesClean(t *testing.T) {
	pg := pgid.PGID{Pool: 1, Seed: 0x51}
	info := pb.PGInfoRecord{LastUpdate: ev(5, 100), LastComplete: ev(5, 100), LogTail: ev(5, 100)}

	cluster := clustermap.NewService(&clustermap.Snapshot{Epoch: 5})
	sender := &memSender{regs: make(map[pgid.PeerID]*Registry)}

	reg1 := NewRegistry(1, openTestStore(t), sender, cluster)
	reg2 := NewRegistry(2, openTestStore(t), sender, cluster)
	reg3 := NewRegistry(3, openTestStore(t), sender, cluster)
	sender.regs[1], sender.regs[2], sender.regs[3] = reg1, reg2, reg3

	h1 := reg1.New(pg, info)
	reg2.New(pg, info)
	reg3.New(pg, info)

	for _, reg := range []*Registry{reg1, reg2, reg3} {
		pool := NewWorkerPool(reg, 2)
		pool.Start()
		t.Cleanup(pool.Stop)
	}

	cluster.Publish(&clustermap.Snapshot{
		Epoch:  6,
		Up:     map[pgid.PeerID]struct{}{1: {}, 2: {}, 3: {}},
		Acting: map[pgid.PGID][]pgid.PeerID{pg: {1, 2, 3}},
	})

	waitForState(t, h1, peering.WaitFlushedPeering)
	reg1.QueueEvent(pg, peering.Event{Kind: peering.EvFlushedEvt})

	waitForState(t, h1, peering.Clean)

	h1.Lock()
	m := h1.Machine()
	if !m.Primary {
		t.Fatal("node 1 should have won the primary role (lowest acting id)")
	}
	if m.Missing.Len() != 0 {
		t.Fatalf("Missing.Len() = %d, want 0", m.Missing.Len())
	}
	h1.Unlock()

	if n := reg1.Reservations.Outstanding(); n != 0 {
		t.Fatalf("Reservations.Outstanding() = %d, want 0 (nothing was ever reserved)", n)
	}
}

// TestScenarioS3DivergentTailMarksUnfoundAndBlocksClean drives spec.md §8
// scenario S3: the primary's raw log ran one write ahead of what it ever
// reported as last_update, and a replica turns out to be more
// authoritative. Merging rewinds the primary's phantom entry away; since
// nothing else in the merged log carries that object, it resolves as
// unfound rather than recoverable, which must block Clean.
func TestScenarioS3DivergentTailMarksUnfoundAndBlocksClean(t *testing.T) {
	pg := pgid.PGID{Pool: 1, Seed: 0x53}

	info1 := pb.PGInfoRecord{LastUpdate: ev(5, 100), LastComplete: ev(5, 100), LogTail: ev(5, 50)}
	info2 := pb.PGInfoRecord{LastUpdate: ev(5, 120), LastComplete: ev(5, 120), LogTail: ev(5, 50)}

	cluster := clustermap.NewService(&clustermap.Snapshot{Epoch: 5})
	sender := &memSender{regs: make(map[pgid.PeerID]*Registry)}

	reg1 := NewRegistry(1, openTestStore(t), sender, cluster)
	reg2 := NewRegistry(2, openTestStore(t), sender, cluster)
	sender.regs[1], sender.regs[2] = reg1, reg2

	h1 := reg1.New(pg, info1)
	h2 := reg2.New(pg, info2)

	// Node 1's raw log ran one write ("B") ahead of what its own info
	// record ever acknowledged as durable.
	h1.Lock()
	if err := h1.Machine().Log.Append(pb.LogEntry{Version: ev(5, 150), PriorVersion: ev(5, 40), OID: "B", ReqID: "r2", Kind: pb.EntryUpdate}); err != nil {
		t.Fatal(err)
	}
	h1.Unlock()

	// Node 2 independently committed a different write ("A") that node 1
	// never saw.
	h2.Lock()
	if err := h2.Machine().Log.Append(pb.LogEntry{Version: ev(5, 120), OID: "A", ReqID: "r1", Kind: pb.EntryUpdate}); err != nil {
		t.Fatal(err)
	}
	h2.Unlock()

	for _, reg := range []*Registry{reg1, reg2} {
		pool := NewWorkerPool(reg, 2)
		pool.Start()
		t.Cleanup(pool.Stop)
	}

	cluster.Publish(&clustermap.Snapshot{
		Epoch:  6,
		Up:     map[pgid.PeerID]struct{}{1: {}, 2: {}},
		Acting: map[pgid.PGID][]pgid.PeerID{pg: {1, 2}},
	})

	waitForState(t, h1, peering.WaitFlushedPeering)
	reg1.QueueEvent(pg, peering.Event{Kind: peering.EvFlushedEvt})

	waitForState(t, h1, peering.Recovered)

	h1.Lock()
	m := h1.Machine()
	if !m.HaveUnfound {
		t.Fatal("expected HaveUnfound after the divergent write resolved with no surviving copy")
	}
	if got, want := m.Log.Head(), ev(5, 120); got != want {
		t.Fatalf("Log.Head() = %s, want %s (authoritative suffix appended)", got, want)
	}
	if oid, ok := m.Log.DivergentPriors[ev(5, 40)]; !ok || oid != "B" {
		t.Fatalf("DivergentPriors[5,40] = (%s,%v), want (B,true)", oid, ok)
	}
	if got, want := m.Info.LastUpdate, ev(5, 120); got != want {
		t.Fatalf("Info.LastUpdate = %s, want %s", got, want)
	}
	h1.Unlock()

	// maybeGoClean refuses to advance past Recovered while HaveUnfound is
	// set, so the PG must not have slipped into Clean on its own.
	h1.Lock()
	state := h1.State()
	h1.Unlock()
	if state == peering.Clean {
		t.Fatal("PG reached Clean despite an unresolved unfound object")
	}
}

// TestScenarioS4UnfoundObjectHasNoLocation drives spec.md §8 scenario S4:
// an object the primary already knows it is missing, but that no acting
// peer's last_complete covers, must show up as unfound rather than
// silently acquiring a bogus source.
func TestScenarioS4UnfoundObjectHasNoLocation(t *testing.T) {
	pg := pgid.PGID{Pool: 1, Seed: 0x54}
	info := pb.PGInfoRecord{LastUpdate: ev(5, 100), LastComplete: ev(5, 80), LogTail: ev(5, 100)}

	cluster := clustermap.NewService(&clustermap.Snapshot{Epoch: 5})
	sender := &memSender{regs: make(map[pgid.PeerID]*Registry)}

	reg1 := NewRegistry(1, openTestStore(t), sender, cluster)
	reg2 := NewRegistry(2, openTestStore(t), sender, cluster)
	sender.regs[1], sender.regs[2] = reg1, reg2

	h1 := reg1.New(pg, info)
	reg2.New(pg, info)

	h1.Lock()
	h1.Machine().Missing.AddNextEvent("X", ev(5, 90), pgid.Zero)
	h1.Unlock()

	for _, reg := range []*Registry{reg1, reg2} {
		pool := NewWorkerPool(reg, 2)
		pool.Start()
		t.Cleanup(pool.Stop)
	}

	cluster.Publish(&clustermap.Snapshot{
		Epoch:  7,
		Up:     map[pgid.PeerID]struct{}{1: {}, 2: {}},
		Acting: map[pgid.PGID][]pgid.PeerID{pg: {1, 2}},
	})

	waitForState(t, h1, peering.WaitFlushedPeering)

	h1.Lock()
	m := h1.Machine()
	if m.Missing.Len() != 1 {
		t.Fatalf("Missing.Len() = %d, want 1", m.Missing.Len())
	}
	if n := m.Missing.NumUnfound(); n != 1 {
		t.Fatalf("Missing.NumUnfound() = %d, want 1 (no acting peer's last_complete covers X)", n)
	}
	if locs := m.Missing.Locations("X"); len(locs) != 0 {
		t.Fatalf("Missing.Locations(X) = %v, want none", locs)
	}
	h1.Unlock()
}

// TestScenarioS5BackfillReservationRejectedFallsBackToNotBackfilling
// drives spec.md §8 scenario S5: a backfill target that cannot grant a
// local reservation slot rejects it, and the primary must release its own
// slot and fall back to NotBackfilling rather than getting stuck.
func TestScenarioS5BackfillReservationRejectedFallsBackToNotBackfilling(t *testing.T) {
	pg := pgid.PGID{Pool: 1, Seed: 0x55}
	otherPG := pgid.PGID{Pool: 1, Seed: 0xff}

	info1 := pb.PGInfoRecord{LastUpdate: ev(6, 10), LastComplete: ev(6, 10), LogTail: ev(6, 0)}
	info2 := pb.PGInfoRecord{LastUpdate: ev(6, 10), LastComplete: ev(6, 10), LogTail: ev(6, 0)}
	info3 := pb.PGInfoRecord{LastUpdate: ev(5, 5), LastComplete: ev(5, 5), LogTail: ev(5, 0)}

	cluster := clustermap.NewService(&clustermap.Snapshot{Epoch: 6})
	sender := &memSender{regs: make(map[pgid.PeerID]*Registry)}

	reg1 := NewRegistry(1, openTestStore(t), sender, cluster)
	reg2 := NewRegistry(2, openTestStore(t), sender, cluster)
	reg3 := NewRegistry(3, openTestStore(t), sender, cluster)
	sender.regs[1], sender.regs[2], sender.regs[3] = reg1, reg2, reg3

	h1 := reg1.New(pg, info1)
	reg2.New(pg, info2)
	reg3.New(pg, info3)

	h1.Lock()
	if err := h1.Machine().Log.Append(pb.LogEntry{Version: ev(6, 10), OID: "A", ReqID: "r1", Kind: pb.EntryUpdate}); err != nil {
		t.Fatal(err)
	}
	h1.Unlock()

	// Node 3's sole local reservation slot is already held by an unrelated
	// PG, so the backfill reservation request it receives must be rejected.
	reg3.New(otherPG, pb.PGInfoRecord{})
	if !reg3.Reservations.TryAcquireLocal(otherPG) {
		t.Fatal("expected to acquire node 3's local slot for the unrelated pg")
	}

	for _, reg := range []*Registry{reg1, reg2, reg3} {
		pool := NewWorkerPool(reg, 2)
		pool.Start()
		t.Cleanup(pool.Stop)
	}

	cluster.Publish(&clustermap.Snapshot{
		Epoch:  7,
		Up:     map[pgid.PeerID]struct{}{1: {}, 2: {}, 3: {}},
		Acting: map[pgid.PGID][]pgid.PeerID{pg: {1, 2, 3}},
	})

	waitForState(t, h1, peering.WaitFlushedPeering)
	reg1.QueueEvent(pg, peering.Event{Kind: peering.EvFlushedEvt})

	waitForState(t, h1, peering.NotBackfilling)

	// The primary's own local reservation slot must have been released on
	// the rejection, leaving it acquirable again.
	if !reg1.Reservations.TryAcquireLocal(pg) {
		t.Fatal("expected node 1's local reservation slot to be free again after the reject")
	}
	if n := reg1.Reservations.Outstanding(); n != 0 {
		t.Fatalf("Reservations.Outstanding() = %d, want 0 (rejected grant should never have been counted)", n)
	}
}
