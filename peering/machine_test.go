package peering

import (
	"testing"

	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/pgid"
	"github.com/coldshard/pgcore/priorset"
)

func advance(t *testing.T, m *Machine, epoch uint64, up, acting []pgid.PeerID) []Action {
	t.Helper()
	m.PriorSet = priorset.Set{Probe: peerSet(acting), Down: map[pgid.PeerID]struct{}{}}
	actions, err := m.Dispatch(Event{Kind: EvAdvanceMap, Map: MapUpdate{NewEpoch: epoch, NewUp: up, NewActing: acting}})
	if err != nil {
		t.Fatalf("AdvanceMap: %v", err)
	}
	return actions
}

func peerSet(ids []pgid.PeerID) map[pgid.PeerID]struct{} {
	s := make(map[pgid.PeerID]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// TestCleanRestartLocalAuthoritativeSkipsLogFetch models S1 from spec.md §8:
// a 3-node PG where every replica already agrees, so the local log is
// authoritative and peering goes from GetInfo straight to GetMissing
// without fetching a log.
func TestCleanRestartLocalAuthoritativeSkipsLogFetch(t *testing.T) {
	m := New(pgid.PGID{Pool: 1, Seed: 0x10}, pb.PGInfoRecord{LastUpdate: pgid.Eversion{Epoch: 5, Seq: 100}, LastComplete: pgid.Eversion{Epoch: 5, Seq: 100}})
	m.SetLocalID(1)

	advance(t, m, 6, []pgid.PeerID{1, 2, 3}, []pgid.PeerID{1, 2, 3})
	if m.State != GetInfo {
		t.Fatalf("state = %s, want GetInfo", m.State)
	}

	for _, p := range []pgid.PeerID{2, 3} {
		if _, err := m.Dispatch(Event{Kind: EvMNotify, From: p, Notify: pb.NotifyPayload{
			Info: pb.PGInfoRecord{LastUpdate: pgid.Eversion{Epoch: 5, Seq: 100}, LastComplete: pgid.Eversion{Epoch: 5, Seq: 100}},
		}}); err != nil {
			t.Fatal(err)
		}
	}
	if m.State != GetMissing {
		t.Fatalf("state = %s, want GetMissing (local already authoritative)", m.State)
	}
}

func TestNonPrimaryActingMemberEntersRepNotRecovering(t *testing.T) {
	m := New(pgid.PGID{Pool: 1, Seed: 1}, pb.PGInfoRecord{})
	m.SetLocalID(2)
	advance(t, m, 1, []pgid.PeerID{1, 2}, []pgid.PeerID{1, 2})
	if m.State != RepNotRecovering {
		t.Fatalf("state = %s, want RepNotRecovering", m.State)
	}
}

func TestStrayHasNoActingSet(t *testing.T) {
	m := New(pgid.PGID{Pool: 1, Seed: 2}, pb.PGInfoRecord{})
	m.SetLocalID(9)
	advance(t, m, 1, nil, nil)
	if m.State != Stray {
		t.Fatalf("state = %s, want Stray", m.State)
	}
}

// TestMapFlapMidPeeringResetsToGetInfo models S6: a new map arrives while
// GetLog is outstanding and changes the acting set, forcing a full reset
// rather than continuing the in-flight peering round.
func TestMapFlapMidPeeringResetsToGetInfo(t *testing.T) {
	m := New(pgid.PGID{Pool: 1, Seed: 3}, pb.PGInfoRecord{LastUpdate: pgid.Eversion{Epoch: 4, Seq: 10}})
	m.SetLocalID(1)
	advance(t, m, 5, []pgid.PeerID{1, 2}, []pgid.PeerID{1, 2})
	if _, err := m.Dispatch(Event{Kind: EvMNotify, From: 2, Notify: pb.NotifyPayload{Info: pb.PGInfoRecord{LastUpdate: pgid.Eversion{Epoch: 4, Seq: 50}}}}); err != nil {
		t.Fatal(err)
	}
	if m.State != GetLog {
		t.Fatalf("state = %s, want GetLog before the flap", m.State)
	}

	advance(t, m, 6, []pgid.PeerID{1, 3}, []pgid.PeerID{1, 3})
	if m.State != GetInfo {
		t.Fatalf("state = %s, want GetInfo after acting-set change", m.State)
	}
}

func TestUnhandledEventCrashesMachine(t *testing.T) {
	m := New(pgid.PGID{Pool: 1, Seed: 4}, pb.PGInfoRecord{})
	m.SetLocalID(1)
	_, err := m.Dispatch(Event{Kind: EvBackfilled})
	if err == nil {
		t.Fatal("expected an error for an event unhandled at Initial")
	}
	if m.State != Crashed {
		t.Fatalf("state = %s, want Crashed", m.State)
	}
}
