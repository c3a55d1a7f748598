package clustermap

import (
	"testing"

	"github.com/coldshard/pgcore/pgid"
)

func TestPublishUpdatesCurrentAndNotifiesSubscribers(t *testing.T) {
	svc := NewService(&Snapshot{Epoch: 1})
	var seen []uint64
	svc.Subscribe(func(s *Snapshot) { seen = append(seen, s.Epoch) })

	svc.Publish(&Snapshot{Epoch: 2, Up: map[pgid.PeerID]struct{}{1: {}}})

	if svc.CurrentEpoch() != 2 {
		t.Fatalf("CurrentEpoch = %d, want 2", svc.CurrentEpoch())
	}
	if len(seen) != 1 || seen[0] != 2 {
		t.Fatalf("subscriber saw %+v, want [2]", seen)
	}
	if snap, ok := svc.GetMap(1); !ok || snap.Epoch != 1 {
		t.Fatal("GetMap should still return the earlier epoch")
	}
}

func TestSnapshotIsUpAndLostAtEpoch(t *testing.T) {
	s := &Snapshot{Up: map[pgid.PeerID]struct{}{1: {}}, LostAt: map[pgid.PeerID]uint64{2: 5}}
	if !s.IsUp(1) {
		t.Fatal("peer 1 should be up")
	}
	if s.IsUp(2) {
		t.Fatal("peer 2 should not be up")
	}
	if s.LostAtEpoch(2) != 5 {
		t.Fatalf("LostAtEpoch(2) = %d, want 5", s.LostAtEpoch(2))
	}
}
