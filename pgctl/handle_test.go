package pgctl

import (
	"testing"

	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/peering"
	"github.com/coldshard/pgcore/pgid"
	"github.com/coldshard/pgcore/priorset"
)

type fakeLive struct{ up map[pgid.PeerID]bool }

func (f fakeLive) IsUp(p pgid.PeerID) bool          { return f.up[p] }
func (f fakeLive) LostAtEpoch(pgid.PeerID) uint64 { return 0 }

func TestHandleGetPutRefcountsToDeletion(t *testing.T) {
	h := New(pgid.PGID{Pool: 1}, pb.PGInfoRecord{})
	h.Get()
	if h.Put() {
		t.Fatal("Put should not report deletion while a reference remains")
	}
	h.MarkDeleting()
	if !h.Put() {
		t.Fatal("final Put after MarkDeleting should report deletion")
	}
}

func TestHandleAdvanceMapDrivesStateMachine(t *testing.T) {
	h := New(pgid.PGID{Pool: 1}, pb.PGInfoRecord{})
	h.SetLocalID(1)
	h.Lock()
	defer h.Unlock()

	live := fakeLive{up: map[pgid.PeerID]bool{1: true}}
	h.HandleAdvanceMap(5, []pgid.PeerID{1}, []pgid.PeerID{1}, live)

	if _, err := h.DrainEvents(); err != nil {
		t.Fatalf("DrainEvents: %v", err)
	}
	if h.State() != peering.WaitFlushedPeering {
		t.Fatalf("State() = %s, want WaitFlushedPeering for a solo primary awaiting the flush signal", h.State())
	}

	h.QueueEvent(peering.Event{Kind: peering.EvFlushedEvt})
	if _, err := h.DrainEvents(); err != nil {
		t.Fatalf("DrainEvents: %v", err)
	}
	if h.State() != peering.Clean {
		t.Fatalf("State() = %s, want Clean for a solo primary with no missing", h.State())
	}
}

func TestWriteIfDirtyClearsFlagsOnSuccess(t *testing.T) {
	h := New(pgid.PGID{Pool: 1}, pb.PGInfoRecord{})
	h.SetLocalID(1)
	h.Lock()
	// Force the dirty flags directly: WriteIfDirty's contract only cares
	// that a set flag is persisted and cleared, independent of which
	// peering transition set it.
	h.dirtyInfo = true
	h.dirtyLog = true

	var persistedInfo bool
	err := h.WriteIfDirty(
		func(pb.PGInfoRecord) error { persistedInfo = true; return nil },
		func([]pb.LogEntry, map[pgid.Eversion]pgid.OID) error { return nil },
	)
	if err != nil {
		t.Fatalf("WriteIfDirty: %v", err)
	}
	if !persistedInfo {
		t.Fatal("expected persistInfo callback to fire")
	}
	if h.dirtyInfo || h.dirtyLog {
		t.Fatal("expected dirty flags cleared after WriteIfDirty")
	}
	h.Unlock()
}

var _ = priorset.Set{}
