package recovery

import (
	"testing"

	"github.com/coldshard/pgcore/pgid"
)

func TestLocalSlotsBoundConcurrentReservations(t *testing.T) {
	r := NewReservations(1)
	pgA := pgid.PGID{Pool: 1}
	pgB := pgid.PGID{Pool: 2}

	if !r.TryAcquireLocal(pgA) {
		t.Fatal("expected first acquire to succeed")
	}
	if r.TryAcquireLocal(pgB) {
		t.Fatal("expected second acquire to fail with only 1 local slot")
	}
	r.ReleaseLocal(pgA)
	if !r.TryAcquireLocal(pgB) {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestGrantReleaseBalancesOutstandingCounter(t *testing.T) {
	r := NewReservations(2)
	pg := pgid.PGID{Pool: 1}

	r.Grant(pg, 2)
	r.Grant(pg, 3)
	if r.Outstanding() != 2 {
		t.Fatalf("Outstanding() = %d, want 2", r.Outstanding())
	}

	if err := r.Release(pg, 2); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if r.Outstanding() != 1 {
		t.Fatalf("Outstanding() = %d, want 1", r.Outstanding())
	}

	if err := r.Release(pg, 9); err == nil {
		t.Fatal("expected error releasing a reservation that was never granted")
	}
}

func TestReleaseAllForTearsDownEveryGrant(t *testing.T) {
	r := NewReservations(2)
	pg := pgid.PGID{Pool: 1}
	r.Grant(pg, 2)
	r.Grant(pg, 3)
	r.Grant(pgid.PGID{Pool: 9}, 4)

	released := r.ReleaseAllFor(pg)
	if len(released) != 2 {
		t.Fatalf("ReleaseAllFor released %d, want 2", len(released))
	}
	if r.Outstanding() != 1 {
		t.Fatalf("Outstanding() = %d, want 1 (unrelated pg's grant survives)", r.Outstanding())
	}
}
