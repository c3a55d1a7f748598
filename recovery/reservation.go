package recovery

import (
	"fmt"
	"sync"

	"github.com/coldshard/pgcore/pgid"
)

// Reservations implements the RAII-style local/remote reservation protocol
// of spec.md §4.6 and the testable property of §8.6: "for every granted
// reservation, exactly one release message is eventually sent." Grounded
// on the teacher's raft/tracker inflight-message window (bounded
// concurrency with an explicit release-on-ack step), generalized from
// "bytes of Raft log in flight" to "recovery/backfill slots in flight".
type Reservations struct {
	mu sync.Mutex

	// localSlots bounds how many PGs this node is simultaneously recovering
	// or backfilling into locally (spec.md §4.6 "local single slot").
	localSlots     int
	localInUse     map[pgid.PGID]struct{}

	// granted tracks reservations this node has handed out to peers acting
	// as the reservee, keyed by (pg, peer) — used to detect a release with
	// no matching grant, and a grant with no eventual release.
	granted map[reservationKey]struct{}

	// outstanding counts grants made minus releases sent, globally, so
	// tests can assert it reaches zero once a scenario quiesces.
	outstanding int
}

type reservationKey struct {
	PG   pgid.PGID
	Peer pgid.PeerID
}

// NewReservations creates a manager with room for localSlots concurrent
// local recovery/backfill operations.
func NewReservations(localSlots int) *Reservations {
	if localSlots <= 0 {
		localSlots = 1
	}
	return &Reservations{
		localSlots: localSlots,
		localInUse: make(map[pgid.PGID]struct{}),
		granted:    make(map[reservationKey]struct{}),
	}
}

// TryAcquireLocal attempts to claim one of this node's local recovery
// slots for pg. It returns false if all slots are in use.
func (r *Reservations) TryAcquireLocal(pg pgid.PGID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, already := r.localInUse[pg]; already {
		return true
	}
	if len(r.localInUse) >= r.localSlots {
		return false
	}
	r.localInUse[pg] = struct{}{}
	return true
}

// ReleaseLocal frees pg's local slot, if held.
func (r *Reservations) ReleaseLocal(pg pgid.PGID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.localInUse, pg)
}

// Grant records that this node (acting as reservee) has granted peer a
// remote reservation for pg. Every Grant must be matched by exactly one
// Release (spec.md §8.6).
func (r *Reservations) Grant(pg pgid.PGID, peer pgid.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := reservationKey{pg, peer}
	if _, dup := r.granted[key]; dup {
		return
	}
	r.granted[key] = struct{}{}
	r.outstanding++
}

// Release records the matching release for a prior Grant. Releasing a
// reservation that was never granted is a caller bug and is reported via
// the returned error rather than panicking, so a misbehaving peer message
// cannot crash the process.
func (r *Reservations) Release(pg pgid.PGID, peer pgid.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := reservationKey{pg, peer}
	if _, ok := r.granted[key]; !ok {
		return fmt.Errorf("recovery: release of ungranted reservation pg=%s peer=%d", pg, peer)
	}
	delete(r.granted, key)
	r.outstanding--
	return nil
}

// Outstanding returns the count of grants without a matching release —
// the leak-detecting counter spec.md §8.6 requires reach zero once every
// in-flight recovery/backfill operation has quiesced.
func (r *Reservations) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

// ReleaseAllFor force-releases every reservation this node granted for pg,
// regardless of peer — used when a PG resets mid-recovery and every
// outstanding grant must be torn down (spec.md §4.6 "Reset releases every
// held reservation").
func (r *Reservations) ReleaseAllFor(pg pgid.PGID) []pgid.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released []pgid.PeerID
	for key := range r.granted {
		if key.PG == pg {
			delete(r.granted, key)
			r.outstanding--
			released = append(released, key.Peer)
		}
	}
	return released
}
