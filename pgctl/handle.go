// Package pgctl implements the PG control block of spec.md §4.7: the
// per-PG lock, reference count, dirty flags, and the glue routing external
// events into the peering state machine under that lock. Grounded on the
// teacher's app/app_node.go event loop (StartAppNode's single-owner
// select over propc/confc/ready), generalized from one goroutine per raft
// node to a mutex-protected handle any worker-pool goroutine may lock
// (spec.md §5 "a pool of worker threads dequeues events... each worker
// acquires the target PG's lock").
package pgctl

import (
	"sync"

	"github.com/coldshard/pgcore/logging"
	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/peering"
	"github.com/coldshard/pgcore/pgid"
	"github.com/coldshard/pgcore/priorset"
	"github.com/coldshard/pgcore/store"
)

// Handle is one PG's control block: the owning process's single reference
// to a PG's live state.
type Handle struct {
	PG pgid.PGID

	mu sync.Mutex

	refcount int
	deleting bool

	sm *peering.Machine

	pastIntervals []priorset.Interval

	dirtyInfo bool
	dirtyLog  bool

	// persistedLogLen counts entries already durable so WriteIfDirty only
	// hands the new suffix to persistLog rather than rewriting from
	// scratch on every call.
	persistedLogLen int

	queue []peering.Event
}

// New creates a control block for pg seeded with the persisted info
// record (or a fresh zero record for a PG observed for the first time).
func New(pg pgid.PGID, initial pb.PGInfoRecord) *Handle {
	sm := peering.New(pg, initial)
	return &Handle{PG: pg, sm: sm, refcount: 1}
}

func (h *Handle) SetLocalID(id pgid.PeerID) { h.sm.SetLocalID(id) }

// Lock/Unlock bound every state-machine entry point (spec.md §4.7 "All
// state-machine entry points require the PG lock held"). The worker pool
// is expected to call WriteIfDirty before Unlock in the same critical
// section (spec.md §5's "run to quiescence, persist dirty state in one
// transaction, unlock").
func (h *Handle) Lock()   { h.mu.Lock() }
func (h *Handle) Unlock() { h.mu.Unlock() }

// WarnIfDirty logs (rather than panics) when a caller unlocks with
// unpersisted state, for callers that intentionally batch several locked
// sections before a single WriteIfDirty.
func (h *Handle) WarnIfDirty() {
	if h.dirtyInfo || h.dirtyLog {
		logging.Warn("pg unlocked with dirty state not yet persisted").
			Str("pg", h.PG.String()).
			Bool("dirty_info", h.dirtyInfo).
			Bool("dirty_log", h.dirtyLog).
			Record()
	}
}

// Get/Put implement reference counting with destroy-on-zero (spec.md §4.7).
func (h *Handle) Get() {
	h.mu.Lock()
	h.refcount++
	h.mu.Unlock()
}

// Put releases a reference. It returns true if this was the final
// reference and deleting had been requested — the caller then removes the
// handle from the registry.
func (h *Handle) Put() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refcount--
	return h.refcount <= 0 && h.deleting
}

func (h *Handle) MarkDeleting() {
	h.mu.Lock()
	h.deleting = true
	h.mu.Unlock()
}

// QueueEvent appends an event for later draining by the worker pool
// (spec.md §4.7 queue_event). The caller must hold the lock.
func (h *Handle) QueueEvent(ev peering.Event) {
	h.queue = append(h.queue, ev)
}

// DrainEvents runs every queued event through the state machine to
// quiescence, accumulating actions, and marks dirty flags from the
// machine's own bookkeeping. The caller must hold the lock.
func (h *Handle) DrainEvents() ([]peering.Action, error) {
	var all []peering.Action
	for len(h.queue) > 0 {
		ev := h.queue[0]
		h.queue = h.queue[1:]
		actions, err := h.sm.Dispatch(ev)
		all = append(all, actions...)
		if h.sm.DirtyInfo {
			h.dirtyInfo = true
		}
		if h.sm.DirtyLog {
			h.dirtyLog = true
		}
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

// HandleAdvanceMap computes the prior set for the new membership and
// queues the resulting AdvanceMap event (spec.md §4.7 handle_advance_map).
// The caller must hold the lock.
func (h *Handle) HandleAdvanceMap(newEpoch uint64, newUp, newActing []pgid.PeerID, live priorset.Liveness) {
	h.sm.PriorSet = priorset.Build(h.pastIntervals, newActing, live)
	h.QueueEvent(peering.Event{Kind: peering.EvAdvanceMap, Map: peering.MapUpdate{
		NewEpoch: newEpoch, NewUp: newUp, NewActing: newActing,
	}})
}

// HandleActivateMap posts the follow-up ActMap tick (spec.md §4.7
// handle_activate_map): the retry/progress signal that re-drives stalled
// substates once the map has settled.
func (h *Handle) HandleActivateMap() {
	h.QueueEvent(peering.Event{Kind: peering.EvActMap})
}

// WriteIfDirty persists info/log through txn if either dirty flag is set,
// clearing both on success (spec.md §4.7 write_if_dirty). persistLog
// receives only the entries appended since the last successful call (or
// every live entry, if the log was trimmed/rewound past what was already
// durable) plus the current divergent-priors side map. The caller must
// hold the lock.
func (h *Handle) WriteIfDirty(persistInfo func(pb.PGInfoRecord) error, persistLog func([]pb.LogEntry, map[pgid.Eversion]pgid.OID) error) error {
	if h.dirtyInfo {
		if err := persistInfo(h.sm.Info); err != nil {
			return err
		}
		h.dirtyInfo = false
		h.sm.DirtyInfo = false
	}
	if h.dirtyLog {
		entries := h.sm.Log.Entries()
		if h.persistedLogLen > len(entries) {
			h.persistedLogLen = 0
		}
		newEntries := entries[h.persistedLogLen:]
		if err := persistLog(newEntries, h.sm.Log.DivergentPriors); err != nil {
			return err
		}
		h.persistedLogLen = len(entries)
		h.dirtyLog = false
		h.sm.DirtyLog = false
	}
	return nil
}

// State exposes the current peering state for introspection
// (spec.md §6 dump_recovery_info) without requiring the caller to reach
// into the machine directly.
func (h *Handle) State() peering.State { return h.sm.State }

// Machine gives worker-pool and service code direct access to drive the
// state machine; callers must already hold h's lock.
func (h *Handle) Machine() *peering.Machine { return h.sm }

// StoreProvider is a convenience for callers that keep one store.Store per node
// shared across every Handle.
type StoreProvider interface {
	Store() store.Store
}
