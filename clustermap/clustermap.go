// Package clustermap implements the cluster-map service contract spec.md
// §6 lists as consumed: immutable epoch-versioned membership snapshots,
// pushed to subscribers. Grounded on the teacher's config package
// hot-reload pattern (config/init_cfg.go: viper.WatchConfig +
// fsnotify.Event callback list) — a cluster map is pushed to a PG's owner
// exactly the way a changed config file is pushed to its consumers, just
// versioned by epoch instead of by mtime.
package clustermap

import (
	"sync"

	"github.com/coldshard/pgcore/pgid"
)

// Snapshot is one immutable, epoch-versioned membership view (spec.md §5
// "Shared resources": "reference-counted immutable snapshots"). Sharing is
// modeled by handing out the same *Snapshot value rather than copying it;
// callers never mutate a Snapshot after publish.
type Snapshot struct {
	Epoch uint64
	// Up is the set of nodes the map currently considers reachable.
	Up map[pgid.PeerID]struct{}
	// LostAt records, for nodes the map has permanently retired, the
	// epoch at which that happened (spec.md §4.3 blocked_by).
	LostAt map[pgid.PeerID]uint64
	// Acting maps a PG to its ordered acting set at this epoch.
	Acting map[pgid.PGID][]pgid.PeerID
}

func (s *Snapshot) IsUp(p pgid.PeerID) bool {
	_, ok := s.Up[p]
	return ok
}

func (s *Snapshot) LostAtEpoch(p pgid.PeerID) uint64 { return s.LostAt[p] }

// Callback is invoked with every new snapshot as it is published.
type Callback func(*Snapshot)

// Service is the reference clustermap.Service: GetMap/CurrentEpoch/Subscribe
// exactly as spec.md §6 names them, backed by a simple versioned pointer
// under a mutex rather than a distributed protocol — the actual map
// distribution algorithm is explicitly out of scope (spec.md §1
// Non-goals).
type Service struct {
	mu        sync.RWMutex
	byEpoch   map[uint64]*Snapshot
	current   *Snapshot
	callbacks []Callback
}

func NewService(initial *Snapshot) *Service {
	s := &Service{byEpoch: make(map[uint64]*Snapshot)}
	if initial != nil {
		s.byEpoch[initial.Epoch] = initial
		s.current = initial
	}
	return s
}

func (s *Service) GetMap(epoch uint64) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byEpoch[epoch]
	return snap, ok
}

func (s *Service) CurrentEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return 0
	}
	return s.current.Epoch
}

func (s *Service) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers cb to be invoked on every future Publish. It is not
// invoked for the snapshot current at subscribe time.
func (s *Service) Subscribe(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Publish installs a new snapshot as current and fans it out to every
// subscriber, the same "unmarshal then invoke every OnConfigChange
// handler" shape as the teacher's config reload path.
func (s *Service) Publish(snap *Snapshot) {
	s.mu.Lock()
	s.byEpoch[snap.Epoch] = snap
	s.current = snap
	callbacks := append([]Callback(nil), s.callbacks...)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(snap)
	}
}
