package store

import (
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/coldshard/pgcore/pgid"
)

// opKind tags one buffered mutation inside a boltTxn.
type opKind int

const (
	opPut opKind = iota
	opOmapSet
	opRemove
)

type op struct {
	kind opKind
	oid  pgid.OID
	key  string
	val  []byte
}

// boltTxn buffers mutations in memory; BoltStore.ApplyTransaction is what
// actually commits them, matching spec.md §6's split between
// begin_txn/T.put and apply_transaction.
type boltTxn struct {
	ops []op
}

func (t *boltTxn) Put(_ pgid.PGID, oid pgid.OID, data []byte) error {
	t.ops = append(t.ops, op{kind: opPut, oid: oid, val: append([]byte(nil), data...)})
	return nil
}

func (t *boltTxn) OmapSet(_ pgid.PGID, oid pgid.OID, key string, val []byte) error {
	t.ops = append(t.ops, op{kind: opOmapSet, oid: oid, key: key, val: append([]byte(nil), val...)})
	return nil
}

func (t *boltTxn) Remove(_ pgid.PGID, oid pgid.OID) error {
	t.ops = append(t.ops, op{kind: opRemove, oid: oid})
	return nil
}

// pgSequencer serializes ApplyTransaction calls within one PG (spec.md §5
// "per-PG sequencers that serialize writes within a PG") and records the
// last applied sequence number; nothing reads it back or checks it for
// gaps or replays.
type pgSequencer struct {
	mu      sync.Mutex
	applied uint64
}

const (
	dataBucketFmt = "data:%s"
	attrBucketFmt = "attr:%s"
	omapBucketFmt = "omap:%s"
)

// BoltStore is the reference Store implementation, one bbolt database per
// node holding every PG's collections in separate bucket namespaces.
// Grounded on db.Cold2KV (db/db.go), which likewise exposes a single
// embedded-engine handle shared across all of a node's raft groups.
type BoltStore struct {
	db *bbolt.DB

	mu   sync.Mutex
	seqs map[pgid.PGID]*pgSequencer
}

func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &BoltStore{db: db, seqs: make(map[pgid.PGID]*pgSequencer)}, nil
}

func (s *BoltStore) sequencerFor(coll pgid.PGID) *pgSequencer {
	s.mu.Lock()
	defer s.mu.Unlock()
	sq, ok := s.seqs[coll]
	if !ok {
		sq = &pgSequencer{}
		s.seqs[coll] = sq
	}
	return sq
}

func (s *BoltStore) BeginTxn(pgid.PGID) Txn { return &boltTxn{} }

func (s *BoltStore) ApplyTransaction(coll pgid.PGID, seq uint64, t Txn, onApplied AppliedFunc, onCommitted CommittedFunc) error {
	bt, ok := t.(*boltTxn)
	if !ok {
		return fmt.Errorf("store: foreign Txn implementation")
	}

	sq := s.sequencerFor(coll)
	sq.mu.Lock()
	defer sq.mu.Unlock()

	dataBucket := []byte(fmt.Sprintf(dataBucketFmt, coll))
	attrBucket := []byte(fmt.Sprintf(attrBucketFmt, coll))
	omapBucket := []byte(fmt.Sprintf(omapBucketFmt, coll))

	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, err := tx.CreateBucketIfNotExists(dataBucket)
		if err != nil {
			return err
		}
		attrs, err := tx.CreateBucketIfNotExists(attrBucket)
		if err != nil {
			return err
		}
		omapRoot, err := tx.CreateBucketIfNotExists(omapBucket)
		if err != nil {
			return err
		}

		for _, o := range bt.ops {
			switch o.kind {
			case opPut:
				if err := data.Put([]byte(o.oid), o.val); err != nil {
					return err
				}
			case opOmapSet:
				sub, err := omapRoot.CreateBucketIfNotExists([]byte(o.oid))
				if err != nil {
					return err
				}
				if err := sub.Put([]byte(o.key), o.val); err != nil {
					return err
				}
			case opRemove:
				if err := data.Delete([]byte(o.oid)); err != nil {
					return err
				}
				if err := attrs.Delete([]byte(o.oid)); err != nil {
					return err
				}
				_ = omapRoot.DeleteBucket([]byte(o.oid))
			}
		}
		return nil
	})

	if err != nil {
		if onCommitted != nil {
			onCommitted(fmt.Errorf("%w: %v", ErrIOFailure, err))
		}
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	if onApplied != nil {
		onApplied()
	}
	sq.applied = seq
	if onCommitted != nil {
		onCommitted(nil)
	}
	return nil
}

func (s *BoltStore) Read(coll pgid.PGID, oid pgid.OID, off, length int) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(fmt.Sprintf(dataBucketFmt, coll)))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(oid))
		if v == nil {
			return nil
		}
		end := len(v)
		if length >= 0 && off+length < end {
			end = off + length
		}
		if off > end {
			off = end
		}
		out = append([]byte(nil), v[off:end]...)
		return nil
	})
	return out, err
}

func (s *BoltStore) GetAttr(coll pgid.PGID, oid pgid.OID, name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(fmt.Sprintf(attrBucketFmt, coll)))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(string(oid) + "\x00" + name))
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) OmapGetByKeys(coll pgid.PGID, oid pgid.OID, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(fmt.Sprintf(omapBucketFmt, coll)))
		if root == nil {
			return nil
		}
		sub := root.Bucket([]byte(oid))
		if sub == nil {
			return nil
		}
		for _, k := range keys {
			if v := sub.Get([]byte(k)); v != nil {
				out[k] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	return out, err
}

// resolvedFuture is returned by Flush: bbolt's Update already fsyncs the
// backing file on commit, so every ApplyTransaction call is durable by the
// time it returns and there is nothing left to wait for.
type resolvedFuture struct{}

func (resolvedFuture) Wait() error { return nil }

func (s *BoltStore) Flush(pgid.PGID, uint64) Future { return resolvedFuture{} }

func (s *BoltStore) Close() error { return s.db.Close() }
