// Package store defines the object-store contract spec.md §6 lists as a
// consumed external collaborator, plus a reference in-process
// implementation used by tests and by cmd/pgcored when no other store is
// configured. Grounded on the teacher's db.Storage interface (db/storage.go)
// and its concrete db.Cold2KV (db/db.go): a small interface consumed by the
// replication layer, backed by a real embedded engine — here
// go.etcd.io/bbolt in place of the teacher's memtable+WAL+value-log stack,
// since a PG's per-object byte/attribute storage is a much smaller working
// set than a full LSM-tree KV engine.
package store

import (
	"errors"

	"github.com/coldshard/pgcore/pgid"
)

// ErrIOFailure is returned when a transaction cannot be committed to
// stable storage — spec.md §7 "storage-fatal".
var ErrIOFailure = errors.New("store: I/O failure committing transaction")

// Txn is a single transactional batch of mutations against one PG's
// collection (spec.md §6 "T.put / T.omap_set / T.remove").
type Txn interface {
	Put(coll pgid.PGID, oid pgid.OID, data []byte) error
	OmapSet(coll pgid.PGID, oid pgid.OID, key string, val []byte) error
	Remove(coll pgid.PGID, oid pgid.OID) error
}

// AppliedFunc is invoked once a transaction's effects are visible to
// subsequent reads, but before they are durable. CommittedFunc is invoked
// once the transaction is durable.
type AppliedFunc func()
type CommittedFunc func(err error)

// Future resolves once a Flush's target sequence number is durable.
type Future interface {
	Wait() error
}

// Store is the object-store contract spec.md §6 "Object store (consumed)"
// names in full: transactional writes with a per-collection sequencer,
// point reads, attribute reads, and omap reads by key.
type Store interface {
	BeginTxn(coll pgid.PGID) Txn
	ApplyTransaction(coll pgid.PGID, seq uint64, t Txn, onApplied AppliedFunc, onCommitted CommittedFunc) error

	Read(coll pgid.PGID, oid pgid.OID, off, length int) ([]byte, error)
	GetAttr(coll pgid.PGID, oid pgid.OID, name string) ([]byte, error)
	OmapGetByKeys(coll pgid.PGID, oid pgid.OID, keys []string) (map[string][]byte, error)

	Flush(coll pgid.PGID, seq uint64) Future

	Close() error
}
