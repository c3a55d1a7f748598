package store

import (
	"path/filepath"
	"testing"

	"github.com/coldshard/pgcore/pgid"
)

func TestApplyTransactionPutThenRead(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "pg.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	coll := pgid.PGID{Pool: 1, Seed: 1}
	txn := s.BeginTxn(coll)
	if err := txn.Put(coll, "obj-1", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	var applied, committed bool
	if err := s.ApplyTransaction(coll, 1, txn, func() { applied = true }, func(err error) {
		committed = true
		if err != nil {
			t.Fatalf("commit error: %v", err)
		}
	}); err != nil {
		t.Fatal(err)
	}
	if !applied || !committed {
		t.Fatal("expected both onApplied and onCommitted to fire")
	}

	got, err := s.Read(coll, "obj-1", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q, want hello", got)
	}
}

func TestApplyTransactionRemoveClearsOmap(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "pg.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	coll := pgid.PGID{Pool: 2, Seed: 2}
	txn := s.BeginTxn(coll)
	_ = txn.Put(coll, "obj-2", []byte("v"))
	_ = txn.OmapSet(coll, "obj-2", "k", []byte("v2"))
	if err := s.ApplyTransaction(coll, 1, txn, nil, nil); err != nil {
		t.Fatal(err)
	}

	rmTxn := s.BeginTxn(coll)
	_ = rmTxn.Remove(coll, "obj-2")
	if err := s.ApplyTransaction(coll, 2, rmTxn, nil, nil); err != nil {
		t.Fatal(err)
	}

	m, err := s.OmapGetByKeys(coll, "obj-2", []string{"k"})
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 0 {
		t.Fatalf("expected no omap keys after remove, got %+v", m)
	}
}
