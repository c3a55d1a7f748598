package recovery

import (
	"testing"

	"github.com/coldshard/pgcore/pgid"
)

type fakeLister struct {
	items map[pgid.OID]pgid.Eversion
	keys  []pgid.OID
}

func (f *fakeLister) ListRange(begin, end pgid.OID, max int) (map[pgid.OID]pgid.Eversion, pgid.OID, bool) {
	out := make(map[pgid.OID]pgid.Eversion)
	var last pgid.OID
	count := 0
	for _, k := range f.keys {
		if k < begin || k >= end {
			continue
		}
		if count >= max {
			return out, last, false
		}
		out[k] = f.items[k]
		last = k
		count++
	}
	return out, last, true
}

func TestBackfillerChunksAcrossMultipleScans(t *testing.T) {
	lister := &fakeLister{
		items: map[pgid.OID]pgid.Eversion{
			"a": {Epoch: 1, Seq: 1},
			"b": {Epoch: 1, Seq: 2},
			"c": {Epoch: 1, Seq: 3},
		},
		keys: []pgid.OID{"a", "b", "c"},
	}
	b := NewBackfiller(pgid.PGID{Pool: 1}, lister, 2)

	first, ok := b.Scan()
	if !ok {
		t.Fatal("expected first scan to succeed")
	}
	if first.ExtendsToEnd {
		t.Fatal("first chunk should not reach the end with 3 items and chunk size 2")
	}
	if len(first.Objects) != 2 {
		t.Fatalf("first chunk = %d objects, want 2", len(first.Objects))
	}

	second, ok := b.Scan()
	if !ok {
		t.Fatal("expected second scan to succeed")
	}
	if !second.ExtendsToEnd {
		t.Fatal("second chunk should reach the end")
	}
	if !b.Done() {
		t.Fatal("expected Done() after reaching end of namespace")
	}

	if _, ok := b.Scan(); ok {
		t.Fatal("expected Scan() to fail once Done")
	}
}

func TestBackfillerResetRestartsScan(t *testing.T) {
	lister := &fakeLister{items: map[pgid.OID]pgid.Eversion{"a": {Epoch: 1, Seq: 1}}, keys: []pgid.OID{"a"}}
	b := NewBackfiller(pgid.PGID{Pool: 1}, lister, 10)
	if _, ok := b.Scan(); !ok {
		t.Fatal("expected scan to succeed")
	}
	if !b.Done() {
		t.Fatal("expected done")
	}
	b.Reset()
	if b.Done() {
		t.Fatal("expected Reset to clear done")
	}
	if _, ok := b.Scan(); !ok {
		t.Fatal("expected scan to succeed again after reset")
	}
}

func TestDiffFindsPushAndRemoveCandidates(t *testing.T) {
	local := map[pgid.OID]pgid.Eversion{
		"a": {Epoch: 1, Seq: 1},
		"b": {Epoch: 1, Seq: 5},
	}
	remote := map[pgid.OID]pgid.Eversion{
		"a": {Epoch: 1, Seq: 2}, // remote newer -> push
		"c": {Epoch: 1, Seq: 1}, // remote-only -> push
	}
	push, remove := Diff(local, remote)

	pushSet := map[pgid.OID]bool{}
	for _, o := range push {
		pushSet[o] = true
	}
	if !pushSet["a"] || !pushSet["c"] {
		t.Fatalf("push = %+v, want a and c", push)
	}
	if len(remove) != 1 || remove[0] != "b" {
		t.Fatalf("remove = %+v, want [b]", remove)
	}
}
