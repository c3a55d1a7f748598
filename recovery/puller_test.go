package recovery

import (
	"testing"

	"github.com/coldshard/pgcore/missing"
	"github.com/coldshard/pgcore/pgid"
)

func TestPullerSkipsSourcelessAndRespectsMaxInFlight(t *testing.T) {
	m := missing.New()
	m.AddNextEvent("a", pgid.Eversion{Epoch: 1, Seq: 1}, pgid.Zero)
	m.AddNextEvent("b", pgid.Eversion{Epoch: 1, Seq: 2}, pgid.Zero)
	m.AddNextEvent("c", pgid.Eversion{Epoch: 1, Seq: 3}, pgid.Zero)
	m.AddSource("a", 2)
	m.AddSource("c", 3)
	// "b" has no source and must be skipped.

	p := NewPuller(pgid.PGID{Pool: 1}, m, 1)
	ops := p.Next()
	if len(ops) != 1 {
		t.Fatalf("Next() = %d ops, want 1 (MaxInFlight bound)", len(ops))
	}
	if ops[0].OID != "a" {
		t.Fatalf("first pull = %q, want ascending order starting at a", ops[0].OID)
	}

	// budget exhausted; no more ops until Complete/Fail frees a slot.
	if more := p.Next(); len(more) != 0 {
		t.Fatalf("expected no ops while at MaxInFlight, got %+v", more)
	}

	p.Complete("a", pgid.Eversion{Epoch: 1, Seq: 1})
	next := p.Next()
	if len(next) != 1 || next[0].OID != "c" {
		t.Fatalf("Next() after Complete = %+v, want [c]", next)
	}
}

func TestPullerDoneOnceMissingEmpty(t *testing.T) {
	m := missing.New()
	p := NewPuller(pgid.PGID{Pool: 1}, m, 4)
	if !p.Done() {
		t.Fatal("expected Done() with empty missing set")
	}
}

func TestPullerFailReturnsOidToQueue(t *testing.T) {
	m := missing.New()
	m.AddNextEvent("a", pgid.Eversion{Epoch: 1, Seq: 1}, pgid.Zero)
	m.AddSource("a", 2)

	p := NewPuller(pgid.PGID{Pool: 1}, m, 1)
	ops := p.Next()
	if len(ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(ops))
	}
	p.Fail("a")
	if p.InFlight() != 0 {
		t.Fatalf("InFlight() = %d after Fail, want 0", p.InFlight())
	}
	again := p.Next()
	if len(again) != 1 || again[0].OID != "a" {
		t.Fatalf("expected retry of failed pull, got %+v", again)
	}
}
