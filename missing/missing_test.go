package missing

import (
	"testing"

	"github.com/coldshard/pgcore/pgid"
)

func ev(epoch, seq uint64) pgid.Eversion { return pgid.Eversion{Epoch: epoch, Seq: seq} }

func TestAddNextEventThenGotClearsEntry(t *testing.T) {
	s := New()
	s.AddNextEvent("a", ev(1, 5), pgid.Zero)
	if it, ok := s.Get("a"); !ok || it.Need != ev(1, 5) {
		t.Fatalf("Get(a) = %+v, %v", it, ok)
	}
	s.Got("a", ev(1, 5))
	if _, ok := s.Get("a"); ok {
		t.Fatal("a should be cleared once have reaches need")
	}
}

func TestUnfoundRecomputedOnSourceChange(t *testing.T) {
	s := New()
	s.AddNextEvent("a", ev(1, 1), pgid.Zero)
	s.AddNextEvent("b", ev(1, 1), pgid.Zero)
	if got := s.NumUnfound(); got != 2 {
		t.Fatalf("NumUnfound = %d, want 2", got)
	}

	s.AddSource("a", pgid.PeerID(2))
	if got := s.NumUnfound(); got != 1 {
		t.Fatalf("NumUnfound after AddSource = %d, want 1", got)
	}

	s.RmSource(pgid.PeerID(2))
	if got := s.NumUnfound(); got != 2 {
		t.Fatalf("NumUnfound after RmSource = %d, want 2", got)
	}
}

func TestMarkAllUnfoundLostOnlyDropsSourcelessEntries(t *testing.T) {
	s := New()
	s.AddNextEvent("a", ev(1, 1), pgid.Zero)
	s.AddNextEvent("b", ev(1, 1), pgid.Zero)
	s.AddSource("b", pgid.PeerID(3))

	dropped := s.MarkAllUnfoundLost()
	if len(dropped) != 1 || dropped[0] != "a" {
		t.Fatalf("dropped = %+v, want [a]", dropped)
	}
	if _, ok := s.Get("b"); !ok {
		t.Fatal("b has a source and should survive mark_all_unfound_lost")
	}
	if _, ok := s.Get("a"); ok {
		t.Fatal("a should have been dropped")
	}
}
