package transport

import (
	"bytes"
	"testing"

	"github.com/coldshard/pgcore/pb"
	"github.com/coldshard/pgcore/pgid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := pb.Message{
		Kind:  pb.MsgQuery,
		From:  1,
		To:    2,
		PG:    pgid.PGID{Pool: 3, Seed: 0xab},
		Epoch: 7,
		Query: &pb.QueryPayload{What: pb.QueryLog, Since: pgid.Eversion{Epoch: 1, Seq: 2}},
	}
	body, err := encodeMessage(&m)
	if err != nil {
		t.Fatal(err)
	}

	got, err := decodeMessage(bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if got.From != m.From || got.To != m.To || got.PG != m.PG || got.Epoch != m.Epoch {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
	if got.Query == nil || got.Query.What != pb.QueryLog || got.Query.Since != m.Query.Since {
		t.Fatalf("query payload mismatch: %+v", got.Query)
	}
}

func TestEncodeDecodeRoundTripBackfillPayload(t *testing.T) {
	m := pb.Message{
		Kind:  pb.MsgBackfill,
		From:  2,
		To:    1,
		PG:    pgid.PGID{Pool: 3, Seed: 0xab},
		Epoch: 7,
		Backfill: &pb.BackfillPayload{
			Begin:        pgid.OID("a"),
			End:          pgid.OID("z"),
			ExtendsToEnd: true,
			Objects:      map[pgid.OID]pgid.Eversion{"a": {Epoch: 1, Seq: 2}},
			Remove:       []pgid.OID{"stale-1", "stale-2"},
			Reply:        true,
		},
	}
	body, err := encodeMessage(&m)
	if err != nil {
		t.Fatal(err)
	}

	got, err := decodeMessage(bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if got.Backfill == nil {
		t.Fatal("Backfill payload missing after round trip")
	}
	if !got.Backfill.Reply {
		t.Fatal("Reply = false after round trip, want true")
	}
	if got.Backfill.Begin != m.Backfill.Begin || got.Backfill.End != m.Backfill.End || got.Backfill.ExtendsToEnd != m.Backfill.ExtendsToEnd {
		t.Fatalf("scalar fields mismatch: %+v", got.Backfill)
	}
	if v, ok := got.Backfill.Objects["a"]; !ok || v != (pgid.Eversion{Epoch: 1, Seq: 2}) {
		t.Fatalf("Objects mismatch: %+v", got.Backfill.Objects)
	}
	if len(got.Backfill.Remove) != 2 || got.Backfill.Remove[0] != "stale-1" || got.Backfill.Remove[1] != "stale-2" {
		t.Fatalf("Remove mismatch: %+v", got.Backfill.Remove)
	}
}

type recordingDispatcher struct {
	received []pb.Message
}

func (d *recordingDispatcher) Deliver(m pb.Message) { d.received = append(d.received, m) }
