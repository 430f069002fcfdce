package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rachitkumar205/patchmesh/internal/hlc"
	"github.com/rachitkumar205/patchmesh/internal/message"
	"github.com/rachitkumar205/patchmesh/internal/sqlstore"
)

func patchFrom(peer, seq int64, at hlc.Value) message.Patch {
	return message.Patch{
		At:    at,
		Peer:  peer,
		Seq:   seq,
		Table: "users",
		Delta: map[string]sqlstore.Value{"id": sqlstore.IntValue(1), "name": sqlstore.TextValue("x")},
	}
}

// Scenario 5: gap detection.
func TestEngine_GapDetection(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestEngine(t, 1)

	base := hlc.Encode(hlc.EpochMS, 0)
	if err := a.ReceivePatch(ctx, patchFrom(2, 1, base)); err != nil {
		t.Fatalf("receive seq 1: %v", err)
	}
	if err := a.ReceivePatch(ctx, patchFrom(2, 2, base+1)); err != nil {
		t.Fatalf("receive seq 2: %v", err)
	}
	if err := a.ReceivePatch(ctx, patchFrom(2, 4, base+3)); err != nil {
		t.Fatalf("receive seq 4: %v", err)
	}

	status := a.Status()
	p2, ok := status.Peers[2]
	if !ok {
		t.Fatal("peer 2 missing from status")
	}
	if p2.LastSeenSequenceID != 2 {
		t.Errorf("guaranteed_contiguous_seq[2] = %d, want 2", p2.LastSeenSequenceID)
	}
	if p2.Consistent {
		t.Error("peer 2 should not be consistent, a gap is open")
	}

	// call Heartbeat, then drain the outbound channel (which also
	// carries the heartbeat's Ping) and find the MissingPatchRequest.
	if err := a.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	var req *message.MissingPatchRequest
	for {
		select {
		case msg := <-a.Outbound():
			if mr, ok := msg.(message.MissingPatchRequest); ok {
				req = &mr
			}
			continue
		default:
		}
		break
	}
	if req == nil {
		t.Fatal("expected a MissingPatchRequest on the outbound channel")
	}
	if req.Peer != 2 || req.MinSeq != 3 || req.MaxSeq != 4 {
		t.Errorf("MissingPatchRequest = %+v, want {Peer:2 MinSeq:3 MaxSeq:4}", *req)
	}
}

// Scenario 6: retention GC.
func TestEngine_RetentionGC(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, 42)

	startMS := hlc.EpochMS + 100_000
	nowMS := startMS
	e.Clock().SetNow(func() int64 { return nowMS })

	if _, err := e.Upsert(ctx, "users", map[string]any{"id": int64(1), "name": "A"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var countBefore int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users_patches`).Scan(&countBefore); err != nil {
		t.Fatalf("count before: %v", err)
	}
	if countBefore != 1 {
		t.Fatalf("countBefore = %d, want 1", countBefore)
	}

	// advance the clock past retention (25h) plus the 1h GC cadence.
	nowMS = startMS + defaultMaxPatchRetention.Milliseconds() + time.Hour.Milliseconds() + 1
	if err := e.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	var countAfter int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users_patches`).Scan(&countAfter); err != nil {
		t.Fatalf("count after: %v", err)
	}
	if countAfter != 0 {
		t.Errorf("countAfter = %d, want 0", countAfter)
	}
}
