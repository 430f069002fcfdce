package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rachitkumar205/patchmesh/internal/hlc"
	"github.com/rachitkumar205/patchmesh/internal/message"
	"github.com/rachitkumar205/patchmesh/internal/schema"
)

// ReceivePatch absorbs one patch authored by another peer: it folds
// the remote HLC into the local clock, appends the row to the target
// table's *_patches table (idempotently — a re-delivered patch is a
// no-op), updates that peer's contiguity bookkeeping, and re-runs the
// CRDT merge for the affected table from the patch's HLC onward.
func (e *Engine) ReceivePatch(ctx context.Context, p message.Patch) error {
	if err := e.requireMigrated(); err != nil {
		return err
	}
	if p.Peer == e.peerID {
		return ErrOwnPatch
	}

	e.clock.Receive(p.At)
	if e.metrics != nil {
		e.metrics.HLCDrift.Set(float64(e.clock.Drift()) / (1 << hlc.CounterBits))
	}

	t, err := schema.Introspect(ctx, e.db, p.Table)
	if err != nil {
		return fmt.Errorf("engine: receive patch for %q: %w", p.Table, err)
	}

	inserted, err := e.insertPatchRow(ctx, p.Table, t, p.At, p.Seq, p.Peer, p.Delta)
	if err != nil {
		return err
	}
	if !inserted {
		if e.metrics != nil {
			e.metrics.PatchesDuplicate.Inc()
		}
		return nil
	}

	e.updatePeerStats(p.Peer, p.Seq, p.At)

	if err := e.merge(ctx, p.Table, p.At); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.PatchesReceived.Inc()
	}
	e.logger.Debug("received patch", zap.Int64("peer_id", p.Peer), zap.Int64("seq", p.Seq))
	return nil
}
