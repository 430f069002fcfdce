package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rachitkumar205/patchmesh/internal/hlc"
	"github.com/rachitkumar205/patchmesh/internal/message"
	"github.com/rachitkumar205/patchmesh/internal/sqlstore"
)

const gcInterval = time.Hour

// Heartbeat runs the maintenance cycle: retention garbage collection
// (at most once an hour), gap detection and retransmission requests
// (at most once per Config.HeartbeatInterval), and a Ping announcing
// this node's own progress. Callers drive this on their own timer at
// roughly Config.HeartbeatInterval; the engine does not start one
// itself.
func (e *Engine) Heartbeat(ctx context.Context) error {
	if err := e.requireMigrated(); err != nil {
		return err
	}

	now := e.clock.Now()

	if now-e.lastGCAtMS >= gcInterval.Milliseconds() {
		if err := e.gc(ctx, now); err != nil {
			return err
		}
		e.lastGCAtMS = now
	}

	e.publish(message.Ping{
		Peer:    e.peerID,
		LastAt:  e.lastPatchAt,
		LastSeq: e.lastSequenceID,
	})

	if now-e.lastGapAtMS >= e.cfg.HeartbeatInterval.Milliseconds() {
		e.detectGaps()
		e.lastGapAtMS = now
	}

	if e.metrics != nil {
		e.metrics.HeartbeatsSent.Inc()
	}
	return nil
}

// detectGaps emits a MissingPatchRequest for every peer whose
// contiguous watermark trails its highest seen sequence id. MaxSeq is
// always the peer's last_seq_id (the highest sequence id ever
// observed from it), not the gap's own upper edge — a peer can have
// produced patches past the gap that this node has already received.
func (e *Engine) detectGaps() {
	for peer, p := range e.peers {
		if p.lastSeenSeq >= p.highestSeq {
			continue
		}
		minSeq := p.lastSeenSeq + 1
		maxSeq := p.highestSeq
		if span := maxSeq - minSeq + 1; span > int64(e.cfg.MaxPatchPerRetransmission) {
			maxSeq = minSeq + int64(e.cfg.MaxPatchPerRetransmission) - 1
		}
		e.publish(message.MissingPatchRequest{
			Peer:    peer,
			MinSeq:  minSeq,
			MaxSeq:  maxSeq,
			ForPeer: e.peerID,
		})
		if e.metrics != nil {
			e.metrics.RetransmissionsSent.WithLabelValues(peerLabel(peer)).Inc()
		}
	}
}

// gc deletes patch rows with _patchedAt < encode(now - retention, 0)
// from every *_patches table. A patch row past the retention window
// has long since been folded into the base table by merge — the row
// itself only still matters to a peer catching up from far behind,
// which retention accepts as a tradeoff against unbounded growth.
func (e *Engine) gc(ctx context.Context, nowMS int64) error {
	cutoffUnixMS := nowMS - e.cfg.MaxPatchRetention.Milliseconds()
	cutoff := int64(hlc.Encode(cutoffUnixMS, 0))

	rows, err := e.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE '%\_patches' ESCAPE '\'`)
	if err != nil {
		return fmt.Errorf("engine: gc: list patch tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("engine: gc: scan patch table: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("engine: gc: read patch table list: %w", err)
	}
	rows.Close()

	var totalDeleted int64
	for _, table := range tables {
		q := fmt.Sprintf(`DELETE FROM %s WHERE _patchedAt < ?`, sqlstore.QuoteIdent(table))
		res, err := e.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return fmt.Errorf("engine: gc: delete from %q: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("engine: gc: rows affected for %q: %w", table, err)
		}
		totalDeleted += n
	}

	if e.metrics != nil {
		e.metrics.GCRuns.Inc()
		e.metrics.GCRowsDeleted.Add(float64(totalDeleted))
	}
	e.logger.Info("retention gc complete", zap.Int("tables", len(tables)), zap.Int64("rows_deleted", totalDeleted))
	return nil
}
