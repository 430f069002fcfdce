package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rachitkumar205/patchmesh/internal/hlc"
	"github.com/rachitkumar205/patchmesh/internal/message"
	"github.com/rachitkumar205/patchmesh/internal/schema"
	"github.com/rachitkumar205/patchmesh/internal/sqlstore"
)

// Upsert writes one patch for table and publishes it on Outbound. row
// must contain every primary-key column of table; any base column it
// omits is left unchanged wherever this patch is later merged. The
// returned token is "<peer_id>.<sequence_id>", the session handle the
// source's own Put returns.
func (e *Engine) Upsert(ctx context.Context, table string, row map[string]any) (string, error) {
	delta := make(map[string]sqlstore.Value, len(row))
	for k, v := range row {
		delta[k] = sqlstore.FromAny(v)
	}
	return e.write(ctx, table, delta)
}

// Delete tombstones the row identified by key: the primary-key columns
// must be present. deletedAt is an ordinary mirrored column like any
// other — a migration that wants tombstones declares it on the base
// table, and it merges by the same coalesce(excluded.c, c) rule, so
// the latest-HLC delete always wins over an older resurrection.
func (e *Engine) Delete(ctx context.Context, table string, key map[string]any) (string, error) {
	delta := make(map[string]sqlstore.Value, len(key)+1)
	for k, v := range key {
		delta[k] = sqlstore.FromAny(v)
	}
	return e.writeTombstone(ctx, table, delta)
}

func (e *Engine) write(ctx context.Context, table string, delta map[string]sqlstore.Value) (string, error) {
	return e.apply(ctx, table, delta, nil)
}

func (e *Engine) writeTombstone(ctx context.Context, table string, delta map[string]sqlstore.Value) (string, error) {
	return e.apply(ctx, table, delta, func(at hlc.Value) {
		delta["deletedAt"] = sqlstore.IntValue(int64(at))
	})
}

func (e *Engine) apply(ctx context.Context, table string, delta map[string]sqlstore.Value, onCreate func(hlc.Value)) (string, error) {
	if err := e.requireMigrated(); err != nil {
		return "", err
	}

	t, err := schema.Introspect(ctx, e.db, table)
	if err != nil {
		return "", err
	}
	for _, pkCol := range t.PrimaryKey() {
		if v, ok := delta[pkCol]; !ok || v.Kind == sqlstore.KindNull {
			return "", fmt.Errorf("%w: %q", ErrMissingPrimaryKey, pkCol)
		}
	}

	at := e.clock.Create()
	if onCreate != nil {
		onCreate(at)
	}
	seq := e.lastSequenceID + 1

	if _, err := e.insertPatchRow(ctx, table, t, at, seq, e.peerID, delta); err != nil {
		return "", err
	}

	e.lastSequenceID = seq
	e.lastPatchAt = at

	if err := e.merge(ctx, table, at); err != nil {
		return "", err
	}

	if e.metrics != nil {
		e.metrics.PatchesWritten.Inc()
	}

	e.publish(message.Patch{
		At:            at,
		Peer:          e.peerID,
		Seq:           seq,
		SchemaVersion: 0,
		Table:         table,
		Delta:         delta,
	})

	return fmt.Sprintf("%d.%d", e.peerID, seq), nil
}

// insertPatchRow appends one row to table's *_patches table using
// INSERT OR IGNORE, so a primary-key collision on (_patchedAt,
// _sequenceId, _peerId) — a duplicate delivery of a patch already on
// disk — is silently absorbed instead of erroring. It reports whether
// the row was actually new.
func (e *Engine) insertPatchRow(ctx context.Context, table string, t schema.Table, at hlc.Value, seq int64, peer int64, delta map[string]sqlstore.Value) (bool, error) {
	cols := []string{"_patchedAt", "_sequenceId", "_peerId"}
	args := []any{int64(at), seq, peer}

	for _, c := range t.ColumnNames() {
		cols = append(cols, c)
		v, ok := delta[c]
		if !ok {
			v = sqlstore.Null
		}
		args = append(args, v.Driver())
	}

	quotedCols := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = sqlstore.QuoteIdent(c)
		placeholders[i] = "?"
	}

	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		sqlstore.QuoteIdent(patchTableName(table)), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	res, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("engine: insert patch row into %q: %w", patchTableName(table), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("engine: insert patch row into %q: %w", patchTableName(table), err)
	}
	e.logger.Debug("inserted patch row",
		zap.String("table", table), zap.Int64("peer_id", peer), zap.Int64("seq", seq), zap.String("at", at.String()))
	return n > 0, nil
}
