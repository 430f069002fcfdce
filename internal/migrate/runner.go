// Package migrate applies forward and rollback schema migrations and
// recovers a restarted node's per-peer sequence counter from whatever
// patch tables already exist.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rachitkumar205/patchmesh/internal/hlc"
	"github.com/rachitkumar205/patchmesh/internal/sqlstore"
)

// Migration is one forward/rollback pair. The version of a schema is
// the length of the migration slice a caller passes to Run — there is
// no separately tracked "current version" input, only the list itself.
type Migration struct {
	Up   string
	Down string
}

// Result reports the before/after version and the peer-sequence state
// recovered from existing patch tables, so the engine can resume
// exactly where a previous process left off.
type Result struct {
	PrevVersion int
	CurrVersion int

	// LastSequenceID is the highest _sequenceId this peer has ever
	// written, across every *_patches table, or 0 on a fresh database.
	LastSequenceID int64
	// LastPatchAt is the HLC paired with LastSequenceID, or 0 if none.
	LastPatchAt hlc.Value
}

const migrationsTableDDL = `
CREATE TABLE IF NOT EXISTS migrations (
	id INTEGER PRIMARY KEY,
	up TEXT NOT NULL,
	down TEXT NOT NULL,
	applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`

// Runner applies migrations against a single database handle.
type Runner struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewRunner(db *sql.DB, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{db: db, logger: logger}
}

// Run brings the schema to len(migrations), in either direction, then
// recovers this peer's sequence counter. It must be called once,
// before any upsert or receive_patch, on every process start.
func (r *Runner) Run(ctx context.Context, selfPeer int64, migrations []Migration) (Result, error) {
	if _, err := r.db.ExecContext(ctx, migrationsTableDDL); err != nil {
		return Result{}, fmt.Errorf("migrate: ensure migrations table: %w", err)
	}

	applied, err := r.maxAppliedID(ctx)
	if err != nil {
		return Result{}, err
	}

	target := len(migrations)
	res := Result{PrevVersion: applied, CurrVersion: target}

	switch {
	case target > applied:
		if err := r.applyForward(ctx, migrations, applied, target); err != nil {
			return Result{}, err
		}
	case target < applied:
		if err := r.applyRollback(ctx, target, applied); err != nil {
			return Result{}, err
		}
	default:
		r.logger.Debug("schema already at target version", zap.Int("version", target))
	}

	lastSeq, lastAt, err := r.initPeerSequence(ctx, selfPeer)
	if err != nil {
		return Result{}, err
	}
	res.LastSequenceID = lastSeq
	res.LastPatchAt = lastAt
	return res, nil
}

func (r *Runner) maxAppliedID(ctx context.Context) (int, error) {
	var max sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(id) FROM migrations`).Scan(&max); err != nil {
		return 0, fmt.Errorf("migrate: read applied version: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

func (r *Runner) applyForward(ctx context.Context, migrations []Migration, applied, target int) error {
	for i := applied + 1; i <= target; i++ {
		m := migrations[i-1]
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrate: begin tx for migration %d: %w", i, err)
		}
		if err := r.execMigration(ctx, tx, m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate: apply migration %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO migrations (id, up, down) VALUES (?, ?, ?)`, i, m.Up, m.Down,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate: record migration %d: %w", i, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate: commit migration %d: %w", i, err)
		}
		r.logger.Info("applied migration", zap.Int("id", i))
	}
	return nil
}

func (r *Runner) applyRollback(ctx context.Context, target, applied int) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, down FROM migrations WHERE id > ? ORDER BY id DESC`, target)
	if err != nil {
		return fmt.Errorf("migrate: load rollback set: %w", err)
	}
	type applied2 struct {
		id   int
		down string
	}
	var toRollback []applied2
	for rows.Next() {
		var a applied2
		if err := rows.Scan(&a.id, &a.down); err != nil {
			rows.Close()
			return fmt.Errorf("migrate: scan rollback row: %w", err)
		}
		toRollback = append(toRollback, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("migrate: read rollback set: %w", err)
	}
	rows.Close()

	for _, a := range toRollback {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrate: begin tx for rollback %d: %w", a.id, err)
		}
		if err := r.execMigration(ctx, tx, a.down); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate: rollback migration %d: %w", a.id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM migrations WHERE id = ?`, a.id); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate: delete migration row %d: %w", a.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate: commit rollback %d: %w", a.id, err)
		}
		r.logger.Info("rolled back migration", zap.Int("id", a.id))
	}
	return nil
}

// execMigration runs every semicolon-separated statement in a
// migration body. sqlite's driver does not execute multiple
// statements in a single Exec call, so a migration body with several
// DDL statements has to be split and run one at a time inside the tx.
func (r *Runner) execMigration(ctx context.Context, tx *sql.Tx, body string) error {
	for _, stmt := range strings.Split(body, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// initPeerSequence scans every table whose name ends in _patches and
// returns the maximum _sequenceId/_patchedAt this peer has ever
// written. Until this has run, the engine treats last_sequence_id as
// -1 and rejects writes.
func (r *Runner) initPeerSequence(ctx context.Context, selfPeer int64) (int64, hlc.Value, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE '%\_patches' ESCAPE '\'`)
	if err != nil {
		return 0, 0, fmt.Errorf("migrate: list patch tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("migrate: scan patch table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, fmt.Errorf("migrate: read patch table list: %w", err)
	}
	rows.Close()

	var (
		maxSeq int64
		maxAt  int64
	)
	for _, table := range tables {
		var seq, at sql.NullInt64
		q := fmt.Sprintf(
			`SELECT MAX(_sequenceId), MAX(_patchedAt) FROM %s WHERE _peerId = ?`,
			sqlstore.QuoteIdent(table),
		)
		if err := r.db.QueryRowContext(ctx, q, selfPeer).Scan(&seq, &at); err != nil {
			return 0, 0, fmt.Errorf("migrate: scan max sequence for %q: %w", table, err)
		}
		if seq.Valid && seq.Int64 > maxSeq {
			maxSeq = seq.Int64
		}
		if at.Valid && at.Int64 > maxAt {
			maxAt = at.Int64
		}
	}
	return maxSeq, hlc.Value(maxAt), nil
}
