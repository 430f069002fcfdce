package engine

import (
	"context"
	"database/sql"
	"testing"

	"go.uber.org/zap"

	"github.com/rachitkumar205/patchmesh/internal/hlc"
	"github.com/rachitkumar205/patchmesh/internal/message"
	"github.com/rachitkumar205/patchmesh/internal/migrate"
	"github.com/rachitkumar205/patchmesh/internal/sqlstore"
)

var usersMigration = []migrate.Migration{
	{
		Up: `
			CREATE TABLE users (
				id INTEGER PRIMARY KEY,
				name TEXT,
				deletedAt INTEGER
			);
			CREATE TABLE users_patches (
				_patchedAt INTEGER NOT NULL,
				_sequenceId INTEGER NOT NULL,
				_peerId INTEGER NOT NULL,
				id INTEGER,
				name TEXT,
				deletedAt INTEGER,
				PRIMARY KEY (_patchedAt, _sequenceId, _peerId)
			);
		`,
		Down: `DROP TABLE users_patches; DROP TABLE users;`,
	},
}

func newTestEngine(t *testing.T, peerID int64) (*Engine, *sql.DB) {
	t.Helper()
	db, err := sqlstore.Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	e := New(db, peerID, Config{}, zap.NewNop(), nil)
	if _, err := e.Migrate(context.Background(), usersMigration); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return e, db
}

func userName(t *testing.T, db *sql.DB, id int64) (string, bool) {
	t.Helper()
	var name sql.NullString
	err := db.QueryRow(`SELECT name FROM users WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return name.String, true
}

// Scenario 1: single-node upsert.
func TestEngine_SingleNodeUpsert(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, 42)

	token, err := e.Upsert(ctx, "users", map[string]any{"id": int64(1), "name": "A"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if token != "42.1" {
		t.Errorf("token = %q, want %q", token, "42.1")
	}

	name, ok := userName(t, db, 1)
	if !ok || name != "A" {
		t.Errorf("users.name = %q, ok=%v, want %q", name, ok, "A")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users_patches WHERE _peerId = 42 AND _sequenceId = 1`).Scan(&count); err != nil {
		t.Fatalf("count patches: %v", err)
	}
	if count != 1 {
		t.Errorf("users_patches rows for peer 42 seq 1 = %d, want 1", count)
	}
}

// Scenario 2: LWW on the same row, same engine.
func TestEngine_LWWSameRow(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t, 42)

	if _, err := e.Upsert(ctx, "users", map[string]any{"id": int64(1), "name": "A"}); err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	if _, err := e.Upsert(ctx, "users", map[string]any{"id": int64(1), "name": "B"}); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	name, ok := userName(t, db, 1)
	if !ok || name != "B" {
		t.Errorf("users.name = %q, ok=%v, want %q", name, ok, "B")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users_patches`).Scan(&count); err != nil {
		t.Fatalf("count patches: %v", err)
	}
	if count != 2 {
		t.Errorf("users_patches row count = %d, want 2", count)
	}
}

// Scenario 7: restart resume picks the sequence counter back up.
func TestEngine_RestartResume(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	e1 := New(db, 42, Config{}, zap.NewNop(), nil)
	if _, err := e1.Migrate(ctx, usersMigration); err != nil {
		t.Fatalf("migrate 1: %v", err)
	}
	if _, err := e1.Upsert(ctx, "users", map[string]any{"id": int64(1), "name": "A"}); err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	if _, err := e1.Upsert(ctx, "users", map[string]any{"id": int64(1), "name": "B"}); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	e2 := New(db, 42, Config{}, zap.NewNop(), nil)
	res, err := e2.Migrate(ctx, usersMigration)
	if err != nil {
		t.Fatalf("migrate 2: %v", err)
	}
	if res.LastSequenceID != 2 {
		t.Errorf("LastSequenceID = %d, want 2", res.LastSequenceID)
	}

	token, err := e2.Upsert(ctx, "users", map[string]any{"id": int64(1), "name": "C"})
	if err != nil {
		t.Fatalf("upsert 3: %v", err)
	}
	if token != "42.3" {
		t.Errorf("token = %q, want %q", token, "42.3")
	}
}

func TestEngine_UpsertMissingPrimaryKey(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, 42)
	if _, err := e.Upsert(ctx, "users", map[string]any{"name": "A"}); err == nil {
		t.Fatal("expected error for missing primary key")
	}
}

func TestEngine_IsConsistent(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, 1)

	if !e.IsConsistent(99, 5) {
		t.Error("unknown peer should be optimistically consistent")
	}

	base := hlc.Encode(hlc.EpochMS, 0)
	if err := e.ReceivePatch(ctx, message.Patch{
		At: base, Peer: 2, Seq: 1, Table: "users",
		Delta: map[string]sqlstore.Value{"id": sqlstore.IntValue(1), "name": sqlstore.TextValue("a")},
	}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !e.IsConsistent(2, 1) {
		t.Error("peer 2 should be consistent up to seq 1")
	}
	if e.IsConsistent(2, 2) {
		t.Error("peer 2 should not be consistent up to a seq it hasn't reached")
	}

	if err := e.ReceivePatch(ctx, message.Patch{
		At: base + 2, Peer: 2, Seq: 3, Table: "users",
		Delta: map[string]sqlstore.Value{"id": sqlstore.IntValue(1), "name": sqlstore.TextValue("c")},
	}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !e.IsConsistent(2, 1) {
		t.Error("peer 2 should still be consistent up to seq 1, below the open gap")
	}
	if e.IsConsistent(2, 3) {
		t.Error("peer 2 should not be consistent up to seq 3 while seq 2 is missing")
	}
}

func TestEngine_UpsertBeforeMigrateFails(t *testing.T) {
	db, err := sqlstore.Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	e := New(db, 42, Config{}, zap.NewNop(), nil)
	if _, err := e.Upsert(context.Background(), "users", map[string]any{"id": int64(1)}); err != ErrNotMigrated {
		t.Errorf("err = %v, want ErrNotMigrated", err)
	}
}
