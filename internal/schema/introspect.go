// Package schema reads column and primary-key information back out of
// the embedded store via PRAGMA table_info, and vets identifiers
// against sqlite_master before they are woven into any DDL or DML.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rachitkumar205/patchmesh/internal/sqlstore"
)

// Column describes one column of a table as reported by
// PRAGMA table_info.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
}

// Table is the ordered column list and the primary-key subset for one
// base table.
type Table struct {
	Name    string
	Columns []Column
}

// ColumnNames returns every column in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// PrimaryKey returns the primary-key columns, in the order sqlite
// assigns them their pk index.
func (t Table) PrimaryKey() []string {
	var pk []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// NonPrimaryKey returns every column that is not part of the primary
// key, the set the CRDT merge's SET clause iterates over.
func (t Table) NonPrimaryKey() []string {
	var cols []string
	for _, c := range t.Columns {
		if !c.PrimaryKey {
			cols = append(cols, c.Name)
		}
	}
	return cols
}

// ErrNoPrimaryKey is returned when a table has no primary key: a
// replicated table without one is a configuration error and must be
// rejected loudly at first upsert rather than merged nondeterministically.
type ErrNoPrimaryKey struct {
	Table string
}

func (e *ErrNoPrimaryKey) Error() string {
	return fmt.Sprintf("schema: table %q has no primary key", e.Table)
}

// ErrUnknownTable is wrapped into Introspect's error when table is not
// present in sqlite_master. Its _patches sibling is not checked.
var ErrUnknownTable = errors.New("schema: unknown table")

// Exists reports whether a table is present in sqlite_master. Every
// identifier that ends up interpolated into a query (table names
// cannot be bound as parameters) must pass this check first.
func Exists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&name)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("schema: checking existence of %q: %w", table, err)
	default:
		return true, nil
	}
}

// Introspect reads the ordered column list and primary-key columns of
// table via PRAGMA table_info. table must already be known-good
// (checked with Exists, or the result of a migration this process
// just ran) since PRAGMA does not accept bound parameters.
func Introspect(ctx context.Context, db *sql.DB, table string) (Table, error) {
	ok, err := Exists(ctx, db, table)
	if err != nil {
		return Table{}, err
	}
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", sqlstore.QuoteIdent(table)))
	if err != nil {
		return Table{}, fmt.Errorf("schema: table_info(%q): %w", table, err)
	}
	defer rows.Close()

	t := Table{Name: table}
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &primaryKey); err != nil {
			return Table{}, fmt.Errorf("schema: scanning table_info(%q): %w", table, err)
		}
		t.Columns = append(t.Columns, Column{Name: name, Type: ctype, PrimaryKey: primaryKey > 0})
	}
	if err := rows.Err(); err != nil {
		return Table{}, fmt.Errorf("schema: reading table_info(%q): %w", table, err)
	}

	if len(t.PrimaryKey()) == 0 {
		return Table{}, &ErrNoPrimaryKey{Table: table}
	}
	return t, nil
}
